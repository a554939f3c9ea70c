package pop3

import (
	"bufio"
	"io"
)

// unlimitedBodyLines makes writeMessage send the whole body.
const unlimitedBodyLines = -1

// writeMessage sends a message as the body of a multi-line response.
// Line endings are normalized to CRLF (bare CR and bare LF included),
// lines starting with "." are dot-stuffed, and at most maxBodyLines lines
// after the header/body separator are sent (all of them when negative).
// The terminating ".\r\n" is written and the writer flushed. It returns the
// number of octets written.
func writeMessage(w *bufio.Writer, r io.Reader, maxBodyLines int) (int64, error) {
	src := bufio.NewReader(r)

	var (
		written    int64
		inBody     bool
		bodyLines  int
		lineLength int
	)

	put := func(b ...byte) error {
		n, err := w.Write(b)
		written += int64(n)
		return err
	}

	for {
		c, err := src.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}

		if c == '\r' || c == '\n' {
			if c == '\r' {
				next, err := src.ReadByte()
				if err == nil && next != '\n' {
					_ = src.UnreadByte()
				} else if err != nil && err != io.EOF {
					return written, err
				}
			}

			if inBody {
				bodyLines++
			} else if lineLength == 0 {
				inBody = true
			}
			if err := put('\r', '\n'); err != nil {
				return written, err
			}
			lineLength = 0

			if inBody && maxBodyLines >= 0 && bodyLines >= maxBodyLines {
				break
			}
			continue
		}

		if lineLength == 0 && c == '.' {
			if err := put('.'); err != nil {
				return written, err
			}
		}
		if err := put(c); err != nil {
			return written, err
		}
		lineLength++
	}

	if lineLength != 0 {
		if err := put('\r', '\n'); err != nil {
			return written, err
		}
	}
	if err := put('.', '\r', '\n'); err != nil {
		return written, err
	}
	return written, w.Flush()
}
