package pop3

import (
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/helpers"
	"github.com/migadu/popd/identity"
)

// maxResponseText keeps "-ERR " + text + CRLF within the 512 octet line
// limit of RFC 2449.
const maxResponseText = 505

// cmdError is a protocol-level failure. It is reported to the client as a
// negative response and the session continues.
type cmdError struct {
	msg string
}

func (e *cmdError) Error() string {
	return e.msg
}

func newCmdError(format string, args ...any) error {
	return &cmdError{msg: fmt.Sprintf(format, args...)}
}

// errSessionEnded is returned by handlers that have already written their
// final response and want the connection closed.
var errSessionEnded = errors.New("session ended")

func truncateResponse(msg string) string {
	if len(msg) > maxResponseText {
		return msg[:maxResponseText]
	}
	return msg
}

// authErrorResponse maps a provider failure to the text sent to the client.
// The mapping never distinguishes an unknown account from a wrong secret.
func authErrorResponse(err error) string {
	switch {
	case errors.Is(err, identity.ErrNoSuchAccount), errors.Is(err, identity.ErrAuthFailed):
		return "invalid username/password"
	case errors.Is(err, identity.ErrPasswordExpired):
		return "your password has expired"
	case errors.Is(err, identity.ErrMaintenance):
		return "your account is having maintenance performed; try again later"
	case errors.Is(err, identity.ErrPOP3Disabled):
		return "pop access not enabled for account"
	default:
		return err.Error()
	}
}

// storeErrorResponse maps a mailbox store failure to a negative response.
// Unrecognized errors get a generic text; the details only go to the log.
func storeErrorResponse(err error) string {
	switch {
	case errors.Is(err, consts.ErrMailboxNotFound):
		return consts.ErrMailboxNotFound.Error()
	case errors.Is(err, consts.ErrMessageNotAvailable):
		return consts.ErrMessageNotAvailable.Error()
	default:
		return consts.ErrInternalError.Error()
	}
}

func (s *POP3Session) sendOK(msg string) error {
	return s.sendResponse("+OK", msg, true)
}

// sendOKNoFlush starts a multi-line response.
func (s *POP3Session) sendOKNoFlush(msg string) error {
	return s.sendResponse("+OK", msg, false)
}

func (s *POP3Session) sendERR(msg string) error {
	return s.sendResponse("-ERR", truncateResponse(msg), true)
}

// sendContinuation sends a SASL server challenge, already base64 encoded.
func (s *POP3Session) sendContinuation(challenge string) error {
	return s.sendLine("+ "+challenge, true)
}

func (s *POP3Session) sendResponse(status, msg string, flush bool) error {
	response := status
	if msg != "" {
		response = status + " " + msg
	}
	if strings.HasPrefix(status, "-") {
		cl := s.currentCommandLine
		if cl == "" {
			cl = "<none>"
		}
		s.InfoLog("%s (%s)", response, helpers.MaskSensitive(cl, "PASS", "AUTH"))
	}
	return s.sendLine(response, flush)
}

func (s *POP3Session) sendLine(line string, flush bool) error {
	if _, err := s.writer.WriteString(line); err != nil {
		return err
	}
	if _, err := s.writer.WriteString("\r\n"); err != nil {
		return err
	}
	if flush {
		return s.writer.Flush()
	}
	return nil
}
