package helpers

import (
	"encoding/hex"
	"io"

	"lukechampine.com/blake3"
)

// HashContent returns the hex encoded BLAKE3-256 digest of a message body.
// It is the content hash used for S3 keys, cache paths and UIDL digests.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader computes the same digest as HashContent while streaming r.
func HashReader(r io.Reader) (string, int64, error) {
	h := blake3.New(32, nil)
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
