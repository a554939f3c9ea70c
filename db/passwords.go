package db

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var errPasswordMismatch = errors.New("invalid password")

// passwordScheme verifies passwords stored under one hash prefix. The prefix
// is stripped from the stored value before verify is called.
type passwordScheme struct {
	prefix string
	verify func(stored, password string) error
}

// passwordSchemes are tried in order; more specific prefixes come first.
// The bare bcrypt prefixes are kept in the stored value since they are part
// of the bcrypt encoding itself.
var passwordSchemes = []passwordScheme{
	{"{SSHA512.HEX}", saltedSHA512(hex.DecodeString)},
	{"{SSHA512.b64}", saltedSHA512(base64.StdEncoding.DecodeString)},
	{"{SSHA512}", saltedSHA512(base64.StdEncoding.DecodeString)},
	{"{BLF-CRYPT}", verifyBcrypt},
	{"$2a$", withPrefix("$2a$", verifyBcrypt)},
	{"$2b$", withPrefix("$2b$", verifyBcrypt)},
	{"$2y$", withPrefix("$2y$", verifyBcrypt)},
}

// verifyPassword checks password against a stored hash. Hashes in a scheme
// popd does not know never match.
func verifyPassword(stored, password string) error {
	for _, scheme := range passwordSchemes {
		if rest, ok := strings.CutPrefix(stored, scheme.prefix); ok {
			return scheme.verify(rest, password)
		}
	}
	return errors.New("unknown password hash scheme")
}

func withPrefix(prefix string, verify func(string, string) error) func(string, string) error {
	return func(rest, password string) error {
		return verify(prefix+rest, password)
	}
}

func verifyBcrypt(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return errPasswordMismatch
	}
	return nil
}

// saltedSHA512 verifies Dovecot style SSHA512 values: the SHA512 digest of
// password+salt followed by the salt, in the given encoding.
func saltedSHA512(decode func(string) ([]byte, error)) func(string, string) error {
	return func(encoded, password string) error {
		raw, err := decode(encoded)
		if err != nil {
			return fmt.Errorf("malformed SSHA512 hash: %w", err)
		}
		if len(raw) <= sha512.Size {
			return errors.New("malformed SSHA512 hash: no salt")
		}
		digest, salt := raw[:sha512.Size], raw[sha512.Size:]

		sum := sha512.Sum512(append([]byte(password), salt...))
		if subtle.ConstantTimeCompare(digest, sum[:]) != 1 {
			return errPasswordMismatch
		}
		return nil
	}
}

// GenerateBcryptHash hashes a new password in the {BLF-CRYPT} scheme.
func GenerateBcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return "{BLF-CRYPT}" + string(hash), nil
}
