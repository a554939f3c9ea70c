package db

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func ssha512(password string, salt []byte) []byte {
	sum := sha512.Sum512(append([]byte(password), salt...))
	return append(sum[:], salt...)
}

func TestVerifyPassword(t *testing.T) {
	blf, err := GenerateBcryptHash("secret")
	require.NoError(t, err)

	raw, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	salted := ssha512("secret", []byte("saltsalt"))

	tests := []struct {
		name string
		hash string
	}{
		{"BLF-CRYPT", blf},
		{"bare bcrypt", string(raw)},
		{"SSHA512 base64", "{SSHA512}" + base64.StdEncoding.EncodeToString(salted)},
		{"SSHA512 explicit base64", "{SSHA512.b64}" + base64.StdEncoding.EncodeToString(salted)},
		{"SSHA512 hex", "{SSHA512.HEX}" + hex.EncodeToString(salted)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, verifyPassword(tt.hash, "secret"))
			assert.Error(t, verifyPassword(tt.hash, "wrong"))
		})
	}
}

func TestVerifyPasswordInvalidHashes(t *testing.T) {
	assert.Error(t, verifyPassword("plaintext", "plaintext"), "unknown schemes never match")
	assert.Error(t, verifyPassword("{SSHA512}!!!", "x"))
	assert.Error(t, verifyPassword("{SSHA512.HEX}zz", "x"))
	assert.Error(t, verifyPassword("{BLF-CRYPT}not-bcrypt", "x"))

	unsalted := sha512.Sum512([]byte("x"))
	assert.Error(t, verifyPassword("{SSHA512}"+base64.StdEncoding.EncodeToString(unsalted[:]), "x"),
		"a digest without salt is rejected")
}
