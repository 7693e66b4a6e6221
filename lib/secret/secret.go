// Package secret generates the random strings handed out to challenge
// instances and their users.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

const (
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// PassphraseAlphabet leaves out characters that are easy to misread.
	PassphraseAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
)

// Token returns nbytes of randomness encoded as unpadded URL-safe base64.
func Token(nbytes int) (string, error) {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func Passphrase(length int) (string, error) {
	return fromAlphabet(PassphraseAlphabet, length)
}

func Flag(length int) (string, error) {
	return fromAlphabet(alphanumeric, length)
}

func fromAlphabet(alphabet string, length int) (string, error) {
	size := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("failed to pick random character: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
