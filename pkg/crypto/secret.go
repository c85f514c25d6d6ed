package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateAppKey returns a Laravel-compatible application key: 32 random
// bytes, base64 encoded, with the "base64:" prefix expected in .env files.
func GenerateAppKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate app key: %w", err)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(raw), nil
}

// GeneratePassword returns a random alphanumeric password of the given
// length, suitable for database credentials written to an env file.
func GeneratePassword(length int) (string, error) {
	if length <= 0 {
		length = 24
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
