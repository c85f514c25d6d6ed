package crypto

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HtpasswdEntry returns an htpasswd line for the given user, hashing the
// password with bcrypt. The result is accepted by nginx auth_basic.
func HtpasswdEntry(user, password string) (string, error) {
	if strings.ContainsAny(user, ":\n") || strings.TrimSpace(user) == "" {
		return "", fmt.Errorf("invalid htpasswd user %q", user)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return user + ":" + string(hash), nil
}

// VerifyHtpasswdEntry checks a plaintext password against an htpasswd line
// produced by HtpasswdEntry.
func VerifyHtpasswdEntry(entry, password string) error {
	_, hash, ok := strings.Cut(entry, ":")
	if !ok {
		return fmt.Errorf("malformed htpasswd entry")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
