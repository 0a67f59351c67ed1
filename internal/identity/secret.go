package identity

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadSecret is returned when the admin secret does not match.
var ErrBadSecret = errors.New("invalid admin secret")

// HashSecret returns the bcrypt hash of secret for the
// identity.admin_secret_hash setting.
func HashSecret(secret string) (string, error) {
	if len(secret) < 12 {
		return "", fmt.Errorf("admin secret must be at least 12 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin secret: %w", err)
	}
	return string(hash), nil
}

// CheckSecret compares secret against a bcrypt hash. An empty hash never
// matches, which disables the admin exchange.
func CheckSecret(hash, secret string) error {
	if hash == "" {
		return ErrBadSecret
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrBadSecret
	}
	return nil
}
