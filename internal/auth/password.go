package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	passwordHashCost  = 12
	minPasswordLength = 8
)

var (
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrWrongPassword    = errors.New("wrong password")
)

func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrPasswordTooShort
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func CheckPassword(hash, password string) error {
	if strings.TrimSpace(hash) == "" {
		// user registered via OAuth only; no password to check
		return ErrWrongPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}
