package auth

import (
	"net/mail"
	"strings"
)

const maxEmailLength = 254

// ValidateEmail parses and normalises an email address, returning the lowercased form. Returns
// ErrInvalidEmail if the format is invalid or the address exceeds the RFC 5321 maximum of 254
// characters.
func ValidateEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", ErrInvalidEmail
	}

	normalised := strings.ToLower(addr.Address)
	if len(normalised) > maxEmailLength {
		return "", ErrInvalidEmail
	}
	return normalised, nil
}

// ValidatePassword checks that a password is between 8 and 128 characters.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	if len(password) > 128 {
		return ErrPasswordTooLong
	}
	return nil
}
