package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong    = errors.New("password must be at most 128 characters")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailAlreadyTaken  = errors.New("email already taken")
	ErrEmailBlocked       = errors.New("disposable email addresses are not allowed")
	ErrLoginDisabled      = errors.New("user login is disabled on this deployment")
)
