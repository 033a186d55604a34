package auth

import "errors"

// Authentication errors
var (
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidToken     = errors.New("invalid token")
	ErrWeakPassword     = errors.New("password does not meet requirements")
	ErrInvalidUsername  = errors.New("invalid username format")
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmptyPassword    = errors.New("password cannot be empty")
	ErrPasswordTooShort = errors.New("password is too short")
)
