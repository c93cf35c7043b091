package auth

import "errors"

var (
	ErrEmptySecret   = errors.New("token secret cannot be empty")
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrInvalidClaims = errors.New("token claims do not describe a known actor")
)
