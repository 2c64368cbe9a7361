package errors

import "errors"

// OAuth client errors. ErrInvalidClient deliberately covers unknown,
// inactive, expired and wrong-secret clients alike.
var (
	ErrInvalidGrant  = errors.New("invalid grant type")
	ErrInvalidClient = errors.New("invalid client credentials")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

// Authorization errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("insufficient permissions")
)

// Resource errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrValidation = errors.New("validation failed")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
