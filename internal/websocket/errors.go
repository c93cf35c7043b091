package websocket

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrHoldOverflow     = errors.New("too many frames held before the first frame")
)

// Registry errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
)

// Handler errors
var (
	ErrMissingSession = errors.New("missing session_id query parameter")
	ErrMalformedFrame = errors.New("malformed command frame")
)
