package router

import (
	"errors"
	"fmt"

	"podium/pkg/types"
)

var (
	ErrUnknownCommand      = errors.New("unknown command type")
	ErrUnauthorizedCommand = fmt.Errorf("%w: command not allowed for role", types.ErrUnauthorized)
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrSenderNotConnected  = errors.New("sender not connected")
	ErrMissingRequestID    = errors.New("cancelSpeak requires request_id")
	ErrMissingSession      = errors.New("event has no session")
)
