package types

import "errors"

// Domain errors are terminal for the calling request and are returned to the
// client as a false-status envelope; they are never retried server-side.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("actor not authorized for this action")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrStageOutOfOrder     = errors.New("selfie must be captured before the code is submitted")
	ErrAlreadyDecided      = errors.New("speak request already decided")
	ErrAlreadyQueued       = errors.New("student already has an active speak request")
	ErrCodeExpired         = errors.New("attendance code expired")
	ErrCodeInvalid         = errors.New("attendance code invalid")
	ErrDuplicateAttendance = errors.New("attendance already verified for this session")
	ErrAtBoundary          = errors.New("slide pointer already at deck boundary")
	ErrSessionClosed       = errors.New("session is closed for this action")
	ErrSessionAlreadyOpen  = errors.New("classroom already has an open session")
)

// Infrastructure errors. ErrStorageUnavailable is retried with bounded
// attempts and must never be reported as a domain failure.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrVersionConflict    = errors.New("record version conflict")
)

// Validation errors
var (
	ErrInvalidUserID      = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot/@ only")
	ErrInvalidClassroomID = errors.New("classroom ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidDeck        = errors.New("deck ID must be non-empty and page count positive")
	ErrInvalidDirection   = errors.New("direction must be 'next' or 'previous'")
	ErrInvalidDecision    = errors.New("decision must be 'accept' or 'reject'")
	ErrEmptyImage         = errors.New("selfie image cannot be empty")
	ErrImageTooLarge      = errors.New("selfie image exceeds size limit")
	ErrEmptyCode          = errors.New("attendance code cannot be empty")
	ErrInvalidRole        = errors.New("invalid role: must be 'student' or 'teacher'")
	ErrInvalidWindow      = errors.New("attendance window must be between 1 and 240 minutes")
)

var domainErrors = []error{
	ErrNotFound,
	ErrUnauthorized,
	ErrInvalidTransition,
	ErrStageOutOfOrder,
	ErrAlreadyDecided,
	ErrAlreadyQueued,
	ErrCodeExpired,
	ErrCodeInvalid,
	ErrDuplicateAttendance,
	ErrAtBoundary,
	ErrSessionClosed,
	ErrSessionAlreadyOpen,
}

var validationErrors = []error{
	ErrInvalidUserID,
	ErrInvalidClassroomID,
	ErrInvalidDeck,
	ErrInvalidDirection,
	ErrInvalidDecision,
	ErrEmptyImage,
	ErrImageTooLarge,
	ErrEmptyCode,
	ErrInvalidRole,
	ErrInvalidWindow,
}

// IsDomainError reports whether err is a user-facing state-machine or
// validation failure rather than an infrastructure failure
func IsDomainError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return IsValidationError(err)
}

// IsValidationError reports whether err rejects malformed input
func IsValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the coordinator may re-run the operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrVersionConflict)
}
