// Package attendance runs the two-step presence check: a fresh selfie,
// then the session's short-lived attendance code.
package attendance

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"podium/pkg/interfaces"
	"podium/pkg/types"
)

// Policy bounds the verification pipeline
type Policy struct {
	MaxCodeAttempts int
	MaxImageBytes   int
}

// DefaultPolicy returns the production limits
func DefaultPolicy() Policy {
	return Policy{
		MaxCodeAttempts: 5,
		MaxImageBytes:   5 << 20,
	}
}

// Verifier owns AttendanceRecord transitions. Mutating calls expect the
// caller to hold the session's exclusive section.
type Verifier struct {
	store  interfaces.SessionStore
	blobs  interfaces.BlobStore
	clock  interfaces.Clock
	policy Policy
}

// NewVerifier creates a verifier
func NewVerifier(store interfaces.SessionStore, blobs interfaces.BlobStore, clock interfaces.Clock, policy Policy) *Verifier {
	return &Verifier{
		store:  store,
		blobs:  blobs,
		clock:  clock,
		policy: policy,
	}
}

// BeginSelfie stores the capture and moves the record to awaiting_code.
// A retake while awaiting_code replaces the reference; a rejected record
// restarts with a clean attempt counter.
func (v *Verifier) BeginSelfie(ctx context.Context, session *types.ClassroomSession, studentID string, image []byte) (*types.AttendanceRecord, error) {
	record, err := v.store.GetAttendance(ctx, session.ID, studentID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		record = &types.AttendanceRecord{
			SessionID: session.ID,
			StudentID: studentID,
			Stage:     types.StageAwaitingSelfie,
		}
	case err != nil:
		return nil, err
	}

	// A verified student is told so whatever they send and whenever
	if record.Stage == types.StageVerified {
		return nil, types.ErrDuplicateAttendance
	}

	if len(image) == 0 {
		return nil, types.ErrEmptyImage
	}
	if v.policy.MaxImageBytes > 0 && len(image) > v.policy.MaxImageBytes {
		return nil, types.ErrImageTooLarge
	}

	now := v.clock.Now()
	if !session.AttendanceOpen(now) {
		return nil, types.ErrSessionClosed
	}

	ref, err := v.blobs.Put(ctx, session.ID+"/"+studentID, http.DetectContentType(image), image)
	if err != nil {
		return nil, fmt.Errorf("%w: selfie upload: %w", types.ErrStorageUnavailable, err)
	}

	if record.Stage == types.StageRejected {
		record.FailedAttempts = 0
		record.RejectedAt = nil
	}
	record.Stage = types.StageAwaitingCode
	record.SelfieRef = ref
	record.SelfieAt = &now
	record.UpdatedAt = now

	if err := v.store.PutAttendance(ctx, record); err != nil {
		return nil, err
	}

	log.Printf("Selfie captured: session=%s student=%s ref=%s", session.ID, studentID, ref)
	return record, nil
}

// SubmitCode checks the scanned code against the session's active code.
// Checks run in a fixed order: stage, code presence, expiry, match.
// Mismatches are counted and persisted before the error is returned.
func (v *Verifier) SubmitCode(ctx context.Context, session *types.ClassroomSession, studentID, code string) (*types.AttendanceRecord, error) {
	record, err := v.store.GetAttendance(ctx, session.ID, studentID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrStageOutOfOrder
	}
	if err != nil {
		return nil, err
	}

	if record.Stage != types.StageAwaitingCode {
		return nil, types.ErrStageOutOfOrder
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, types.ErrEmptyCode
	}

	if !session.IsOpen() {
		return nil, types.ErrSessionClosed
	}

	active := session.Code
	if active.IsZero() {
		return nil, types.ErrCodeInvalid
	}

	now := v.clock.Now()
	if now.After(active.ExpiresAt) {
		return nil, types.ErrCodeExpired
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(active.Value)) != 1 {
		return nil, v.recordFailure(ctx, record, now)
	}

	record.Stage = types.StageVerified
	record.CodeConsumed = active.Value
	record.VerifiedAt = &now
	record.UpdatedAt = now

	if err := v.store.PutAttendance(ctx, record); err != nil {
		return nil, err
	}

	log.Printf("Attendance verified: session=%s student=%s", session.ID, studentID)
	return record, nil
}

func (v *Verifier) recordFailure(ctx context.Context, record *types.AttendanceRecord, now time.Time) error {
	record.FailedAttempts++
	record.UpdatedAt = now
	if v.policy.MaxCodeAttempts > 0 && record.FailedAttempts >= v.policy.MaxCodeAttempts {
		record.Stage = types.StageRejected
		record.RejectedAt = &now
		log.Printf("Attendance rejected: session=%s student=%s attempts=%d",
			record.SessionID, record.StudentID, record.FailedAttempts)
	}

	if err := v.store.PutAttendance(ctx, record); err != nil {
		return err
	}
	return types.ErrCodeInvalid
}

// CheckStatus returns the current record without side effects
func (v *Verifier) CheckStatus(ctx context.Context, sessionID, studentID string) (*types.AttendanceRecord, error) {
	return v.store.GetAttendance(ctx, sessionID, studentID)
}

// List returns the attendance sheet of a session
func (v *Verifier) List(ctx context.Context, sessionID string) ([]*types.AttendanceRecord, error) {
	return v.store.ListAttendance(ctx, sessionID)
}
