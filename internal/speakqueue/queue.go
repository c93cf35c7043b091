// Package speakqueue arbitrates the per-session "request to speak" queue.
//
// Order is the per-session Seq assigned under the session's exclusive
// section, so two students tapping at the same instant still get distinct,
// gap-free positions.
package speakqueue

import (
	"context"
	"errors"
	"fmt"
	"log"

	"podium/pkg/interfaces"
	"podium/pkg/types"
)

// Manager owns SpeakRequest transitions. Mutating calls expect the caller to
// hold the session's exclusive section.
type Manager struct {
	store interfaces.SessionStore
	clock interfaces.Clock
	ids   *IDGenerator
}

// NewManager creates a queue manager
func NewManager(store interfaces.SessionStore, clock interfaces.Clock) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ids:   NewIDGenerator(),
	}
}

// Enqueue appends a pending request. When the student already has an active
// request, that request is returned together with types.ErrAlreadyQueued.
func (m *Manager) Enqueue(ctx context.Context, session *types.ClassroomSession, studentID string) (*types.SpeakRequest, error) {
	if !session.IsOpen() {
		return nil, types.ErrSessionClosed
	}

	requests, err := m.store.ListSpeakRequests(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	var maxSeq int64
	for _, r := range requests {
		if r.StudentID == studentID && r.IsActive() {
			return r, types.ErrAlreadyQueued
		}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}

	now := m.clock.Now()
	id, err := m.ids.New(now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	request := &types.SpeakRequest{
		ID:         id,
		SessionID:  session.ID,
		StudentID:  studentID,
		State:      types.SpeakPending,
		Seq:        maxSeq + 1,
		EnqueuedAt: now,
	}
	if err := m.store.PutSpeakRequest(ctx, request); err != nil {
		if errors.Is(err, types.ErrAlreadyQueued) {
			// Lost a race with another writer; report the winner
			if existing, lerr := m.store.LatestSpeakRequest(ctx, session.ID, studentID); lerr == nil && existing.IsActive() {
				return existing, types.ErrAlreadyQueued
			}
			return nil, types.ErrVersionConflict
		}
		return nil, err
	}

	log.Printf("Speak request queued: session=%s student=%s id=%s seq=%d", session.ID, studentID, id, request.Seq)
	return request, nil
}

// Decide accepts or rejects a pending request. Only the session teacher may
// decide; accepting does not touch other pending requests.
func (m *Manager) Decide(ctx context.Context, session *types.ClassroomSession, requestID string, decision types.Decision, actorID string) (*types.SpeakRequest, error) {
	if actorID != session.TeacherID {
		return nil, types.ErrUnauthorized
	}

	request, err := m.load(ctx, session, requestID)
	if err != nil {
		return nil, err
	}
	if request.State != types.SpeakPending {
		return nil, types.ErrAlreadyDecided
	}

	now := m.clock.Now()
	switch decision {
	case types.DecisionAccept:
		request.State = types.SpeakAccepted
	case types.DecisionReject:
		request.State = types.SpeakRejected
	default:
		return nil, types.ErrInvalidDecision
	}
	request.DecidedAt = &now
	request.DecidedBy = actorID

	if err := m.store.PutSpeakRequest(ctx, request); err != nil {
		return nil, err
	}

	log.Printf("Speak request decided: session=%s id=%s decision=%s", session.ID, requestID, decision)
	return request, nil
}

// Cancel withdraws the requester's own request. Cancelling an accepted
// request is a no-op that returns the current state.
func (m *Manager) Cancel(ctx context.Context, session *types.ClassroomSession, requestID, studentID string) (*types.SpeakRequest, error) {
	request, err := m.load(ctx, session, requestID)
	if err != nil {
		return nil, err
	}
	if request.StudentID != studentID {
		return nil, types.ErrUnauthorized
	}

	switch request.State {
	case types.SpeakAccepted:
		return request, nil
	case types.SpeakRejected, types.SpeakCancelled:
		return nil, types.ErrInvalidTransition
	}

	now := m.clock.Now()
	request.State = types.SpeakCancelled
	request.CancelledAt = &now

	if err := m.store.PutSpeakRequest(ctx, request); err != nil {
		return nil, err
	}

	log.Printf("Speak request cancelled: session=%s id=%s", session.ID, requestID)
	return request, nil
}

// ReleaseFloor ends an accepted grant. The teacher or the speaker may release.
func (m *Manager) ReleaseFloor(ctx context.Context, session *types.ClassroomSession, requestID, actorID string) (*types.SpeakRequest, error) {
	request, err := m.load(ctx, session, requestID)
	if err != nil {
		return nil, err
	}
	if actorID != session.TeacherID && actorID != request.StudentID {
		return nil, types.ErrUnauthorized
	}
	if !request.HoldsFloor() {
		return nil, types.ErrInvalidTransition
	}

	now := m.clock.Now()
	request.FloorReleasedAt = &now

	if err := m.store.PutSpeakRequest(ctx, request); err != nil {
		return nil, err
	}

	log.Printf("Floor released: session=%s id=%s by=%s", session.ID, requestID, actorID)
	return request, nil
}

// CloseOut cancels every pending request and releases every floor grant of a
// session that is being closed. Returns the requests that changed.
func (m *Manager) CloseOut(ctx context.Context, session *types.ClassroomSession) ([]*types.SpeakRequest, error) {
	requests, err := m.store.ListSpeakRequests(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	var changed []*types.SpeakRequest
	for _, r := range requests {
		switch {
		case r.State == types.SpeakPending:
			r.State = types.SpeakCancelled
			r.CancelledAt = &now
		case r.HoldsFloor():
			r.FloorReleasedAt = &now
		default:
			continue
		}
		if err := m.store.PutSpeakRequest(ctx, r); err != nil {
			return changed, err
		}
		changed = append(changed, r)
	}
	return changed, nil
}

// CancelPendingFor cancels the student's pending request, if any
func (m *Manager) CancelPendingFor(ctx context.Context, session *types.ClassroomSession, studentID string) (*types.SpeakRequest, error) {
	latest, err := m.store.LatestSpeakRequest(ctx, session.ID, studentID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if latest.State != types.SpeakPending {
		return nil, nil
	}
	return m.Cancel(ctx, session, latest.ID, studentID)
}

// CheckStatus returns the student's latest request and its queue position.
// Position counts the active requests with a lower Seq, so a speaker holding
// the floor stays ahead until released; -1 when not pending.
func (m *Manager) CheckStatus(ctx context.Context, sessionID, studentID string) (*types.SpeakStatus, error) {
	requests, err := m.store.ListSpeakRequests(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var latest *types.SpeakRequest
	for _, r := range requests {
		if r.StudentID == studentID {
			latest = r
		}
	}
	if latest == nil {
		return nil, types.ErrNotFound
	}

	return &types.SpeakStatus{Request: latest, Position: position(requests, latest)}, nil
}

// Pending returns the pending requests in FIFO order
func (m *Manager) Pending(ctx context.Context, sessionID string) ([]*types.SpeakRequest, error) {
	return m.filter(ctx, sessionID, func(r *types.SpeakRequest) bool {
		return r.State == types.SpeakPending
	})
}

// FloorHolders returns the accepted requests whose floor is not released
func (m *Manager) FloorHolders(ctx context.Context, sessionID string) ([]*types.SpeakRequest, error) {
	return m.filter(ctx, sessionID, func(r *types.SpeakRequest) bool {
		return r.HoldsFloor()
	})
}

// Get returns one request by ID
func (m *Manager) Get(ctx context.Context, requestID string) (*types.SpeakRequest, error) {
	return m.store.GetSpeakRequest(ctx, requestID)
}

func (m *Manager) filter(ctx context.Context, sessionID string, keep func(*types.SpeakRequest) bool) ([]*types.SpeakRequest, error) {
	requests, err := m.store.ListSpeakRequests(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.SpeakRequest, 0, len(requests))
	for _, r := range requests {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Manager) load(ctx context.Context, session *types.ClassroomSession, requestID string) (*types.SpeakRequest, error) {
	request, err := m.store.GetSpeakRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.SessionID != session.ID {
		return nil, types.ErrNotFound
	}
	return request, nil
}

func position(requests []*types.SpeakRequest, target *types.SpeakRequest) int {
	if target.State != types.SpeakPending {
		return -1
	}
	ahead := 0
	for _, r := range requests {
		if r.IsActive() && r.Seq < target.Seq {
			ahead++
		}
	}
	return ahead
}
