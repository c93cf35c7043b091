// Package session owns the lifecycle of classroom sessions: opening and
// closing them, publishing attendance codes and keeping the roster.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

// MaxAttendanceMinutes bounds the attendance window a teacher may request
const MaxAttendanceMinutes = 240

// Policy holds the session-level timing knobs
type Policy struct {
	AttendanceWindow time.Duration
	CodeTTL          time.Duration
}

// DefaultPolicy returns the production defaults
func DefaultPolicy() Policy {
	return Policy{
		AttendanceWindow: 15 * time.Minute,
		CodeTTL:          60 * time.Second,
	}
}

// Manager opens and closes sessions and tracks which classroom is live.
// Mutating calls expect the caller to hold the session's exclusive section.
type Manager struct {
	store  interfaces.SessionStore
	clock  interfaces.Clock
	policy Policy

	openByClassroom map[string]string // classroomID -> sessionID
	mu              sync.RWMutex
}

// NewManager creates a new session manager
func NewManager(store interfaces.SessionStore, clock interfaces.Clock, policy Policy) *Manager {
	return &Manager{
		store:           store,
		clock:           clock,
		policy:          policy,
		openByClassroom: make(map[string]string),
	}
}

// LoadOpenSessions indexes every open session from the store
func (m *Manager) LoadOpenSessions(ctx context.Context) error {
	sessions, err := m.store.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.openByClassroom = make(map[string]string, len(sessions))
	for _, s := range sessions {
		m.openByClassroom[s.ClassroomID] = s.ID
	}

	log.Printf("Loaded %d open sessions", len(sessions))
	return nil
}

// Open starts a new session for a classroom owned by teacherID
func (m *Manager) Open(ctx context.Context, teacherID string, req interfaces.OpenSessionRequest) (*types.ClassroomSession, error) {
	window := m.policy.AttendanceWindow
	if req.AttendanceMinutes != 0 {
		if req.AttendanceMinutes < 1 || req.AttendanceMinutes > MaxAttendanceMinutes {
			return nil, types.ErrInvalidWindow
		}
		window = time.Duration(req.AttendanceMinutes) * time.Minute
	}

	now := m.clock.Now()
	session := &types.ClassroomSession{
		ID:               uuid.New().String(),
		ClassroomID:      req.ClassroomID,
		TeacherID:        teacherID,
		Status:           types.SessionStatusOpen,
		CreatedAt:        now,
		AttendanceEndsAt: now.Add(window),
		Slide:            types.SlidePointer{DeckID: req.DeckID, Revision: 1},
		DeckPageCount:    req.DeckPageCount,
	}
	if req.DeckID != "" {
		session.Slide.Page = 1
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.mu.Lock()
	m.openByClassroom[session.ClassroomID] = session.ID
	m.mu.Unlock()

	log.Printf("Opened session: id=%s classroom=%s teacher=%s attendance_until=%s",
		session.ID, session.ClassroomID, teacherID, session.AttendanceEndsAt.Format(time.RFC3339))
	return session, nil
}

// Close ends the session. The active code is discarded with it.
func (m *Manager) Close(ctx context.Context, session *types.ClassroomSession, actorID string) error {
	if actorID != session.TeacherID {
		return types.ErrUnauthorized
	}
	if !session.IsOpen() {
		return types.ErrSessionClosed
	}

	previous := session.Clone()
	now := m.clock.Now()
	session.Status = types.SessionStatusClosed
	session.ClosedAt = &now
	session.Code = types.AttendanceCode{}

	if err := m.store.UpdateSession(ctx, session); err != nil {
		*session = *previous
		return fmt.Errorf("failed to close session: %w", err)
	}

	m.forget(session)
	log.Printf("Closed session: id=%s classroom=%s", session.ID, session.ClassroomID)
	return nil
}

// PublishCode replaces the active attendance code with a fresh one valid
// for the policy TTL. Only one code is active per session.
func (m *Manager) PublishCode(ctx context.Context, session *types.ClassroomSession, actorID string) (*types.AttendanceCode, error) {
	if actorID != session.TeacherID {
		return nil, types.ErrUnauthorized
	}
	if !session.IsOpen() {
		return nil, types.ErrSessionClosed
	}

	previous := session.Code
	now := m.clock.Now()
	session.Code = types.AttendanceCode{
		Value:     uuid.New().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(m.policy.CodeTTL),
	}
	if err := m.store.UpdateSession(ctx, session); err != nil {
		session.Code = previous
		return nil, fmt.Errorf("failed to publish code: %w", err)
	}

	log.Printf("Published attendance code: session=%s expires=%s", session.ID, session.Code.ExpiresAt.Format(time.RFC3339))
	code := session.Code
	return &code, nil
}

// Join adds the student to the roster; rejoining clears an earlier leave
func (m *Manager) Join(ctx context.Context, session *types.ClassroomSession, studentID string) (*types.Participant, error) {
	if !types.IsValidUserID(studentID) {
		return nil, types.ErrInvalidUserID
	}
	if !session.IsOpen() {
		return nil, types.ErrSessionClosed
	}

	participant := &types.Participant{
		SessionID: session.ID,
		StudentID: studentID,
		JoinedAt:  m.clock.Now(),
	}
	if err := m.store.UpsertParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}

	log.Printf("Participant joined: session=%s student=%s", session.ID, studentID)
	return participant, nil
}

// Leave stamps the student's leave time. A student that is not present
// gets types.ErrNotFound.
func (m *Manager) Leave(ctx context.Context, session *types.ClassroomSession, studentID string) (*types.Participant, error) {
	participant, err := m.participant(ctx, session.ID, studentID)
	if err != nil {
		return nil, err
	}
	if !participant.Present() {
		return nil, types.ErrNotFound
	}

	now := m.clock.Now()
	if err := m.store.MarkParticipantLeft(ctx, session.ID, studentID, now); err != nil {
		return nil, fmt.Errorf("failed to leave session: %w", err)
	}
	participant.LeftAt = &now

	log.Printf("Participant left: session=%s student=%s", session.ID, studentID)
	return participant, nil
}

// RequirePresent fails with types.ErrNotFound unless the student is on the
// roster and has not left
func (m *Manager) RequirePresent(ctx context.Context, sessionID, studentID string) error {
	participant, err := m.participant(ctx, sessionID, studentID)
	if err != nil {
		return err
	}
	if !participant.Present() {
		return types.ErrNotFound
	}
	return nil
}

// Get retrieves a session by ID
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.ClassroomSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// ForClassroom resolves the open session of a classroom, consulting the
// index before the store
func (m *Manager) ForClassroom(ctx context.Context, classroomID string) (*types.ClassroomSession, error) {
	m.mu.RLock()
	sessionID, ok := m.openByClassroom[classroomID]
	m.mu.RUnlock()

	if ok {
		session, err := m.store.GetSession(ctx, sessionID)
		if err == nil && session.IsOpen() {
			return session, nil
		}
		if err != nil && !types.IsDomainError(err) {
			return nil, err
		}
	}

	session, err := m.store.GetOpenSessionByClassroom(ctx, classroomID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.openByClassroom[classroomID] = session.ID
	m.mu.Unlock()
	return session, nil
}

// Participants returns the roster of a session
func (m *Manager) Participants(ctx context.Context, sessionID string) ([]*types.Participant, error) {
	return m.store.ListParticipants(ctx, sessionID)
}

// OpenCount returns the number of indexed open sessions
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.openByClassroom)
}

func (m *Manager) participant(ctx context.Context, sessionID, studentID string) (*types.Participant, error) {
	roster, err := m.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, p := range roster {
		if p.StudentID == studentID {
			return p, nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *Manager) forget(session *types.ClassroomSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openByClassroom[session.ClassroomID] == session.ID {
		delete(m.openByClassroom, session.ClassroomID)
	}
}
