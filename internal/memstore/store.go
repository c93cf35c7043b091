// Package memstore is an in-process SessionStore. It keeps the same
// compare-and-swap and uniqueness rules as the SQLite store and is used for
// single-node demos and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"podium/pkg/types"
)

type attendanceKey struct {
	sessionID string
	studentID string
}

// Store implements interfaces.SessionStore in memory
type Store struct {
	mu           sync.RWMutex
	sessions     map[string]*types.ClassroomSession
	attendance   map[attendanceKey]*types.AttendanceRecord
	requests     map[string]*types.SpeakRequest
	participants map[attendanceKey]*types.Participant
	closed       bool

	failWrites int
}

// New creates an empty store
func New() *Store {
	return &Store{
		sessions:     make(map[string]*types.ClassroomSession),
		attendance:   make(map[attendanceKey]*types.AttendanceRecord),
		requests:     make(map[string]*types.SpeakRequest),
		participants: make(map[attendanceKey]*types.Participant),
	}
}

// FailWrites makes the next n writes return types.ErrStorageUnavailable
func (s *Store) FailWrites(n int) {
	s.mu.Lock()
	s.failWrites = n
	s.mu.Unlock()
}

// beginWrite must be called with s.mu held for writing
func (s *Store) beginWrite(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: store closed", types.ErrStorageUnavailable)
	}
	if s.failWrites > 0 {
		s.failWrites--
		return fmt.Errorf("%w: injected write failure", types.ErrStorageUnavailable)
	}
	return nil
}

func (s *Store) beginRead(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: store closed", types.ErrStorageUnavailable)
	}
	return nil
}

// CreateSession inserts a new session
func (s *Store) CreateSession(ctx context.Context, session *types.ClassroomSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginWrite(ctx); err != nil {
		return err
	}

	if _, exists := s.sessions[session.ID]; exists {
		return types.ErrVersionConflict
	}
	if session.IsOpen() {
		for _, existing := range s.sessions {
			if existing.IsOpen() && existing.ClassroomID == session.ClassroomID {
				return types.ErrSessionAlreadyOpen
			}
		}
	}

	session.Version = 1
	s.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.ClassroomSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return session.Clone(), nil
}

// GetOpenSessionByClassroom resolves the open session of a classroom
func (s *Store) GetOpenSessionByClassroom(ctx context.Context, classroomID string) (*types.ClassroomSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}

	for _, session := range s.sessions {
		if session.IsOpen() && session.ClassroomID == classroomID {
			return session.Clone(), nil
		}
	}
	return nil, types.ErrNotFound
}

// UpdateSession replaces a session if the version matches
func (s *Store) UpdateSession(ctx context.Context, session *types.ClassroomSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginWrite(ctx); err != nil {
		return err
	}

	current, ok := s.sessions[session.ID]
	if !ok {
		return types.ErrNotFound
	}
	if current.Version != session.Version {
		return types.ErrVersionConflict
	}

	session.Version++
	s.sessions[session.ID] = session.Clone()
	return nil
}

// ListOpenSessions returns all open sessions, newest first
func (s *Store) ListOpenSessions(ctx context.Context) ([]*types.ClassroomSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}

	var sessions []*types.ClassroomSession
	for _, session := range s.sessions {
		if session.IsOpen() {
			sessions = append(sessions, session.Clone())
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// GetAttendance retrieves the record of one student in one session
func (s *Store) GetAttendance(ctx context.Context, sessionID, studentID string) (*types.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}

	record, ok := s.attendance[attendanceKey{sessionID, studentID}]
	if !ok {
		return nil, types.ErrNotFound
	}
	return record.Clone(), nil
}

// PutAttendance inserts (Version 0) or updates (CAS) an attendance record
func (s *Store) PutAttendance(ctx context.Context, record *types.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginWrite(ctx); err != nil {
		return err
	}
	if _, ok := s.sessions[record.SessionID]; !ok {
		return types.ErrNotFound
	}

	key := attendanceKey{record.SessionID, record.StudentID}
	current, exists := s.attendance[key]
	switch {
	case record.Version == 0 && exists:
		return types.ErrVersionConflict
	case record.Version != 0 && !exists:
		return types.ErrNotFound
	case exists && current.Version != record.Version:
		return types.ErrVersionConflict
	}

	record.Version++
	s.attendance[key] = record.Clone()
	return nil
}

// ListAttendance returns every record of a session ordered by student
func (s *Store) ListAttendance(ctx context.Context, sessionID string) ([]*types.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}

	var records []*types.AttendanceRecord
	for key, record := range s.attendance {
		if key.sessionID == sessionID {
			records = append(records, record.Clone())
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StudentID < records[j].StudentID
	})
	return records, nil
}

// GetSpeakRequest retrieves a request by ID
func (s *Store) GetSpeakRequest(ctx context.Context, requestID string) (*types.SpeakRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}

	request, ok := s.requests[requestID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return request.Clone(), nil
}

// PutSpeakRequest inserts (Version 0) or updates (CAS) a speak request
func (s *Store) PutSpeakRequest(ctx context.Context, request *types.SpeakRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginWrite(ctx); err != nil {
		return err
	}
	if _, ok := s.sessions[request.SessionID]; !ok {
		return types.ErrNotFound
	}

	current, exists := s.requests[request.ID]
	if request.Version == 0 {
		if exists {
			return types.ErrVersionConflict
		}
		for _, other := range s.requests {
			if other.SessionID != request.SessionID {
				continue
			}
			if other.Seq == request.Seq {
				return types.ErrVersionConflict
			}
			if request.IsActive() && other.StudentID == request.StudentID && other.IsActive() {
				return types.ErrAlreadyQueued
			}
		}
	} else {
		if !exists {
			return types.ErrNotFound
		}
		if current.Version != request.Version {
			return types.ErrVersionConflict
		}
	}

	request.Version++
	s.requests[request.ID] = request.Clone()
	return nil
}

// ListSpeakRequests returns every request of a session in FIFO order
func (s *Store) ListSpeakRequests(ctx context.Context, sessionID string) ([]*types.SpeakRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}
	return s.sessionRequests(sessionID), nil
}

// LatestSpeakRequest returns the student's request with the highest Seq
func (s *Store) LatestSpeakRequest(ctx context.Context, sessionID, studentID string) (*types.SpeakRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}

	var latest *types.SpeakRequest
	for _, request := range s.sessionRequests(sessionID) {
		if request.StudentID == studentID {
			latest = request
		}
	}
	if latest == nil {
		return nil, types.ErrNotFound
	}
	return latest, nil
}

func (s *Store) sessionRequests(sessionID string) []*types.SpeakRequest {
	var requests []*types.SpeakRequest
	for _, request := range s.requests {
		if request.SessionID == sessionID {
			requests = append(requests, request.Clone())
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].Seq < requests[j].Seq
	})
	return requests
}

// UpsertParticipant records a join, clearing any previous leave
func (s *Store) UpsertParticipant(ctx context.Context, participant *types.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginWrite(ctx); err != nil {
		return err
	}
	if _, ok := s.sessions[participant.SessionID]; !ok {
		return types.ErrNotFound
	}

	stored := &types.Participant{
		SessionID: participant.SessionID,
		StudentID: participant.StudentID,
		JoinedAt:  participant.JoinedAt,
	}
	s.participants[attendanceKey{participant.SessionID, participant.StudentID}] = stored
	return nil
}

// MarkParticipantLeft stamps the leave time of a present participant
func (s *Store) MarkParticipantLeft(ctx context.Context, sessionID, studentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginWrite(ctx); err != nil {
		return err
	}

	p, ok := s.participants[attendanceKey{sessionID, studentID}]
	if !ok || !p.Present() {
		return types.ErrNotFound
	}
	left := at
	p.LeftAt = &left
	return nil
}

// ListParticipants returns the roster ordered by join time
func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}

	var participants []*types.Participant
	for key, p := range s.participants {
		if key.sessionID != sessionID {
			continue
		}
		c := *p
		if p.LeftAt != nil {
			left := *p.LeftAt
			c.LeftAt = &left
		}
		participants = append(participants, &c)
	}
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].StudentID < participants[j].StudentID
		}
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	return participants, nil
}

// HealthCheck reports whether the store is still open
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.beginRead(ctx)
}

// Close marks the store closed; later calls fail with ErrStorageUnavailable
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
