package interfaces

import (
	"context"
	"time"

	"podium/pkg/types"
)

// SessionStore is the durable per-session state behind a narrow interface.
// Records are keyed by (sessionID) or (sessionID, studentID). Every Put is a
// compare-and-swap on the record Version: Version 0 inserts, any other value
// must match the stored version. On success the store bumps Version on the
// passed record. A mismatch returns types.ErrVersionConflict; driver failures
// are wrapped in types.ErrStorageUnavailable; missing rows are types.ErrNotFound.
type SessionStore interface {
	// Session records

	// CreateSession inserts a new session. Returns types.ErrSessionAlreadyOpen
	// when the classroom already has an open session.
	CreateSession(ctx context.Context, session *types.ClassroomSession) error

	// GetSession retrieves a session by ID
	GetSession(ctx context.Context, sessionID string) (*types.ClassroomSession, error)

	// GetOpenSessionByClassroom resolves the open session of a classroom
	GetOpenSessionByClassroom(ctx context.Context, classroomID string) (*types.ClassroomSession, error)

	// UpdateSession writes status, slide, deck and code fields (CAS)
	UpdateSession(ctx context.Context, session *types.ClassroomSession) error

	// ListOpenSessions returns all open sessions, newest first
	ListOpenSessions(ctx context.Context) ([]*types.ClassroomSession, error)

	// Attendance records

	// GetAttendance retrieves the record of one student in one session
	GetAttendance(ctx context.Context, sessionID, studentID string) (*types.AttendanceRecord, error)

	// PutAttendance inserts or updates an attendance record (CAS)
	PutAttendance(ctx context.Context, record *types.AttendanceRecord) error

	// ListAttendance returns every record of a session ordered by student
	ListAttendance(ctx context.Context, sessionID string) ([]*types.AttendanceRecord, error)

	// Speak requests

	// GetSpeakRequest retrieves a request by ID
	GetSpeakRequest(ctx context.Context, requestID string) (*types.SpeakRequest, error)

	// PutSpeakRequest inserts or updates a speak request (CAS). Inserting a
	// second active request for the same student returns types.ErrAlreadyQueued.
	PutSpeakRequest(ctx context.Context, request *types.SpeakRequest) error

	// ListSpeakRequests returns every request of a session ordered by Seq
	ListSpeakRequests(ctx context.Context, sessionID string) ([]*types.SpeakRequest, error)

	// LatestSpeakRequest returns the student's request with the highest Seq
	LatestSpeakRequest(ctx context.Context, sessionID, studentID string) (*types.SpeakRequest, error)

	// Roster

	// UpsertParticipant records a join, clearing any previous leave
	UpsertParticipant(ctx context.Context, participant *types.Participant) error

	// MarkParticipantLeft stamps the leave time of a participant
	MarkParticipantLeft(ctx context.Context, sessionID, studentID string, at time.Time) error

	// ListParticipants returns the roster ordered by join time
	ListParticipants(ctx context.Context, sessionID string) ([]*types.Participant, error)

	// Health and lifecycle

	// HealthCheck verifies connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close releases resources; pending writes complete first
	Close() error
}
