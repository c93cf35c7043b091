package interfaces

import (
	"context"

	"podium/pkg/types"
)

// Coordinator is the single entry point transports use. Every mutation runs
// inside the per-session exclusive section; status reads never take it.
// The actor is resolved once at the transport boundary.
type Coordinator interface {
	// Session lifecycle
	OpenSession(ctx context.Context, actor types.Actor, req OpenSessionRequest) (*types.ClassroomSession, error)
	CloseSession(ctx context.Context, actor types.Actor, sessionID string) (*types.ClassroomSession, error)
	PublishCode(ctx context.Context, actor types.Actor, sessionID string) (*types.AttendanceCode, error)
	Join(ctx context.Context, actor types.Actor, sessionID string) (*types.Participant, error)
	Leave(ctx context.Context, actor types.Actor, sessionID string) (*types.Participant, error)
	Session(ctx context.Context, sessionID string) (*types.ClassroomSession, error)
	SessionForClassroom(ctx context.Context, classroomID string) (*types.ClassroomSession, error)
	Participants(ctx context.Context, actor types.Actor, sessionID string) ([]*types.Participant, error)

	// Attendance
	BeginSelfie(ctx context.Context, actor types.Actor, sessionID string, image []byte) (*types.AttendanceRecord, error)
	SubmitCode(ctx context.Context, actor types.Actor, sessionID string, code string) (*types.AttendanceRecord, error)
	AttendanceStatus(ctx context.Context, actor types.Actor, sessionID string) (*types.AttendanceRecord, error)
	AttendanceSheet(ctx context.Context, actor types.Actor, sessionID string) ([]*types.AttendanceRecord, error)

	// Speak queue
	RequestToSpeak(ctx context.Context, actor types.Actor, sessionID string) (*types.SpeakRequest, error)
	DecideSpeak(ctx context.Context, actor types.Actor, requestID string, decision types.Decision) (*types.SpeakRequest, error)
	CancelSpeak(ctx context.Context, actor types.Actor, requestID string) (*types.SpeakRequest, error)
	ReleaseFloor(ctx context.Context, actor types.Actor, requestID string) (*types.SpeakRequest, error)
	SpeakStatus(ctx context.Context, actor types.Actor, sessionID string) (*types.SpeakStatus, error)
	Queue(ctx context.Context, actor types.Actor, sessionID string) ([]*types.SpeakRequest, error)

	// Slides
	AdvanceSlide(ctx context.Context, actor types.Actor, sessionID string, direction types.Direction) (*types.SlidePointer, error)
	SelectDeck(ctx context.Context, actor types.Actor, sessionID string, deckID string, pageCount int) (*types.SlidePointer, error)
	CurrentPointer(ctx context.Context, sessionID string) (*types.SlidePointer, error)

	// Snapshot returns the committed state a reconnecting client needs
	Snapshot(ctx context.Context, actor types.Actor, sessionID string) (*types.Snapshot, error)
}

// OpenSessionRequest carries the teacher-supplied parameters of a new session
type OpenSessionRequest struct {
	ClassroomID       string `json:"classroom_id"`
	AttendanceMinutes int    `json:"attendance_minutes,omitempty"`
	DeckID            string `json:"deck_id,omitempty"`
	DeckPageCount     int    `json:"deck_page_count,omitempty"`
}
