package types

import (
	"time"
)

// Roles carried by a resolved credential
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// Session lifecycle states
const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

// AttendanceStage is the verification stage of an attendance record.
// The pipeline is awaiting_selfie -> awaiting_code -> verified; rejected is
// reached after too many failed code attempts and is left only by a fresh selfie.
type AttendanceStage string

const (
	StageAwaitingSelfie AttendanceStage = "awaiting_selfie"
	StageAwaitingCode   AttendanceStage = "awaiting_code"
	StageVerified       AttendanceStage = "verified"
	StageRejected       AttendanceStage = "rejected"
)

// SpeakState is the state of a single speak request
type SpeakState string

const (
	SpeakPending   SpeakState = "pending"
	SpeakAccepted  SpeakState = "accepted"
	SpeakRejected  SpeakState = "rejected"
	SpeakCancelled SpeakState = "cancelled"
)

// Decision is a teacher verdict on a pending speak request
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Direction moves the slide pointer by one page
type Direction string

const (
	DirectionNext     Direction = "next"
	DirectionPrevious Direction = "previous"
)

// Actor is the verified identity behind a request. It is resolved once at the
// transport boundary and passed unchanged into every coordinator call.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// IsTeacher reports whether the actor carries the teacher role
func (a Actor) IsTeacher() bool { return a.Role == RoleTeacher }

// IsStudent reports whether the actor carries the student role
func (a Actor) IsStudent() bool { return a.Role == RoleStudent }

// SlidePointer is the authoritative (deck, page, revision) triple.
// Revision strictly increases on every change; clients compare revisions to
// detect staleness instead of trusting wall-clock ordering.
type SlidePointer struct {
	DeckID   string `json:"deck_id"`
	Page     int    `json:"page"`
	Revision int64  `json:"revision"`
}

// NewerThan reports whether p supersedes other
func (p SlidePointer) NewerThan(other SlidePointer) bool {
	return p.Revision > other.Revision
}

// AttendanceCode is the one-time code currently projected as a QR code
type AttendanceCode struct {
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsZero reports whether no code has been published yet
func (c AttendanceCode) IsZero() bool { return c.Value == "" }

// ClassroomSession is one teacher-owned, time-bounded live class instance.
// Only Status, ClosedAt, Slide, DeckPageCount and Code change after creation.
type ClassroomSession struct {
	ID               string         `json:"id" db:"id"`
	ClassroomID      string         `json:"classroom_id" db:"classroom_id"`
	TeacherID        string         `json:"teacher_id" db:"teacher_id"`
	Status           string         `json:"status" db:"status"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty" db:"closed_at"`
	AttendanceEndsAt time.Time      `json:"attendance_ends_at" db:"attendance_ends_at"`
	Slide            SlidePointer   `json:"slide"`
	DeckPageCount    int            `json:"deck_page_count" db:"deck_page_count"`
	Code             AttendanceCode `json:"-"`
	Version          int64          `json:"version" db:"version"`
}

// IsOpen reports whether the session still accepts mutations
func (s *ClassroomSession) IsOpen() bool {
	return s.Status == SessionStatusOpen
}

// AttendanceOpen reports whether new attendance verifications may begin at now
func (s *ClassroomSession) AttendanceOpen(now time.Time) bool {
	return s.IsOpen() && !now.After(s.AttendanceEndsAt)
}

// Clone returns a deep copy safe to mutate outside the store
func (s *ClassroomSession) Clone() *ClassroomSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// AttendanceRecord tracks one student's verification within one session.
// Keyed by (SessionID, StudentID); immutable once Stage is verified.
type AttendanceRecord struct {
	SessionID      string          `json:"session_id" db:"session_id"`
	StudentID      string          `json:"student_id" db:"student_id"`
	Stage          AttendanceStage `json:"stage" db:"stage"`
	SelfieRef      string          `json:"selfie_ref,omitempty" db:"selfie_ref"`
	CodeConsumed   string          `json:"code_consumed,omitempty" db:"code_consumed"`
	FailedAttempts int             `json:"failed_attempts" db:"failed_attempts"`
	SelfieAt       *time.Time      `json:"selfie_at,omitempty" db:"selfie_at"`
	VerifiedAt     *time.Time      `json:"verified_at,omitempty" db:"verified_at"`
	RejectedAt     *time.Time      `json:"rejected_at,omitempty" db:"rejected_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	Version        int64           `json:"version" db:"version"`
}

// Clone returns a deep copy safe to mutate outside the store
func (r *AttendanceRecord) Clone() *AttendanceRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.SelfieAt = cloneTime(r.SelfieAt)
	c.VerifiedAt = cloneTime(r.VerifiedAt)
	c.RejectedAt = cloneTime(r.RejectedAt)
	return &c
}

// SpeakRequest is a student's queued ask for the floor.
// Seq is the per-session logical enqueue clock and defines FIFO order.
type SpeakRequest struct {
	ID              string     `json:"id" db:"id"`
	SessionID       string     `json:"session_id" db:"session_id"`
	StudentID       string     `json:"student_id" db:"student_id"`
	State           SpeakState `json:"state" db:"state"`
	Seq             int64      `json:"seq" db:"seq"`
	EnqueuedAt      time.Time  `json:"enqueued_at" db:"enqueued_at"`
	DecidedAt       *time.Time `json:"decided_at,omitempty" db:"decided_at"`
	DecidedBy       string     `json:"decided_by,omitempty" db:"decided_by"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	FloorReleasedAt *time.Time `json:"floor_released_at,omitempty" db:"floor_released_at"`
	Version         int64      `json:"version" db:"version"`
}

// IsActive reports whether the request still blocks a new enqueue: it is
// pending, or it is an accepted floor grant that has not been released.
func (r *SpeakRequest) IsActive() bool {
	switch r.State {
	case SpeakPending:
		return true
	case SpeakAccepted:
		return r.FloorReleasedAt == nil
	default:
		return false
	}
}

// HoldsFloor reports whether the request is an unreleased accepted grant
func (r *SpeakRequest) HoldsFloor() bool {
	return r.State == SpeakAccepted && r.FloorReleasedAt == nil
}

// Clone returns a deep copy safe to mutate outside the store
func (r *SpeakRequest) Clone() *SpeakRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.DecidedAt = cloneTime(r.DecidedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.FloorReleasedAt = cloneTime(r.FloorReleasedAt)
	return &c
}

// SpeakStatus is the reconciliation view returned to polling clients.
// Position counts active requests ahead of this one; -1 when not pending.
type SpeakStatus struct {
	Request  *SpeakRequest `json:"request"`
	Position int           `json:"position"`
}

// Participant is one roster entry of a session
type Participant struct {
	SessionID string     `json:"session_id" db:"session_id"`
	StudentID string     `json:"student_id" db:"student_id"`
	JoinedAt  time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty" db:"left_at"`
}

// Present reports whether the participant has not left
func (p *Participant) Present() bool { return p.LeftAt == nil }

// Snapshot is the committed state a (re)connecting client converges to.
// Attendance and Speak describe the caller; Queue is filled for the teacher.
type Snapshot struct {
	Session    *ClassroomSession `json:"session"`
	Attendance *AttendanceRecord `json:"attendance,omitempty"`
	Speak      *SpeakStatus      `json:"speak,omitempty"`
	Queue      []*SpeakRequest   `json:"queue,omitempty"`
}

// Inbound command types sent by clients over the push channel
const (
	CommandSpeakRequest = "speakRequest"
	CommandSlideControl = "slideControl"
	CommandCancelSpeak  = "cancelSpeak"
)

// ClientCommand is one inbound push-channel frame
type ClientCommand struct {
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Event types pushed to connected clients
const (
	EventSnapshot            = "snapshot"
	EventSlideChanged        = "slide_changed"
	EventSpeakRequestUpdated = "speak_request_updated"
	EventAttendanceUpdated   = "attendance_updated"
	EventCodePublished       = "code_published"
	EventSessionClosed       = "session_closed"
	EventParticipantChanged  = "participant_changed"
	EventError               = "error"
)

// Event is a committed state change fanned out over the push channel.
// Audience narrows delivery: empty means every participant of the session.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Audience  []string    `json:"-"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
