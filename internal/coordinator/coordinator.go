// Package coordinator is the single entry point for client actions. Every
// mutation of a session runs inside that session's exclusive section:
// resolve, lock, reload, delegate, persist, fan out, then unlock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"podium/internal/attendance"
	"podium/internal/cache"
	"podium/internal/metrics"
	"podium/internal/session"
	"podium/internal/slides"
	"podium/internal/speakqueue"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

// Options tunes the storage retry loop
type Options struct {
	StorageRetries int
	RetryBackoff   time.Duration
}

// DefaultOptions returns the production retry settings
func DefaultOptions() Options {
	return Options{
		StorageRetries: 3,
		RetryBackoff:   50 * time.Millisecond,
	}
}

// Dependencies wires a Facade
type Dependencies struct {
	Store     interfaces.SessionStore
	Blobs     interfaces.BlobStore
	Clock     interfaces.Clock
	Snapshots cache.SnapshotCache
	Events    interfaces.EventPublisher
	Metrics   *metrics.Metrics

	SessionPolicy    session.Policy
	AttendancePolicy attendance.Policy
	Options          Options
}

// Facade implements interfaces.Coordinator
type Facade struct {
	store      interfaces.SessionStore
	sessions   *session.Manager
	attendance *attendance.Verifier
	queue      *speakqueue.Manager
	slides     *slides.Channel
	snapshots  cache.SnapshotCache
	events     interfaces.EventPublisher
	metrics    *metrics.Metrics
	locks      *KeyedLock
	options    Options
}

var _ interfaces.Coordinator = (*Facade)(nil)

// New creates a facade and the components behind it
func New(deps Dependencies) *Facade {
	return &Facade{
		store:      deps.Store,
		sessions:   session.NewManager(deps.Store, deps.Clock, deps.SessionPolicy),
		attendance: attendance.NewVerifier(deps.Store, deps.Blobs, deps.Clock, deps.AttendancePolicy),
		queue:      speakqueue.NewManager(deps.Store, deps.Clock),
		slides:     slides.NewChannel(deps.Store, deps.Snapshots),
		snapshots:  deps.Snapshots,
		events:     deps.Events,
		metrics:    deps.Metrics,
		locks:      NewKeyedLock(),
		options:    deps.Options,
	}
}

// SetEvents attaches the push channel. It must be called before Start; the
// hub is built after the facade because its router dispatches back into it.
func (f *Facade) SetEvents(events interfaces.EventPublisher) {
	f.events = events
}

// Start indexes the sessions left open by a previous run
func (f *Facade) Start(ctx context.Context) error {
	if err := f.sessions.LoadOpenSessions(ctx); err != nil {
		return err
	}
	f.metrics.SetOpenSessions(f.sessions.OpenCount())
	return nil
}

// Session lifecycle

// OpenSession opens a session for a classroom. The classroom-scoped section
// keeps two teachers from racing each other into the same room.
func (f *Facade) OpenSession(ctx context.Context, actor types.Actor, req interfaces.OpenSessionRequest) (s *types.ClassroomSession, err error) {
	defer f.observe("open_session", time.Now(), &err)

	if err := requireTeacher(actor); err != nil {
		return nil, err
	}
	release, err := f.acquire(ctx, "classroom:"+req.ClassroomID)
	if err != nil {
		return nil, err
	}
	defer release()

	err = f.retry(ctx, "open_session", func() error {
		opened, err := f.sessions.Open(ctx, actor.ID, req)
		s = opened
		return err
	})
	if err != nil {
		return nil, err
	}

	f.refresh(ctx, s)
	f.metrics.SetOpenSessions(f.sessions.OpenCount())
	return s, nil
}

// CloseSession closes the session, cancelling pending speak requests and
// releasing any floor grant first
func (f *Facade) CloseSession(ctx context.Context, actor types.Actor, sessionID string) (s *types.ClassroomSession, err error) {
	defer f.observe("close_session", time.Now(), &err)

	if err := requireTeacher(actor); err != nil {
		return nil, err
	}

	var changed []*types.SpeakRequest
	s, err = f.mutate(ctx, "close_session", sessionID,
		func(s *types.ClassroomSession) {
			for _, r := range changed {
				f.publish(types.EventSpeakRequestUpdated, s.ID, r, r.StudentID, s.TeacherID)
			}
			f.publish(types.EventSessionClosed, s.ID, s)
		},
		func(s *types.ClassroomSession) error {
			if s.TeacherID != actor.ID {
				return types.ErrUnauthorized
			}
			if !s.IsOpen() {
				return types.ErrSessionClosed
			}
			c, err := f.queue.CloseOut(ctx, s)
			changed = append(changed, c...)
			return err
		},
		func(s *types.ClassroomSession) error {
			return f.sessions.Close(ctx, s, actor.ID)
		},
	)
	if err != nil {
		return nil, err
	}

	f.metrics.SetOpenSessions(f.sessions.OpenCount())
	return s, nil
}

// PublishCode rotates the session's attendance code. Only the teacher sees it.
func (f *Facade) PublishCode(ctx context.Context, actor types.Actor, sessionID string) (code *types.AttendanceCode, err error) {
	defer f.observe("publish_code", time.Now(), &err)

	if err := requireTeacher(actor); err != nil {
		return nil, err
	}
	_, err = f.mutate(ctx, "publish_code", sessionID,
		func(s *types.ClassroomSession) {
			f.publish(types.EventCodePublished, s.ID, code, s.TeacherID)
		},
		func(s *types.ClassroomSession) error {
			c, err := f.sessions.PublishCode(ctx, s, actor.ID)
			code = c
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return code, nil
}

// Join adds the student to the roster
func (f *Facade) Join(ctx context.Context, actor types.Actor, sessionID string) (p *types.Participant, err error) {
	defer f.observe("join", time.Now(), &err)

	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	_, err = f.mutate(ctx, "join", sessionID,
		func(s *types.ClassroomSession) {
			f.publish(types.EventParticipantChanged, s.ID, p, s.TeacherID)
		},
		func(s *types.ClassroomSession) error {
			joined, err := f.sessions.Join(ctx, s, actor.ID)
			p = joined
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Leave withdraws the student's pending speak request, then removes them
// from the roster. A Leave that fails between the two can be repeated.
func (f *Facade) Leave(ctx context.Context, actor types.Actor, sessionID string) (p *types.Participant, err error) {
	defer f.observe("leave", time.Now(), &err)

	if err := requireStudent(actor); err != nil {
		return nil, err
	}

	var cancelled *types.SpeakRequest
	_, err = f.mutate(ctx, "leave", sessionID,
		func(s *types.ClassroomSession) {
			if cancelled != nil {
				f.publish(types.EventSpeakRequestUpdated, s.ID, cancelled, actor.ID, s.TeacherID)
			}
			f.publish(types.EventParticipantChanged, s.ID, p, s.TeacherID)
		},
		func(s *types.ClassroomSession) error {
			if err := f.sessions.RequirePresent(ctx, s.ID, actor.ID); err != nil {
				return err
			}
			r, err := f.queue.CancelPendingFor(ctx, s, actor.ID)
			cancelled = r
			return err
		},
		func(s *types.ClassroomSession) error {
			left, err := f.sessions.Leave(ctx, s, actor.ID)
			p = left
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Session returns the committed session snapshot
func (f *Facade) Session(ctx context.Context, sessionID string) (*types.ClassroomSession, error) {
	return f.sessions.Get(ctx, sessionID)
}

// SessionForClassroom resolves the open session of a classroom
func (f *Facade) SessionForClassroom(ctx context.Context, classroomID string) (*types.ClassroomSession, error) {
	return f.sessions.ForClassroom(ctx, classroomID)
}

// Participants returns the roster (session teacher only)
func (f *Facade) Participants(ctx context.Context, actor types.Actor, sessionID string) ([]*types.Participant, error) {
	if _, err := f.ownedSession(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	return f.sessions.Participants(ctx, sessionID)
}

// Attendance

// BeginSelfie records the selfie step of the caller's attendance
func (f *Facade) BeginSelfie(ctx context.Context, actor types.Actor, sessionID string, image []byte) (record *types.AttendanceRecord, err error) {
	defer f.observe("begin_selfie", time.Now(), &err)

	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	_, err = f.mutate(ctx, "begin_selfie", sessionID,
		func(s *types.ClassroomSession) {
			f.publish(types.EventAttendanceUpdated, s.ID, record, actor.ID, s.TeacherID)
		},
		func(s *types.ClassroomSession) error {
			r, err := f.attendance.BeginSelfie(ctx, s, actor.ID, image)
			record = r
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// SubmitCode completes the caller's attendance with the scanned code. A
// wrong code still commits the failed-attempt count.
func (f *Facade) SubmitCode(ctx context.Context, actor types.Actor, sessionID string, code string) (record *types.AttendanceRecord, err error) {
	defer f.observe("submit_code", time.Now(), &err)

	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	_, err = f.mutate(ctx, "submit_code", sessionID,
		func(s *types.ClassroomSession) {
			f.publish(types.EventAttendanceUpdated, s.ID, record, actor.ID, s.TeacherID)
		},
		func(s *types.ClassroomSession) error {
			r, err := f.attendance.SubmitCode(ctx, s, actor.ID, code)
			record = r
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// AttendanceStatus returns the caller's own record without locking
func (f *Facade) AttendanceStatus(ctx context.Context, actor types.Actor, sessionID string) (*types.AttendanceRecord, error) {
	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	return f.attendance.CheckStatus(ctx, sessionID, actor.ID)
}

// AttendanceSheet lists every record of the session (session teacher only)
func (f *Facade) AttendanceSheet(ctx context.Context, actor types.Actor, sessionID string) ([]*types.AttendanceRecord, error) {
	if _, err := f.ownedSession(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	return f.attendance.List(ctx, sessionID)
}

// Speak queue

// RequestToSpeak enqueues the caller. If the caller already has an active
// request it is returned together with types.ErrAlreadyQueued.
func (f *Facade) RequestToSpeak(ctx context.Context, actor types.Actor, sessionID string) (request *types.SpeakRequest, err error) {
	defer f.observe("request_to_speak", time.Now(), &err)

	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	_, err = f.mutate(ctx, "request_to_speak", sessionID,
		func(s *types.ClassroomSession) {
			f.publish(types.EventSpeakRequestUpdated, s.ID, request, actor.ID, s.TeacherID)
		},
		func(s *types.ClassroomSession) error {
			r, err := f.queue.Enqueue(ctx, s, actor.ID)
			request = r
			return err
		},
	)
	if err != nil {
		if errors.Is(err, types.ErrAlreadyQueued) {
			return request, err
		}
		return nil, err
	}
	return request, nil
}

// DecideSpeak accepts or rejects a pending request (session teacher only)
func (f *Facade) DecideSpeak(ctx context.Context, actor types.Actor, requestID string, decision types.Decision) (request *types.SpeakRequest, err error) {
	defer f.observe("decide_speak", time.Now(), &err)

	if err := requireTeacher(actor); err != nil {
		return nil, err
	}
	return f.mutateRequest(ctx, "decide_speak", requestID, func(s *types.ClassroomSession) (*types.SpeakRequest, error) {
		return f.queue.Decide(ctx, s, requestID, decision, actor.ID)
	})
}

// CancelSpeak withdraws the caller's own request
func (f *Facade) CancelSpeak(ctx context.Context, actor types.Actor, requestID string) (request *types.SpeakRequest, err error) {
	defer f.observe("cancel_speak", time.Now(), &err)

	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	return f.mutateRequest(ctx, "cancel_speak", requestID, func(s *types.ClassroomSession) (*types.SpeakRequest, error) {
		return f.queue.Cancel(ctx, s, requestID, actor.ID)
	})
}

// ReleaseFloor ends an accepted grant (teacher or the speaker)
func (f *Facade) ReleaseFloor(ctx context.Context, actor types.Actor, requestID string) (request *types.SpeakRequest, err error) {
	defer f.observe("release_floor", time.Now(), &err)

	if err := actor.Validate(); err != nil {
		return nil, err
	}
	return f.mutateRequest(ctx, "release_floor", requestID, func(s *types.ClassroomSession) (*types.SpeakRequest, error) {
		return f.queue.ReleaseFloor(ctx, s, requestID, actor.ID)
	})
}

// SpeakStatus returns the caller's latest request and position without locking
func (f *Facade) SpeakStatus(ctx context.Context, actor types.Actor, sessionID string) (*types.SpeakStatus, error) {
	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	return f.queue.CheckStatus(ctx, sessionID, actor.ID)
}

// Queue returns the pending requests in FIFO order (session teacher only)
func (f *Facade) Queue(ctx context.Context, actor types.Actor, sessionID string) ([]*types.SpeakRequest, error) {
	if _, err := f.ownedSession(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	return f.queue.Pending(ctx, sessionID)
}

// Slides

// AdvanceSlide moves the pointer one page
func (f *Facade) AdvanceSlide(ctx context.Context, actor types.Actor, sessionID string, direction types.Direction) (pointer *types.SlidePointer, err error) {
	defer f.observe("advance_slide", time.Now(), &err)

	if err := actor.Validate(); err != nil {
		return nil, err
	}
	_, err = f.mutate(ctx, "advance_slide", sessionID,
		func(s *types.ClassroomSession) {
			f.publish(types.EventSlideChanged, s.ID, pointer)
		},
		func(s *types.ClassroomSession) error {
			p, err := f.slides.Advance(ctx, s, direction, actor.ID)
			pointer = p
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return pointer, nil
}

// SelectDeck switches the session's deck (session teacher only)
func (f *Facade) SelectDeck(ctx context.Context, actor types.Actor, sessionID string, deckID string, pageCount int) (pointer *types.SlidePointer, err error) {
	defer f.observe("select_deck", time.Now(), &err)

	if err := requireTeacher(actor); err != nil {
		return nil, err
	}
	_, err = f.mutate(ctx, "select_deck", sessionID,
		func(s *types.ClassroomSession) {
			f.publish(types.EventSlideChanged, s.ID, pointer)
		},
		func(s *types.ClassroomSession) error {
			p, err := f.slides.SelectDeck(ctx, s, deckID, pageCount, actor.ID)
			pointer = p
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return pointer, nil
}

// CurrentPointer returns the committed slide pointer without locking
func (f *Facade) CurrentPointer(ctx context.Context, sessionID string) (*types.SlidePointer, error) {
	return f.slides.CurrentPointer(ctx, sessionID)
}

// Snapshot assembles the caller's view of the session without locking
func (f *Facade) Snapshot(ctx context.Context, actor types.Actor, sessionID string) (*types.Snapshot, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	s, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snapshot := &types.Snapshot{Session: s}
	if actor.IsTeacher() {
		if actor.ID == s.TeacherID {
			if snapshot.Queue, err = f.queue.Pending(ctx, sessionID); err != nil {
				return nil, err
			}
		}
		return snapshot, nil
	}

	if snapshot.Attendance, err = f.attendance.CheckStatus(ctx, sessionID, actor.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if snapshot.Speak, err = f.queue.CheckStatus(ctx, sessionID, actor.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return snapshot, nil
}

// mutate runs steps in order inside the session's exclusive section. Each
// step sees a freshly loaded session and is retried on transient storage
// failures; a step that fails for a domain reason stops the sequence.
//
// Steps commit one at a time. If a later step fails, the earlier ones stay
// committed and announce is skipped, so multi-step callers order their steps
// such that repeating the whole operation finishes the job. announce runs
// after the last step, before the section is released, which keeps a
// session's events in commit order on the push channel.
func (f *Facade) mutate(ctx context.Context, op, sessionID string, announce func(*types.ClassroomSession), steps ...func(*types.ClassroomSession) error) (*types.ClassroomSession, error) {
	release, err := f.acquire(ctx, "session:"+sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	var current *types.ClassroomSession
	for _, step := range steps {
		err := f.retry(ctx, op, func() error {
			s, err := f.store.GetSession(ctx, sessionID)
			if err != nil {
				return err
			}
			current = s
			return step(s)
		})
		if err != nil {
			return current, err
		}
	}

	f.refresh(ctx, current)
	if announce != nil {
		announce(current)
	}
	return current, nil
}

// mutateRequest resolves the request's session, then runs fn inside that
// session's section and announces the updated request
func (f *Facade) mutateRequest(ctx context.Context, op, requestID string, fn func(*types.ClassroomSession) (*types.SpeakRequest, error)) (*types.SpeakRequest, error) {
	existing, err := f.queue.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var request *types.SpeakRequest
	_, err = f.mutate(ctx, op, existing.SessionID,
		func(s *types.ClassroomSession) {
			f.publish(types.EventSpeakRequestUpdated, s.ID, request, request.StudentID, s.TeacherID)
		},
		func(s *types.ClassroomSession) error {
			r, err := fn(s)
			request = r
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return request, nil
}

func (f *Facade) acquire(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	release, err := f.locks.Acquire(ctx, key)
	f.metrics.LockWait(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to enter section %s: %w", key, err)
	}
	return release, nil
}

// retry re-runs fn while it fails with a retryable storage error. Once the
// attempts are spent the failure is reported as storage unavailability.
func (f *Facade) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !types.IsRetryable(err) {
			return err
		}
		if attempt >= f.options.StorageRetries {
			break
		}

		f.metrics.StorageRetry(op)
		log.Printf("Retrying after storage failure: op=%s attempt=%d err=%v", op, attempt+1, err)
		select {
		case <-time.After(f.options.RetryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if errors.Is(err, types.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrStorageUnavailable, op, err)
}

// refresh writes the committed session to the snapshot cache
func (f *Facade) refresh(ctx context.Context, s *types.ClassroomSession) {
	if f.snapshots == nil || s == nil {
		return
	}
	if err := f.snapshots.Set(ctx, s); err != nil {
		log.Printf("Snapshot cache write failed: session=%s err=%v", s.ID, err)
	}
}

// publish hands a committed change to the push channel. Delivery failures
// never fail the mutation that produced the event.
func (f *Facade) publish(eventType, sessionID string, payload interface{}, audience ...string) {
	if f.events == nil {
		return
	}
	event := &types.Event{
		Type:      eventType,
		SessionID: sessionID,
		Audience:  audience,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := f.events.Publish(event); err != nil {
		f.metrics.EventDropped()
		log.Printf("Event publish failed: type=%s session=%s err=%v", eventType, sessionID, err)
	}
}

func (f *Facade) observe(op string, start time.Time, err *error) {
	f.metrics.ObserveOperation(op, start, *err)
}

// ownedSession loads the session and checks the actor is its teacher
func (f *Facade) ownedSession(ctx context.Context, actor types.Actor, sessionID string) (*types.ClassroomSession, error) {
	if err := requireTeacher(actor); err != nil {
		return nil, err
	}
	s, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.TeacherID != actor.ID {
		return nil, types.ErrUnauthorized
	}
	return s, nil
}

func requireTeacher(actor types.Actor) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if !actor.IsTeacher() {
		return types.ErrUnauthorized
	}
	return nil
}

func requireStudent(actor types.Actor) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if !actor.IsStudent() {
		return types.ErrUnauthorized
	}
	return nil
}
