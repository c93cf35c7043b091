package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"podium/internal/attendance"
	"podium/internal/cache"
	"podium/internal/clock"
	"podium/internal/memstore"
	"podium/internal/metrics"
	"podium/internal/session"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	teacher = types.Actor{ID: "teacher_1", Role: types.RoleTeacher}
	s1      = types.Actor{ID: "student_1", Role: types.RoleStudent}
	s2      = types.Actor{ID: "student_2", Role: types.RoleStudent}
	selfie  = []byte("\xff\xd8\xff\xe0 fake jpeg bytes")
)

// recordingPublisher captures published events
type recordingPublisher struct {
	mu         sync.Mutex
	events     []*types.Event
	shouldFail bool
}

func (p *recordingPublisher) Publish(event *types.Event) error {
	if p.shouldFail {
		return errors.New("hub queue full")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []*types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*types.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// memoryBlobs is a BlobStore keeping images in a map
type memoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (b *memoryBlobs) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := fmt.Sprintf("mem:%s-%d", key, len(b.blobs))
	b.blobs[ref] = data
	return ref, nil
}

func (b *memoryBlobs) Get(ctx context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[ref]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return data, nil
}

func (b *memoryBlobs) Close() error { return nil }

// slowFirstPublisher stalls the first event it sees, standing in for a
// publisher goroutine that gets descheduled
type slowFirstPublisher struct {
	recordingPublisher
	once  sync.Once
	delay time.Duration
}

func (p *slowFirstPublisher) Publish(event *types.Event) error {
	p.once.Do(func() { time.Sleep(p.delay) })
	return p.recordingPublisher.Publish(event)
}

// flakyStore fails selected writes until healed
type flakyStore struct {
	*memstore.Store
	mu          sync.Mutex
	failLeave   bool
	failSession bool
}

func (s *flakyStore) MarkParticipantLeft(ctx context.Context, sessionID, studentID string, at time.Time) error {
	s.mu.Lock()
	fail := s.failLeave
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: roster write", types.ErrStorageUnavailable)
	}
	return s.Store.MarkParticipantLeft(ctx, sessionID, studentID, at)
}

func (s *flakyStore) UpdateSession(ctx context.Context, session *types.ClassroomSession) error {
	s.mu.Lock()
	fail := s.failSession
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: session write", types.ErrStorageUnavailable)
	}
	return s.Store.UpdateSession(ctx, session)
}

func (s *flakyStore) heal() {
	s.mu.Lock()
	s.failLeave, s.failSession = false, false
	s.mu.Unlock()
}

type fixture struct {
	facade    *Facade
	store     *memstore.Store
	clock     *clock.Fake
	events    *recordingPublisher
	snapshots *cache.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.New(),
		clock:     clock.NewFake(baseTime),
		events:    &recordingPublisher{},
		snapshots: cache.NewMemory(time.Minute),
	}
	f.facade = New(Dependencies{
		Store:            f.store,
		Blobs:            &memoryBlobs{blobs: make(map[string][]byte)},
		Clock:            f.clock,
		Snapshots:        f.snapshots,
		Events:           f.events,
		Metrics:          metrics.New("podium_test"),
		SessionPolicy:    session.DefaultPolicy(),
		AttendancePolicy: attendance.DefaultPolicy(),
		Options:          Options{StorageRetries: 3, RetryBackoff: time.Millisecond},
	})
	return f
}

func (f *fixture) open(t *testing.T, pages int) *types.ClassroomSession {
	t.Helper()
	s, err := f.facade.OpenSession(context.Background(), teacher, interfaces.OpenSessionRequest{
		ClassroomID:   "cs101",
		DeckID:        "deck1",
		DeckPageCount: pages,
	})
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	return s
}

// Functional Validation Tests - end-to-end scenarios

func TestScenarioA_AttendanceRitual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	code, err := f.facade.PublishCode(ctx, teacher, s.ID)
	if err != nil {
		t.Fatalf("PublishCode failed: %v", err)
	}

	record, err := f.facade.BeginSelfie(ctx, s1, s.ID, selfie)
	if err != nil {
		t.Fatalf("BeginSelfie failed: %v", err)
	}
	if record.Stage != types.StageAwaitingCode {
		t.Fatalf("Expected awaiting_code, got %s", record.Stage)
	}

	f.clock.Advance(30 * time.Second)
	record, err = f.facade.SubmitCode(ctx, s1, s.ID, code.Value)
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if record.Stage != types.StageVerified {
		t.Fatalf("Expected verified, got %s", record.Stage)
	}

	if _, err := f.facade.BeginSelfie(ctx, s1, s.ID, selfie); !errors.Is(err, types.ErrDuplicateAttendance) {
		t.Errorf("Expected ErrDuplicateAttendance, got %v", err)
	}

	status, err := f.facade.AttendanceStatus(ctx, s1, s.ID)
	if err != nil || status.Stage != types.StageVerified {
		t.Errorf("AttendanceStatus = %+v, %v", status, err)
	}
	sheet, err := f.facade.AttendanceSheet(ctx, teacher, s.ID)
	if err != nil || len(sheet) != 1 {
		t.Errorf("AttendanceSheet = %d records, %v", len(sheet), err)
	}

	updates := f.events.ofType(types.EventAttendanceUpdated)
	if len(updates) != 2 {
		t.Fatalf("Expected 2 attendance events, got %d", len(updates))
	}
	if got := updates[0].Audience; len(got) != 2 || got[0] != s1.ID || got[1] != teacher.ID {
		t.Errorf("Attendance events go to the student and teacher, got %v", got)
	}
}

func TestScenarioB_SpeakQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	r1, err := f.facade.RequestToSpeak(ctx, s1, s.ID)
	if err != nil {
		t.Fatalf("RequestToSpeak(S1) failed: %v", err)
	}
	if _, err := f.facade.RequestToSpeak(ctx, s2, s.ID); err != nil {
		t.Fatalf("RequestToSpeak(S2) failed: %v", err)
	}

	assertStatus := func(actor types.Actor, state types.SpeakState, position int) {
		t.Helper()
		status, err := f.facade.SpeakStatus(ctx, actor, s.ID)
		if err != nil {
			t.Fatalf("SpeakStatus(%s) failed: %v", actor.ID, err)
		}
		if status.Request.State != state || status.Position != position {
			t.Errorf("SpeakStatus(%s) = %s/%d, want %s/%d", actor.ID, status.Request.State, status.Position, state, position)
		}
	}
	assertStatus(s1, types.SpeakPending, 0)
	assertStatus(s2, types.SpeakPending, 1)

	if _, err := f.facade.DecideSpeak(ctx, teacher, r1.ID, types.DecisionAccept); err != nil {
		t.Fatalf("DecideSpeak failed: %v", err)
	}
	assertStatus(s1, types.SpeakAccepted, -1)
	assertStatus(s2, types.SpeakPending, 1)

	queue, err := f.facade.Queue(ctx, teacher, s.ID)
	if err != nil || len(queue) != 1 || queue[0].StudentID != s2.ID {
		t.Errorf("Queue = %v, %v", queue, err)
	}
}

func TestScenarioC_SlideAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	stale, err := f.facade.CurrentPointer(ctx, s.ID)
	if err != nil {
		t.Fatalf("CurrentPointer failed: %v", err)
	}

	pointer, err := f.facade.AdvanceSlide(ctx, teacher, s.ID, types.DirectionNext)
	if err != nil {
		t.Fatalf("AdvanceSlide failed: %v", err)
	}
	if pointer.Page != 2 || pointer.Revision != 2 {
		t.Fatalf("Expected page 2 revision 2, got %+v", pointer)
	}

	current, err := f.facade.CurrentPointer(ctx, s.ID)
	if err != nil {
		t.Fatalf("CurrentPointer failed: %v", err)
	}
	if !current.NewerThan(*stale) {
		t.Errorf("Client holding revision %d should detect revision %d as newer", stale.Revision, current.Revision)
	}

	cached, err := f.snapshots.Get(ctx, s.ID)
	if err != nil || cached.Slide.Revision != 2 {
		t.Errorf("Snapshot cache should hold the committed pointer, got %+v, %v", cached, err)
	}
	if len(f.events.ofType(types.EventSlideChanged)) != 1 {
		t.Error("Expected one slide_changed event")
	}
}

// Functional Validation Tests - concurrency

func TestEventsFollowCommitOrder(t *testing.T) {
	events := &slowFirstPublisher{delay: 100 * time.Millisecond}
	f := newFixture(t)
	f.facade.SetEvents(events)
	ctx := context.Background()
	s := f.open(t, 5)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.facade.AdvanceSlide(ctx, teacher, s.ID, types.DirectionNext); err != nil {
				t.Errorf("AdvanceSlide failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var revisions []int64
	for _, e := range events.ofType(types.EventSlideChanged) {
		revisions = append(revisions, e.Payload.(*types.SlidePointer).Revision)
	}
	if len(revisions) != 2 || revisions[0] != 2 || revisions[1] != 3 {
		t.Errorf("slide_changed revisions in publish order: %v, expected [2 3]", revisions)
	}
}

func TestConcurrentEnqueueGivesDistinctGapFreePositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	const students = 25
	var wg sync.WaitGroup
	errs := make(chan error, students)
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := types.Actor{ID: fmt.Sprintf("student_%02d", i), Role: types.RoleStudent}
			if _, err := f.facade.RequestToSpeak(ctx, actor, s.ID); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("RequestToSpeak failed: %v", err)
	}

	var positions []int
	var seqs []int64
	for i := 0; i < students; i++ {
		actor := types.Actor{ID: fmt.Sprintf("student_%02d", i), Role: types.RoleStudent}
		status, err := f.facade.SpeakStatus(ctx, actor, s.ID)
		if err != nil {
			t.Fatalf("SpeakStatus failed: %v", err)
		}
		positions = append(positions, status.Position)
		seqs = append(seqs, status.Request.Seq)
	}
	sort.Ints(positions)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i := range positions {
		if positions[i] != i {
			t.Fatalf("Positions are not distinct and gap-free: %v", positions)
		}
		if seqs[i] != int64(i+1) {
			t.Fatalf("Seqs are not distinct and gap-free: %v", seqs)
		}
	}
}

func TestConcurrentOpenOneWinnerPerClassroom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened, conflicts := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.facade.OpenSession(ctx, teacher, interfaces.OpenSessionRequest{ClassroomID: "cs101"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				opened++
			case errors.Is(err, types.ErrSessionAlreadyOpen):
				conflicts++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if opened != 1 || conflicts != 9 {
		t.Errorf("Expected 1 open and 9 conflicts, got %d and %d", opened, conflicts)
	}
}

// Functional Validation Tests - authorization

func TestRoleChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)
	other := types.Actor{ID: "teacher_2", Role: types.RoleTeacher}

	if _, err := f.facade.OpenSession(ctx, s1, interfaces.OpenSessionRequest{ClassroomID: "cs102"}); err != types.ErrUnauthorized {
		t.Errorf("Student open: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.facade.BeginSelfie(ctx, teacher, s.ID, selfie); err != types.ErrUnauthorized {
		t.Errorf("Teacher selfie: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.facade.PublishCode(ctx, other, s.ID); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("Foreign teacher publish: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.facade.CloseSession(ctx, other, s.ID); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("Foreign teacher close: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.facade.AttendanceSheet(ctx, other, s.ID); err != types.ErrUnauthorized {
		t.Errorf("Foreign teacher sheet: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.facade.AdvanceSlide(ctx, s1, s.ID, types.DirectionNext); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("Student without floor advance: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.facade.Join(ctx, types.Actor{ID: "x", Role: "admin"}, s.ID); err != types.ErrInvalidRole {
		t.Errorf("Unknown role: expected ErrInvalidRole, got %v", err)
	}

	r, _ := f.facade.RequestToSpeak(ctx, s1, s.ID)
	if _, err := f.facade.DecideSpeak(ctx, other, r.ID, types.DecisionAccept); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("Foreign teacher decide: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.facade.CancelSpeak(ctx, s2, r.ID); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("Other student cancel: expected ErrUnauthorized, got %v", err)
	}
}

func TestFloorHolderMayDriveSlides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	r, _ := f.facade.RequestToSpeak(ctx, s1, s.ID)
	if _, err := f.facade.DecideSpeak(ctx, teacher, r.ID, types.DecisionAccept); err != nil {
		t.Fatalf("DecideSpeak failed: %v", err)
	}
	if _, err := f.facade.AdvanceSlide(ctx, s1, s.ID, types.DirectionNext); err != nil {
		t.Errorf("Sole floor holder should advance, got %v", err)
	}

	if _, err := f.facade.ReleaseFloor(ctx, s1, r.ID); err != nil {
		t.Fatalf("ReleaseFloor failed: %v", err)
	}
	if _, err := f.facade.AdvanceSlide(ctx, s1, s.ID, types.DirectionNext); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("Released speaker advance: expected ErrUnauthorized, got %v", err)
	}
}

// Functional Validation Tests - queue semantics through the facade

func TestRequestToSpeakIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	first, err := f.facade.RequestToSpeak(ctx, s1, s.ID)
	if err != nil {
		t.Fatalf("RequestToSpeak failed: %v", err)
	}
	again, err := f.facade.RequestToSpeak(ctx, s1, s.ID)
	if !errors.Is(err, types.ErrAlreadyQueued) {
		t.Fatalf("Expected ErrAlreadyQueued, got %v", err)
	}
	if again == nil || again.ID != first.ID {
		t.Errorf("Expected the existing request back, got %+v", again)
	}
	if len(f.events.ofType(types.EventSpeakRequestUpdated)) != 1 {
		t.Error("A repeated request should not publish a second event")
	}
}

func TestCancelSpeakTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	accepted, _ := f.facade.RequestToSpeak(ctx, s1, s.ID)
	_, _ = f.facade.DecideSpeak(ctx, teacher, accepted.ID, types.DecisionAccept)
	same, err := f.facade.CancelSpeak(ctx, s1, accepted.ID)
	if err != nil || same.State != types.SpeakAccepted {
		t.Errorf("Cancel accepted should be a no-op, got %+v, %v", same, err)
	}

	rejected, _ := f.facade.RequestToSpeak(ctx, s2, s.ID)
	_, _ = f.facade.DecideSpeak(ctx, teacher, rejected.ID, types.DecisionReject)
	if _, err := f.facade.CancelSpeak(ctx, s2, rejected.ID); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("Cancel rejected: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.facade.DecideSpeak(ctx, teacher, rejected.ID, types.DecisionAccept); !errors.Is(err, types.ErrAlreadyDecided) {
		t.Errorf("Decide twice: expected ErrAlreadyDecided, got %v", err)
	}
	if _, err := f.facade.CancelSpeak(ctx, s2, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Cancel unknown: expected ErrNotFound, got %v", err)
	}
}

func TestLeaveCancelsPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	if _, err := f.facade.Join(ctx, s1, s.ID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	r, _ := f.facade.RequestToSpeak(ctx, s1, s.ID)

	if _, err := f.facade.Leave(ctx, s1, s.ID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	status, err := f.facade.SpeakStatus(ctx, s1, s.ID)
	if err != nil || status.Request.ID != r.ID || status.Request.State != types.SpeakCancelled {
		t.Errorf("Leave should cancel the pending request, got %+v, %v", status, err)
	}

	roster, err := f.facade.Participants(ctx, teacher, s.ID)
	if err != nil || len(roster) != 1 || roster[0].Present() {
		t.Errorf("Unexpected roster: %+v, %v", roster, err)
	}
	if _, err := f.facade.Leave(ctx, s1, s.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Second leave: expected ErrNotFound, got %v", err)
	}
}

func TestLeaveCanBeRepeatedAfterRosterFailure(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{Store: f.store}
	f.facade = New(Dependencies{
		Store:            store,
		Blobs:            &memoryBlobs{blobs: make(map[string][]byte)},
		Clock:            f.clock,
		Events:           f.events,
		SessionPolicy:    session.DefaultPolicy(),
		AttendancePolicy: attendance.DefaultPolicy(),
		Options:          Options{StorageRetries: 1, RetryBackoff: time.Millisecond},
	})
	ctx := context.Background()
	s := f.open(t, 4)

	_, _ = f.facade.Join(ctx, s1, s.ID)
	r, _ := f.facade.RequestToSpeak(ctx, s1, s.ID)

	store.failLeave = true
	if _, err := f.facade.Leave(ctx, s1, s.ID); !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("Expected ErrStorageUnavailable, got %v", err)
	}
	got, _ := f.store.GetSpeakRequest(ctx, r.ID)
	if got.State != types.SpeakCancelled {
		t.Errorf("Withdrawal commits before the roster write, got %s", got.State)
	}
	if len(f.events.ofType(types.EventParticipantChanged)) != 1 {
		t.Error("A failed leave must not announce a roster change")
	}

	store.heal()
	if _, err := f.facade.Leave(ctx, s1, s.ID); err != nil {
		t.Fatalf("Repeated leave failed: %v", err)
	}
	roster, _ := f.facade.Participants(ctx, teacher, s.ID)
	if len(roster) != 1 || roster[0].Present() {
		t.Errorf("Student should have left, got %+v", roster)
	}
}

func TestCloseSessionCanBeRepeatedAfterFailure(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{Store: f.store}
	f.facade = New(Dependencies{
		Store:            store,
		Blobs:            &memoryBlobs{blobs: make(map[string][]byte)},
		Clock:            f.clock,
		Events:           f.events,
		SessionPolicy:    session.DefaultPolicy(),
		AttendancePolicy: attendance.DefaultPolicy(),
		Options:          Options{StorageRetries: 1, RetryBackoff: time.Millisecond},
	})
	ctx := context.Background()
	s := f.open(t, 4)
	waiting, _ := f.facade.RequestToSpeak(ctx, s2, s.ID)

	store.failSession = true
	if _, err := f.facade.CloseSession(ctx, teacher, s.ID); !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("Expected ErrStorageUnavailable, got %v", err)
	}
	current, _ := f.facade.Session(ctx, s.ID)
	if !current.IsOpen() {
		t.Error("Session should still be open after the failed close")
	}
	if len(f.events.ofType(types.EventSessionClosed)) != 0 {
		t.Error("A failed close must not announce session_closed")
	}

	store.heal()
	closed, err := f.facade.CloseSession(ctx, teacher, s.ID)
	if err != nil || closed.IsOpen() {
		t.Fatalf("Repeated close: %+v, %v", closed, err)
	}
	got, _ := f.store.GetSpeakRequest(ctx, waiting.ID)
	if got.State != types.SpeakCancelled {
		t.Errorf("Pending request should be cancelled, got %s", got.State)
	}
}

// Functional Validation Tests - session lifecycle

func TestCloseSessionWindsDownQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	speaker, _ := f.facade.RequestToSpeak(ctx, s1, s.ID)
	_, _ = f.facade.DecideSpeak(ctx, teacher, speaker.ID, types.DecisionAccept)
	waiting, _ := f.facade.RequestToSpeak(ctx, s2, s.ID)

	closed, err := f.facade.CloseSession(ctx, teacher, s.ID)
	if err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if closed.IsOpen() {
		t.Error("Session should be closed")
	}

	got, _ := f.store.GetSpeakRequest(ctx, waiting.ID)
	if got.State != types.SpeakCancelled {
		t.Errorf("Pending request should be cancelled, got %s", got.State)
	}
	got, _ = f.store.GetSpeakRequest(ctx, speaker.ID)
	if got.HoldsFloor() {
		t.Error("Floor grant should be released on close")
	}

	if _, err := f.facade.RequestToSpeak(ctx, s1, s.ID); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("Enqueue after close: expected ErrSessionClosed, got %v", err)
	}
	if _, err := f.facade.CloseSession(ctx, teacher, s.ID); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("Second close: expected ErrSessionClosed, got %v", err)
	}
	if len(f.events.ofType(types.EventSessionClosed)) != 1 {
		t.Error("Expected one session_closed event")
	}
	if _, err := f.facade.SessionForClassroom(ctx, "cs101"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Closed classroom should not resolve, got %v", err)
	}
}

func TestPublishCodeGoesToTeacherOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	if _, err := f.facade.PublishCode(ctx, teacher, s.ID); err != nil {
		t.Fatalf("PublishCode failed: %v", err)
	}
	published := f.events.ofType(types.EventCodePublished)
	if len(published) != 1 {
		t.Fatalf("Expected one code_published event, got %d", len(published))
	}
	if got := published[0].Audience; len(got) != 1 || got[0] != teacher.ID {
		t.Errorf("Code must only reach the teacher, got %v", got)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	_, _ = f.facade.BeginSelfie(ctx, s1, s.ID, selfie)
	_, _ = f.facade.RequestToSpeak(ctx, s1, s.ID)

	student, err := f.facade.Snapshot(ctx, s1, s.ID)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if student.Attendance == nil || student.Speak == nil || student.Queue != nil {
		t.Errorf("Unexpected student snapshot: %+v", student)
	}

	fresh, err := f.facade.Snapshot(ctx, s2, s.ID)
	if err != nil || fresh.Attendance != nil || fresh.Speak != nil {
		t.Errorf("Student without records should get an empty view, got %+v, %v", fresh, err)
	}

	owner, err := f.facade.Snapshot(ctx, teacher, s.ID)
	if err != nil || len(owner.Queue) != 1 || owner.Session.Slide.Revision != 1 {
		t.Errorf("Unexpected teacher snapshot: %+v, %v", owner, err)
	}
}

// Technical Validation Tests - storage failures

func TestTransientStorageFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	f.store.FailWrites(2)
	pointer, err := f.facade.AdvanceSlide(ctx, teacher, s.ID, types.DirectionNext)
	if err != nil {
		t.Fatalf("AdvanceSlide should survive two transient failures, got %v", err)
	}
	if pointer.Revision != 2 {
		t.Errorf("Expected exactly one committed change, got revision %d", pointer.Revision)
	}
}

func TestExhaustedRetriesSurfaceStorageUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	f.store.FailWrites(100)
	_, err := f.facade.AdvanceSlide(ctx, teacher, s.ID, types.DirectionNext)
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("Expected ErrStorageUnavailable, got %v", err)
	}
	if types.IsDomainError(err) {
		t.Error("Storage failure must not be reported as a domain error")
	}

	f.store.FailWrites(0)
	current, _ := f.facade.CurrentPointer(ctx, s.ID)
	if current.Revision != 1 {
		t.Errorf("Failed advance must not change the pointer, got revision %d", current.Revision)
	}
}

func TestAtBoundaryIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 1)

	_, err := f.facade.AdvanceSlide(ctx, teacher, s.ID, types.DirectionNext)
	if !errors.Is(err, types.ErrAtBoundary) {
		t.Fatalf("Expected ErrAtBoundary, got %v", err)
	}
	current, _ := f.facade.CurrentPointer(ctx, s.ID)
	if current.Revision != 1 {
		t.Errorf("Boundary must leave revision unchanged, got %d", current.Revision)
	}
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	f.events.shouldFail = true
	if _, err := f.facade.AdvanceSlide(ctx, teacher, s.ID, types.DirectionNext); err != nil {
		t.Errorf("Publish failure should not fail the mutation, got %v", err)
	}
}

func TestStartIndexesOpenSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, 4)

	restarted := New(Dependencies{
		Store:         f.store,
		Clock:         f.clock,
		SessionPolicy: session.DefaultPolicy(),
		Options:       DefaultOptions(),
	})
	if err := restarted.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	got, err := restarted.SessionForClassroom(ctx, "cs101")
	if err != nil || got.ID != s.ID {
		t.Errorf("SessionForClassroom = %v, %v", got, err)
	}
}
