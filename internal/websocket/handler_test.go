package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

type mockCredentials struct {
	actors map[string]types.Actor
}

func (m *mockCredentials) Resolve(token string) (types.Actor, error) {
	actor, ok := m.actors[token]
	if !ok {
		return types.Actor{}, errors.New("unknown token")
	}
	return actor, nil
}

type mockSnapshots struct {
	sessions   map[string]*types.ClassroomSession
	shouldFail bool
}

func (m *mockSnapshots) Snapshot(ctx context.Context, actor types.Actor, sessionID string) (*types.Snapshot, error) {
	if m.shouldFail {
		return nil, errors.New("store offline")
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &types.Snapshot{Session: session}, nil
}

type mockDispatcher struct {
	mu       sync.Mutex
	commands []*types.ClientCommand
	received chan struct{}
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{received: make(chan struct{}, 16)}
}

func (m *mockDispatcher) Dispatch(ctx context.Context, conn interfaces.Connection, cmd *types.ClientCommand) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.mu.Unlock()
	m.received <- struct{}{}
}

func newTestHandler() (*Handler, *Registry, *mockSnapshots, *mockDispatcher) {
	registry := NewRegistry()
	credentials := &mockCredentials{actors: map[string]types.Actor{
		"tok-teacher": {ID: "tch-grace", Role: types.RoleTeacher},
		"tok-student": {ID: "stu-ada", Role: types.RoleStudent},
	}}
	snapshots := &mockSnapshots{sessions: map[string]*types.ClassroomSession{
		"sess-open":   {ID: "sess-open", TeacherID: "tch-grace", Status: types.SessionStatusOpen},
		"sess-closed": {ID: "sess-closed", TeacherID: "tch-grace", Status: types.SessionStatusClosed},
	}}
	dispatcher := newMockDispatcher()
	return NewHandler(registry, credentials, snapshots, dispatcher, nil), registry, snapshots, dispatcher
}

// Functional Validation Tests
func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	handler, _, snapshots, _ := newTestHandler()

	tests := []struct {
		name       string
		query      string
		header     string
		failStore  bool
		wantStatus int
	}{
		{"missing session", "?token=tok-student", "", false, http.StatusBadRequest},
		{"missing token", "?session_id=sess-open", "", false, http.StatusUnauthorized},
		{"unknown token", "?session_id=sess-open&token=bogus", "", false, http.StatusUnauthorized},
		{"unknown session", "?session_id=nope&token=tok-student", "", false, http.StatusNotFound},
		{"closed session", "?session_id=sess-closed", "Bearer tok-student", false, http.StatusConflict},
		{"store failure", "?session_id=sess-open&token=tok-student", "", true, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshots.shouldFail = tt.failStore
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.HandleWebSocket(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestHandler_SnapshotIsFirstFrame(t *testing.T) {
	handler, registry, _, _ := newTestHandler()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialHandler(t, server, "sess-open", "tok-student")

	var event types.Event
	readFrame(t, conn, &event)
	if event.Type != types.EventSnapshot || event.SessionID != "sess-open" {
		t.Errorf("Expected snapshot for sess-open, got type=%s session=%s", event.Type, event.SessionID)
	}

	waitFor(t, func() bool {
		_, ok := registry.GetUserConnection("stu-ada")
		return ok
	})
	if n := len(registry.GetSessionStudents("sess-open")); n != 1 {
		t.Errorf("Expected 1 registered student, got %d", n)
	}
}

// changingSnapshots commits a slide change between the pre-upgrade check
// and the read that follows registration, delivering it to whoever is
// registered at that moment
type changingSnapshots struct {
	registry *Registry
	mu       sync.Mutex
	calls    int
}

func (m *changingSnapshots) Snapshot(ctx context.Context, actor types.Actor, sessionID string) (*types.Snapshot, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	pointer := types.SlidePointer{DeckID: "deck-1", Page: 1, Revision: 1}
	if call > 1 {
		pointer = types.SlidePointer{DeckID: "deck-1", Page: 2, Revision: 2}
		if conn, ok := m.registry.GetUserConnection(actor.ID); ok {
			_ = conn.WriteJSON(&types.Event{Type: types.EventSlideChanged, SessionID: sessionID, Payload: pointer})
		}
	}
	return &types.Snapshot{Session: &types.ClassroomSession{
		ID:        sessionID,
		TeacherID: "tch-grace",
		Status:    types.SessionStatusOpen,
		Slide:     pointer,
	}}, nil
}

func TestHandler_ChangeDuringHandshakeIsNotLost(t *testing.T) {
	registry := NewRegistry()
	credentials := &mockCredentials{actors: map[string]types.Actor{
		"tok-student": {ID: "stu-ada", Role: types.RoleStudent},
	}}
	handler := NewHandler(registry, credentials, &changingSnapshots{registry: registry}, newMockDispatcher(), nil)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialHandler(t, server, "sess-open", "tok-student")

	var first struct {
		Type    string         `json:"type"`
		Payload types.Snapshot `json:"payload"`
	}
	readFrame(t, conn, &first)
	if first.Type != types.EventSnapshot {
		t.Fatalf("Expected snapshot first, got %s", first.Type)
	}
	if first.Payload.Session.Slide.Revision != 2 {
		t.Errorf("Snapshot should be read after registration, got revision %d", first.Payload.Session.Slide.Revision)
	}

	var second struct {
		Type    string             `json:"type"`
		Payload types.SlidePointer `json:"payload"`
	}
	readFrame(t, conn, &second)
	if second.Type != types.EventSlideChanged || second.Payload.Revision != 2 {
		t.Errorf("Held event should follow the snapshot, got %s rev %d", second.Type, second.Payload.Revision)
	}
}

func TestHandler_HeaderCredentials(t *testing.T) {
	handler, registry, _, _ := newTestHandler()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?session_id=sess-open"
	header := http.Header{"Authorization": []string{"Bearer tok-teacher"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	var event types.Event
	readFrame(t, conn, &event)
	waitFor(t, func() bool { return len(registry.GetSessionTeachers("sess-open")) == 1 })
}

func TestHandler_DispatchesCommands(t *testing.T) {
	handler, _, _, dispatcher := newTestHandler()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialHandler(t, server, "sess-open", "tok-student")
	var snapshot types.Event
	readFrame(t, conn, &snapshot)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"speakRequest"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case <-dispatcher.received:
	case <-time.After(time.Second):
		t.Fatal("Command was not dispatched")
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.commands) != 1 || dispatcher.commands[0].Type != types.CommandSpeakRequest {
		t.Errorf("Unexpected commands: %+v", dispatcher.commands)
	}
}

func TestHandler_MalformedFrameGetsErrorEvent(t *testing.T) {
	handler, _, _, dispatcher := newTestHandler()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialHandler(t, server, "sess-open", "tok-student")
	var snapshot types.Event
	readFrame(t, conn, &snapshot)

	for _, frame := range []string{`not json`, `{"command":"next"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		var event types.Event
		readFrame(t, conn, &event)
		if event.Type != types.EventError {
			t.Errorf("Frame %q: expected error event, got %s", frame, event.Type)
		}
	}

	if len(dispatcher.received) != 0 {
		t.Error("Malformed frames should not reach the dispatcher")
	}
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	handler, registry, _, _ := newTestHandler()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dialHandler(t, server, "sess-open", "tok-student")
	var snapshot types.Event
	readFrame(t, conn, &snapshot)
	waitFor(t, func() bool {
		_, ok := registry.GetUserConnection("stu-ada")
		return ok
	})

	_ = conn.Close()

	waitFor(t, func() bool {
		_, ok := registry.GetUserConnection("stu-ada")
		return !ok
	})
}

// Technical Validation Tests
func TestHandler_ReconnectReplacesConnection(t *testing.T) {
	handler, registry, _, _ := newTestHandler()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	first := dialHandler(t, server, "sess-open", "tok-student")
	var snapshot types.Event
	readFrame(t, first, &snapshot)

	second := dialHandler(t, server, "sess-open", "tok-student")
	readFrame(t, second, &snapshot)

	// The replaced socket is closed by the server
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("Expected the first connection to be closed")
	}

	waitFor(t, func() bool { return len(registry.GetSessionStudents("sess-open")) == 1 })
}

func TestErrorEvent(t *testing.T) {
	event := ErrorEvent("sess-open", ErrMalformedFrame)

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), ErrMalformedFrame.Error()) {
		t.Errorf("Error frame should carry the message, got %s", data)
	}
}

func dialHandler(t *testing.T, server *httptest.Server, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?session_id=" + sessionID + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}
