package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"podium/internal/api"
	"podium/internal/attendance"
	"podium/internal/auth"
	"podium/internal/blobstore"
	"podium/internal/cache"
	"podium/internal/clock"
	"podium/internal/coordinator"
	"podium/internal/database"
	"podium/internal/hub"
	"podium/internal/router"
	"podium/internal/session"
	pushws "podium/internal/websocket"
	dbconfig "podium/pkg/database"
	"podium/pkg/types"
)

var (
	teacher = types.Actor{ID: "t-grace", Role: types.RoleTeacher, Name: "Grace Hopper"}
	ada     = types.Actor{ID: "s-ada", Role: types.RoleStudent, Name: "Ada"}
	alan    = types.Actor{ID: "s-alan", Role: types.RoleStudent, Name: "Alan"}
)

// classroom is a full server on a real SQLite file, a fake clock and a
// live push channel
type classroom struct {
	server   *httptest.Server
	store    *database.Manager
	registry *pushws.Registry
	hub      *hub.Hub
	clock    *clock.Fake
	tokens   map[string]string
	once     sync.Once
}

func newClassroom(t *testing.T, dbPath string, start time.Time) *classroom {
	t.Helper()

	dbConfig := dbconfig.DefaultConfig()
	dbConfig.DatabasePath = dbPath
	store, err := database.NewManager(dbConfig)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	blobs, err := blobstore.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem failed: %v", err)
	}
	issuer, err := auth.NewIssuer("integration-secret", "podium", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	c := &classroom{
		store:  store,
		clock:  clock.NewFake(start),
		tokens: make(map[string]string),
	}

	facade := coordinator.New(coordinator.Dependencies{
		Store:            store,
		Blobs:            blobs,
		Clock:            c.clock,
		Snapshots:        cache.NewMemory(time.Minute),
		SessionPolicy:    session.DefaultPolicy(),
		AttendancePolicy: attendance.DefaultPolicy(),
		Options:          coordinator.Options{StorageRetries: 3, RetryBackoff: time.Millisecond},
	})
	registry := pushws.NewRegistry()
	c.registry = registry
	c.hub = hub.NewHub(router.NewRouter(registry, facade, nil))
	facade.SetEvents(c.hub)

	ctx := context.Background()
	if err := facade.Start(ctx); err != nil {
		t.Fatalf("facade Start failed: %v", err)
	}
	if err := c.hub.Start(ctx); err != nil {
		t.Fatalf("hub Start failed: %v", err)
	}

	wsHandler := pushws.NewHandler(registry, issuer, facade, c.hub, nil)
	c.server = httptest.NewServer(api.NewServer(api.Dependencies{
		Coordinator: facade,
		Credentials: issuer,
		Health:      store,
		Connections: registry,
		WebSocket:   http.HandlerFunc(wsHandler.HandleWebSocket),
	}))

	for _, actor := range []types.Actor{teacher, ada, alan} {
		token, err := issuer.Issue(actor)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		c.tokens[actor.ID] = token
	}

	t.Cleanup(c.shutdown)
	return c
}

// shutdown stops the classroom in reverse order; safe to call twice
func (c *classroom) shutdown() {
	c.once.Do(func() {
		c.server.Close()
		_ = c.hub.Stop()
		_ = c.store.Close()
	})
}

// call performs a JSON request as actor and decodes the envelope data
func (c *classroom) call(t *testing.T, actor types.Actor, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.tokens[actor.ID])
	return c.send(t, req, out)
}

func (c *classroom) uploadSelfie(t *testing.T, actor types.Actor, sessionID string, image []byte, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.server.URL+"/api/sessions/"+sessionID+"/attendance/selfie", bytes.NewReader(image))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Authorization", "Bearer "+c.tokens[actor.ID])
	return c.send(t, req, out)
}

func (c *classroom) send(t *testing.T, req *http.Request, out interface{}) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("%s %s: invalid envelope: %v", req.Method, req.URL.Path, err)
	}
	if out != nil && resp.StatusCode < 300 && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			t.Fatalf("%s %s: cannot decode data: %v", req.Method, req.URL.Path, err)
		}
	}
	return resp.StatusCode
}

func (c *classroom) openSession(t *testing.T, pages int) *types.ClassroomSession {
	t.Helper()
	var s types.ClassroomSession
	code := c.call(t, teacher, http.MethodPost, "/api/sessions", map[string]interface{}{
		"classroom_id":    "room-42",
		"deck_id":         "lecture-7",
		"deck_page_count": pages,
	}, &s)
	if code != http.StatusCreated {
		t.Fatalf("Expected 201 opening session, got %d", code)
	}
	return &s
}

// frame is one decoded push-channel event
type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

func (f frame) decode(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(f.Payload, v); err != nil {
		t.Fatalf("cannot decode %s payload: %v", f.Type, err)
	}
}

// client is one connected push-channel peer
type client struct {
	conn *gorilla.Conn
}

func (c *classroom) connect(t *testing.T, actor types.Actor, sessionID string) *client {
	t.Helper()
	u := "ws" + strings.TrimPrefix(c.server.URL, "http") + "/ws?" + url.Values{
		"session_id": {sessionID},
		"token":      {c.tokens[actor.ID]},
	}.Encode()
	conn, resp, err := gorilla.DefaultDialer.Dial(u, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial as %s failed (status %d): %v", actor.ID, status, err)
	}
	t.Cleanup(func() { conn.Close() })

	// Registration completes just after the handshake; wait so no event
	// published by the test can race past it
	deadline := time.Now().Add(2 * time.Second)
	for {
		if registered, ok := c.registry.GetUserConnection(actor.ID); ok && registered.GetSessionID() == sessionID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s was never registered", actor.ID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &client{conn: conn}
}

func (cl *client) next(t *testing.T) frame {
	t.Helper()
	_ = cl.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	if err := cl.conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return f
}

// expect reads until an event of eventType arrives and returns it along
// with the types of the frames skipped on the way
func (cl *client) expect(t *testing.T, eventType string) (frame, []string) {
	t.Helper()
	var skipped []string
	for {
		f := cl.next(t)
		if f.Type == eventType {
			return f, skipped
		}
		skipped = append(skipped, f.Type)
	}
}

func (cl *client) command(t *testing.T, cmd types.ClientCommand) {
	t.Helper()
	if err := cl.conn.WriteJSON(cmd); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
