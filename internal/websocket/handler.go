package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"podium/internal/auth"
	"podium/internal/metrics"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	maxFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	// Browsers on the classroom network connect from the app's own origin;
	// credentials are checked before the upgrade.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// SnapshotSource serves the state a client sees on connect
type SnapshotSource interface {
	Snapshot(ctx context.Context, actor types.Actor, sessionID string) (*types.Snapshot, error)
}

// Dispatcher executes inbound client commands
type Dispatcher interface {
	Dispatch(ctx context.Context, conn interfaces.Connection, cmd *types.ClientCommand)
}

// Handler upgrades authenticated requests into push-channel connections
type Handler struct {
	registry    *Registry
	credentials interfaces.CredentialResolver
	snapshots   SnapshotSource
	dispatcher  Dispatcher
	metrics     *metrics.Metrics
}

// NewHandler creates a push-channel handler
func NewHandler(registry *Registry, credentials interfaces.CredentialResolver, snapshots SnapshotSource, dispatcher Dispatcher, m *metrics.Metrics) *Handler {
	return &Handler{
		registry:    registry,
		credentials: credentials,
		snapshots:   snapshots,
		dispatcher:  dispatcher,
		metrics:     m,
	}
}

// HandleWebSocket validates the credential and session, upgrades, sends the
// caller's snapshot and then serves inbound commands until the socket drops.
// The token may come from the Authorization header or the token parameter,
// since browsers cannot set headers on a websocket handshake.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, ErrMissingSession.Error(), http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r)
	}
	actor, err := h.credentials.Resolve(token)
	if err != nil {
		http.Error(w, "Invalid or missing credentials", http.StatusUnauthorized)
		return
	}

	snapshot, err := h.snapshots.Snapshot(r.Context(), actor, sessionID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	case err != nil:
		log.Printf("Snapshot failed: session=%s user=%s err=%v", sessionID, actor.ID, err)
		http.Error(w, "Session validation failed", http.StatusInternalServerError)
		return
	case !snapshot.Session.IsOpen():
		http.Error(w, "Session is closed", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn)
	_ = wsConn.SetCredentials(actor.ID, actor.Role, sessionID)

	// Register before reading the state the client starts from. Events
	// delivered meanwhile are held and follow the snapshot, so nothing
	// committed around the handshake is lost.
	wsConn.Hold()
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: user=%s err=%v", actor.ID, err)
		_ = wsConn.Close()
		return
	}
	h.metrics.ConnectionOpened()
	log.Printf("Connection registered: user=%s role=%s session=%s", actor.ID, actor.Role, sessionID)

	if fresh, err := h.snapshots.Snapshot(r.Context(), actor, sessionID); err == nil {
		snapshot = fresh
	} else {
		log.Printf("Snapshot reload failed, sending the pre-upgrade view: session=%s user=%s err=%v", sessionID, actor.ID, err)
	}
	if err := wsConn.Release(&types.Event{
		Type:      types.EventSnapshot,
		SessionID: sessionID,
		Payload:   snapshot,
		Timestamp: time.Now(),
	}); err != nil {
		log.Printf("Failed to send snapshot: user=%s err=%v", actor.ID, err)
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the heartbeat and the read pump of one connection
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.metrics.ConnectionClosed()
		log.Printf("Connection closed: user=%s session=%s", conn.GetUserID(), conn.GetSessionID())
	}()

	conn.conn.SetReadLimit(maxFrameSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: user=%s err=%v", conn.GetUserID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd types.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			_ = conn.WriteJSON(ErrorEvent(conn.GetSessionID(), ErrMalformedFrame))
			continue
		}
		h.dispatcher.Dispatch(conn.ctx, conn, &cmd)
	}
}

// ErrorEvent builds the error frame sent back to a single client
func ErrorEvent(sessionID string, err error) *types.Event {
	return &types.Event{
		Type:      types.EventError,
		SessionID: sessionID,
		Payload:   map[string]string{"message": err.Error()},
		Timestamp: time.Now(),
	}
}
