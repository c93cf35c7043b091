package router

import (
	"context"
	"errors"
	"log"
	"time"

	"podium/internal/websocket"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

// CommandTarget is the slice of the coordinator that push-channel commands reach
type CommandTarget interface {
	RequestToSpeak(ctx context.Context, actor types.Actor, sessionID string) (*types.SpeakRequest, error)
	CancelSpeak(ctx context.Context, actor types.Actor, requestID string) (*types.SpeakRequest, error)
	AdvanceSlide(ctx context.Context, actor types.Actor, sessionID string, direction types.Direction) (*types.SlidePointer, error)
}

// Router delivers committed events to connections and turns inbound
// commands into coordinator calls. It holds no session state itself.
type Router struct {
	registry    *websocket.Registry
	target      CommandTarget
	rateLimiter *RateLimiter
}

var _ interfaces.EventRouter = (*Router)(nil)

// NewRouter creates a router. A nil limiter gets the default 100 per minute.
func NewRouter(registry *websocket.Registry, target CommandTarget, limiter *RateLimiter) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(DefaultCommandLimit, DefaultCommandWindow)
	}
	return &Router{
		registry:    registry,
		target:      target,
		rateLimiter: limiter,
	}
}

// RateLimiter exposes the limiter so the hub can run its cleanup
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// RouteEvent writes the event to every recipient. A failed write to one
// connection does not stop delivery to the rest.
func (r *Router) RouteEvent(event *types.Event) error {
	if event.SessionID == "" {
		return ErrMissingSession
	}
	for _, conn := range r.GetRecipients(event) {
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("Failed to deliver event: type=%s user=%s err=%v", event.Type, conn.GetUserID(), err)
		}
	}
	return nil
}

// GetRecipients returns the session's connections for a broadcast event, or
// only the listed users' connections when the event carries an audience.
// A listed user connected to a different session is skipped.
func (r *Router) GetRecipients(event *types.Event) []interfaces.Connection {
	if len(event.Audience) == 0 {
		conns := r.registry.GetSessionConnections(event.SessionID)
		out := make([]interfaces.Connection, 0, len(conns))
		for _, conn := range conns {
			out = append(out, conn)
		}
		return out
	}

	seen := make(map[string]bool, len(event.Audience))
	out := make([]interfaces.Connection, 0, len(event.Audience))
	for _, userID := range event.Audience {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		conn, ok := r.registry.GetUserConnection(userID)
		if !ok || conn.GetSessionID() != event.SessionID {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// RouteCommand validates and executes one command from a connected client.
// The session comes from the connection, never from the frame.
func (r *Router) RouteCommand(ctx context.Context, conn interfaces.Connection, cmd *types.ClientCommand) error {
	if conn == nil || !conn.IsAuthenticated() {
		return ErrSenderNotConnected
	}
	actor := types.Actor{ID: conn.GetUserID(), Role: conn.GetRole()}
	sessionID := conn.GetSessionID()

	if !canSendCommand(actor.Role, cmd.Type) {
		if !isKnownCommand(cmd.Type) {
			return ErrUnknownCommand
		}
		return ErrUnauthorizedCommand
	}
	if !r.rateLimiter.Allow(actor.ID) {
		return ErrRateLimitExceeded
	}

	switch cmd.Type {
	case types.CommandSpeakRequest:
		request, err := r.target.RequestToSpeak(ctx, actor, sessionID)
		if errors.Is(err, types.ErrAlreadyQueued) && request != nil {
			// Repeated taps are answered with the request already in line
			return conn.WriteJSON(&types.Event{
				Type:      types.EventSpeakRequestUpdated,
				SessionID: sessionID,
				Payload:   request,
				Timestamp: time.Now(),
			})
		}
		return err

	case types.CommandSlideControl:
		direction, err := types.ParseDirection(cmd.Command)
		if err != nil {
			return err
		}
		_, err = r.target.AdvanceSlide(ctx, actor, sessionID, direction)
		return err

	case types.CommandCancelSpeak:
		if cmd.RequestID == "" {
			return ErrMissingRequestID
		}
		_, err := r.target.CancelSpeak(ctx, actor, cmd.RequestID)
		return err
	}
	return ErrUnknownCommand
}

func canSendCommand(role, commandType string) bool {
	switch role {
	case types.RoleStudent:
		return commandType == types.CommandSpeakRequest || commandType == types.CommandCancelSpeak
	case types.RoleTeacher:
		return commandType == types.CommandSlideControl
	default:
		return false
	}
}

func isKnownCommand(commandType string) bool {
	switch commandType {
	case types.CommandSpeakRequest, types.CommandSlideControl, types.CommandCancelSpeak:
		return true
	}
	return false
}
