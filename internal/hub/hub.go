package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"podium/internal/router"
	"podium/internal/websocket"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

const (
	eventBuffer     = 1000
	cleanupInterval = time.Minute
)

// Hub moves committed events from the coordinator to the router on a single
// goroutine, so a session's events reach every client in commit order.
// Inbound commands are executed on the caller's goroutine.
type Hub struct {
	events   chan *types.Event
	shutdown chan struct{}
	stopped  chan struct{}

	router *router.Router

	running bool
	mu      sync.RWMutex
}

var _ interfaces.EventPublisher = (*Hub)(nil)
var _ websocket.Dispatcher = (*Hub)(nil)

// NewHub creates a stopped hub
func NewHub(r *router.Router) *Hub {
	return &Hub{
		events: make(chan *types.Event, eventBuffer),
		router: r,
	}
}

// Start begins event delivery
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.stopped = make(chan struct{})

	log.Println("Starting event hub...")
	go h.run(ctx, h.shutdown, h.stopped)
	return nil
}

// Stop delivers what is already queued and waits for the loop to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	stopped := h.stopped
	h.mu.Unlock()

	log.Println("Stopping event hub...")
	<-stopped
	return nil
}

// Publish queues an event for delivery without blocking the caller
func (h *Hub) Publish(event *types.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.events <- event:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// Dispatch runs one client command and reports any failure to that client only
func (h *Hub) Dispatch(ctx context.Context, conn interfaces.Connection, cmd *types.ClientCommand) {
	if err := h.router.RouteCommand(ctx, conn, cmd); err != nil {
		log.Printf("Command failed: type=%s user=%s session=%s err=%v",
			cmd.Type, conn.GetUserID(), conn.GetSessionID(), err)
		if werr := conn.WriteJSON(websocket.ErrorEvent(conn.GetSessionID(), err)); werr != nil {
			log.Printf("Failed to send error event: user=%s err=%v", conn.GetUserID(), werr)
		}
	}
}

// IsRunning reports whether the delivery loop is active
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	defer log.Println("Hub processing stopped")

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-h.events:
			h.deliver(event)

		case <-ticker.C:
			h.router.RateLimiter().Cleanup()

		case <-shutdown:
			h.drain()
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) deliver(event *types.Event) {
	if err := h.router.RouteEvent(event); err != nil {
		log.Printf("Event routing failed: type=%s session=%s err=%v", event.Type, event.SessionID, err)
	}
}

func (h *Hub) drain() {
	for {
		select {
		case event := <-h.events:
			h.deliver(event)
		default:
			return
		}
	}
}
