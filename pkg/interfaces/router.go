package interfaces

import (
	"podium/pkg/types"
)

// EventPublisher fans committed state changes out to connected clients.
// Publish must not block the caller's mutation section.
type EventPublisher interface {
	Publish(event *types.Event) error
}

// EventRouter decides who receives an event and delivers it
type EventRouter interface {
	// RouteEvent delivers an event to its recipients
	RouteEvent(event *types.Event) error

	// GetRecipients determines the connections an event is written to
	GetRecipients(event *types.Event) []Connection
}
