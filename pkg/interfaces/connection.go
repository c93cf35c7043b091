package interfaces

// Connection represents a push-channel client connection
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the connected user's ID
	GetUserID() string

	// GetRole returns the user's role ("student" or "teacher")
	GetRole() string

	// GetSessionID returns the session ID this connection belongs to
	GetSessionID() string

	// IsAuthenticated returns true if connection is authenticated
	IsAuthenticated() bool

	// SetCredentials sets user credentials after authentication
	SetCredentials(userID, role, sessionID string) error
}
