package chathub

import "confidant/backend/internal/models"

// Client is the interface for any type of connection (e.g., WebSocket, Telegram).
// It abstracts the underlying transport, allowing the hub to drive sessions for
// different client types uniformly.
type Client interface {
	// GetUserID returns the anonymous identifier of the user behind the connection.
	GetUserID() string

	// Deliver queues an event for the user. It must not block: when the client cannot keep
	// up (or is closed) the event is dropped and false is returned.
	Deliver(models.Event) bool

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts down the connection. It may be called more than once.
	Close()
}
