package chathub_test

import (
	"confidant/backend/internal/models"
	"sync"
)

// MockClient records every delivered event.
type MockClient struct {
	userID string

	mu     sync.Mutex
	events []models.Event
	runs   int
	closed bool
}

func newMockClient(userID string) *MockClient {
	return &MockClient{userID: userID}
}

func (c *MockClient) GetUserID() string {
	return c.userID
}

func (c *MockClient) Deliver(evt models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, evt)
	return true
}

func (c *MockClient) Run() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MockClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func (c *MockClient) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

// Has reports whether an event of type t was delivered.
func (c *MockClient) Has(t models.EventType) bool {
	for _, evt := range c.Events() {
		if evt.Type == t {
			return true
		}
	}
	return false
}

// Last returns the most recent event of type t.
func (c *MockClient) Last(t models.EventType) (models.Event, bool) {
	events := c.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == t {
			return events[i], true
		}
	}
	return models.Event{}, false
}

// States lists the delivered state transitions in order.
func (c *MockClient) States() []string {
	var states []string
	for _, evt := range c.Events() {
		if evt.Type == models.EventState {
			states = append(states, evt.State)
		}
	}
	return states
}

// Messages returns the last delivered message snapshot.
func (c *MockClient) Messages() []models.ChatMessage {
	evt, _ := c.Last(models.EventMessages)
	return evt.Messages
}

func (c *MockClient) emit(evt models.Event) {
	c.Deliver(evt)
}
