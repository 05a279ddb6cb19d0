package models

import "time"

// SenderRole says who sent a message from the point of view of the viewer.
type SenderRole string

const (
	SenderMe      SenderRole = "me"
	SenderPartner SenderRole = "partner"
	SenderSystem  SenderRole = "system"
)

// ChatMessage is a message as delivered to one participant.
type ChatMessage struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id,omitempty"`
	Sender    SenderRole  `json:"sender"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
}

// RoomEventKind identifies what changed in a room.
type RoomEventKind string

const (
	RoomCreated     RoomEventKind = "room_created"
	RoomUpdated     RoomEventKind = "room_updated"
	RoomDeleted     RoomEventKind = "room_deleted"
	MessageCreated  RoomEventKind = "message_created"
	MessagesDeleted RoomEventKind = "messages_deleted"
	// Resync is emitted by brokers that may have lost notifications (e.g. after a reconnect).
	Resync RoomEventKind = "resync"
)

// RoomEvent is published on the pub/sub layer whenever a room or its messages change.
// It is an invalidation signal: subscribers re-read the current state from storage.
type RoomEvent struct {
	RoomID    string        `json:"room_id"`
	Kind      RoomEventKind `json:"kind"`
	MessageID string        `json:"message_id,omitempty"`
}

// EventType identifies an event pushed to a connected client.
type EventType string

const (
	EventState       EventType = "state"
	EventMessages    EventType = "messages"
	EventPIIWarning  EventType = "pii_warning"
	EventPartnerLeft EventType = "partner_left"
	EventExpired     EventType = "expired"
	EventError       EventType = "error"
)

// Event is pushed from a session to its client transport.
type Event struct {
	Type     EventType     `json:"type"`
	State    string        `json:"state,omitempty"`
	RoomID   string        `json:"room_id,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Reasons  []string      `json:"reasons,omitempty"`
	Error    string        `json:"error,omitempty"`

	// DurationMS tells the client how long a transient notice (pii_warning) stays visible.
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Command actions accepted from clients.
const (
	ActionMatch     = "match"
	ActionCancel    = "cancel"
	ActionSend      = "send"
	ActionExit      = "exit"
	ActionCounselor = "counselor"
	ActionReset     = "reset"
)

// Command is a request sent by a client to its session.
type Command struct {
	UserID  string      `json:"-"`
	Action  string      `json:"action" validate:"required,oneof=match cancel send exit counselor reset"`
	Content string      `json:"content,omitempty" validate:"required_if=Action send,max=4096"`
	Type    MessageType `json:"type,omitempty" validate:"omitempty,oneof=text audio"`
	Persona string      `json:"persona,omitempty" validate:"omitempty,oneof=stranger counselor"`
}
