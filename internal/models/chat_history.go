package models

import (
	"regexp"
	"sort"
	"time"
)

// MessageType is the kind of content carried by a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageAudio  MessageType = "audio"
	MessageSystem MessageType = "system"
)

// audioMarker is the only content an audio message may carry: its duration, e.g. "15s".
var audioMarker = regexp.MustCompile(`^\d{1,5}s$`)

// IsAudioMarker reports whether content is a well-formed audio duration marker.
func IsAudioMarker(content string) bool {
	return audioMarker.MatchString(content)
}

// Sendable reports whether users may send messages of type t. System messages are
// produced by the server only.
func (t MessageType) Sendable() bool {
	switch t {
	case MessageText, MessageAudio:
		return true
	}
	return false
}

// ChatHistory is a message stored under a chat room. Messages are immutable and
// are deleted together with their room.
type ChatHistory struct {
	// MessageID is the unique identifier of the message (UUID).
	MessageID string `gorm:"primaryKey"`
	// RoomID is the identifier of the chat room where the message was sent.
	RoomID string `gorm:"type:text;not null;index:idx_room_msg,priority:1"`
	// SenderID is the anonymous ID of the user who sent the message.
	SenderID string `gorm:"type:text;not null"`
	// Content is the text of the message or, for audio, its duration marker (e.g. "15s").
	Content string `gorm:"type:text;not null"`
	// Type indicates the kind of message.
	Type MessageType `gorm:"type:text;not null"`
	// CreatedAt is assigned by the store and strictly increases within a room.
	CreatedAt time.Time `gorm:"index:idx_room_msg,priority:2"`
}

// TableName keeps the table name stable regardless of the struct name.
func (ChatHistory) TableName() string { return "chat_messages" }

// Before reports whether m is ordered before other: by creation time, ties broken by ID.
func (m ChatHistory) Before(other ChatHistory) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.MessageID < other.MessageID
}

// SortHistory orders messages by creation time, ties broken by ID.
func SortHistory(history []ChatHistory) {
	sort.SliceStable(history, func(i, j int) bool { return history[i].Before(history[j]) })
}

// ViewFor translates the stored message into what viewerID sees.
func (m ChatHistory) ViewFor(viewerID string) ChatMessage {
	sender := SenderPartner
	switch {
	case m.Type == MessageSystem:
		sender = SenderSystem
	case m.SenderID == viewerID:
		sender = SenderMe
	}
	return ChatMessage{
		ID:        m.MessageID,
		RoomID:    m.RoomID,
		Sender:    sender,
		Content:   m.Content,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}
