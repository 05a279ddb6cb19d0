package models

import "time"

// RoomStatus is the lifecycle state of a chat room.
type RoomStatus string

const (
	// RoomWaiting means the creator is alone and waiting for a stranger.
	RoomWaiting RoomStatus = "waiting"
	// RoomActive means two participants are paired in the room.
	RoomActive RoomStatus = "active"
	// RoomClosed means teardown has started. The room no longer accepts messages
	// and is about to be deleted.
	RoomClosed RoomStatus = "closed"
)

// ChatRoom represents a 1-on-1 ephemeral chat between two anonymous users.
// A room never survives its session: it is deleted, together with its messages,
// as soon as one of the participants leaves.
type ChatRoom struct {
	// RoomID is the unique identifier for the chat room (UUID).
	RoomID string `gorm:"primaryKey" json:"room_id"`
	// Status is the current lifecycle state. It only moves forward:
	// waiting -> active -> closed.
	Status RoomStatus `gorm:"type:text;not null;index:idx_room_status_created,priority:1;index:idx_room_status_updated,priority:1" json:"status"`
	// CreatorID is the anonymous ID of the user who opened the room.
	CreatorID string `gorm:"type:text;not null" json:"creator_id"`
	// JoinerID is the anonymous ID of the stranger who joined. Empty while waiting.
	JoinerID string `gorm:"type:text" json:"joiner_id,omitempty"`
	// CreatedAt is the timestamp when the room was created.
	CreatedAt time.Time `gorm:"index:idx_room_status_created,priority:2" json:"created_at"`
	// UpdatedAt is the time of the last status change, CreatedAt until the first one.
	UpdatedAt time.Time `gorm:"index:idx_room_status_updated,priority:2" json:"updated_at"`
}

// TableName keeps the table name stable regardless of the struct name.
func (ChatRoom) TableName() string { return "chat_rooms" }

// RoomUpdate holds the fields changed by a conditional room update.
// Zero values are left untouched.
type RoomUpdate struct {
	Status   RoomStatus
	JoinerID string
}

// Apply copies the non-zero fields of u onto room.
func (u RoomUpdate) Apply(room *ChatRoom) {
	if u.Status != "" {
		room.Status = u.Status
	}
	if u.JoinerID != "" {
		room.JoinerID = u.JoinerID
	}
}
