package chathub

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/models"
	"confidant/backend/internal/pii"
	"confidant/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Channel is the ordered message log of a room plus its realtime fan-out.
type Channel struct {
	Storage storage.Storage
	// Resync is how often a subscription re-reads the log without an event. Zero disables it.
	Resync time.Duration
	guard  *pii.Guard
	log    *slog.Logger
}

func NewChannel(s storage.Storage, guard *pii.Guard, log *slog.Logger) *Channel {
	return &Channel{Storage: s, Resync: config.SubscriptionResync, guard: guard, log: log}
}

// Screen runs the PII guard on outbound content. Audio messages carry no user text: their
// content must be a bare duration marker and anything else is rejected.
func (c *Channel) Screen(content string, msgType models.MessageType) error {
	if !msgType.Sendable() {
		return fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, msgType)
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if msgType == models.MessageAudio {
		if !models.IsAudioMarker(content) {
			return fmt.Errorf("%w: audio content must be a duration marker", ErrInvalidMessage)
		}
		return nil
	}
	if res := c.guard.Classify(content); res.Flagged() {
		return &PIIRejection{Reasons: res.Reasons}
	}
	return nil
}

// Send screens and stores a message. A rejected message is never written or published.
func (c *Channel) Send(ctx context.Context, roomID, senderID, content string, msgType models.MessageType) (string, error) {
	if msgType == "" {
		msgType = models.MessageText
	}
	if err := c.Screen(content, msgType); err != nil {
		return "", err
	}

	msg := &models.ChatHistory{
		MessageID: uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		Type:      msgType,
	}
	if err := c.Storage.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) || errors.Is(err, storage.ErrRoomNotActive) {
			return "", fmt.Errorf("%w: %w", ErrNotInChat, err)
		}
		return "", fmt.Errorf("failed to save message: %w", err)
	}
	return msg.MessageID, nil
}

// Subscribe delivers the room's history as seen by viewerID, and again every time it grows.
// Each delivery is the full ordered log so far; a message is delivered once per position and
// never reordered. The first delivery happens even when the room has no messages yet.
// A callback already in flight may outlive Unsubscribe; UnsubscribeAndWait does not return
// before it finished.
func (c *Channel) Subscribe(ctx context.Context, roomID, viewerID string, onMessages func([]models.ChatMessage)) (*Subscription, error) {
	feed, err := c.Storage.Subscribe(ctx, storage.MessagesTopic(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", roomID, err)
	}

	log := c.log.With("room_id", roomID, "user_id", viewerID)
	seen := make(map[string]struct{})
	var history []models.ChatHistory
	first := true

	refresh := func(ctx context.Context, sub *Subscription) bool {
		current, err := c.Storage.ListMessages(ctx, roomID)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("Failed to load messages", "error", err)
			}
			return true
		}
		fresh := lo.Filter(current, func(m models.ChatHistory, _ int) bool {
			_, dup := seen[m.MessageID]
			return !dup
		})
		if len(fresh) == 0 && !first {
			return true
		}
		first = false
		for _, m := range fresh {
			seen[m.MessageID] = struct{}{}
		}
		history = append(history, fresh...)
		models.SortHistory(history)

		view := lo.Map(history, func(m models.ChatHistory, _ int) models.ChatMessage {
			return m.ViewFor(viewerID)
		})
		sub.deliver(func() { onMessages(view) })
		return true
	}

	return startSubscription(ctx, feed, c.Resync, log, refresh), nil
}
