package chathub

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/models"
	"confidant/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MatcherService відповідає за пошук співрозмовника.
// Contention between joiners is settled by storage.ConditionalUpdateRoom, never by a local lock,
// so any number of processes can match against the same store.
type MatcherService struct {
	Storage storage.Storage
	// Resync is how often a room watch re-reads the room without an event. Zero disables it.
	Resync time.Duration
	log    *slog.Logger
}

// NewMatcherService створює новий Matcher.
func NewMatcherService(s storage.Storage, log *slog.Logger) *MatcherService {
	return &MatcherService{Storage: s, Resync: config.SubscriptionResync, log: log}
}

// FindOrCreateRoom joins the oldest waiting room created by someone else, or creates a new
// waiting room owned by userID. The returned room is Active when a partner was found.
func (m *MatcherService) FindOrCreateRoom(ctx context.Context, userID string) (*models.ChatRoom, error) {
	log := m.log.With("user_id", userID)

	for attempt := 0; attempt < config.MatchClaimAttempts; attempt++ {
		candidates, err := m.Storage.FindWaitingRooms(ctx, userID, config.WaitingCandidateBatch)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMatchmakingFailed, err)
		}
		if len(candidates) == 0 {
			break
		}

		for _, room := range candidates {
			claimed, err := m.Storage.ConditionalUpdateRoom(ctx, room.RoomID, models.RoomWaiting,
				models.RoomUpdate{Status: models.RoomActive, JoinerID: userID})
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMatchmakingFailed, err)
			}
			if claimed {
				room.Status = models.RoomActive
				room.JoinerID = userID
				log.Info("Joined waiting room", "room_id", room.RoomID, "partner_id", room.CreatorID)
				return &room, nil
			}
			// Another joiner won this room; try the next one.
		}
	}

	room := &models.ChatRoom{
		RoomID:    uuid.NewString(),
		Status:    models.RoomWaiting,
		CreatorID: userID,
	}
	if err := m.Storage.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMatchmakingFailed, err)
	}
	log.Info("Created waiting room", "room_id", room.RoomID)
	return room, nil
}

// CancelWaiting deletes the caller's room if it is still waiting. It reports false when the
// room was claimed meanwhile (or is already gone); the caller then owns its teardown.
func (m *MatcherService) CancelWaiting(ctx context.Context, roomID string) (bool, error) {
	deleted, err := m.Storage.DeleteRoomIf(ctx, roomID, models.RoomWaiting)
	if err != nil {
		return false, fmt.Errorf("failed to cancel waiting room %s: %w", roomID, err)
	}
	return deleted, nil
}

// WatchRoom pushes the room whenever its status or joiner changes. A nil room means it no
// longer exists; that delivery is the last one. After Unsubscribe returns, a callback already
// in flight may still finish; use UnsubscribeAndWait outside the callback to rule that out.
func (m *MatcherService) WatchRoom(ctx context.Context, roomID string, onChange func(*models.ChatRoom)) (*Subscription, error) {
	feed, err := m.Storage.Subscribe(ctx, storage.RoomTopic(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to watch room %s: %w", roomID, err)
	}

	log := m.log.With("room_id", roomID)
	var last *models.ChatRoom

	refresh := func(ctx context.Context, sub *Subscription) bool {
		room, err := m.Storage.GetRoom(ctx, roomID)
		switch {
		case errors.Is(err, storage.ErrRoomNotFound):
			sub.deliver(func() { onChange(nil) })
			return false
		case err != nil:
			if ctx.Err() == nil {
				log.Warn("Failed to read room", "error", err)
			}
			return true
		}
		if last != nil && last.Status == room.Status && last.JoinerID == room.JoinerID {
			return true
		}
		last = room
		snapshot := *room
		sub.deliver(func() { onChange(&snapshot) })
		return true
	}

	return startSubscription(ctx, feed, m.Resync, log, refresh), nil
}
