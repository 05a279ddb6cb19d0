package chathub

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/models"
	"confidant/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
)

// Teardown destroys rooms together with their messages.
type Teardown struct {
	Storage storage.Storage
	log     *slog.Logger
}

func NewTeardown(s storage.Storage, log *slog.Logger) *Teardown {
	return &Teardown{Storage: s, log: log}
}

// Destroy closes the room, purges every message and then deletes the room record.
// Closing first makes the store reject new messages, so the purge cannot race a late Send.
// The purge is attempted in full even when a batch fails. Any failure is returned wrapped
// in ErrTeardownIncomplete; a room that is already gone is not an error.
func (t *Teardown) Destroy(ctx context.Context, roomID string) error {
	log := t.log.With("room_id", roomID)

	closed, err := t.Storage.ConditionalUpdateRoom(ctx, roomID, models.RoomActive, models.RoomUpdate{Status: models.RoomClosed})
	if err != nil {
		return fmt.Errorf("%w: closing room %s: %w", ErrTeardownIncomplete, roomID, err)
	}
	if !closed {
		// Still waiting, or already closed by the partner or a sweep.
		if _, err := t.Storage.GetRoom(ctx, roomID); err != nil {
			if errors.Is(err, storage.ErrRoomNotFound) {
				return nil
			}
			return fmt.Errorf("%w: reading room %s: %w", ErrTeardownIncomplete, roomID, err)
		}
	}

	var errs []error
	purged, err := t.purgeMessages(ctx, roomID)
	if err != nil {
		errs = append(errs, err)
	}
	if err := t.Storage.DeleteRoom(ctx, roomID); err != nil && !errors.Is(err, storage.ErrRoomNotFound) {
		errs = append(errs, fmt.Errorf("deleting room: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: room %s: %w", ErrTeardownIncomplete, roomID, errors.Join(errs...))
	}

	log.Info("Room destroyed", "messages", purged)
	return nil
}

func (t *Teardown) purgeMessages(ctx context.Context, roomID string) (int64, error) {
	history, err := t.Storage.ListMessages(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", err)
	}
	ids := lo.Map(history, func(m models.ChatHistory, _ int) string { return m.MessageID })

	var purged int64
	var errs []error
	for _, batch := range lo.Chunk(ids, config.MessagePurgeBatchSize) {
		n, err := t.Storage.BatchDeleteMessages(ctx, roomID, batch)
		purged += n
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting %d messages: %w", len(batch), err))
		}
	}
	return purged, errors.Join(errs...)
}
