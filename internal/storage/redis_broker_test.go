package storage_test

import (
	"confidant/backend/internal/models"
	"confidant/backend/internal/storage"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBroker(t *testing.T) (*storage.RedisBroker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return storage.NewRedisBroker(rdb, logs.GetLoggerFromLevel(slog.LevelDebug)), rdb
}

func nextEvent(t *testing.T, feed storage.Feed) models.RoomEvent {
	t.Helper()
	select {
	case evt, ok := <-feed.Events():
		require.True(t, ok, "feed closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return models.RoomEvent{}
	}
}

func TestRedisBroker_PublishReachesSubscribers(t *testing.T) {
	broker, _ := newRedisBroker(t)
	ctx := context.Background()

	feed, err := broker.Subscribe(ctx, storage.RoomTopic("room_1"))
	require.NoError(t, err)
	defer feed.Close()
	other, err := broker.Subscribe(ctx, storage.RoomTopic("room_2"))
	require.NoError(t, err)
	defer other.Close()

	evt := models.RoomEvent{RoomID: "room_1", Kind: models.RoomUpdated}
	require.NoError(t, broker.Publish(ctx, storage.RoomTopic("room_1"), evt))

	assert.Equal(t, evt, nextEvent(t, feed))
	select {
	case got := <-other.Events():
		t.Fatalf("unexpected event on another topic: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBroker_SkipsMalformedPayloads(t *testing.T) {
	broker, rdb := newRedisBroker(t)
	ctx := context.Background()
	topic := storage.MessagesTopic("room_1")

	feed, err := broker.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer feed.Close()

	require.NoError(t, rdb.Publish(ctx, topic, "not json").Err())
	evt := models.RoomEvent{RoomID: "room_1", Kind: models.MessageCreated, MessageID: "msg_1"}
	require.NoError(t, broker.Publish(ctx, topic, evt))

	assert.Equal(t, evt, nextEvent(t, feed))
}

func TestRedisBroker_CloseEndsFeed(t *testing.T) {
	broker, _ := newRedisBroker(t)
	ctx := context.Background()

	feed, err := broker.Subscribe(ctx, storage.RoomTopic("room_1"))
	require.NoError(t, err)

	require.NoError(t, feed.Close())
	assert.NoError(t, feed.Close(), "second close is a no-op")

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-feed.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
