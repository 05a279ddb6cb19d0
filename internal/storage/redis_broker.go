package storage

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/models"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker publishes room events on Redis Pub/Sub, one channel per topic.
type RedisBroker struct {
	Redis *redis.Client
	Log   *slog.Logger
}

func NewRedisBroker(rdb *redis.Client, log *slog.Logger) *RedisBroker {
	return &RedisBroker{Redis: rdb, Log: log}
}

// Publish публікує подію в Redis Pub/Sub
func (b *RedisBroker) Publish(ctx context.Context, topic string, evt models.RoomEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.Redis.Publish(ctx, topic, payload).Err()
}

// Subscribe waits for the subscription to be confirmed so that no event published
// after it returns can be missed.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Feed, error) {
	pubsub := b.Redis.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	feed := &redisFeed{
		pubsub: pubsub,
		out:    make(chan models.RoomEvent, config.FeedBuffer),
		done:   make(chan struct{}),
	}
	go feed.pump(b.Log)
	return feed, nil
}

type redisFeed struct {
	pubsub *redis.PubSub
	out    chan models.RoomEvent
	done   chan struct{}
	once   sync.Once
}

func (f *redisFeed) pump(log *slog.Logger) {
	defer close(f.out)

	for msg := range f.pubsub.Channel() {
		var evt models.RoomEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			log.Warn("Error unmarshalling Redis message", "channel", msg.Channel, "error", err)
			continue
		}
		select {
		case f.out <- evt:
		case <-f.done:
			return
		}
	}
}

func (f *redisFeed) Events() <-chan models.RoomEvent { return f.out }

func (f *redisFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.pubsub.Close()
	})
	return err
}
