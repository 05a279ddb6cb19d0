package storage

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/models"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// PGBroker implements Broker with Postgres LISTEN/NOTIFY. It keeps a single
// listener connection and multiplexes every subscribed topic over it.
type PGBroker struct {
	db       *gorm.DB
	listener *pq.Listener
	log      *slog.Logger

	mu     sync.Mutex
	topics map[string]map[*pgFeed]struct{}
}

// NewPGBroker opens the listener connection described by dsn and starts dispatching.
func NewPGBroker(dsn string, db *gorm.DB, log *slog.Logger) *PGBroker {
	b := &PGBroker{
		db:     db,
		log:    log,
		topics: make(map[string]map[*pgFeed]struct{}),
	}
	b.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, b.onListenerEvent)
	go b.dispatch()
	return b
}

func (b *PGBroker) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		b.log.Warn("Postgres listener connection problem", "event", ev, "error", err)
	case pq.ListenerEventReconnected:
		b.log.Info("Postgres listener reconnected")
	}
}

func (b *PGBroker) Publish(ctx context.Context, topic string, evt models.RoomEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", topic, string(payload)).Error
}

func (b *PGBroker) Subscribe(_ context.Context, topic string) (Feed, error) {
	feed := &pgFeed{broker: b, topic: topic, ch: make(chan models.RoomEvent, config.FeedBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		if err := b.listener.Listen(topic); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, err
		}
		b.topics[topic] = make(map[*pgFeed]struct{})
	}
	b.topics[topic][feed] = struct{}{}
	return feed, nil
}

// Close stops the listener; open feeds are closed.
func (b *PGBroker) Close() error {
	return b.listener.Close()
}

func (b *PGBroker) dispatch() {
	for n := range b.listener.Notify {
		// A nil notification means the connection was re-established and
		// notifications may have been lost: every subscriber must re-read.
		if n == nil {
			b.broadcastResync()
			continue
		}
		var evt models.RoomEvent
		if err := json.Unmarshal([]byte(n.Extra), &evt); err != nil {
			b.log.Warn("Error unmarshalling Postgres notification", "channel", n.Channel, "error", err)
			continue
		}
		b.fanout(n.Channel, evt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, feeds := range b.topics {
		for feed := range feeds {
			close(feed.ch)
		}
		delete(b.topics, topic)
	}
}

func (b *PGBroker) fanout(topic string, evt models.RoomEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for feed := range b.topics[topic] {
		select {
		case feed.ch <- evt:
		default:
		}
	}
}

func (b *PGBroker) broadcastResync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, feeds := range b.topics {
		for feed := range feeds {
			select {
			case feed.ch <- models.RoomEvent{Kind: models.Resync}:
			default:
			}
		}
	}
}

type pgFeed struct {
	broker *PGBroker
	topic  string
	ch     chan models.RoomEvent
	once   sync.Once
}

func (f *pgFeed) Events() <-chan models.RoomEvent { return f.ch }

func (f *pgFeed) Close() error {
	var err error
	f.once.Do(func() {
		b := f.broker
		b.mu.Lock()
		defer b.mu.Unlock()

		feeds, ok := b.topics[f.topic]
		if !ok {
			// Already closed by dispatch shutdown.
			return
		}
		delete(feeds, f)
		close(f.ch)
		if len(feeds) == 0 {
			delete(b.topics, f.topic)
			if uerr := b.listener.Unlisten(f.topic); uerr != nil && !errors.Is(uerr, pq.ErrChannelNotOpen) {
				err = uerr
			}
		}
	})
	return err
}
