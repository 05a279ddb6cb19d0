package chathub_test

import (
	"confidant/backend/internal/chathub"
	"confidant/backend/internal/counselor"
	"confidant/backend/internal/models"
	"confidant/backend/internal/pii"
	"confidant/backend/internal/storage"
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorage is a testify implementation of storage.Storage used to inject failures.
type MockStorage struct {
	mock.Mock
}

var _ storage.Storage = (*MockStorage)(nil)

// Pub/sub
func (m *MockStorage) Publish(ctx context.Context, topic string, evt models.RoomEvent) error {
	args := m.Called(ctx, topic, evt)
	return args.Error(0)
}

func (m *MockStorage) Subscribe(ctx context.Context, topic string) (storage.Feed, error) {
	args := m.Called(ctx, topic)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(storage.Feed), args.Error(1)
}

// Room operations
func (m *MockStorage) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *MockStorage) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStorage) FindWaitingRooms(ctx context.Context, excludeUserID string, limit int) ([]models.ChatRoom, error) {
	args := m.Called(ctx, excludeUserID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatRoom), args.Error(1)
}

func (m *MockStorage) ConditionalUpdateRoom(ctx context.Context, roomID string, expect models.RoomStatus, update models.RoomUpdate) (bool, error) {
	args := m.Called(ctx, roomID, expect, update)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) DeleteRoomIf(ctx context.Context, roomID string, expect models.RoomStatus) (bool, error) {
	args := m.Called(ctx, roomID, expect)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) DeleteRoom(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MockStorage) ListRooms(ctx context.Context, status models.RoomStatus, changedBefore time.Time) ([]models.ChatRoom, error) {
	args := m.Called(ctx, status, changedBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatRoom), args.Error(1)
}

// Message operations
func (m *MockStorage) InsertMessage(ctx context.Context, msg *models.ChatHistory) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStorage) ListMessages(ctx context.Context, roomID string) ([]models.ChatHistory, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatHistory), args.Error(1)
}

func (m *MockStorage) BatchDeleteMessages(ctx context.Context, roomID string, messageIDs []string) (int64, error) {
	args := m.Called(ctx, roomID, messageIDs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) PurgeOrphanMessages(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// countingStore is the in-memory store with a counter on room deletions, used to prove that
// a teardown runs exactly once per room.
type countingStore struct {
	*storage.MemoryStore
	roomDeletes atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: storage.NewMemoryStore()}
}

func (c *countingStore) DeleteRoom(ctx context.Context, roomID string) error {
	c.roomDeletes.Add(1)
	return c.MemoryStore.DeleteRoom(ctx, roomID)
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

func newTestServices(t *testing.T, store storage.Storage) chathub.Services {
	t.Helper()
	log := testLogger()
	guard, err := pii.NewGuard()
	require.NoError(t, err)

	return chathub.Services{
		Matcher:   chathub.NewMatcherService(store, log),
		Channel:   chathub.NewChannel(store, guard, log),
		Teardown:  chathub.NewTeardown(store, log),
		Counselor: counselor.NewService(counselor.NewEchoCompleter(), "fallback", log),
	}
}

// lossyStore is the in-memory store whose feeds silently drop events while lose is set,
// the way a broker does across a reconnect.
type lossyStore struct {
	*storage.MemoryStore
	lose atomic.Bool
}

func newLossyStore() *lossyStore {
	return &lossyStore{MemoryStore: storage.NewMemoryStore()}
}

func (l *lossyStore) Subscribe(ctx context.Context, topic string) (storage.Feed, error) {
	inner, err := l.MemoryStore.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	f := &lossyFeed{inner: inner, out: make(chan models.RoomEvent, 16)}
	go func() {
		defer close(f.out)
		for evt := range inner.Events() {
			if l.lose.Load() {
				continue
			}
			select {
			case f.out <- evt:
			default:
			}
		}
	}()
	return f, nil
}

type lossyFeed struct {
	inner storage.Feed
	out   chan models.RoomEvent
}

func (f *lossyFeed) Events() <-chan models.RoomEvent { return f.out }
func (f *lossyFeed) Close() error { return f.inner.Close() }
