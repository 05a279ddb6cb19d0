package storage

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/models"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Storage. Every operation runs under one mutex, which
// gives the same single-record atomicity a database provides for conditional writes.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]models.ChatRoom
	messages map[string][]models.ChatHistory
	lastAt   map[string]time.Time
	broker   *MemoryBroker
	now      func() time.Time
}

// NewMemoryStore creates an empty store with its own in-process broker.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]models.ChatRoom),
		messages: make(map[string][]models.ChatHistory),
		lastAt:   make(map[string]time.Time),
		broker:   NewMemoryBroker(),
		now:      time.Now,
	}
}

func (s *MemoryStore) Publish(ctx context.Context, topic string, evt models.RoomEvent) error {
	return s.broker.Publish(ctx, topic, evt)
}

func (s *MemoryStore) Subscribe(ctx context.Context, topic string) (Feed, error) {
	return s.broker.Subscribe(ctx, topic)
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	s.mu.Lock()
	if _, exists := s.rooms[room.RoomID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("room %s already exists", room.RoomID)
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	if room.UpdatedAt.IsZero() {
		room.UpdatedAt = room.CreatedAt
	}
	s.rooms[room.RoomID] = *room
	s.mu.Unlock()

	return s.broker.Publish(ctx, RoomTopic(room.RoomID), models.RoomEvent{RoomID: room.RoomID, Kind: models.RoomCreated})
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

func (s *MemoryStore) FindWaitingRooms(_ context.Context, excludeUserID string, limit int) ([]models.ChatRoom, error) {
	s.mu.Lock()
	var rooms []models.ChatRoom
	for _, room := range s.rooms {
		if room.Status == models.RoomWaiting && room.CreatorID != excludeUserID {
			rooms = append(rooms, room)
		}
	}
	s.mu.Unlock()

	sortRooms(rooms)
	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

func (s *MemoryStore) ConditionalUpdateRoom(ctx context.Context, roomID string, expect models.RoomStatus, update models.RoomUpdate) (bool, error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok || room.Status != expect {
		s.mu.Unlock()
		return false, nil
	}
	update.Apply(&room)
	room.UpdatedAt = s.now()
	s.rooms[roomID] = room
	s.mu.Unlock()

	return true, s.broker.Publish(ctx, RoomTopic(roomID), models.RoomEvent{RoomID: roomID, Kind: models.RoomUpdated})
}

func (s *MemoryStore) DeleteRoomIf(ctx context.Context, roomID string, expect models.RoomStatus) (bool, error) {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok || room.Status != expect {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.rooms, roomID)
	s.mu.Unlock()

	return true, s.broker.Publish(ctx, RoomTopic(roomID), models.RoomEvent{RoomID: roomID, Kind: models.RoomDeleted})
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	s.mu.Unlock()

	return s.broker.Publish(ctx, RoomTopic(roomID), models.RoomEvent{RoomID: roomID, Kind: models.RoomDeleted})
}

func (s *MemoryStore) ListRooms(_ context.Context, status models.RoomStatus, changedBefore time.Time) ([]models.ChatRoom, error) {
	s.mu.Lock()
	var rooms []models.ChatRoom
	for _, room := range s.rooms {
		if room.Status == status && room.UpdatedAt.Before(changedBefore) {
			rooms = append(rooms, room)
		}
	}
	s.mu.Unlock()

	sortRooms(rooms)
	return rooms, nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg *models.ChatHistory) error {
	s.mu.Lock()
	room, ok := s.rooms[msg.RoomID]
	if !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	if room.Status != models.RoomActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: room %s is %s", ErrRoomNotActive, room.RoomID, room.Status)
	}
	msg.CreatedAt = NextTimestamp(s.lastAt[msg.RoomID], s.now())
	s.lastAt[msg.RoomID] = msg.CreatedAt
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], *msg)
	s.mu.Unlock()

	return s.broker.Publish(ctx, MessagesTopic(msg.RoomID), models.RoomEvent{RoomID: msg.RoomID, Kind: models.MessageCreated, MessageID: msg.MessageID})
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID string) ([]models.ChatHistory, error) {
	s.mu.Lock()
	history := append([]models.ChatHistory(nil), s.messages[roomID]...)
	s.mu.Unlock()

	models.SortHistory(history)
	return history, nil
}

func (s *MemoryStore) BatchDeleteMessages(ctx context.Context, roomID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	doomed := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		doomed[id] = struct{}{}
	}

	s.mu.Lock()
	var deleted int64
	kept := s.messages[roomID][:0]
	for _, m := range s.messages[roomID] {
		if _, ok := doomed[m.MessageID]; ok {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		delete(s.messages, roomID)
		delete(s.lastAt, roomID)
	} else {
		s.messages[roomID] = kept
	}
	s.mu.Unlock()

	return deleted, s.broker.Publish(ctx, MessagesTopic(roomID), models.RoomEvent{RoomID: roomID, Kind: models.MessagesDeleted})
}

func (s *MemoryStore) PurgeOrphanMessages(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for roomID, history := range s.messages {
		if _, ok := s.rooms[roomID]; ok {
			continue
		}
		purged += int64(len(history))
		delete(s.messages, roomID)
		delete(s.lastAt, roomID)
	}
	return purged, nil
}

func sortRooms(rooms []models.ChatRoom) {
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
}

// MemoryBroker fans out events to in-process feeds. Events are invalidation signals,
// so a feed whose buffer is full simply drops the extra signal: the pending one
// already tells the subscriber to re-read.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]map[*memoryFeed]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]map[*memoryFeed]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, evt models.RoomEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for feed := range b.topics[topic] {
		select {
		case feed.ch <- evt:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (Feed, error) {
	feed := &memoryFeed{broker: b, topic: topic, ch: make(chan models.RoomEvent, config.FeedBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memoryFeed]struct{})
	}
	b.topics[topic][feed] = struct{}{}
	return feed, nil
}

type memoryFeed struct {
	broker *MemoryBroker
	topic  string
	ch     chan models.RoomEvent
	once   sync.Once
}

func (f *memoryFeed) Events() <-chan models.RoomEvent { return f.ch }

func (f *memoryFeed) Close() error {
	f.once.Do(func() {
		f.broker.mu.Lock()
		defer f.broker.mu.Unlock()
		delete(f.broker.topics[f.topic], f)
		if len(f.broker.topics[f.topic]) == 0 {
			delete(f.broker.topics, f.topic)
		}
		close(f.ch)
	})
	return nil
}
