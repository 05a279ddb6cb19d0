package storage

import (
	"confidant/backend/internal/models"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRoomNotFound  = errors.New("chat room not found")
	ErrRoomNotActive = errors.New("chat room is not active")
)

// Feed is a live stream of room events for one topic.
type Feed interface {
	Events() <-chan models.RoomEvent
	Close() error
}

// Broker is the pub/sub half of the storage collaborator.
type Broker interface {
	Publish(ctx context.Context, topic string, evt models.RoomEvent) error
	Subscribe(ctx context.Context, topic string) (Feed, error)
}

// Storage is everything the chat core needs from persistence. Every room mutation
// is a single atomic operation; implementations publish a RoomEvent after each
// successful mutation.
type Storage interface {
	Broker

	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error)
	// FindWaitingRooms returns waiting rooms not created by excludeUserID, oldest first.
	FindWaitingRooms(ctx context.Context, excludeUserID string, limit int) ([]models.ChatRoom, error)
	// ConditionalUpdateRoom applies update only if the room is currently in status expect.
	// It reports whether the update happened.
	ConditionalUpdateRoom(ctx context.Context, roomID string, expect models.RoomStatus, update models.RoomUpdate) (bool, error)
	// DeleteRoomIf deletes the room only if it is currently in status expect.
	DeleteRoomIf(ctx context.Context, roomID string, expect models.RoomStatus) (bool, error)
	DeleteRoom(ctx context.Context, roomID string) error
	// ListRooms returns rooms that entered status before the given time, oldest first.
	ListRooms(ctx context.Context, status models.RoomStatus, changedBefore time.Time) ([]models.ChatRoom, error)

	// InsertMessage stores msg in an active room and assigns its CreatedAt.
	InsertMessage(ctx context.Context, msg *models.ChatHistory) error
	ListMessages(ctx context.Context, roomID string) ([]models.ChatHistory, error)
	BatchDeleteMessages(ctx context.Context, roomID string, messageIDs []string) (int64, error)
	// PurgeOrphanMessages deletes messages whose room no longer exists.
	PurgeOrphanMessages(ctx context.Context) (int64, error)
}

// RoomTopic is the pub/sub topic carrying room status changes.
func RoomTopic(roomID string) string { return "room:" + roomID }

// MessagesTopic is the pub/sub topic carrying message changes of a room.
func MessagesTopic(roomID string) string { return "room:" + roomID + ":messages" }

// Service is the Postgres implementation of Storage. Notifications go through Broker.
type Service struct {
	DB     *gorm.DB
	Broker Broker
	Log    *slog.Logger
	now    func() time.Time
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, broker Broker, log *slog.Logger) *Service {
	return &Service{
		DB:     db,
		Broker: broker,
		Log:    log,
		now:    time.Now,
	}
}

// Migrate creates or updates the tables used by the service.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(&models.ChatRoom{}, &models.ChatHistory{})
}

func (s *Service) Publish(ctx context.Context, topic string, evt models.RoomEvent) error {
	return s.Broker.Publish(ctx, topic, evt)
}

func (s *Service) Subscribe(ctx context.Context, topic string) (Feed, error) {
	return s.Broker.Subscribe(ctx, topic)
}

// notify publishes after a committed mutation. A lost notification only delays
// subscribers, so failures are logged rather than returned.
func (s *Service) notify(ctx context.Context, topic string, evt models.RoomEvent) {
	if err := s.Broker.Publish(ctx, topic, evt); err != nil {
		s.Log.Warn("Failed to publish room event", "topic", topic, "kind", evt.Kind, "error", err)
	}
}

func (s *Service) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	if room.UpdatedAt.IsZero() {
		room.UpdatedAt = room.CreatedAt
	}
	if err := s.DB.WithContext(ctx).Create(room).Error; err != nil {
		return err
	}
	s.notify(ctx, RoomTopic(room.RoomID), models.RoomEvent{RoomID: room.RoomID, Kind: models.RoomCreated})
	return nil
}

func (s *Service) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.DB.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Service) FindWaitingRooms(ctx context.Context, excludeUserID string, limit int) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	err := s.DB.WithContext(ctx).
		Where("status = ? AND creator_id <> ?", models.RoomWaiting, excludeUserID).
		Order("created_at asc").
		Limit(limit).
		Find(&rooms).Error
	return rooms, err
}

// ConditionalUpdateRoom relies on a single UPDATE ... WHERE status = ? statement:
// Postgres serializes concurrent updates of the same row, so only one caller sees
// RowsAffected == 1.
func (s *Service) ConditionalUpdateRoom(ctx context.Context, roomID string, expect models.RoomStatus, update models.RoomUpdate) (bool, error) {
	res := s.DB.WithContext(ctx).
		Model(&models.ChatRoom{}).
		Where("room_id = ? AND status = ?", roomID, expect).
		Updates(models.ChatRoom{Status: update.Status, JoinerID: update.JoinerID, UpdatedAt: s.now()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.notify(ctx, RoomTopic(roomID), models.RoomEvent{RoomID: roomID, Kind: models.RoomUpdated})
	return true, nil
}

func (s *Service) DeleteRoomIf(ctx context.Context, roomID string, expect models.RoomStatus) (bool, error) {
	res := s.DB.WithContext(ctx).
		Where("room_id = ? AND status = ?", roomID, expect).
		Delete(&models.ChatRoom{})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.notify(ctx, RoomTopic(roomID), models.RoomEvent{RoomID: roomID, Kind: models.RoomDeleted})
	return true, nil
}

func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	res := s.DB.WithContext(ctx).Where("room_id = ?", roomID).Delete(&models.ChatRoom{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	s.notify(ctx, RoomTopic(roomID), models.RoomEvent{RoomID: roomID, Kind: models.RoomDeleted})
	return nil
}

func (s *Service) ListRooms(ctx context.Context, status models.RoomStatus, changedBefore time.Time) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	err := s.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, changedBefore).
		Order("created_at asc").
		Find(&rooms).Error
	return rooms, err
}

// InsertMessage locks the room row so that concurrent senders get strictly increasing
// timestamps and no message can land in a room that is being closed.
func (s *Service) InsertMessage(ctx context.Context, msg *models.ChatHistory) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.ChatRoom
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ?", msg.RoomID).
			First(&room).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if room.Status != models.RoomActive {
			return fmt.Errorf("%w: room %s is %s", ErrRoomNotActive, room.RoomID, room.Status)
		}

		var last struct{ Last *time.Time }
		if err := tx.Model(&models.ChatHistory{}).
			Select("MAX(created_at) AS last").
			Where("room_id = ?", msg.RoomID).
			Scan(&last).Error; err != nil {
			return err
		}
		var prev time.Time
		if last.Last != nil {
			prev = *last.Last
		}
		msg.CreatedAt = NextTimestamp(prev, s.now())
		return tx.Create(msg).Error
	})
	if err != nil {
		return err
	}
	s.notify(ctx, MessagesTopic(msg.RoomID), models.RoomEvent{RoomID: msg.RoomID, Kind: models.MessageCreated, MessageID: msg.MessageID})
	return nil
}

// ListMessages отримує історію повідомлень для кімнати
func (s *Service) ListMessages(ctx context.Context, roomID string) ([]models.ChatHistory, error) {
	var history []models.ChatHistory
	if err := s.DB.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at asc, message_id asc").
		Find(&history).Error; err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Service) BatchDeleteMessages(ctx context.Context, roomID string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res := s.DB.WithContext(ctx).
		Where("room_id = ? AND message_id IN ?", roomID, messageIDs).
		Delete(&models.ChatHistory{})
	if res.Error != nil {
		return 0, res.Error
	}
	s.notify(ctx, MessagesTopic(roomID), models.RoomEvent{RoomID: roomID, Kind: models.MessagesDeleted})
	return res.RowsAffected, nil
}

func (s *Service) PurgeOrphanMessages(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).
		Where("room_id NOT IN (?)", s.DB.Model(&models.ChatRoom{}).Select("room_id")).
		Delete(&models.ChatHistory{})
	return res.RowsAffected, res.Error
}
