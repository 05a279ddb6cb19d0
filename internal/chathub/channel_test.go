package chathub_test

import (
	"confidant/backend/internal/chathub"
	"confidant/backend/internal/models"
	"confidant/backend/internal/pii"
	"confidant/backend/internal/storage"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, store storage.Storage) *chathub.Channel {
	t.Helper()
	guard, err := pii.NewGuard()
	require.NoError(t, err)
	return chathub.NewChannel(store, guard, testLogger())
}

func createActiveRoom(t *testing.T, store storage.Storage, roomID string) {
	t.Helper()
	require.NoError(t, store.CreateRoom(context.Background(), &models.ChatRoom{
		RoomID:    roomID,
		Status:    models.RoomActive,
		CreatorID: "user_A",
		JoinerID:  "user_B",
	}))
}

// snapshotRecorder keeps every snapshot a subscription delivered.
type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots [][]models.ChatMessage
}

func (r *snapshotRecorder) record(msgs []models.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, msgs)
}

func (r *snapshotRecorder) all() [][]models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.ChatMessage(nil), r.snapshots...)
}

func (r *snapshotRecorder) latest() []models.ChatMessage {
	all := r.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func TestChannel_SubscribeDeliversInitialEmptySnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	createActiveRoom(t, store, "room_1")

	rec := &snapshotRecorder{}
	sub, err := channel.Subscribe(context.Background(), "room_1", "user_A", rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.latest())
}

func TestChannel_SendAndViewPerParticipant(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	createActiveRoom(t, store, "room_1")
	ctx := context.Background()

	recA, recB := &snapshotRecorder{}, &snapshotRecorder{}
	subA, err := channel.Subscribe(ctx, "room_1", "user_A", recA.record)
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subB, err := channel.Subscribe(ctx, "room_1", "user_B", recB.record)
	require.NoError(t, err)
	defer subB.Unsubscribe()

	id, err := channel.Send(ctx, "room_1", "user_A", "Oi, tudo bem?", models.MessageText)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Eventually(t, func() bool { return len(recA.latest()) == 1 && len(recB.latest()) == 1 }, 2*time.Second, 10*time.Millisecond)

	a, b := recA.latest()[0], recB.latest()[0]
	assert.Equal(t, id, a.ID)
	assert.Equal(t, models.SenderMe, a.Sender)
	assert.Equal(t, models.SenderPartner, b.Sender)
	assert.Equal(t, "Oi, tudo bem?", b.Content)
	assert.Equal(t, models.MessageText, b.Type)
}

// TestChannel_ConcurrentSendersOrdering checks that every snapshot extends the previous one
// and that the final log holds each message exactly once.
func TestChannel_ConcurrentSendersOrdering(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	createActiveRoom(t, store, "room_1")
	ctx := context.Background()

	rec := &snapshotRecorder{}
	sub, err := channel.Subscribe(ctx, "room_1", "user_A", rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []string{"user_A", "user_B"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := channel.Send(ctx, "room_1", sender, fmt.Sprintf("%s says %d", sender, i), models.MessageText)
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return len(rec.latest()) == 2*perSender }, 3*time.Second, 10*time.Millisecond)

	snapshots := rec.all()
	for i := 1; i < len(snapshots); i++ {
		prev, cur := snapshots[i-1], snapshots[i]
		require.GreaterOrEqual(t, len(cur), len(prev))
		for j := range prev {
			assert.Equal(t, prev[j].ID, cur[j].ID, "snapshot %d reordered position %d", i, j)
		}
	}

	final := rec.latest()
	ids := make(map[string]struct{}, len(final))
	for i, msg := range final {
		_, dup := ids[msg.ID]
		assert.False(t, dup, "duplicate message %s", msg.ID)
		ids[msg.ID] = struct{}{}
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(final[i-1].CreatedAt))
		}
	}

	stored, err := store.ListMessages(ctx, "room_1")
	require.NoError(t, err)
	require.Len(t, stored, len(final))
	for i := range stored {
		assert.Equal(t, stored[i].MessageID, final[i].ID)
	}
}

func TestChannel_SendRejectsPII(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	createActiveRoom(t, store, "room_1")
	ctx := context.Background()

	_, err := channel.Send(ctx, "room_1", "user_A", "me chama no joao@gmail.com", models.MessageText)

	assert.ErrorIs(t, err, chathub.ErrPIIRejected)
	var rejection *chathub.PIIRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, []string{pii.ReasonEmail}, rejection.Reasons)

	stored, err := store.ListMessages(ctx, "room_1")
	require.NoError(t, err)
	assert.Empty(t, stored, "a rejected message must not be stored")
}

func TestChannel_SendAudioSkipsGuard(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	createActiveRoom(t, store, "room_1")

	_, err := channel.Send(context.Background(), "room_1", "user_A", "15s", models.MessageAudio)
	require.NoError(t, err)

	stored, err := store.ListMessages(context.Background(), "room_1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.MessageAudio, stored[0].Type)
}

// TestChannel_AudioMustBeMarker keeps text out of the audio path, which is not screened.
func TestChannel_AudioMustBeMarker(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	createActiveRoom(t, store, "room_1")
	ctx := context.Background()

	for _, content := range []string{"contact me at jane@example.com", "15", "15s e meu zap", "s", "123456s", " 15s"} {
		_, err := channel.Send(ctx, "room_1", "user_A", content, models.MessageAudio)
		assert.ErrorIs(t, err, chathub.ErrInvalidMessage, content)
		assert.Equal(t, chathub.CodeInvalidCommand, chathub.ErrorCode(err))
	}

	stored, err := store.ListMessages(ctx, "room_1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestChannel_SendToInactiveRoom(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	ctx := context.Background()

	require.NoError(t, store.CreateRoom(ctx, &models.ChatRoom{RoomID: "waiting", Status: models.RoomWaiting, CreatorID: "user_A"}))

	_, err := channel.Send(ctx, "waiting", "user_A", "hello", models.MessageText)
	assert.ErrorIs(t, err, chathub.ErrNotInChat)

	_, err = channel.Send(ctx, "missing", "user_A", "hello", models.MessageText)
	assert.ErrorIs(t, err, chathub.ErrNotInChat)
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)
}

func TestChannel_SendRejectsEmptyAndUnknownTypes(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	createActiveRoom(t, store, "room_1")

	_, err := channel.Send(context.Background(), "room_1", "user_A", "   ", models.MessageText)
	assert.ErrorIs(t, err, chathub.ErrEmptyMessage)

	_, err = channel.Send(context.Background(), "room_1", "user_A", "hi", models.MessageSystem)
	assert.ErrorIs(t, err, chathub.ErrInvalidMessage)

	_, err = channel.Send(context.Background(), "room_1", "user_A", "hi", models.MessageType("video"))
	assert.ErrorIs(t, err, chathub.ErrInvalidMessage)
}

// TestChannel_UnsubscribeAndWaitStopsCallbacks checks that no callback is running or starts
// after UnsubscribeAndWait returns, even with one in flight.
func TestChannel_UnsubscribeAndWaitStopsCallbacks(t *testing.T) {
	store := storage.NewMemoryStore()
	channel := newTestChannel(t, store)
	createActiveRoom(t, store, "room_1")
	ctx := context.Background()

	var inFlight, calls atomic.Int32
	entered := make(chan struct{}, 1)
	sub, err := channel.Subscribe(ctx, "room_1", "user_A", func(msgs []models.ChatMessage) {
		inFlight.Add(1)
		defer inFlight.Add(-1)
		calls.Add(1)
		if len(msgs) > 0 {
			select {
			case entered <- struct{}{}:
			default:
			}
			time.Sleep(100 * time.Millisecond)
		}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = channel.Send(ctx, "room_1", "user_A", "primeira", models.MessageText)
	require.NoError(t, err)
	<-entered

	sub.UnsubscribeAndWait()
	assert.Zero(t, inFlight.Load())
	seen := calls.Load()

	_, err = channel.Send(ctx, "room_1", "user_B", "segunda", models.MessageText)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, calls.Load())
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription goroutine still running")
	}
}
