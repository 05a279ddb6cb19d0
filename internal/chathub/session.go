package chathub

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/counselor"
	"confidant/backend/internal/models"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// SessionState is the lifecycle state of one participant's session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateMatching  SessionState = "matching"
	StatePaired    SessionState = "paired"
	StateCounselor SessionState = "counselor"
	StateEnded     SessionState = "ended"
)

// Services groups the collaborators every session uses.
type Services struct {
	Matcher   *MatcherService
	Channel   *Channel
	Teardown  *Teardown
	Counselor *counselor.Service
}

// Session drives one participant through matchmaking, chatting and teardown, or through a
// counselor conversation. The two flows never overlap.
//
// gen identifies the current flow (one matchmaking or counselor run). It changes when a flow
// starts or ends. Callbacks and slow calls capture it and are ignored once it changed, so a
// cancelled flow can never move the session again.
// emit is called with mu held and must not block or call back into the session.
type Session struct {
	userID   string
	services Services
	emit     func(models.Event)
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   SessionState
	roomID  string
	gen     uint64
	roomSub *Subscription
	msgSub  *Subscription
	handle  *counselor.Handle
	closed  bool
}

func NewSession(userID string, services Services, emit func(models.Event), log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		userID:   userID,
		services: services,
		emit:     emit,
		log:      log.With("user_id", userID),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// StartStranger moves Idle -> Matching and runs the matchmaker. The session becomes Paired
// right away when a waiting room was joined, otherwise when the room watch sees a joiner.
func (s *Session) StartStranger(ctx context.Context) error {
	s.mu.Lock()
	if err := s.beginLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	gen := s.startFlowLocked(StateMatching)
	s.mu.Unlock()

	room, err := s.services.Matcher.FindOrCreateRoom(ctx, s.userID)

	s.mu.Lock()
	if gen != s.gen {
		// Cancelled or closed while matching.
		s.mu.Unlock()
		if err == nil {
			s.release(context.WithoutCancel(ctx), room.RoomID)
		}
		return nil
	}
	if err != nil {
		s.log.Warn("Matchmaking failed", "error", err)
		s.endFlowLocked(StateIdle)
		s.mu.Unlock()
		return err
	}

	s.roomID = room.RoomID
	sub, err := s.services.Matcher.WatchRoom(s.ctx, room.RoomID, func(r *models.ChatRoom) { s.onRoom(gen, r) })
	if err != nil {
		s.log.Warn("Room watch failed", "room_id", room.RoomID, "error", err)
		s.roomID = ""
		s.endFlowLocked(StateIdle)
		s.mu.Unlock()
		s.release(context.WithoutCancel(ctx), room.RoomID)
		return errors.Join(ErrMatchmakingFailed, err)
	}
	s.roomSub = sub
	if room.Status == models.RoomActive {
		s.pairLocked()
	}
	s.mu.Unlock()
	return nil
}

// onRoom handles the room watch. It only acts for the generation that started the watch.
func (s *Session) onRoom(gen uint64, room *models.ChatRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		return
	}

	switch s.state {
	case StateMatching:
		switch {
		case room == nil:
			// Our waiting room was swept.
			s.log.Info("Waiting room expired", "room_id", s.roomID)
			s.dropRoomLocked()
			s.emit(models.Event{Type: models.EventExpired})
			s.endFlowLocked(StateIdle)
		case room.Status == models.RoomActive:
			s.pairLocked()
		case room.Status == models.RoomClosed:
			s.partnerLeftLocked()
		}
	case StatePaired:
		// The partner destroyed the room. Not found and Closed both end the session here;
		// the partner already runs the teardown.
		if room == nil || room.Status == models.RoomClosed {
			s.partnerLeftLocked()
		}
	}
}

func (s *Session) pairLocked() {
	s.setStateLocked(StatePaired)
	gen := s.gen
	s.log.Info("Paired", "room_id", s.roomID)

	sub, err := s.services.Channel.Subscribe(s.ctx, s.roomID, s.userID, func(msgs []models.ChatMessage) {
		s.onMessages(gen, msgs)
	})
	if err != nil {
		// Without a message feed the chat is useless: end it like an exit.
		s.log.Warn("Message subscription failed", "room_id", s.roomID, "error", err)
		roomID := s.roomID
		s.dropRoomLocked()
		s.emit(models.Event{Type: models.EventError, Error: CodeInternal})
		s.endFlowLocked(StateEnded)
		go s.destroy(context.Background(), roomID)
		return
	}
	s.msgSub = sub
}

func (s *Session) onMessages(gen uint64, msgs []models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StatePaired {
		return
	}
	s.emit(models.Event{Type: models.EventMessages, RoomID: s.roomID, Messages: msgs})
}

func (s *Session) partnerLeftLocked() {
	s.log.Info("Partner left", "room_id", s.roomID)
	s.dropRoomLocked()
	s.emit(models.Event{Type: models.EventPartnerLeft})
	s.endFlowLocked(StateEnded)
}

// StartCounselor moves Idle -> CounselorActive with a fresh conversation context.
func (s *Session) StartCounselor(ctx context.Context, persona counselor.Persona) error {
	s.mu.Lock()
	if err := s.beginLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	gen := s.startFlowLocked(StateCounselor)
	s.mu.Unlock()

	handle, err := s.services.Counselor.StartContext(ctx, persona)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if handle != nil {
			handle.Clear()
		}
		return nil
	}
	if err != nil {
		s.log.Warn("Counselor context failed", "error", err)
		s.endFlowLocked(StateIdle)
		s.mu.Unlock()
		return err
	}
	if s.handle != nil {
		s.handle.Clear()
	}
	s.handle = handle
	s.mu.Unlock()

	greeting, err := handle.Greet(ctx)
	if err != nil || greeting == "" {
		return nil
	}
	s.emitTranscript(gen, handle)
	return nil
}

// Send delivers content to the partner, or to the counselor. Flagged content is rejected with a
// *PIIRejection and a pii_warning event; nothing is stored or forwarded.
func (s *Session) Send(ctx context.Context, content string, msgType models.MessageType) error {
	if msgType == "" {
		msgType = models.MessageText
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	state, roomID, handle, gen := s.state, s.roomID, s.handle, s.gen
	s.mu.Unlock()

	switch state {
	case StatePaired:
		_, err := s.services.Channel.Send(ctx, roomID, s.userID, content, msgType)
		s.warnIfRejected(gen, err)
		if errors.Is(err, ErrNotInChat) {
			s.roomGone(gen)
		}
		return err
	case StateCounselor:
		if handle == nil {
			return ErrSessionBusy
		}
		if err := s.services.Channel.Screen(content, msgType); err != nil {
			s.warnIfRejected(gen, err)
			return err
		}
		var err error
		if msgType == models.MessageAudio {
			_, err = handle.ExchangeAudio(ctx, content)
		} else {
			_, err = handle.Exchange(ctx, content)
		}
		if errors.Is(err, counselor.ErrContextCleared) {
			return nil
		}
		if err != nil {
			return err
		}
		s.emitTranscript(gen, handle)
		return nil
	default:
		return ErrNotInChat
	}
}

// roomGone ends a paired session whose room the store no longer accepts messages for. The
// room watch normally reports this first; a lost notification leaves it to the failed send.
func (s *Session) roomGone(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StatePaired {
		return
	}
	s.partnerLeftLocked()
}

func (s *Session) warnIfRejected(gen uint64, err error) {
	var rejection *PIIRejection
	if !errors.As(err, &rejection) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.emit(models.Event{
		Type:       models.EventPIIWarning,
		Reasons:    rejection.Reasons,
		DurationMS: config.PIIWarningDuration.Milliseconds(),
	})
}

func (s *Session) emitTranscript(gen uint64, handle *counselor.Handle) {
	msgs := lo.Map(handle.Transcript(), func(t counselor.Turn, _ int) models.ChatMessage {
		msg := models.ChatMessage{ID: t.ID, Sender: models.SenderPartner, Content: t.Text, Type: models.MessageText, CreatedAt: t.At}
		if t.Role == counselor.RoleUser {
			msg.Sender = models.SenderMe
		}
		if t.Audio {
			msg.Type = models.MessageAudio
		}
		return msg
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateCounselor {
		return
	}
	s.emit(models.Event{Type: models.EventMessages, Messages: msgs})
}

// Cancel stops matching and returns to Idle. The waiting room is deleted; if a partner claimed
// it in the meantime it is destroyed so the partner's session ends too.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateMatching {
		s.mu.Unlock()
		return nil
	}
	roomID := s.roomID
	subs := s.dropRoomLocked()
	s.endFlowLocked(StateIdle)
	s.mu.Unlock()

	waitStopped(subs)
	if roomID != "" {
		s.release(ctx, roomID)
	}
	return nil
}

// Exit leaves the current flow. A paired session destroys the room, a counselor session
// clears its context. The session is Ended before teardown starts; a teardown failure is
// returned but does not change that.
func (s *Session) Exit(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateMatching:
		s.mu.Unlock()
		return s.Cancel(ctx)
	case StatePaired:
		roomID := s.roomID
		subs := s.dropRoomLocked()
		s.endFlowLocked(StateEnded)
		s.mu.Unlock()
		waitStopped(subs)
		return s.destroy(ctx, roomID)
	case StateCounselor:
		if s.handle != nil {
			s.handle.Clear()
			s.handle = nil
		}
		s.endFlowLocked(StateEnded)
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
}

// Reset returns an ended session to Idle.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateEnded:
		s.setStateLocked(StateIdle)
		return nil
	case StateIdle:
		return nil
	default:
		return ErrSessionBusy
	}
}

// Close runs Exit and stops all subscriptions. It is what a transport calls on disconnect.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), config.SessionCloseTimeout)
	defer cancel()

	// Teardown failures are already logged by destroy.
	_ = s.Exit(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	subs := s.dropRoomLocked()
	s.cancel()
	s.mu.Unlock()

	waitStopped(subs)
}

func (s *Session) beginLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.state == StateEnded {
		s.state = StateIdle
	}
	if s.state != StateIdle {
		return ErrSessionBusy
	}
	return nil
}

func (s *Session) startFlowLocked(state SessionState) uint64 {
	s.gen++
	s.setStateLocked(state)
	return s.gen
}

func (s *Session) endFlowLocked(state SessionState) {
	s.gen++
	s.setStateLocked(state)
}

func (s *Session) setStateLocked(state SessionState) {
	s.state = state
	s.emit(models.Event{Type: models.EventState, State: string(state), RoomID: s.roomID})
}

// dropRoomLocked cancels the room subscriptions and forgets the room. Callers outside a
// callback pass the result to waitStopped once mu is released.
func (s *Session) dropRoomLocked() []*Subscription {
	var subs []*Subscription
	for _, sub := range []**Subscription{&s.roomSub, &s.msgSub} {
		if *sub != nil {
			(*sub).Unsubscribe()
			subs = append(subs, *sub)
			*sub = nil
		}
	}
	s.roomID = ""
	return subs
}

// waitStopped returns once no callback of subs can run any more.
func waitStopped(subs []*Subscription) {
	for _, sub := range subs {
		sub.UnsubscribeAndWait()
	}
}

// release gives up a room this session no longer wants.
func (s *Session) release(ctx context.Context, roomID string) {
	deleted, err := s.services.Matcher.CancelWaiting(ctx, roomID)
	if err != nil {
		s.log.Warn("Failed to cancel waiting room", "room_id", roomID, "error", err)
		return
	}
	if !deleted {
		_ = s.destroy(ctx, roomID)
	}
}

func (s *Session) destroy(ctx context.Context, roomID string) error {
	err := s.services.Teardown.Destroy(ctx, roomID)
	if err != nil {
		s.log.Warn("Room teardown incomplete", "room_id", roomID, "error", err)
	}
	return err
}
