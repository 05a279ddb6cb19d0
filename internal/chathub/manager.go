package chathub

import (
	"confidant/backend/internal/config"
	"confidant/backend/internal/counselor"
	"confidant/backend/internal/models"
	"context"
	"errors"
	"log/slog"
	"sync"
)

// binding ties a connected client to its session and its serial command queue.
type binding struct {
	client  Client
	session *Session
	queue   chan models.Command
}

// ManagerService is the hub: it owns the registry of connected clients and routes their
// commands to per-user sessions. Commands of one user run one at a time in arrival order,
// except cancel and exit, which run at once so they can interrupt a slow match or reply.
type ManagerService struct {
	// Channels
	IncomingCh   chan models.Command
	RegisterCh   chan Client
	UnregisterCh chan Client

	Services Services
	log      *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*binding

	ctx  context.Context
	done chan struct{}
}

// NewManagerService (ініціалізація хаба)
func NewManagerService(services Services, log *slog.Logger) *ManagerService {
	return &ManagerService{
		IncomingCh:   make(chan models.Command),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Services:     services,
		log:          log,
		bindings:     make(map[string]*binding),
		ctx:          context.Background(),
		done:         make(chan struct{}),
	}
}

// Run обробляє реєстрацію клієнтів та команди until ctx is cancelled. On exit every
// session is closed, which tears down rooms of users still chatting.
func (m *ManagerService) Run(ctx context.Context) {
	m.log.Info("Manager Service started")
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			m.log.Info("Manager Service stopped")
			return
		case client := <-m.RegisterCh:
			m.register(client)
		case client := <-m.UnregisterCh:
			m.unregister(client)
		case cmd := <-m.IncomingCh:
			m.dispatch(cmd)
		}
	}
}

// Register, Unregister and Submit hand work to Run. They return false once the hub stopped.
func (m *ManagerService) Register(c Client) bool {
	select {
	case m.RegisterCh <- c:
		return true
	case <-m.done:
		return false
	}
}

func (m *ManagerService) Unregister(c Client) bool {
	select {
	case m.UnregisterCh <- c:
		return true
	case <-m.done:
		return false
	}
}

func (m *ManagerService) Submit(cmd models.Command) bool {
	select {
	case m.IncomingCh <- cmd:
		return true
	case <-m.done:
		return false
	}
}

// Client returns the connected client of userID.
func (m *ManagerService) Client(userID string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[userID]
	if !ok {
		return nil, false
	}
	return b.client, true
}

// Session returns the session of a connected user.
func (m *ManagerService) Session(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[userID]
	if !ok {
		return nil, false
	}
	return b.session, true
}

func (m *ManagerService) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}

func (m *ManagerService) register(c Client) {
	userID := c.GetUserID()
	log := m.log.With("user_id", userID)

	emit := func(evt models.Event) {
		if !c.Deliver(evt) {
			log.Debug("Event dropped", "type", evt.Type)
		}
	}
	b := &binding{
		client:  c,
		session: NewSession(userID, m.Services, emit, m.log),
		queue:   make(chan models.Command, config.CommandQueueSize),
	}

	m.mu.Lock()
	old := m.bindings[userID]
	m.bindings[userID] = b
	m.mu.Unlock()

	if old != nil {
		// The same user connected again: the older connection loses its session.
		log.Info("Replacing existing connection")
		m.release(old)
	}

	go m.serve(b)
	c.Run()
	log.Info("Client registered")
	emit(models.Event{Type: models.EventState, State: string(StateIdle)})
}

func (m *ManagerService) unregister(c Client) {
	userID := c.GetUserID()

	m.mu.Lock()
	b, ok := m.bindings[userID]
	if !ok || b.client != c {
		m.mu.Unlock()
		return
	}
	delete(m.bindings, userID)
	m.mu.Unlock()

	m.release(b)
	m.log.Info("Client unregistered", "user_id", userID)
}

// release stops the binding's queue and closes its session and client off the Run loop,
// since closing a paired session tears its room down.
func (m *ManagerService) release(b *binding) {
	close(b.queue)
	go func() {
		b.session.Close()
		b.client.Close()
	}()
}

func (m *ManagerService) shutdown() {
	m.mu.Lock()
	bindings := m.bindings
	m.bindings = make(map[string]*binding)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range bindings {
		close(b.queue)
		wg.Add(1)
		go func(b *binding) {
			defer wg.Done()
			b.session.Close()
			b.client.Close()
		}(b)
	}
	wg.Wait()
}

func (m *ManagerService) dispatch(cmd models.Command) {
	m.mu.RLock()
	b, ok := m.bindings[cmd.UserID]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn("Command from unknown user dropped", "user_id", cmd.UserID, "action", cmd.Action)
		return
	}

	switch cmd.Action {
	case models.ActionCancel, models.ActionExit:
		m.dropPendingStarts(b)
		go m.execute(b, cmd)
		return
	}
	select {
	case b.queue <- cmd:
	default:
		b.client.Deliver(models.Event{Type: models.EventError, Error: CodeBusy})
	}
}

// dropPendingStarts removes queued match and counselor commands, so a flow the user already
// cancelled does not start afterwards. Other queued commands keep their order. It runs on the
// Run loop, the only writer of the queue.
func (m *ManagerService) dropPendingStarts(b *binding) {
	var keep []models.Command
drain:
	for {
		select {
		case cmd, ok := <-b.queue:
			if !ok {
				return
			}
			switch cmd.Action {
			case models.ActionMatch, models.ActionCounselor:
				m.log.Debug("Queued command dropped", "user_id", cmd.UserID, "action", cmd.Action)
			default:
				keep = append(keep, cmd)
			}
		default:
			break drain
		}
	}
	for _, cmd := range keep {
		select {
		case b.queue <- cmd:
		default:
		}
	}
}

func (m *ManagerService) serve(b *binding) {
	for cmd := range b.queue {
		m.execute(b, cmd)
	}
}

func (m *ManagerService) execute(b *binding, cmd models.Command) {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()

	var err error
	switch cmd.Action {
	case models.ActionMatch:
		err = b.session.StartStranger(ctx)
	case models.ActionCounselor:
		err = b.session.StartCounselor(ctx, counselor.ParsePersona(cmd.Persona))
	case models.ActionSend:
		err = b.session.Send(ctx, cmd.Content, cmd.Type)
	case models.ActionCancel:
		err = b.session.Cancel(ctx)
	case models.ActionExit:
		err = b.session.Exit(ctx)
	case models.ActionReset:
		err = b.session.Reset()
	default:
		b.client.Deliver(models.Event{Type: models.EventError, Error: CodeInvalidCommand})
		return
	}

	// A PII rejection already produced its warning and a failed teardown is only logged.
	if err == nil || errors.Is(err, ErrPIIRejected) || errors.Is(err, ErrTeardownIncomplete) {
		return
	}
	m.log.Debug("Command failed", "user_id", cmd.UserID, "action", cmd.Action, "error", err)
	b.client.Deliver(models.Event{Type: models.EventError, Error: ErrorCode(err)})
}
