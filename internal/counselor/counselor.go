// Package counselor runs AI conversations that replace the human partner.
// Each session owns its own Handle; nothing is shared between sessions.
package counselor

import (
	"confidant/backend/internal/config"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTransport wraps any failure talking to the completion service.
	ErrTransport = errors.New("completion transport error")
	// ErrContextCleared is returned by a Handle after Clear.
	ErrContextCleared = errors.New("counselor context cleared")
)

// EmptyReply replaces a completion that came back without text.
const EmptyReply = "..."

// Params tune the completion service for one context.
type Params struct {
	Temperature     float32
	TopK            float32
	MaxOutputTokens int32
}

// DefaultParams favour natural, varied replies.
func DefaultParams() Params {
	return Params{
		Temperature:     config.CounselorTemperature,
		TopK:            config.CounselorTopK,
		MaxOutputTokens: config.CounselorMaxOutputTokens,
	}
}

// Completer creates conversation threads on a completion service.
type Completer interface {
	CreateContext(ctx context.Context, systemPrompt string, params Params) (Thread, error)
}

// Thread is one stateful conversation on the completion service.
type Thread interface {
	Complete(ctx context.Context, text string) (string, error)
}

// Role of a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one visible line of the conversation.
type Turn struct {
	ID    string
	Role  Role
	Text  string
	Audio bool
	At    time.Time
}

type Service struct {
	completer Completer
	params    Params
	fallback  string
	timeout   time.Duration
	log       *slog.Logger
}

// NewService creates a counselor service. fallback is shown to the user whenever the
// completion service fails.
func NewService(completer Completer, fallback string, log *slog.Logger) *Service {
	return &Service{
		completer: completer,
		params:    DefaultParams(),
		fallback:  fallback,
		timeout:   config.CounselorExchangeTimeout,
		log:       log,
	}
}

// StartContext opens a fresh conversation for persona. The caller owns the returned handle
// and must Clear it when the conversation ends.
func (s *Service) StartContext(ctx context.Context, persona Persona) (*Handle, error) {
	thread, err := s.completer.CreateContext(ctx, persona.SystemPrompt(), s.params)
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}
	return &Handle{
		persona:  persona,
		thread:   thread,
		fallback: s.fallback,
		timeout:  s.timeout,
		log:      s.log.With("persona", string(persona)),
		now:      time.Now,
	}, nil
}

// Handle is a live conversation context. Methods are safe for concurrent use; no lock is
// held while the completion service is called, so Clear never waits on a slow reply.
type Handle struct {
	mu         sync.Mutex
	persona    Persona
	thread     Thread
	transcript []Turn
	cleared    bool

	fallback string
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func (h *Handle) Persona() Persona { return h.persona }

// Exchange sends a user message and returns the reply. A transport failure is not an error
// for the caller: the fallback text is returned instead.
func (h *Handle) Exchange(ctx context.Context, message string) (string, error) {
	return h.exchange(ctx, Turn{Role: RoleUser, Text: message}, message)
}

// ExchangeAudio records a voice message by its marker (e.g. "15s") and sends AudioPrompt
// in its place.
func (h *Handle) ExchangeAudio(ctx context.Context, marker string) (string, error) {
	return h.exchange(ctx, Turn{Role: RoleUser, Text: marker, Audio: true}, AudioPrompt)
}

func (h *Handle) exchange(ctx context.Context, turn Turn, prompt string) (string, error) {
	h.mu.Lock()
	if h.cleared {
		h.mu.Unlock()
		return "", ErrContextCleared
	}
	h.transcript = append(h.transcript, h.stamp(turn))
	thread := h.thread
	h.mu.Unlock()

	return h.complete(ctx, thread, prompt)
}

func (h *Handle) stamp(turn Turn) Turn {
	turn.ID = uuid.NewString()
	turn.At = h.now()
	return turn
}

// Prompt sends a hidden instruction. Only the reply becomes part of the transcript.
func (h *Handle) Prompt(ctx context.Context, instruction string) (string, error) {
	h.mu.Lock()
	if h.cleared {
		h.mu.Unlock()
		return "", ErrContextCleared
	}
	thread := h.thread
	h.mu.Unlock()

	return h.complete(ctx, thread, instruction)
}

// Greet asks the persona to speak first. It returns "" for personas that wait for the user.
func (h *Handle) Greet(ctx context.Context) (string, error) {
	instruction := h.persona.Greeting()
	if instruction == "" {
		return "", nil
	}
	return h.Prompt(ctx, instruction)
}

func (h *Handle) complete(ctx context.Context, thread Thread, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	reply, err := thread.Complete(ctx, text)
	switch {
	case err != nil:
		h.log.Warn("Completion failed, using fallback reply", "error", err)
		reply = h.fallback
	case strings.TrimSpace(reply) == "":
		reply = EmptyReply
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cleared {
		return "", ErrContextCleared
	}
	h.transcript = append(h.transcript, h.stamp(Turn{Role: RoleModel, Text: reply}))
	return reply, nil
}

// Transcript returns a copy of the visible conversation so far.
func (h *Handle) Transcript() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn(nil), h.transcript...)
}

// Clear destroys the conversation. Replies still in flight are discarded. Calling it again is a no-op.
func (h *Handle) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared = true
	h.transcript = nil
	h.thread = nil
}
