package chathub

import (
	"errors"
	"strings"
)

var (
	// ErrMatchmakingFailed means storage could not be reached while finding or creating a room.
	ErrMatchmakingFailed = errors.New("matchmaking failed")

	// ErrTeardownIncomplete means some messages or the room record could not be deleted.
	ErrTeardownIncomplete = errors.New("teardown incomplete")

	// ErrPIIRejected is a policy rejection, not a failure: the message was never sent.
	ErrPIIRejected = errors.New("message rejected: personal information")

	ErrNotInChat     = errors.New("not in a chat")
	ErrSessionBusy   = errors.New("session busy")
	ErrSessionClosed = errors.New("session closed")
	ErrEmptyMessage  = errors.New("empty message")

	// ErrInvalidMessage means the message type or its content shape is not accepted.
	ErrInvalidMessage = errors.New("invalid message")
)

// PIIRejection carries the detectors that blocked a message. It matches ErrPIIRejected.
type PIIRejection struct {
	Reasons []string
}

func (e *PIIRejection) Error() string {
	return ErrPIIRejected.Error() + " (" + strings.Join(e.Reasons, ", ") + ")"
}

func (e *PIIRejection) Unwrap() error { return ErrPIIRejected }

// Error codes sent to clients.
const (
	CodeMatchmakingFailed = "matchmaking_failed"
	CodeNotInChat         = "not_in_chat"
	CodeBusy              = "busy"
	CodeClosed            = "closed"
	CodeInvalidCommand    = "invalid_command"
	CodeInternal          = "internal"
)

// ErrorCode maps an error returned by a Session to a stable client-facing code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMatchmakingFailed):
		return CodeMatchmakingFailed
	case errors.Is(err, ErrNotInChat):
		return CodeNotInChat
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrInvalidMessage):
		return CodeInvalidCommand
	case errors.Is(err, ErrSessionBusy):
		return CodeBusy
	case errors.Is(err, ErrSessionClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}
