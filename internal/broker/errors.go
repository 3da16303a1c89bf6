package broker

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInitialized = errors.New("broker already initialized")
	ErrNotInitialized     = errors.New("broker not initialized")
	ErrInvalidConfig      = errors.New("invalid broker configuration")
	ErrQueueFull          = errors.New("event queue is full")
	ErrInvalidEvent       = errors.New("invalid event")
	ErrNilHandler         = errors.New("handler must not be nil")
)

// HandlerError wraps a failure raised by a subscriber while handling one event.
type HandlerError struct {
	Token     Token
	EventID   string
	EventName string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %d failed on event %s (%s): %v", e.Token, e.EventName, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
