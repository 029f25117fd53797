package events

import "errors"

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrDecodePayload    = errors.New("decode event payload")
	ErrDuplicateHandler = errors.New("event type already registered")
	ErrEmptyEventName   = errors.New("event name cannot be empty")
	ErrNilHandler       = errors.New("handler cannot be nil")
)
