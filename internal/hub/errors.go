package hub

import "errors"

// Hub-related errors
var (
	ErrTypingNotAllowed  = errors.New("typing requires an authenticated connection inside a group")
	ErrUnknownChangeKind = errors.New("unknown change kind")
	ErrInvalidPayload    = errors.New("change payload has the wrong type")
)
