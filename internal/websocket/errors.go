package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Handler-related errors
var (
	ErrMissingEventID = errors.New("event identifier missing from frame")
)
