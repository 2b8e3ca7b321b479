package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrEventNotFound   = errors.New("event not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrConflict        = errors.New("resource already exists")
)
