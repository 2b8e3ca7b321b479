package types

import (
	"regexp"
	"unicode/utf8"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var eventIDRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

// IsValidEventID reports whether a normalized identifier could name an event.
// Anything else is refused before persistence is consulted.
func IsValidEventID(eventID string) bool {
	if len(eventID) < 1 || len(eventID) > 64 {
		return false
	}
	return eventIDRegex.MatchString(eventID)
}

// Validate checks the message body before it is persisted.
func (m *Message) Validate() error {
	if !IsValidEventID(m.EventID) {
		return ErrInvalidEventID
	}
	n := utf8.RuneCountInString(m.Content)
	if n < 1 || n > 10000 {
		return ErrInvalidContent
	}
	return nil
}
