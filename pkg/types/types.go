package types

import (
	"encoding/json"
	"strings"
	"time"
)

// GroupPrefix namespaces event audiences away from any transport-internal room names.
const GroupPrefix = "event:"

// Server -> client event names.
// ARCHITECTURAL DISCOVERY: Wire names are the client contract and never change with Go naming
const (
	EventNewMessage    = "new-message"
	EventUpdateMessage = "update-message"
	EventDeleteMessage = "delete-message"
	EventTyping        = "typing"
	EventStopTyping    = "stop-typing"
	EventMetaUpdate    = "event-meta-update"
)

// Client -> server event names.
const (
	ClientJoin       = "join"
	ClientLeave      = "leave"
	ClientTyping     = "typing"
	ClientStopTyping = "stop-typing"
)

// GroupID identifies the live audience of one event.
type GroupID string

// GroupIDFor derives the group for an event identifier. The identifier is normalized first
// so "EVT-1" and " evt-1 " land in the same group.
func GroupIDFor(eventID string) GroupID {
	return GroupID(GroupPrefix + NormalizeEventID(eventID))
}

// EventID returns the event identifier the group was derived from.
func (g GroupID) EventID() string {
	return strings.TrimPrefix(string(g), GroupPrefix)
}

func (g GroupID) String() string {
	return string(g)
}

// NormalizeEventID trims and lower-cases a client supplied event identifier.
func NormalizeEventID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Principal is the authenticated identity attached to a connection at handshake.
// FUNCTIONAL DISCOVERY: Email stays server side; only PublicProfile goes over the wire
type Principal struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName"`
	Email       string `json:"-"`
}

// PublicProfile holds the display attributes other viewers may see.
type PublicProfile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName"`
}

// PublicProfile strips everything that must not leave the server.
func (p *Principal) PublicProfile() PublicProfile {
	displayName := p.DisplayName
	if displayName == "" {
		displayName = DisplayNameFor(p.Name, p.Username)
	}
	return PublicProfile{
		ID:          p.ID,
		Username:    p.Username,
		Name:        p.Name,
		DisplayName: displayName,
	}
}

// DisplayNameFor prefers the full name and falls back to the @handle.
func DisplayNameFor(name, username string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return "@" + username
}

// ChangeKind tags a ChangeEvent.
type ChangeKind int

const (
	NewMessage ChangeKind = iota + 1
	UpdatedMessage
	DeletedMessage
	NewUser
)

func (k ChangeKind) String() string {
	switch k {
	case NewMessage:
		return "new_message"
	case UpdatedMessage:
		return "updated_message"
	case DeletedMessage:
		return "deleted_message"
	case NewUser:
		return "new_user"
	default:
		return "unknown"
	}
}

// WireEvent maps a message change to the event name clients listen for.
// NewUser has no wire name; it is never broadcast.
func (k ChangeKind) WireEvent() (string, bool) {
	switch k {
	case NewMessage:
		return EventNewMessage, true
	case UpdatedMessage:
		return EventUpdateMessage, true
	case DeletedMessage:
		return EventDeleteMessage, true
	default:
		return "", false
	}
}

// ChangeEvent is a committed write announced on the change feed.
// Payload is a *Message for message kinds and a *NewUserNotice for NewUser.
type ChangeEvent struct {
	Kind        ChangeKind
	GroupID     GroupID
	Payload     any
	PublishedAt time.Time
}

// TypingSignal is ephemeral; Author is nil for stop-typing.
type TypingSignal struct {
	GroupID GroupID
	Author  *PublicProfile
}

// TypingPayload is the data of a "typing" frame.
type TypingPayload struct {
	Author PublicProfile `json:"author"`
}

// EventMeta is the data of an "event-meta-update" frame.
type EventMeta struct {
	Viewers int `json:"viewers"`
}

// Frame is the JSON envelope used in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an outbound frame. A nil data value produces a frame without "data".
func EncodeFrame(event string, data any) ([]byte, error) {
	frame := Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// User is a registered account.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"createdAt"`
}

// Principal converts a stored user into the identity carried by tokens.
func (u *User) Principal() *Principal {
	return &Principal{
		ID:          u.ID,
		Username:    u.Username,
		Name:        u.Name,
		DisplayName: DisplayNameFor(u.Name, u.Username),
		Email:       u.Email,
	}
}

// Event is a live blog that authors post to.
type Event struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one post in an event's live blog.
type Message struct {
	ID        string         `json:"id"`
	EventID   string         `json:"eventId"`
	Author    *PublicProfile `json:"author,omitempty"`
	AuthorID  string         `json:"-"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// NewUserNotice is the payload of a NewUser change event.
type NewUserNotice struct {
	User              User
	VerificationToken string
}
