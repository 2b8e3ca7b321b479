package registry

import (
	"errors"
	"sync"

	"github.com/samber/lo"

	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

var (
	ErrNilConnection           = errors.New("connection cannot be nil")
	ErrEmptyGroup              = errors.New("group ID cannot be empty")
	ErrConnectionNotRegistered = errors.New("connection is not registered")
	ErrDuplicateConnection     = errors.New("a different connection is registered with this ID")
)

type entry struct {
	conn  interfaces.Connection
	group types.GroupID // empty when not joined
}

// Registry tracks live connections and the group each one has joined.
// ARCHITECTURAL DISCOVERY: Both maps sit behind one RWMutex so a connection can never be
// observed in a group while missing from the registry, or in two groups at once
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*entry                                   // connID -> entry
	groups      map[types.GroupID]map[string]interfaces.Connection // groupID -> connID -> conn
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*entry),
		groups:      make(map[types.GroupID]map[string]interfaces.Connection),
	}
}

// Register tracks a new connection with no group.
// Registering the same connection twice is a no-op.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[conn.ID()]; ok {
		if existing.conn != conn {
			return ErrDuplicateConnection
		}
		return nil
	}
	r.connections[conn.ID()] = &entry{conn: conn}
	return nil
}

// Join moves a registered connection into group, leaving its previous group in the
// same critical section. It returns the group left (empty if none) and the new
// member count of group.
func (r *Registry) Join(conn interfaces.Connection, group types.GroupID) (types.GroupID, int, error) {
	if conn == nil {
		return "", 0, ErrNilConnection
	}
	if group == "" {
		return "", 0, ErrEmptyGroup
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[conn.ID()]
	if !ok || e.conn != conn {
		return "", 0, ErrConnectionNotRegistered
	}

	previous := e.group
	if previous == group {
		return previous, len(r.groups[group]), nil
	}
	r.removeFromGroupLocked(e)

	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]interfaces.Connection)
		r.groups[group] = members
	}
	members[conn.ID()] = conn
	e.group = group

	return previous, len(members), nil
}

// Leave removes the connection from its current group without closing it.
// It returns the group that was left and false when there was none.
func (r *Registry) Leave(connID string) (types.GroupID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[connID]
	if !ok || e.group == "" {
		return "", false
	}
	previous := e.group
	r.removeFromGroupLocked(e)
	return previous, true
}

// Disconnect leaves the current group and forgets the connection. Idempotent;
// the second call reports false. The returned group is the one that was left, if any.
func (r *Registry) Disconnect(connID string) (types.GroupID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.connections[connID]
	if !ok {
		return "", false
	}
	previous := e.group
	r.removeFromGroupLocked(e)
	delete(r.connections, connID)
	return previous, true
}

// removeFromGroupLocked drops e from its group and deletes the group once empty.
// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
func (r *Registry) removeFromGroupLocked(e *entry) {
	if e.group == "" {
		return
	}
	if members, ok := r.groups[e.group]; ok {
		delete(members, e.conn.ID())
		if len(members) == 0 {
			delete(r.groups, e.group)
		}
	}
	e.group = ""
}

// GroupOf returns the group a connection belongs to.
func (r *Registry) GroupOf(connID string) (types.GroupID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.connections[connID]
	if !ok || e.group == "" {
		return "", false
	}
	return e.group, true
}

// Lookup returns a registered connection by ID.
func (r *Registry) Lookup(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.connections[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// MembersOf returns a snapshot of the group's members. Later joins and leaves
// do not affect the returned slice.
func (r *Registry) MembersOf(group types.GroupID) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.groups[group])
}

// MemberCount returns the number of connections in group.
func (r *Registry) MemberCount(group types.GroupID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// HasMembers reports whether group currently has anyone in it.
func (r *Registry) HasMembers(group types.GroupID) bool {
	return r.MemberCount(group) > 0
}

// Groups returns every non-empty group.
func (r *Registry) Groups() []types.GroupID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.groups)
}

// GroupSizes returns the member count of every non-empty group.
func (r *Registry) GroupSizes() map[types.GroupID]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapValues(r.groups, func(members map[string]interfaces.Connection, _ types.GroupID) int {
		return len(members)
	})
}

// Stats returns registry statistics for monitoring and debugging
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := lo.CountBy(lo.Values(r.connections), func(e *entry) bool {
		return e.group != ""
	})

	return map[string]int{
		"total_connections":  len(r.connections),
		"joined_connections": joined,
		"active_groups":      len(r.groups),
	}
}
