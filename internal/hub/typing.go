package hub

import (
	"sync"
	"time"

	"litepost/pkg/types"
)

// DefaultTypingTimeout is how long a typing indicator lives without a refresh.
const DefaultTypingTimeout = 10 * time.Second

type typingState struct {
	group types.GroupID
	timer *time.Timer
	gen   uint64
}

// typingTracker arms one expiry timer per typing connection. Each timer is an explicit
// handle that Stop and Close cancel.
type typingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	active   map[string]*typingState // connID -> state
	gen      uint64
	onExpire func(connID string, group types.GroupID)
	closed   bool
}

func newTypingTracker(ttl time.Duration, onExpire func(connID string, group types.GroupID)) *typingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTimeout
	}
	return &typingTracker{
		ttl:      ttl,
		active:   make(map[string]*typingState),
		onExpire: onExpire,
	}
}

// Start marks connID as typing in group and (re)arms its expiry.
func (t *typingTracker) Start(connID string, group types.GroupID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if state, ok := t.active[connID]; ok {
		state.timer.Stop()
	}

	t.gen++
	gen := t.gen
	state := &typingState{group: group, gen: gen}
	state.timer = time.AfterFunc(t.ttl, func() { t.expire(connID, gen) })
	t.active[connID] = state
}

// Stop cancels connID's indicator and returns the group it was typing in.
func (t *typingTracker) Stop(connID string) (types.GroupID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.active[connID]
	if !ok {
		return "", false
	}
	state.timer.Stop()
	delete(t.active, connID)
	return state.group, true
}

// Active reports how many connections are currently typing.
func (t *typingTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Close cancels every pending expiry.
func (t *typingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for connID, state := range t.active {
		state.timer.Stop()
		delete(t.active, connID)
	}
}

func (t *typingTracker) expire(connID string, gen uint64) {
	t.mu.Lock()
	state, ok := t.active[connID]
	// A newer Start or a Stop already superseded this timer.
	if !ok || state.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, connID)
	t.mu.Unlock()

	t.onExpire(connID, state.group)
}
