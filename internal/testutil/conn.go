// Package testutil holds in-memory stand-ins shared by package tests.
package testutil

import (
	"encoding/json"
	"errors"
	"sync"

	"litepost/pkg/types"
)

// ErrQueueFull mirrors a transport whose send queue is saturated.
var ErrQueueFull = errors.New("fake connection queue full")

// FakeConn is an interfaces.Connection that records every frame it is sent.
type FakeConn struct {
	id        string
	principal *types.Principal

	mu       sync.Mutex
	frames   []types.Frame
	closed   bool
	full     bool
	closeCnt int
}

// NewFakeConn returns a connection with the given id and optional principal.
func NewFakeConn(id string, principal *types.Principal) *FakeConn {
	return &FakeConn{id: id, principal: principal}
}

func (c *FakeConn) ID() string                  { return c.id }
func (c *FakeConn) Principal() *types.Principal { return c.principal }

func (c *FakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fake connection closed")
	}
	if c.full {
		return ErrQueueFull
	}
	var f types.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCnt++
	return nil
}

// SetFull makes every following Send fail as if the queue were saturated.
func (c *FakeConn) SetFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

// Closed reports whether Close was called at least once.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of everything received so far.
func (c *FakeConn) Frames() []types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Events returns the event names received so far, in order.
func (c *FakeConn) Events() []string {
	frames := c.Frames()
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

// Last returns the most recent frame, or false if none arrived.
func (c *FakeConn) Last() (types.Frame, bool) {
	frames := c.Frames()
	if len(frames) == 0 {
		return types.Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Reset forgets recorded frames.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// DecodeData unmarshals a frame's data into v.
func DecodeData(f types.Frame, v any) error {
	return json.Unmarshal(f.Data, v)
}

// CloseCount reports how many times Close was called.
func (c *FakeConn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCnt
}
