// Package hub turns client events and change events into group broadcasts.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"litepost/internal/admission"
	"litepost/internal/observability"
	"litepost/internal/registry"
	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

// Hub implements interfaces.ClientHandler on top of the registry, admission gate
// and dispatcher.
// ARCHITECTURAL DISCOVERY: Central coordination point for all client event flow keeps the
// transport free of group bookkeeping
type Hub struct {
	registry   *registry.Registry
	gate       *admission.Gate
	dispatcher *Dispatcher
	typing     *typingTracker
	logger     *slog.Logger
	metrics    *observability.Metrics

	connected sync.Map // connID -> struct{}
}

var _ interfaces.ClientHandler = (*Hub)(nil)

// NewHub wires the client-event handler. typingTimeout <= 0 uses DefaultTypingTimeout.
func NewHub(reg *registry.Registry, gate *admission.Gate, dispatcher *Dispatcher, typingTimeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = observability.NopLogger()
	}
	h := &Hub{
		registry:   reg,
		gate:       gate,
		dispatcher: dispatcher,
		logger:     logger.With("component", "hub"),
		metrics:    metrics,
	}
	h.typing = newTypingTracker(typingTimeout, h.typingExpired)
	return h
}

// Connect registers a freshly upgraded connection.
func (h *Hub) Connect(conn interfaces.Connection) {
	if err := h.registry.Register(conn); err != nil {
		h.logger.Error("register connection", "conn", conn.ID(), "error", err)
		_ = conn.Close()
		return
	}
	h.connected.Store(conn.ID(), struct{}{})
	h.metrics.ConnectionOpened()
	h.logger.Debug("connection registered", "conn", conn.ID(), "authenticated", conn.Principal() != nil)
}

// Join runs admission. A refused join has already closed the connection.
func (h *Hub) Join(ctx context.Context, conn interfaces.Connection, eventID string) error {
	h.clearTyping(conn.ID())

	group, err := h.gate.Join(ctx, conn, eventID)
	if err != nil {
		var admissionErr *types.AdmissionError
		if errors.As(err, &admissionErr) {
			h.forget(conn.ID())
		}
		return err
	}
	h.logger.Debug("joined", "conn", conn.ID(), "group", group)
	return nil
}

// Leave drops conn from whatever group it is in. The event identifier sent by the
// client is not consulted: a connection has at most one group.
func (h *Hub) Leave(conn interfaces.Connection, eventID string) {
	h.clearTyping(conn.ID())
	if group, ok := h.registry.Leave(conn.ID()); ok {
		h.logger.Debug("left", "conn", conn.ID(), "group", group, "requested", eventID)
	}
}

// Typing relays a typing indicator and arms its expiry.
func (h *Hub) Typing(conn interfaces.Connection) error {
	principal := conn.Principal()
	if principal == nil {
		return ErrTypingNotAllowed
	}
	profile := principal.PublicProfile()

	group, err := h.dispatcher.RelayTyping(conn, types.TypingSignal{Author: &profile})
	if errors.Is(err, ErrTypingNotAllowed) {
		return err
	}
	h.typing.Start(conn.ID(), group)
	return err
}

// StopTyping clears conn's indicator for the whole group.
func (h *Hub) StopTyping(conn interfaces.Connection) error {
	h.typing.Stop(conn.ID())
	_, err := h.dispatcher.RelayTyping(conn, types.TypingSignal{})
	return err
}

// Disconnect removes conn everywhere. Safe to call more than once.
func (h *Hub) Disconnect(conn interfaces.Connection) {
	// A refused duplicate must not tear down the connection that owns the id
	if current, ok := h.registry.Lookup(conn.ID()); ok && current != conn {
		return
	}
	h.clearTyping(conn.ID())
	if group, ok := h.registry.Disconnect(conn.ID()); ok && group != "" {
		h.logger.Debug("disconnected", "conn", conn.ID(), "group", group)
	}
	h.forget(conn.ID())
}

// Broadcast exposes the dispatcher for components that only hold the hub.
func (h *Hub) Broadcast(group types.GroupID, event string, payload any) (int, error) {
	return h.dispatcher.Broadcast(group, event, payload)
}

// Close cancels typing timers and waits for in-flight welcome emails.
func (h *Hub) Close() {
	h.typing.Close()
	h.dispatcher.Wait()
}

func (h *Hub) forget(connID string) {
	if _, loaded := h.connected.LoadAndDelete(connID); loaded {
		h.metrics.ConnectionClosed()
	}
}

// clearTyping ends an active indicator so viewers of the group being left never see it stuck.
func (h *Hub) clearTyping(connID string) {
	if group, ok := h.typing.Stop(connID); ok {
		h.broadcastStopTyping(group)
	}
}

func (h *Hub) typingExpired(connID string, group types.GroupID) {
	h.logger.Debug("typing expired", "conn", connID, "group", group)
	h.broadcastStopTyping(group)
}

func (h *Hub) broadcastStopTyping(group types.GroupID) {
	if _, err := h.dispatcher.Broadcast(group, types.EventStopTyping, nil); err != nil {
		h.logger.Warn("stop-typing not fully delivered", "group", group, "error", err)
	}
}
