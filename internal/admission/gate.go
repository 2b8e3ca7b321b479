// Package admission decides whether a connection may join an event's group.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"litepost/internal/observability"
	"litepost/internal/presence"
	"litepost/internal/registry"
	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

// DefaultLookupTimeout bounds the persistence existence check.
const DefaultLookupTimeout = 5 * time.Second

// Options configures a Gate. Zero values fall back to defaults.
type Options struct {
	LookupTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Gate admits connections into groups.
// ARCHITECTURAL DISCOVERY: Cache-first validation; an in-memory audience is proof enough that
// the event exists, so only the first viewer of an event costs a persistence lookup
type Gate struct {
	store         interfaces.EventStore
	registry      *registry.Registry
	lookupTimeout time.Duration
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// NewGate creates a gate over store and registry.
func NewGate(store interfaces.EventStore, reg *registry.Registry, opts Options) *Gate {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Gate{
		store:         store,
		registry:      reg,
		lookupTimeout: opts.LookupTimeout,
		logger:        opts.Logger.With("component", "admission"),
		metrics:       opts.Metrics,
	}
}

// Join admits conn into the group of rawEventID.
//
// On refusal the connection is removed from the registry and its transport is closed
// before the *types.AdmissionError is returned. On success the joining connection, and
// only it, receives an event-meta-update snapshot.
func (g *Gate) Join(ctx context.Context, conn interfaces.Connection, rawEventID string) (types.GroupID, error) {
	eventID := types.NormalizeEventID(rawEventID)
	if !types.IsValidEventID(eventID) {
		return "", g.refuse(conn, eventID, types.EventNotFound, types.ErrInvalidEventID)
	}
	group := types.GroupIDFor(eventID)

	result := "fast_path"
	if !g.registry.HasMembers(group) {
		// No registry lock is held across this call.
		if err := g.lookup(ctx, eventID); err != nil {
			var admissionErr *types.AdmissionError
			if errors.As(err, &admissionErr) {
				return "", g.refuse(conn, eventID, admissionErr.Reason, admissionErr.Err)
			}
			return "", err
		}
		result = "admitted"
	}

	previous, count, err := g.registry.Join(conn, group)
	if err != nil {
		// Usually the transport closed while the lookup was in flight.
		return "", fmt.Errorf("join %s: %w", group, err)
	}
	g.metrics.Admission(result)

	if previous != "" && previous != group {
		g.logger.Debug("connection switched groups", "conn", conn.ID(), "from", previous, "to", group)
	}

	frame, err := types.EncodeFrame(types.EventMetaUpdate, types.EventMeta{Viewers: presence.Viewers(count)})
	if err != nil {
		return group, fmt.Errorf("encode presence snapshot: %w", err)
	}
	if err := conn.Send(frame); err != nil {
		g.logger.Warn("presence snapshot not delivered", "conn", conn.ID(), "group", group, "error", err)
	}
	return group, nil
}

func (g *Gate) lookup(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	exists, err := g.store.EventExists(ctx, eventID)
	if err != nil {
		return &types.AdmissionError{Reason: types.LookupFailed, EventID: eventID, Err: err}
	}
	if !exists {
		return &types.AdmissionError{Reason: types.EventNotFound, EventID: eventID, Err: interfaces.ErrEventNotFound}
	}
	return nil
}

// refuse force-disconnects conn. No error payload is sent to the client.
func (g *Gate) refuse(conn interfaces.Connection, eventID string, reason types.AdmissionReason, cause error) error {
	g.metrics.Admission(reason.String())
	g.logger.Warn("join refused, disconnecting",
		"conn", conn.ID(),
		"event_id", eventID,
		"reason", reason.String(),
		"error", cause,
	)

	g.registry.Disconnect(conn.ID())
	if err := conn.Close(); err != nil {
		g.logger.Debug("close after refused join", "conn", conn.ID(), "error", err)
	}
	return &types.AdmissionError{Reason: reason, EventID: eventID, Err: cause}
}
