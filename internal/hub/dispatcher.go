package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"litepost/internal/observability"
	"litepost/internal/registry"
	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

// mailTimeout bounds one welcome email send.
const mailTimeout = 30 * time.Second

// Dispatcher fans frames out to group members and routes change events.
type Dispatcher struct {
	registry *registry.Registry
	mailer   interfaces.Mailer
	logger   *slog.Logger
	metrics  *observability.Metrics

	mailWG sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil mailer drops new-user notices with a log line.
func NewDispatcher(reg *registry.Registry, mailer interfaces.Mailer, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Dispatcher{
		registry: reg,
		mailer:   mailer,
		logger:   logger.With("component", "dispatcher"),
		metrics:  metrics,
	}
}

// Broadcast encodes payload once and queues it to every current member of group.
// A group with no members is a silent no-op. Members whose queue is full or closed are
// skipped; their *types.DeliveryError values are logged and returned joined, alongside
// the number of members that did get the frame.
func (d *Dispatcher) Broadcast(group types.GroupID, event string, payload any) (int, error) {
	members := d.registry.MembersOf(group)
	if len(members) == 0 {
		return 0, nil
	}

	frame, err := types.EncodeFrame(event, payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s frame: %w", event, err)
	}

	// FUNCTIONAL DISCOVERY: Send never blocks, so one stalled member cannot delay the rest
	delivered := 0
	var failures []error
	for _, member := range members {
		if err := member.Send(frame); err != nil {
			deliveryErr := &types.DeliveryError{ConnID: member.ID(), Err: err}
			failures = append(failures, deliveryErr)
			d.metrics.DeliveryFailed(event)
			d.logger.Warn("frame dropped", "event", event, "group", group, "conn", member.ID(), "error", err)
			continue
		}
		delivered++
	}
	d.metrics.FrameBroadcast(event, delivered)

	return delivered, errors.Join(failures...)
}

// DeliverChangeEvent routes one change event. Message changes are broadcast to their
// group; NewUser goes to the mailer and is never broadcast. Duplicate events are
// delivered again as-is.
func (d *Dispatcher) DeliverChangeEvent(ctx context.Context, event types.ChangeEvent) error {
	if event.Kind == types.NewUser {
		notice, ok := event.Payload.(*types.NewUserNotice)
		if !ok || notice == nil {
			return fmt.Errorf("%w: %T for %s", ErrInvalidPayload, event.Payload, event.Kind)
		}
		d.sendWelcome(ctx, notice)
		return nil
	}

	name, ok := event.Kind.WireEvent()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChangeKind, event.Kind)
	}
	msg, ok := event.Payload.(*types.Message)
	if !ok || msg == nil {
		return fmt.Errorf("%w: %T for %s", ErrInvalidPayload, event.Payload, event.Kind)
	}

	group := event.GroupID
	if group == "" {
		group = types.GroupIDFor(msg.EventID)
	}
	_, err := d.Broadcast(group, name, msg)
	return err
}

// HandleChange lets the dispatcher subscribe to the change feed.
func (d *Dispatcher) HandleChange(ctx context.Context, event types.ChangeEvent) {
	if err := d.DeliverChangeEvent(ctx, event); err != nil {
		d.logger.Warn("change event not fully delivered",
			"kind", event.Kind.String(),
			"group", event.GroupID,
			"error", err,
		)
	}
}

// RelayTyping broadcasts a typing signal from conn to its whole group, sender included.
// A signal with an Author is "typing"; without one it is "stop-typing".
func (d *Dispatcher) RelayTyping(conn interfaces.Connection, signal types.TypingSignal) (types.GroupID, error) {
	if conn.Principal() == nil {
		return "", ErrTypingNotAllowed
	}
	group, ok := d.registry.GroupOf(conn.ID())
	if !ok || (signal.GroupID != "" && signal.GroupID != group) {
		return "", ErrTypingNotAllowed
	}

	var err error
	if signal.Author != nil {
		_, err = d.Broadcast(group, types.EventTyping, types.TypingPayload{Author: *signal.Author})
	} else {
		_, err = d.Broadcast(group, types.EventStopTyping, nil)
	}
	return group, err
}

// sendWelcome mails off the feed goroutine so a slow provider never delays broadcasts.
func (d *Dispatcher) sendWelcome(ctx context.Context, notice *types.NewUserNotice) {
	if d.mailer == nil {
		d.logger.Info("no mailer configured, skipping welcome email", "user", notice.User.ID)
		return
	}

	d.mailWG.Add(1)
	go func() {
		defer d.mailWG.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
		defer cancel()
		if err := d.mailer.SendWelcome(ctx, notice); err != nil {
			d.logger.Error("welcome email failed", "user", notice.User.ID, "error", err)
			return
		}
		d.logger.Info("welcome email sent", "user", notice.User.ID)
	}()
}

// Wait blocks until every in-flight welcome email has finished.
func (d *Dispatcher) Wait() {
	d.mailWG.Wait()
}
