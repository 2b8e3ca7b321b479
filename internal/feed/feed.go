// Package feed carries committed writes from the write path to the notification layer.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"litepost/internal/observability"
	"litepost/pkg/types"
)

var (
	ErrFeedAlreadyRunning = errors.New("change feed already running")
	ErrFeedClosed         = errors.New("change feed closed")
)

// DefaultBufferSize bounds how many published events may wait for dispatch.
const DefaultBufferSize = 1024

// Subscriber receives every change event in publication order.
type Subscriber interface {
	HandleChange(ctx context.Context, event types.ChangeEvent)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, event types.ChangeEvent)

func (f SubscriberFunc) HandleChange(ctx context.Context, event types.ChangeEvent) {
	f(ctx, event)
}

// Feed is an in-process, at-most-once publish/subscribe bus.
// ARCHITECTURAL DISCOVERY: One buffered channel drained by one goroutine gives a single
// global publication order, which implies per-group order
type Feed struct {
	events  chan types.ChangeEvent
	logger  *slog.Logger
	metrics *observability.Metrics

	subMu       sync.RWMutex
	subscribers []Subscriber

	// mu is held for reading by publishers while they enqueue and for writing by Close,
	// so the channel is never closed under a pending send
	mu      sync.RWMutex
	running bool
	closed  bool
	done    chan struct{}
}

// New creates a feed. Nothing is dispatched until Start.
func New(bufferSize int, logger *slog.Logger, metrics *observability.Metrics) *Feed {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Feed{
		events:  make(chan types.ChangeEvent, bufferSize),
		logger:  logger.With("component", "feed"),
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Subscribe adds a subscriber. Events dispatched before the call are not replayed.
func (f *Feed) Subscribe(sub Subscriber) {
	f.subMu.Lock()
	f.subscribers = append(f.subscribers, sub)
	f.subMu.Unlock()
}

// Start launches the dispatch goroutine. ctx values are passed to subscribers;
// its cancellation does not stop dispatch, Close does.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFeedClosed
	}
	if f.running {
		return ErrFeedAlreadyRunning
	}
	f.running = true

	f.logger.Info("change feed started", "buffer", cap(f.events))
	go f.run(context.WithoutCancel(ctx))
	return nil
}

// Publish enqueues an event. It blocks only while the buffer is full and gives up
// when ctx is done.
func (f *Feed) Publish(ctx context.Context, event types.ChangeEvent) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrFeedClosed
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now()
	}

	select {
	case f.events <- event:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", event.Kind, ctx.Err())
	}
}

// Close refuses further publishes, delivers everything already queued and waits
// for dispatch to finish. Safe to call more than once.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.events)
	wasRunning := f.running
	f.mu.Unlock()

	if wasRunning {
		<-f.done
	} else {
		// Never started: drain inline so queued events still reach subscribers.
		f.run(context.Background())
	}
	f.logger.Info("change feed closed")
	return nil
}

// Pending reports how many events are waiting for dispatch.
func (f *Feed) Pending() int {
	return len(f.events)
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	for event := range f.events {
		f.dispatch(ctx, event)
	}
}

func (f *Feed) dispatch(ctx context.Context, event types.ChangeEvent) {
	f.subMu.RLock()
	subscribers := make([]Subscriber, len(f.subscribers))
	copy(subscribers, f.subscribers)
	f.subMu.RUnlock()

	f.metrics.ChangeEvent(event.Kind.String())

	for _, sub := range subscribers {
		f.deliver(ctx, sub, event)
	}
}

func (f *Feed) deliver(ctx context.Context, sub Subscriber, event types.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("subscriber panicked",
				"kind", event.Kind.String(),
				"group", event.GroupID,
				"panic", r,
			)
		}
	}()
	sub.HandleChange(ctx, event)
}
