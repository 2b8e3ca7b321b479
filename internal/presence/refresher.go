// Package presence periodically tells every audience how many viewers it has.
package presence

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

// DefaultInterval is the refresh period.
const DefaultInterval = 5 * time.Second

var (
	ErrAlreadyRunning = errors.New("presence refresher already running")
	ErrNotRunning     = errors.New("presence refresher not running")
)

// Viewers is the count reported for a group with count members. It never reports 0,
// so a group caught mid-reconnect does not flash an empty audience.
func Viewers(count int) int {
	return max(count, 1)
}

// GroupSource enumerates live groups. *registry.Registry satisfies it.
type GroupSource interface {
	Groups() []types.GroupID
	MemberCount(group types.GroupID) int
}

// Broadcaster delivers a frame to a group. *hub.Dispatcher satisfies it.
type Broadcaster interface {
	Broadcast(group types.GroupID, event string, payload any) (int, error)
}

// Refresher broadcasts event-meta-update to every non-empty group on a fixed ticker.
// It runs Idle -> Scanning -> Idle; Stop takes effect between scans.
type Refresher struct {
	groups      GroupSource
	broadcaster Broadcaster
	interval    time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher creates a stopped refresher. interval <= 0 uses DefaultInterval.
func NewRefresher(groups GroupSource, broadcaster Broadcaster, interval time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Refresher{
		groups:      groups,
		broadcaster: broadcaster,
		interval:    interval,
		logger:      logger.With("component", "presence"),
		metrics:     metrics,
	}
}

// Start launches the ticker loop. It stops on Stop or when ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx, r.done)
	r.logger.Info("presence refresher started", "interval", r.interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight scan to finish.
func (r *Refresher) Stop() error {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("presence refresher stopped")
	return nil
}

func (r *Refresher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Refresh()
		case <-ctx.Done():
			return
		}
	}
}

// Refresh performs one scan and returns how many groups were refreshed successfully.
func (r *Refresher) Refresh() int {
	start := time.Now()
	groups := r.groups.Groups()

	refreshed := 0
	for _, group := range groups {
		if err := r.refreshGroup(group); err != nil {
			r.logger.Warn("presence refresh failed", "group", group, "error", err)
			continue
		}
		refreshed++
	}

	r.metrics.PresenceScan(len(groups), time.Since(start).Seconds())
	return refreshed
}

// refreshGroup isolates one group's failure, panics included, from the rest of the scan.
func (r *Refresher) refreshGroup(group types.GroupID) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	meta := types.EventMeta{Viewers: Viewers(r.groups.MemberCount(group))}
	_, err = r.broadcaster.Broadcast(group, types.EventMetaUpdate, meta)
	return err
}
