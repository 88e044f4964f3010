package runs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"wecook/internal/executor"
	"wecook/internal/metrics"
)

// Aggregator builds batch snapshots from an executor status feed.
type Aggregator struct {
	feed    executor.StatusFeed
	metrics *metrics.Collectors
	logger  *slog.Logger
}

// NewAggregator creates an Aggregator over feed.
func NewAggregator(feed executor.StatusFeed, collectors *metrics.Collectors, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{feed: feed, metrics: collectors, logger: logger}
}

// Read returns the current snapshot of a batch.
func (a *Aggregator) Read(ctx context.Context, handle executor.BatchHandle) (Snapshot, error) {
	statuses, err := a.feed.List(ctx, handle.BatchID, handle.AccessToken)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list runs for batch %s: %w", handle.BatchID, err)
	}
	t := NewTracker(handle.BatchID, handle.JobCount)
	for _, st := range statuses {
		t.Apply(st)
	}
	return t.Snapshot(), nil
}

// Subscription delivers snapshots of one batch until closed.
type Subscription struct {
	updates chan Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Updates returns the snapshot channel. It is closed when watching stops,
// either because of Close, context cancellation, the feed ending, or the
// batch reaching a done state.
func (s *Subscription) Updates() <-chan Snapshot {
	return s.updates
}

// Close stops the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Watch subscribes to a batch and emits a snapshot after every change.
// A handle without a job count is sized from the feed's list first, so the
// batch is never reported done before every seeded job is known.
func (a *Aggregator) Watch(ctx context.Context, handle executor.BatchHandle) (*Subscription, error) {
	if handle.JobCount == 0 {
		statuses, err := a.feed.List(ctx, handle.BatchID, handle.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs for batch %s: %w", handle.BatchID, err)
		}
		handle.JobCount = len(statuses)
	}

	ctx, cancel := context.WithCancel(ctx)
	feed, err := a.feed.Subscribe(ctx, handle.BatchID, handle.AccessToken)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to batch %s: %w", handle.BatchID, err)
	}

	sub := &Subscription{
		updates: make(chan Snapshot, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.updates)
		defer cancel()

		t := NewTracker(handle.BatchID, handle.JobCount)
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-feed:
				if !ok {
					return
				}
				if !t.Apply(st) {
					continue
				}
				a.metrics.StatusUpdate(string(st.State))

				snap := t.Snapshot()
				select {
				case sub.updates <- snap:
				case <-ctx.Done():
					return
				}
				if snap.Done {
					a.logger.Debug("Batch finished", "batch_id", handle.BatchID, "completed", snap.Completed, "failed", snap.Failed)
					return
				}
			}
		}
	}()

	return sub, nil
}
