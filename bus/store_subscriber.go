package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/petal-labs/procflow/runtime"
)

const defaultAppendTimeout = 5 * time.Second

// StoreSubscriber journals bus events into an EventStore. Append failures
// are logged and counted; they never stop the subscriber.
type StoreSubscriber struct {
	store   EventStore
	logger  *slog.Logger
	timeout time.Duration

	stored     atomic.Uint64
	duplicates atomic.Uint64
	failed     atomic.Uint64
}

// StoreStats counts what a StoreSubscriber did with the events it saw.
type StoreStats struct {
	Stored     uint64
	Duplicates uint64
	Failed     uint64
}

// NewStoreSubscriber creates a subscriber for store. A nil logger uses
// slog.Default().
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, logger: logger, timeout: defaultAppendTimeout}
}

// Handle appends one event. An event the store already holds is skipped.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.store.Append(ctx, event)
	switch {
	case err == nil:
		s.stored.Add(1)
	case errors.Is(err, ErrDuplicateEvent):
		s.duplicates.Add(1)
		s.logger.Debug("event already journaled", "run_id", event.RunID, "seq", event.Seq)
	default:
		s.failed.Add(1)
		s.logger.Error("journaling event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Stats returns the counters so far.
func (s *StoreSubscriber) Stats() StoreStats {
	return StoreStats{
		Stored:     s.stored.Load(),
		Duplicates: s.duplicates.Load(),
		Failed:     s.failed.Load(),
	}
}

// Consume journals every event of sub until the subscription closes or ctx
// is done.
func (s *StoreSubscriber) Consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			s.Handle(e)
		}
	}
}
