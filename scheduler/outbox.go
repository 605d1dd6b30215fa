/*
Package scheduler runs background billing jobs.

OUTBOX RELAY:
  Retries receipt notifications that were not delivered right after their
  payment committed.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Loads up to BatchSize pending messages with attempts < MaxAttempts
  - Delivers each through the engine's notifier
  - Marks it sent, or records the failure; the final allowed failure
    marks it failed for good

CONFIGURATION:
  - Interval: how often to poll (default: 1 minute)
  - BatchSize: messages per poll (default: 50)
  - MaxAttempts: delivery attempts before giving up (default: 5)
  - Enabled: whether the relay is active (default: true)

USAGE:
  relay := scheduler.NewOutboxRelay(store, engine, logger)
  relay.Start()
  // ... later
  relay.Stop()

SEE ALSO:
  - billing/outbox.go: enqueue and first delivery attempt
*/
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// OutboxStore is the subset of billing.Store the relay needs.
type OutboxStore interface {
	PendingOutbox(ctx context.Context, limit, maxAttempts int) ([]billing.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, lastErr string, dead bool) error
}

// Deliverer is satisfied by *billing.Engine.
type Deliverer interface {
	DeliverOutbox(ctx context.Context, msg billing.OutboxMessage) error
}

// RelayResult counts what one pass did.
type RelayResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Dead   int `json:"dead"`
}

// OutboxRelay polls the outbox and redelivers pending messages.
type OutboxRelay struct {
	Store       OutboxStore
	Deliverer   Deliverer
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Enabled     bool
	Now         func() time.Time

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewOutboxRelay creates a relay with default settings.
func NewOutboxRelay(store OutboxStore, deliverer Deliverer, log *zap.Logger) *OutboxRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboxRelay{
		Store:       store,
		Deliverer:   deliverer,
		Interval:    time.Minute,
		BatchSize:   50,
		MaxAttempts: 5,
		Enabled:     true,
		Now:         time.Now,
		log:         log.Named("billing.outbox"),
	}
}

// Start begins polling.
func (r *OutboxRelay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Enabled {
		r.log.Info("outbox relay disabled, not starting")
		return
	}
	if r.ticker != nil {
		return
	}

	r.ticker = time.NewTicker(r.Interval)
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run()

	r.log.Info("outbox relay started", zap.Duration("interval", r.Interval))
}

// Stop stops polling and waits for an in-flight pass to finish.
func (r *OutboxRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stop)
		r.wg.Wait()
		r.ticker = nil
		r.log.Info("outbox relay stopped")
	}
}

func (r *OutboxRelay) run() {
	defer r.wg.Done()

	// Run immediately on start
	r.RunNow(context.Background())

	for {
		select {
		case <-r.ticker.C:
			r.RunNow(context.Background())
		case <-r.stop:
			return
		}
	}
}

// RunNow performs one pass. Passes never overlap.
func (r *OutboxRelay) RunNow(ctx context.Context) RelayResult {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	var res RelayResult
	msgs, err := r.Store.PendingOutbox(ctx, r.BatchSize, r.MaxAttempts)
	if err != nil {
		r.log.Error("load pending outbox", zap.Error(err))
		return res
	}

	for _, msg := range msgs {
		if err := r.Deliverer.DeliverOutbox(ctx, msg); err != nil {
			dead := msg.Attempts+1 >= r.MaxAttempts
			if dead {
				res.Dead++
				r.log.Error("outbox message abandoned",
					zap.String("outbox_id", msg.ID),
					zap.Int("attempts", msg.Attempts+1),
					zap.Error(err))
			} else {
				res.Failed++
				r.log.Warn("outbox delivery failed",
					zap.String("outbox_id", msg.ID),
					zap.Int("attempts", msg.Attempts+1),
					zap.Error(err))
			}
			if mErr := r.Store.MarkOutboxFailed(ctx, msg.ID, err.Error(), dead); mErr != nil {
				r.log.Error("record outbox failure", zap.String("outbox_id", msg.ID), zap.Error(mErr))
			}
			continue
		}
		if err := r.Store.MarkOutboxSent(ctx, msg.ID, r.Now()); err != nil {
			r.log.Error("mark outbox sent", zap.String("outbox_id", msg.ID), zap.Error(err))
			continue
		}
		res.Sent++
	}

	if res.Sent > 0 || res.Failed > 0 || res.Dead > 0 {
		r.log.Info("outbox pass completed",
			zap.Int("sent", res.Sent), zap.Int("failed", res.Failed), zap.Int("dead", res.Dead))
	}
	return res
}

// NextRunTime returns when the next poll will occur.
func (r *OutboxRelay) NextRunTime() time.Time {
	return r.Now().Add(r.Interval)
}
