package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type Store interface {
	LockBatch(ctx context.Context, relayID string, batchSize, maxRetries int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, dead bool) error
	ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error
	// Release hands leased events back untouched, keeping their retry count.
	Release(ctx context.Context, relayID string, ids []int64) error
}

type Observer interface {
	Dispatched(ok bool)
	// Abandoned reports an event marked dead; it will never reach the log.
	Abandoned()
}

type RelayConfig struct {
	BatchSize  int
	Interval   time.Duration
	Lease      time.Duration
	MaxRetries int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:  100,
		Interval:   500 * time.Millisecond,
		Lease:      5 * time.Second,
		MaxRetries: 10,
	}
}

// Relay moves staged events to the log. Delivery is at-least-once: a crash
// between dispatch and MarkSent re-sends the event after its lease expires.
type Relay struct {
	log      *slog.Logger
	store    Store
	dispatch *Dispatcher
	relayID  string
	cfg      RelayConfig
	observer Observer
}

func NewRelay(log *slog.Logger, store Store, dispatch *Dispatcher, relayID string, cfg RelayConfig) *Relay {
	def := DefaultRelayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Relay{
		log:      log,
		store:    store,
		dispatch: dispatch,
		relayID:  relayID,
		cfg:      cfg,
	}
}

func (r *Relay) WithObserver(o Observer) *Relay {
	r.observer = o
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	r.log.Info("relay started", "relay_id", r.relayID, "batch_size", r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("relay flush error", "relay_id", r.relayID, "err", err)
			}
		}
	}
}

// Flush leases one batch and dispatches it, returning the number of events sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.LockBatch(ctx, r.relayID, r.cfg.BatchSize, r.cfg.MaxRetries, r.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	leasedAt := time.Now()
	sent := make([]int64, 0, len(events))
	// Events of one aggregate must reach the log in id order, so a failure
	// holds back the rest of that aggregate until the failed event goes out.
	held := map[string]bool{}
	var released []int64
	for i, e := range events {
		if time.Since(leasedAt) > r.cfg.Lease/2 {
			r.extend(ctx, events[i:])
			leasedAt = time.Now()
		}
		if held[e.AggregateID] {
			released = append(released, e.ID)
			continue
		}

		if err := r.dispatch.Dispatch(ctx, e); err != nil {
			r.observe(false)
			dead := errors.Is(err, ErrPermanent) || e.RetryCount+1 >= r.cfg.MaxRetries
			if dead {
				r.log.Error("outbox event abandoned", "event_id", e.ID, "aggregate_id", e.AggregateID, "retries", e.RetryCount+1, "err", err)
				if r.observer != nil {
					r.observer.Abandoned()
				}
			} else {
				held[e.AggregateID] = true
			}
			if err := r.store.MarkFailed(ctx, e.ID, err.Error(), dead); err != nil {
				r.log.Error("relay mark failed error", "event_id", e.ID, "err", err)
			}
			continue
		}
		r.observe(true)
		sent = append(sent, e.ID)
	}

	if len(released) > 0 {
		if err := r.store.Release(ctx, r.relayID, released); err != nil {
			r.log.Warn("relay release error", "relay_id", r.relayID, "err", err)
		}
	}
	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, sent); err != nil {
			return 0, err
		}
	}
	return len(sent), nil
}

func (r *Relay) extend(ctx context.Context, pending []Event) {
	ids := make([]int64, 0, len(pending))
	for _, e := range pending {
		ids = append(ids, e.ID)
	}
	if err := r.store.ExtendLease(ctx, r.relayID, ids, r.cfg.Lease); err != nil {
		r.log.Warn("relay extend lease error", "relay_id", r.relayID, "err", err)
	}
}

func (r *Relay) observe(ok bool) {
	if r.observer != nil {
		r.observer.Dispatched(ok)
	}
}
