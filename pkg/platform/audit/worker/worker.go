// Package worker relays audit outbox rows to an external sink.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"idhub/pkg/platform/audit/store/postgres"
	txcontext "idhub/pkg/platform/tx"
)

// Outbox is the slice of the postgres audit store the relay needs.
type Outbox interface {
	FetchPending(ctx context.Context, limit int) ([]postgres.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Sink receives outbox entries. Delivery is at-least-once.
type Sink interface {
	Publish(ctx context.Context, entries []postgres.OutboxEntry) error
}

// TxRunner opens the transaction the fetch-publish-mark cycle runs in.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Relay struct {
	outbox    Outbox
	sink      Sink
	runInTx   TxRunner
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

type Option func(*Relay)

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithTx runs each cycle inside a database transaction.
func WithTx(run TxRunner) Option {
	return func(r *Relay) {
		r.runInTx = run
	}
}

func NewRelay(outbox Outbox, sink Sink, opts ...Option) *Relay {
	r := &Relay{
		outbox:    outbox,
		sink:      sink,
		batchSize: 100,
		interval:  time.Second,
		logger:    slog.Default(),
		runInTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewPostgresRelay wires a relay over the postgres outbox store.
func NewPostgresRelay(store *postgres.Store, sink Sink, opts ...Option) *Relay {
	opts = append([]Option{WithTx(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return txcontext.Run(ctx, store.DB(), fn)
	})}, opts...)
	return NewRelay(store, sink, opts...)
}

// RunOnce ships one batch and returns the number of entries delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	var shipped int
	err := r.runInTx(ctx, func(ctx context.Context) error {
		entries, err := r.outbox.FetchPending(ctx, r.batchSize)
		if err != nil || len(entries) == 0 {
			return err
		}
		if err := r.sink.Publish(ctx, entries); err != nil {
			return err
		}
		ids := make([]uuid.UUID, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := r.outbox.MarkPublished(ctx, ids, time.Now()); err != nil {
			return err
		}
		shipped = len(entries)
		return nil
	})
	return shipped, err
}

// Run polls until ctx is done, backing off after sink failures.
func (r *Relay) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: r.interval, Max: 30 * r.interval, Factor: 2, Jitter: true}
	for {
		n, err := r.RunOnce(ctx)
		wait := r.interval
		switch {
		case err != nil:
			wait = b.Duration()
			r.logger.WarnContext(ctx, "audit relay cycle failed", "error", err, "retry_in", wait)
		case n > 0:
			b.Reset()
			continue
		default:
			b.Reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
