package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	pservice "idhub/internal/participant/service"
)

type reconcileManager interface {
	Reconcile(ctx context.Context) (*pservice.ReconcileReport, error)
}

// reconciler periodically republishes STALE DID documents and finishes
// half-created participants. Failed rounds are retried with backoff.
type reconciler struct {
	manager  reconcileManager
	interval time.Duration
	logger   *slog.Logger
	failing  atomic.Bool
}

func newReconciler(manager reconcileManager, interval time.Duration, logger *slog.Logger) *reconciler {
	return &reconciler{manager: manager, interval: interval, logger: logger}
}

// Failing reports whether the last round returned an error.
func (r *reconciler) Failing() bool { return r.failing.Load() }

// Run loops until ctx is done. A non-positive interval disables the loop.
func (r *reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	b := &backoff.Backoff{Min: r.interval, Max: 10 * r.interval, Factor: 2, Jitter: true}
	for {
		wait := r.round(ctx, b)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *reconciler) round(ctx context.Context, b *backoff.Backoff) time.Duration {
	report, err := r.manager.Reconcile(ctx)
	if err != nil {
		r.failing.Store(true)
		wait := b.Duration()
		r.logger.WarnContext(ctx, "reconcile round failed", "error", err, "retry_in", wait)
		return wait
	}
	r.failing.Store(false)
	if len(report.Failed) > 0 {
		wait := b.Duration()
		r.logger.WarnContext(ctx, "reconcile left participants behind",
			"failed", len(report.Failed), "retry_in", wait)
		return wait
	}
	b.Reset()
	if n := len(report.Published) + len(report.Activated); n > 0 {
		r.logger.InfoContext(ctx, "reconciled participants",
			"published", len(report.Published), "activated", len(report.Activated))
	}
	return r.interval
}
