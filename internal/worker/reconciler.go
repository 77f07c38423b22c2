// Package worker runs the periodic reconciliation of outstanding generations.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/digkill/GenStudio/internal/metrics"
	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/service"
)

// maxScopesPerRun caps how many (account, tool) pairs one tick picks up.
const maxScopesPerRun = 500

type scopeReconciler interface {
	PendingScopes(ctx context.Context, limit int) ([]models.PendingScope, error)
	ReconcileScope(ctx context.Context, scope models.PendingScope) (service.PollSummary, service.SweepSummary, error)
}

// Reconciler polls providers and sweeps orphans for every scope with
// non-terminal generations, a bounded number of scopes at a time.
type Reconciler struct {
	svc      scopeReconciler
	interval time.Duration
	workers  int
	log      *slog.Logger
}

func NewReconciler(svc scopeReconciler, interval time.Duration, workers int, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if workers <= 0 {
		workers = 1
	}
	return &Reconciler{svc: svc, interval: interval, workers: workers, log: log}
}

// Run reconciles once immediately and then on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reconciler started", "interval", r.interval, "workers", r.workers)
	for {
		if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("reconcile run failed", "err", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles every pending scope. A failing scope is logged and does
// not stop the others; the returned error only reports listing failures.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	scopes, err := r.svc.PendingScopes(ctx, maxScopesPerRun)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return err
	}
	if len(scopes) == 0 {
		metrics.ReconcileRuns.WithLabelValues("idle").Inc()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, scope := range scopes {
		g.Go(func() error {
			polled, swept, err := r.svc.ReconcileScope(gctx, scope)
			log := r.log.With("account_id", scope.AccountID, "tool", scope.Tool)
			if err != nil {
				log.Error("reconcile scope failed", "err", err)
				return nil
			}
			if polled.Completed+polled.Failed+swept.Cleaned > 0 {
				log.Info("scope reconciled",
					"checked", polled.Checked,
					"completed", polled.Completed,
					"failed", polled.Failed,
					"orphans", swept.Cleaned,
					"refunded", swept.Refunded,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		metrics.ReconcileRuns.WithLabelValues("canceled").Inc()
		return err
	}
	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	return nil
}
