package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/digkill/GenStudio/internal/metrics"
	"github.com/digkill/GenStudio/internal/models"
)

// BreakerSettings tunes the per-tool circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// guarded wraps an Adapter with a circuit breaker and latency metrics. Only
// transient errors count as breaker failures; a provider rejecting one job
// says nothing about its availability.
type guarded struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

func WithBreaker(next Adapter, settings BreakerSettings, log *slog.Logger) Adapter {
	name := "provider-" + string(next.Tool())
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &guarded{next: next, cb: cb, name: name}
}

func (g *guarded) Tool() models.Tool { return g.next.Tool() }

func (g *guarded) Submit(ctx context.Context, params models.ToolParams) (SubmitResult, error) {
	res, err := g.execute("submit", func() (any, error) {
		return g.next.Submit(ctx, params)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return res.(SubmitResult), nil
}

func (g *guarded) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	res, err := g.execute("status", func() (any, error) {
		return g.next.GetStatus(ctx, taskID)
	})
	if err != nil {
		return TaskStatus{}, err
	}
	return res.(TaskStatus), nil
}

func (g *guarded) execute(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := g.cb.Execute(fn)

	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ProviderRequestDuration.WithLabelValues(string(g.next.Tool()), op, "rejected").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %s: %w", ErrTransient, g.name, err)
	case errors.Is(err, ErrTransient):
		outcome = "transient"
	case err != nil:
		outcome = "failed"
	}
	metrics.ProviderRequestDuration.WithLabelValues(string(g.next.Tool()), op, outcome).Observe(time.Since(start).Seconds())
	return res, err
}
