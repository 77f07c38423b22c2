package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/service"
)

type fakeScopes struct {
	mu       sync.Mutex
	scopes   []models.PendingScope
	listErr  error
	failFor  string
	seen     []models.PendingScope
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeScopes) PendingScopes(context.Context, int) ([]models.PendingScope, error) {
	return f.scopes, f.listErr
}

func (f *fakeScopes) ReconcileScope(_ context.Context, scope models.PendingScope) (service.PollSummary, service.SweepSummary, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.seen = append(f.seen, scope)
	f.mu.Unlock()
	if scope.AccountID == f.failFor {
		return service.PollSummary{}, service.SweepSummary{}, errors.New("provider down")
	}
	return service.PollSummary{Checked: 1, Completed: 1}, service.SweepSummary{}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scopes(n int) []models.PendingScope {
	out := make([]models.PendingScope, n)
	for i := range out {
		out[i] = models.PendingScope{AccountID: string(rune('a' + i)), Tool: models.ToolSora2}
	}
	return out
}

func TestRunOnceVisitsEveryScopeWithinWorkerLimit(t *testing.T) {
	fake := &fakeScopes{scopes: scopes(8), delay: 10 * time.Millisecond}
	r := NewReconciler(fake, time.Minute, 3, discard())

	require.NoError(t, r.RunOnce(context.Background()))

	assert.ElementsMatch(t, fake.scopes, fake.seen)
	assert.LessOrEqual(t, fake.peak.Load(), int32(3))
}

func TestRunOnceContinuesPastFailingScope(t *testing.T) {
	fake := &fakeScopes{scopes: scopes(4), failFor: "b"}
	r := NewReconciler(fake, time.Minute, 1, discard())

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Len(t, fake.seen, 4)
}

func TestRunOnceReportsListingFailure(t *testing.T) {
	fake := &fakeScopes{listErr: errors.New("db down")}
	r := NewReconciler(fake, time.Minute, 2, discard())

	require.Error(t, r.RunOnce(context.Background()))
	assert.Empty(t, fake.seen)
}

func TestRunStopsWithContext(t *testing.T) {
	fake := &fakeScopes{scopes: scopes(1)}
	r := NewReconciler(fake, 5*time.Millisecond, 1, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.seen) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
