package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digkill/GenStudio/internal/config"
	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/provider"
	"github.com/digkill/GenStudio/internal/repository/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdapter struct {
	mu        sync.Mutex
	tool      models.Tool
	submit    func(params models.ToolParams) (provider.SubmitResult, error)
	statuses  map[string]provider.TaskStatus
	errs      map[string]error
	statusHit int
}

func newFakeAdapter(tool models.Tool) *fakeAdapter {
	return &fakeAdapter{
		tool:     tool,
		statuses: make(map[string]provider.TaskStatus),
		errs:     make(map[string]error),
		submit: func(models.ToolParams) (provider.SubmitResult, error) {
			return provider.SubmitResult{TaskID: "task-1"}, nil
		},
	}
}

func (f *fakeAdapter) Tool() models.Tool { return f.tool }

func (f *fakeAdapter) Submit(_ context.Context, params models.ToolParams) (provider.SubmitResult, error) {
	return f.submit(params)
}

func (f *fakeAdapter) GetStatus(_ context.Context, taskID string) (provider.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHit++
	if err, ok := f.errs[taskID]; ok {
		return provider.TaskStatus{}, err
	}
	if st, ok := f.statuses[taskID]; ok {
		return st, nil
	}
	return provider.TaskStatus{State: provider.StateProcessing, Raw: "generating"}, nil
}

func (f *fakeAdapter) set(taskID string, st provider.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, taskID)
	f.statuses[taskID] = st
}

func (f *fakeAdapter) fail(taskID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[taskID] = err
}

type fakeArtifacts struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeArtifacts) Persist(_ context.Context, tool, generationID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.example.com/generations/" + tool + "/" + generationID + ".mp4", nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fixture struct {
	accounts    *memstore.Accounts
	gens        *memstore.Generations
	audit       *memstore.Audit
	ledger      *LedgerService
	reconciler  *ReconcileService
	generations *GenerationService
	adapters    map[models.Tool]*fakeAdapter
	artifacts   *fakeArtifacts
	notifier    *fakeNotifier
	clock       time.Time
}

type fixtureOption func(*ReconcileConfig)

func withRefundPolicy(policy string) fixtureOption {
	return func(c *ReconcileConfig) { c.RefundPolicy = policy }
}

func withPollErrorLimit(n int) fixtureOption {
	return func(c *ReconcileConfig) { c.PollErrorLimit = n }
}

func withBatchSize(n int) fixtureOption {
	return func(c *ReconcileConfig) { c.BatchSize = n }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	log := discardLogger()
	f := &fixture{
		accounts:  memstore.NewAccounts(),
		gens:      memstore.NewGenerations(),
		audit:     memstore.NewAudit(),
		adapters:  make(map[models.Tool]*fakeAdapter),
		artifacts: &fakeArtifacts{},
		notifier:  &fakeNotifier{},
		clock:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	var adapters []provider.Adapter
	for _, tool := range models.AllTools() {
		a := newFakeAdapter(tool)
		f.adapters[tool] = a
		adapters = append(adapters, a)
	}
	registry := provider.NewRegistry(adapters...)

	cfg := ReconcileConfig{
		BatchSize:      20,
		PollErrorLimit: 3,
		PollTimeout:    time.Second,
		OrphanGrace:    5 * time.Minute,
		RefundPolicy:   config.RefundToSubscription,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f.ledger = NewLedgerService(f.accounts, f.audit, log)
	f.reconciler = NewReconcileService(cfg, f.ledger, f.gens, registry, f.artifacts, f.notifier, log)
	f.reconciler.now = func() time.Time { return f.clock }
	prices := map[string]int{"sora2": 20, "veo3": 60, "lipsync": 15, "infinitetalk": 25, "avatar": 4}
	f.generations = NewGenerationService(f.ledger, f.gens, registry, f.reconciler, prices, time.Second, log)
	f.generations.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) account(t *testing.T, id string, sub, extra int) {
	t.Helper()
	_, created, err := f.accounts.Ensure(context.Background(), &models.Account{ID: id, CreditsSubscription: sub, CreditsExtra: extra})
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) balance(t *testing.T, id string) models.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) generation(t *testing.T, accountID, id string) *models.Generation {
	t.Helper()
	g, err := f.gens.Get(context.Background(), id, accountID)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g
}

func (f *fixture) refunds(t *testing.T, accountID string) int {
	t.Helper()
	entries, err := f.audit.ListByAccount(context.Background(), accountID, 0)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Action == models.AuditRefund {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")
