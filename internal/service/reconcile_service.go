package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/GenStudio/internal/config"
	"github.com/digkill/GenStudio/internal/metrics"
	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/provider"
	"github.com/digkill/GenStudio/internal/repository"
)

// Refund reasons written to the audit log.
const (
	ReasonProviderFailed      = "provider failed"
	ReasonNeverDispatched     = "never dispatched"
	ReasonProviderUnreachable = "provider unreachable"
	ReasonSubmitFailed        = "submit failed"
)

type ReconcileConfig struct {
	BatchSize      int
	PollErrorLimit int
	PollTimeout    time.Duration
	OrphanGrace    time.Duration
	RefundPolicy   string
}

func ReconcileConfigFrom(cfg config.Config) ReconcileConfig {
	return ReconcileConfig{
		BatchSize:      cfg.ReconcileBatchSize,
		PollErrorLimit: cfg.PollErrorLimit,
		PollTimeout:    cfg.RequestTimeout,
		OrphanGrace:    cfg.OrphanGrace,
		RefundPolicy:   cfg.RefundPolicy,
	}
}

// PollResult is the outcome for one generation in a poll batch.
type PollResult struct {
	ID        string        `json:"id"`
	Status    models.Status `json:"status"`
	ResultURL string        `json:"result_url,omitempty"`
	Error     string        `json:"error,omitempty"`
	Refunded  int           `json:"refunded,omitempty"`
}

type PollSummary struct {
	Checked    int          `json:"checked"`
	Completed  int          `json:"completed"`
	Failed     int          `json:"failed"`
	Processing int          `json:"processing"`
	Results    []PollResult `json:"results"`
}

type SweepSummary struct {
	Cleaned  int `json:"cleaned"`
	Refunded int `json:"refunded"`
}

// ReconcileService converges generation records with provider state and
// fails orphaned records. Every refund is gated on winning the transition to
// failed, so replays and concurrent workers cannot refund twice.
type ReconcileService struct {
	ledger      *LedgerService
	generations GenerationStore
	providers   *provider.Registry
	artifacts   ArtifactStore
	notifier    Notifier
	cfg         ReconcileConfig
	log         *slog.Logger
	now         func() time.Time
}

func NewReconcileService(cfg ReconcileConfig, ledger *LedgerService, generations GenerationStore, providers *provider.Registry, artifacts ArtifactStore, notifier Notifier, log *slog.Logger) *ReconcileService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.RefundPolicy == "" {
		cfg.RefundPolicy = config.RefundToSubscription
	}
	return &ReconcileService{
		ledger:      ledger,
		generations: generations,
		providers:   providers,
		artifacts:   artifacts,
		notifier:    notifier,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

// Poll checks up to one batch of the account's outstanding generations for
// tool, oldest first. Errors on one record never stop the rest of the batch.
func (s *ReconcileService) Poll(ctx context.Context, accountID string, tool models.Tool) (PollSummary, error) {
	adapter, ok := s.providers.Get(tool)
	if !ok {
		return PollSummary{}, ErrUnsupportedTool
	}

	pending, err := s.generations.ListPending(ctx, accountID, tool, s.cfg.BatchSize)
	if err != nil {
		return PollSummary{}, fmt.Errorf("list pending generations: %w", err)
	}

	summary := PollSummary{Results: make([]PollResult, 0, len(pending))}
	for _, g := range pending {
		if ctx.Err() != nil {
			break
		}
		res := s.pollOne(ctx, adapter, g)
		summary.Checked++
		switch res.Status {
		case models.StatusCompleted:
			summary.Completed++
		case models.StatusFailed:
			summary.Failed++
		default:
			summary.Processing++
		}
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}

func (s *ReconcileService) pollOne(ctx context.Context, adapter provider.Adapter, g models.Generation) PollResult {
	log := s.log.With("generation_id", g.ID, "account_id", g.AccountID, "tool", g.Tool)

	// Records without a task reference belong to the orphan sweeper.
	if g.Metadata.TaskID == "" {
		return PollResult{ID: g.ID, Status: g.Status}
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	status, err := adapter.GetStatus(pollCtx, g.Metadata.TaskID)
	cancel()

	if err != nil {
		if errors.Is(err, provider.ErrTaskFailed) {
			log.Warn("provider rejected task", "task_id", g.Metadata.TaskID, "err", err)
			return s.failResult(ctx, g, err.Error(), ReasonProviderFailed)
		}
		return s.recordTransient(ctx, g, err)
	}

	res, err := s.Apply(ctx, g, status)
	if err != nil {
		log.Error("failed to apply provider status", "task_id", g.Metadata.TaskID, "state", status.State, "err", err)
		return PollResult{ID: g.ID, Status: g.Status, Error: err.Error()}
	}
	return res
}

// recordTransient counts a failed poll. Once the count reaches the configured
// limit the generation is failed and refunded as unreachable.
func (s *ReconcileService) recordTransient(ctx context.Context, g models.Generation, cause error) PollResult {
	failures := g.Metadata.PollFailures + 1
	if s.cfg.PollErrorLimit > 0 && failures >= s.cfg.PollErrorLimit {
		s.log.Warn("poll retries exhausted", "generation_id", g.ID, "task_id", g.Metadata.TaskID, "failures", failures, "err", cause)
		return s.failResult(ctx, g, fmt.Sprintf("%s: %v", ReasonProviderUnreachable, cause), ReasonProviderUnreachable)
	}

	now := s.now()
	patch := models.MetadataPatch{PollFailures: &failures, LastPolledAt: &now}
	if err := s.generations.UpdateStatus(ctx, g.ID, models.StatusProcessing, nil, patch); err != nil && !errors.Is(err, repository.ErrTransitionRejected) {
		s.log.Error("failed to record poll failure", "generation_id", g.ID, "err", err)
	}
	s.log.Info("transient poll error", "generation_id", g.ID, "task_id", g.Metadata.TaskID, "failures", failures, "err", cause)
	return PollResult{ID: g.ID, Status: models.StatusProcessing, Error: cause.Error()}
}

// Apply moves g according to a normalized provider status. It is used by
// the poller and to finalize synchronous provider results.
func (s *ReconcileService) Apply(ctx context.Context, g models.Generation, status provider.TaskStatus) (PollResult, error) {
	now := s.now()
	zero := 0

	switch status.State {
	case provider.StateCreated, provider.StateProcessing:
		patch := models.MetadataPatch{ProviderState: &status.Raw, PollFailures: &zero, LastPolledAt: &now}
		if err := s.generations.UpdateStatus(ctx, g.ID, models.StatusProcessing, nil, patch); err != nil {
			if errors.Is(err, repository.ErrTransitionRejected) {
				return s.current(ctx, g)
			}
			return PollResult{}, fmt.Errorf("refresh generation: %w", err)
		}
		return PollResult{ID: g.ID, Status: models.StatusProcessing}, nil

	case provider.StateCompleted:
		return s.complete(ctx, g, status)

	case provider.StateFailed:
		reason := status.Error
		if reason == "" {
			reason = ReasonProviderFailed
		}
		return s.failResult(ctx, g, reason, ReasonProviderFailed), nil
	}
	return PollResult{}, fmt.Errorf("unknown provider state %q", status.State)
}

func (s *ReconcileService) complete(ctx context.Context, g models.Generation, status provider.TaskStatus) (PollResult, error) {
	now := s.now()
	zero := 0
	resultURL := status.ResultURL
	patch := models.MetadataPatch{
		ProviderState:     &status.Raw,
		ProviderResultURL: &status.ResultURL,
		PollFailures:      &zero,
		CompletedAt:       &now,
		LastPolledAt:      &now,
	}

	if s.artifacts != nil {
		stored, err := s.artifacts.Persist(ctx, string(g.Tool), g.ID, status.ResultURL)
		if err != nil {
			// The provider URL still works for a while; keep it and note the failure.
			msg := err.Error()
			patch.StorageError = &msg
			metrics.StorageFallbacks.WithLabelValues(string(g.Tool)).Inc()
			s.log.Warn("failed to persist artifact, using provider url", "generation_id", g.ID, "tool", g.Tool, "err", err)
		} else {
			resultURL = stored
		}
	}

	if err := s.generations.UpdateStatus(ctx, g.ID, models.StatusCompleted, &resultURL, patch); err != nil {
		if errors.Is(err, repository.ErrTransitionRejected) {
			return s.current(ctx, g)
		}
		return PollResult{}, fmt.Errorf("complete generation: %w", err)
	}
	metrics.GenerationTransitions.WithLabelValues(string(g.Tool), string(models.StatusCompleted)).Inc()
	s.log.Info("generation completed", "generation_id", g.ID, "account_id", g.AccountID, "tool", g.Tool)
	return PollResult{ID: g.ID, Status: models.StatusCompleted, ResultURL: resultURL}, nil
}

func (s *ReconcileService) failResult(ctx context.Context, g models.Generation, message, reason string) PollResult {
	refunded, won, err := s.fail(ctx, g, message, reason)
	if err != nil {
		s.log.Error("failed to fail generation", "generation_id", g.ID, "err", err)
		return PollResult{ID: g.ID, Status: g.Status, Error: err.Error()}
	}
	if !won {
		res, err := s.current(ctx, g)
		if err != nil {
			return PollResult{ID: g.ID, Status: g.Status}
		}
		return res
	}
	return PollResult{ID: g.ID, Status: models.StatusFailed, Error: message, Refunded: refunded}
}

// fail transitions g to failed and, only if this call won the transition,
// refunds the credits it used. won is false when another worker already
// settled the record.
func (s *ReconcileService) fail(ctx context.Context, g models.Generation, message, reason string) (refunded int, won bool, err error) {
	now := s.now()
	patch := models.MetadataPatch{
		Error:           &message,
		FailedAt:        &now,
		RefundedCredits: &g.CreditsUsed,
	}
	if err := s.generations.UpdateStatus(ctx, g.ID, models.StatusFailed, nil, patch); err != nil {
		if errors.Is(err, repository.ErrTransitionRejected) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("fail generation: %w", err)
	}
	metrics.GenerationTransitions.WithLabelValues(string(g.Tool), string(models.StatusFailed)).Inc()

	if g.CreditsUsed <= 0 {
		return 0, true, nil
	}
	toSub, toExtra := s.refundSplit(g)
	if _, err := s.ledger.Refund(ctx, g.AccountID, g.CreditsUsed, toSub, toExtra, Memo{Reason: reason, GenerationID: g.ID}); err != nil {
		s.alert(ctx, fmt.Sprintf("Refund of %d credits for generation %s (account %s) failed: %v", g.CreditsUsed, g.ID, g.AccountID, err))
		return 0, true, fmt.Errorf("refund generation %s: %w", g.ID, err)
	}
	s.log.Info("generation failed and refunded",
		"generation_id", g.ID,
		"account_id", g.AccountID,
		"tool", g.Tool,
		"credits", g.CreditsUsed,
		"reason", reason,
	)
	return g.CreditsUsed, true, nil
}

// refundSplit routes a refund according to the configured policy. The split
// policy replays the original debit when it was recorded; otherwise the full
// amount goes back to the subscription pool.
func (s *ReconcileService) refundSplit(g models.Generation) (toSubscription, toExtras int) {
	if s.cfg.RefundPolicy == config.RefundSplit {
		sub, extra := g.Metadata.DebitFromSubscription, g.Metadata.DebitFromExtras
		if sub >= 0 && extra >= 0 && sub+extra == g.CreditsUsed {
			return sub, extra
		}
	}
	return g.CreditsUsed, 0
}

// Sweep fails generations that never received a task reference within the
// grace period and refunds each exactly once.
func (s *ReconcileService) Sweep(ctx context.Context, accountID string, tool models.Tool) (SweepSummary, error) {
	if _, ok := s.providers.Get(tool); !ok {
		return SweepSummary{}, ErrUnsupportedTool
	}
	cutoff := s.now().Add(-s.cfg.OrphanGrace)
	orphans, err := s.generations.ListOrphans(ctx, accountID, tool, cutoff, s.cfg.BatchSize)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list orphaned generations: %w", err)
	}

	var summary SweepSummary
	for _, g := range orphans {
		refunded, won, err := s.fail(ctx, g, ReasonNeverDispatched, ReasonNeverDispatched)
		if err != nil {
			s.log.Error("failed to sweep orphan", "generation_id", g.ID, "account_id", accountID, "err", err)
		}
		if !won {
			continue
		}
		metrics.OrphansSwept.WithLabelValues(string(tool)).Inc()
		summary.Cleaned++
		summary.Refunded += refunded
	}

	if summary.Cleaned > 0 {
		s.alert(ctx, fmt.Sprintf("Orphan sweep: %d %s generation(s) of account %s failed as never dispatched, %d credits refunded",
			summary.Cleaned, tool, accountID, summary.Refunded))
	}
	return summary, nil
}

// ReconcileScope polls and sweeps one (account, tool) pair.
func (s *ReconcileService) ReconcileScope(ctx context.Context, scope models.PendingScope) (PollSummary, SweepSummary, error) {
	polled, err := s.Poll(ctx, scope.AccountID, scope.Tool)
	if err != nil {
		return PollSummary{}, SweepSummary{}, err
	}
	swept, err := s.Sweep(ctx, scope.AccountID, scope.Tool)
	if err != nil {
		return polled, SweepSummary{}, err
	}
	return polled, swept, nil
}

func (s *ReconcileService) PendingScopes(ctx context.Context, limit int) ([]models.PendingScope, error) {
	scopes, err := s.generations.PendingScopes(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending scopes: %w", err)
	}
	return scopes, nil
}

func (s *ReconcileService) current(ctx context.Context, g models.Generation) (PollResult, error) {
	fresh, err := s.generations.Get(ctx, g.ID, g.AccountID)
	if err != nil {
		return PollResult{}, fmt.Errorf("reload generation: %w", err)
	}
	if fresh == nil {
		return PollResult{}, ErrNotFound
	}
	return PollResult{ID: fresh.ID, Status: fresh.Status, ResultURL: fresh.ResultURL, Error: fresh.Metadata.Error}, nil
}

func (s *ReconcileService) alert(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, text); err != nil {
		s.log.Warn("failed to send operator alert", "err", err)
	}
}
