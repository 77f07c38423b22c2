package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/GenStudio/internal/metrics"
	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/provider"
	"github.com/digkill/GenStudio/internal/repository"
)

const defaultListLimit = 50

type GenerationService struct {
	ledger        *LedgerService
	generations   GenerationStore
	providers     *provider.Registry
	reconciler    *ReconcileService
	prices        map[models.Tool]int
	submitTimeout time.Duration
	log           *slog.Logger
	now           func() time.Time
	newID         func() string
}

func NewGenerationService(ledger *LedgerService, generations GenerationStore, providers *provider.Registry, reconciler *ReconcileService, prices map[string]int, submitTimeout time.Duration, log *slog.Logger) *GenerationService {
	byTool := make(map[models.Tool]int, len(prices))
	for name, price := range prices {
		if tool, ok := models.ParseTool(name); ok {
			byTool[tool] = price
		}
	}
	if submitTimeout <= 0 {
		submitTimeout = 90 * time.Second
	}
	return &GenerationService{
		ledger:        ledger,
		generations:   generations,
		providers:     providers,
		reconciler:    reconciler,
		prices:        byTool,
		submitTimeout: submitTimeout,
		log:           log,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

func (s *GenerationService) Price(tool models.Tool) (int, bool) {
	price, ok := s.prices[tool]
	return price, ok && price > 0
}

// Start debits the tool price, records the generation and submits it to the
// provider. A submission that times out leaves the record pending without a
// task reference; the orphan sweeper refunds it later. A provider that
// rejects the job outright fails the record and refunds it immediately.
func (s *GenerationService) Start(ctx context.Context, accountID string, params models.ToolParams) (*models.Generation, error) {
	tool := params.Tool()
	adapter, ok := s.providers.Get(tool)
	if !ok {
		return nil, ErrUnsupportedTool
	}
	price, ok := s.Price(tool)
	if !ok {
		return nil, ErrUnsupportedTool
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	id := s.newID()
	debit, err := s.ledger.Debit(ctx, accountID, price, Memo{Reason: "generation:" + string(tool), GenerationID: id})
	if err != nil {
		return nil, err
	}

	now := s.now()
	g := &models.Generation{
		ID:          id,
		AccountID:   accountID,
		Tool:        tool,
		Status:      models.StatusPending,
		CreditsUsed: price,
		Metadata: models.Metadata{
			Prompt:                promptOf(params),
			DebitFromSubscription: debit.FromSubscription,
			DebitFromExtras:       debit.FromExtras,
			Params:                params,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.generations.Create(ctx, g); err != nil {
		// Nothing references the debit yet, so put the credits back where they came from.
		if _, refundErr := s.ledger.Refund(context.WithoutCancel(ctx), accountID, price, debit.FromSubscription, debit.FromExtras, Memo{Reason: "generation not recorded", GenerationID: id}); refundErr != nil {
			s.log.Error("failed to roll back debit", "generation_id", id, "account_id", accountID, "err", refundErr)
		}
		return nil, fmt.Errorf("create generation: %w", err)
	}
	metrics.GenerationTransitions.WithLabelValues(string(tool), string(models.StatusPending)).Inc()

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	submitted, err := adapter.Submit(submitCtx, params)
	cancel()

	// The request may be gone by now; the rest must still be recorded.
	ctx = context.WithoutCancel(ctx)
	log := s.log.With("generation_id", id, "account_id", accountID, "tool", tool)

	if err != nil {
		if isTimeout(err) {
			log.Warn("provider submission timed out, leaving generation for the sweeper", "err", err)
			return g, nil
		}
		log.Warn("provider rejected submission", "err", err)
		res := s.reconciler.failResult(ctx, *g, err.Error(), ReasonSubmitFailed)
		return s.reload(ctx, g, res), fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	attached, err := s.generations.AttachTaskReference(ctx, id, accountID, submitted.TaskID, s.now())
	if err != nil {
		log.Error("failed to store task reference", "task_id", submitted.TaskID, "err", err)
		return g, fmt.Errorf("attach task reference: %w", err)
	}
	metrics.GenerationTransitions.WithLabelValues(string(tool), string(models.StatusProcessing)).Inc()
	log.Info("generation submitted", "task_id", submitted.TaskID)

	if submitted.Status != nil && submitted.Status.State.Terminal() {
		res, err := s.reconciler.Apply(ctx, *attached, *submitted.Status)
		if err != nil {
			log.Error("failed to finalize synchronous result", "err", err)
			return attached, nil
		}
		return s.reload(ctx, attached, res), nil
	}
	return attached, nil
}

func (s *GenerationService) reload(ctx context.Context, fallback *models.Generation, res PollResult) *models.Generation {
	fresh, err := s.generations.Get(ctx, fallback.ID, fallback.AccountID)
	if err != nil || fresh == nil {
		copied := *fallback
		copied.Status = res.Status
		copied.ResultURL = res.ResultURL
		return &copied
	}
	return fresh
}

// Get returns the account's generation of tool, or ErrNotFound.
func (s *GenerationService) Get(ctx context.Context, accountID string, tool models.Tool, id string) (*models.Generation, error) {
	g, err := s.generations.Get(ctx, id, accountID)
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	if g == nil || g.Tool != tool {
		return nil, ErrNotFound
	}
	return g, nil
}

func (s *GenerationService) List(ctx context.Context, accountID string, tool models.Tool, limit int) ([]models.Generation, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListLimit
	}
	gens, err := s.generations.List(ctx, accountID, tool, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	if gens == nil {
		gens = []models.Generation{}
	}
	return gens, nil
}

// Delete removes a terminal generation. Pending and processing records still
// carry a refund expectation and are rejected with ErrInvalidState.
func (s *GenerationService) Delete(ctx context.Context, accountID string, tool models.Tool, id string) error {
	if _, err := s.Get(ctx, accountID, tool, id); err != nil {
		return err
	}
	if err := s.generations.Delete(ctx, id, accountID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, repository.ErrNotTerminal):
			return fmt.Errorf("%w: generation is still running", ErrInvalidState)
		}
		return fmt.Errorf("delete generation: %w", err)
	}
	return nil
}

// LinkTask attaches a provider task id to a generation that was submitted
// out of band. Linking the same task again is a no-op; replacing a different
// task or touching a settled record is rejected.
func (s *GenerationService) LinkTask(ctx context.Context, accountID string, tool models.Tool, id, taskID string) (*models.Generation, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", ErrInvalidState)
	}
	g, err := s.Get(ctx, accountID, tool, id)
	if err != nil {
		return nil, err
	}
	if g.Metadata.TaskID == taskID {
		return g, nil
	}
	if g.Status.Terminal() {
		return nil, fmt.Errorf("%w: generation is already %s", ErrInvalidState, g.Status)
	}
	if g.Metadata.TaskID != "" {
		return nil, fmt.Errorf("%w: generation is linked to another task", ErrInvalidState)
	}

	linked, err := s.generations.AttachTaskReference(ctx, id, accountID, taskID, s.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrTransitionRejected):
			return nil, fmt.Errorf("%w: generation was settled concurrently", ErrInvalidState)
		}
		return nil, fmt.Errorf("link task: %w", err)
	}
	s.log.Info("task linked", "generation_id", id, "account_id", accountID, "tool", tool, "task_id", taskID)
	return linked, nil
}

// isTimeout reports whether a submission was abandoned before the provider
// answered. The job may or may not have been accepted.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func promptOf(params models.ToolParams) string {
	switch p := params.(type) {
	case models.Sora2Params:
		return p.Prompt
	case models.Veo3Params:
		return p.Prompt
	case models.InfiniteTalkParams:
		return p.Prompt
	case models.AvatarParams:
		return p.Prompt
	}
	return ""
}
