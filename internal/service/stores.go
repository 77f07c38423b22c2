package service

import (
	"context"
	"time"

	"github.com/digkill/GenStudio/internal/models"
)

// LedgerStore persists account balances. Debit must be a single conditional
// write so concurrent debits cannot both observe a sufficient balance.
type LedgerStore interface {
	Get(ctx context.Context, accountID string) (*models.Account, error)
	FindByStripeCustomer(ctx context.Context, customerID string) (*models.Account, error)
	Ensure(ctx context.Context, account *models.Account) (*models.Account, bool, error)
	Debit(ctx context.Context, accountID string, amount int) (models.DebitResult, bool, error)
	Credit(ctx context.Context, accountID string, toSubscription, toExtras int) (before, after models.Account, err error)
	ResetSubscription(ctx context.Context, accountID string, credits int, state models.SubscriptionState) (before, after models.Account, err error)
	SetSubscriptionState(ctx context.Context, accountID string, state models.SubscriptionState) error
	LinkStripeCustomer(ctx context.Context, accountID, customerID string) error
}

type GenerationStore interface {
	Create(ctx context.Context, g *models.Generation) error
	Get(ctx context.Context, id, accountID string) (*models.Generation, error)
	List(ctx context.Context, accountID string, tool models.Tool, limit int) ([]models.Generation, error)
	ListPending(ctx context.Context, accountID string, tool models.Tool, limit int) ([]models.Generation, error)
	ListOrphans(ctx context.Context, accountID string, tool models.Tool, cutoff time.Time, limit int) ([]models.Generation, error)
	PendingScopes(ctx context.Context, limit int) ([]models.PendingScope, error)
	AttachTaskReference(ctx context.Context, id, accountID, taskID string, at time.Time) (*models.Generation, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, resultURL *string, patch models.MetadataPatch) error
	Delete(ctx context.Context, id, accountID string) error
}

type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.AuditEntry, error)
}

type EventStore interface {
	Begin(ctx context.Context, id, eventType, payload string) (bool, error)
	MarkStatus(ctx context.Context, id, status string) error
}

// ArtifactStore copies a provider result into storage we own.
type ArtifactStore interface {
	Persist(ctx context.Context, tool, generationID, sourceURL string) (string, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}
