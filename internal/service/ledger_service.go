package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digkill/GenStudio/internal/metrics"
	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/repository"
)

// Memo describes why a ledger operation happened. It ends up in the audit log.
type Memo struct {
	Reason       string
	GenerationID string
}

// LedgerService is the only code path that mutates credit balances.
type LedgerService struct {
	accounts LedgerStore
	audit    AuditStore
	log      *slog.Logger
}

func NewLedgerService(accounts LedgerStore, audit AuditStore, log *slog.Logger) *LedgerService {
	return &LedgerService{accounts: accounts, audit: audit, log: log}
}

// Debit draws amount from the subscription pool first and the extra pool
// second. A failed debit leaves the balance untouched.
func (s *LedgerService) Debit(ctx context.Context, accountID string, amount int, memo Memo) (models.DebitResult, error) {
	if amount <= 0 {
		return models.DebitResult{}, ErrInvalidAmount
	}

	result, ok, err := s.accounts.Debit(ctx, accountID, amount)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.DebitResult{}, ErrAccountNotFound
		}
		return models.DebitResult{}, fmt.Errorf("debit credits: %w", err)
	}
	if !ok {
		metrics.InsufficientCredits.Inc()
		return result, &InsufficientCreditsError{Required: amount, Available: result.PreviousBalance}
	}

	metrics.CreditsDebited.WithLabelValues("subscription").Add(float64(result.FromSubscription))
	metrics.CreditsDebited.WithLabelValues("extra").Add(float64(result.FromExtras))

	s.record(ctx, &models.AuditEntry{
		AccountID:          accountID,
		Action:             models.AuditDebit,
		Amount:             amount,
		BeforeSubscription: result.FromSubscription + result.Balance.Credits,
		BeforeExtra:        result.FromExtras + result.Balance.CreditsExtras,
		AfterSubscription:  result.Balance.Credits,
		AfterExtra:         result.Balance.CreditsExtras,
		Reason:             memo.Reason,
		GenerationID:       memo.GenerationID,
	})
	return result, nil
}

// Refund adds credits back to each pool independently. Callers guarantee a
// generation is refunded at most once; the ledger does not deduplicate.
func (s *LedgerService) Refund(ctx context.Context, accountID string, amount, toSubscription, toExtras int, memo Memo) (models.Account, error) {
	if amount <= 0 || toSubscription < 0 || toExtras < 0 || toSubscription+toExtras != amount {
		return models.Account{}, ErrInvalidAmount
	}

	before, after, err := s.accounts.Credit(ctx, accountID, toSubscription, toExtras)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Account{}, ErrAccountNotFound
		}
		return models.Account{}, fmt.Errorf("refund credits: %w", err)
	}

	reason := memo.Reason
	if reason == "" {
		reason = "refund"
	}
	if toSubscription > 0 {
		metrics.CreditsRefunded.WithLabelValues("subscription", metricReason(reason)).Add(float64(toSubscription))
	}
	if toExtras > 0 {
		metrics.CreditsRefunded.WithLabelValues("extra", metricReason(reason)).Add(float64(toExtras))
	}

	s.record(ctx, auditFromBalances(accountID, models.AuditRefund, amount, before, after, Memo{Reason: reason, GenerationID: memo.GenerationID}))
	return after, nil
}

// Grant adds purchased or gifted credits to the extra pool.
func (s *LedgerService) Grant(ctx context.Context, accountID string, amount int, memo Memo) (models.Account, error) {
	if amount <= 0 {
		return models.Account{}, ErrInvalidAmount
	}
	before, after, err := s.accounts.Credit(ctx, accountID, 0, amount)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Account{}, ErrAccountNotFound
		}
		return models.Account{}, fmt.Errorf("grant credits: %w", err)
	}
	s.record(ctx, auditFromBalances(accountID, models.AuditGrant, amount, before, after, memo))
	return after, nil
}

// Renew replaces the subscription pool with the plan allowance. Unused
// subscription credits from the previous period do not carry over.
func (s *LedgerService) Renew(ctx context.Context, accountID string, credits int, state models.SubscriptionState, memo Memo) (models.Account, error) {
	if credits < 0 {
		return models.Account{}, ErrInvalidAmount
	}
	before, after, err := s.accounts.ResetSubscription(ctx, accountID, credits, state)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Account{}, ErrAccountNotFound
		}
		return models.Account{}, fmt.Errorf("renew subscription credits: %w", err)
	}
	s.record(ctx, auditFromBalances(accountID, models.AuditSubscriptionRenewal, credits, before, after, memo))
	return after, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (models.Balance, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return models.Balance{}, err
	}
	return acct.Balance(), nil
}

func (s *LedgerService) Account(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

// EnsureAccount creates the account with an initial balance unless it exists.
func (s *LedgerService) EnsureAccount(ctx context.Context, account models.Account) (*models.Account, bool, error) {
	if account.ID == "" || account.CreditsSubscription < 0 || account.CreditsExtra < 0 {
		return nil, false, ErrInvalidAmount
	}
	stored, created, err := s.accounts.Ensure(ctx, &account)
	if err != nil {
		return nil, false, fmt.Errorf("ensure account: %w", err)
	}
	if created && stored.Total() > 0 {
		s.record(ctx, &models.AuditEntry{
			AccountID:         stored.ID,
			Action:            models.AuditGrant,
			Amount:            stored.Total(),
			AfterSubscription: stored.CreditsSubscription,
			AfterExtra:        stored.CreditsExtra,
			Reason:            "opening balance",
		})
	}
	return stored, created, nil
}

func (s *LedgerService) History(ctx context.Context, accountID string, limit int) ([]models.AuditEntry, error) {
	entries, err := s.audit.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

// record appends to the audit log. A failing audit sink never blocks the
// ledger operation that already committed.
func (s *LedgerService) record(ctx context.Context, entry *models.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		metrics.AuditFailures.Inc()
		s.log.Error("failed to append audit entry",
			"account_id", entry.AccountID,
			"action", entry.Action,
			"amount", entry.Amount,
			"generation_id", entry.GenerationID,
			"err", err,
		)
	}
}

func auditFromBalances(accountID string, action models.AuditAction, amount int, before, after models.Account, memo Memo) *models.AuditEntry {
	return &models.AuditEntry{
		AccountID:          accountID,
		Action:             action,
		Amount:             amount,
		BeforeSubscription: before.CreditsSubscription,
		BeforeExtra:        before.CreditsExtra,
		AfterSubscription:  after.CreditsSubscription,
		AfterExtra:         after.CreditsExtra,
		Reason:             memo.Reason,
		GenerationID:       memo.GenerationID,
	}
}

// metricReason keeps label cardinality bounded; free-form reasons collapse to "other".
func metricReason(reason string) string {
	switch reason {
	case ReasonProviderFailed, ReasonNeverDispatched, ReasonProviderUnreachable, ReasonSubmitFailed, "refund":
		return reason
	}
	return "other"
}
