// Package memstore holds in-process implementations of the repositories. They
// back STORAGE_DRIVER=memory for local runs and serve as fakes in tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/repository"
)

type Accounts struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	now      func() time.Time
}

func NewAccounts() *Accounts {
	return &Accounts{accounts: make(map[string]*models.Account), now: time.Now}
}

func (s *Accounts) Get(_ context.Context, accountID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	copied := *acct
	return &copied, nil
}

func (s *Accounts) FindByStripeCustomer(_ context.Context, customerID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.StripeCustomerID != "" && acct.StripeCustomerID == customerID {
			copied := *acct
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *Accounts) Ensure(_ context.Context, account *models.Account) (*models.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[account.ID]; ok {
		copied := *existing
		return &copied, false, nil
	}
	stored := *account
	if stored.SubscriptionStatus == "" {
		stored.SubscriptionStatus = models.SubscriptionInactive
	}
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	s.accounts[stored.ID] = &stored
	copied := stored
	return &copied, true, nil
}

func (s *Accounts) Debit(_ context.Context, accountID string, amount int) (models.DebitResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return models.DebitResult{}, false, repository.ErrNotFound
	}
	if acct.Total() < amount {
		total := acct.Total()
		return models.DebitResult{PreviousBalance: total, NewBalance: total, Balance: acct.Balance()}, false, nil
	}
	result := repository.SplitDebit(acct.CreditsSubscription, acct.CreditsExtra, amount)
	acct.CreditsSubscription = result.Balance.Credits
	acct.CreditsExtra = result.Balance.CreditsExtras
	acct.UpdatedAt = s.now()
	return result, true, nil
}

func (s *Accounts) Credit(_ context.Context, accountID string, toSubscription, toExtras int) (before, after models.Account, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return before, after, repository.ErrNotFound
	}
	before = *acct
	acct.CreditsSubscription += toSubscription
	acct.CreditsExtra += toExtras
	acct.UpdatedAt = s.now()
	return before, *acct, nil
}

func (s *Accounts) ResetSubscription(_ context.Context, accountID string, credits int, state models.SubscriptionState) (before, after models.Account, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return before, after, repository.ErrNotFound
	}
	before = *acct
	acct.CreditsSubscription = credits
	acct.SubscriptionStatus = state
	acct.UpdatedAt = s.now()
	return before, *acct, nil
}

func (s *Accounts) SetSubscriptionState(_ context.Context, accountID string, state models.SubscriptionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	acct.SubscriptionStatus = state
	acct.UpdatedAt = s.now()
	return nil
}

func (s *Accounts) LinkStripeCustomer(_ context.Context, accountID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[accountID]; ok {
		acct.StripeCustomerID = customerID
	}
	return nil
}

type Generations struct {
	mu          sync.Mutex
	generations map[string]*models.Generation
}

func NewGenerations() *Generations {
	return &Generations{generations: make(map[string]*models.Generation)}
}

func (s *Generations) Create(_ context.Context, g *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *g
	s.generations[g.ID] = &stored
	return nil
}

func (s *Generations) Get(_ context.Context, id, accountID string) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok || g.AccountID != accountID {
		return nil, nil
	}
	copied := *g
	return &copied, nil
}

func (s *Generations) List(_ context.Context, accountID string, tool models.Tool, limit int) ([]models.Generation, error) {
	out := s.filter(func(g *models.Generation) bool {
		return g.AccountID == accountID && g.Tool == tool
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return head(out, limit), nil
}

func (s *Generations) ListPending(_ context.Context, accountID string, tool models.Tool, limit int) ([]models.Generation, error) {
	out := s.filter(func(g *models.Generation) bool {
		return g.AccountID == accountID && g.Tool == tool && !g.Status.Terminal()
	})
	sortOldestFirst(out)
	return head(out, limit), nil
}

func (s *Generations) ListOrphans(_ context.Context, accountID string, tool models.Tool, cutoff time.Time, limit int) ([]models.Generation, error) {
	out := s.filter(func(g *models.Generation) bool {
		return g.AccountID == accountID && g.Tool == tool && g.Orphaned() && g.CreatedAt.Before(cutoff)
	})
	sortOldestFirst(out)
	return head(out, limit), nil
}

func (s *Generations) PendingScopes(_ context.Context, limit int) ([]models.PendingScope, error) {
	pending := s.filter(func(g *models.Generation) bool { return !g.Status.Terminal() })
	sortOldestFirst(pending)
	seen := make(map[models.PendingScope]bool)
	var scopes []models.PendingScope
	for _, g := range pending {
		scope := models.PendingScope{AccountID: g.AccountID, Tool: g.Tool}
		if seen[scope] {
			continue
		}
		seen[scope] = true
		scopes = append(scopes, scope)
	}
	return head(scopes, limit), nil
}

func (s *Generations) AttachTaskReference(_ context.Context, id, accountID, taskID string, at time.Time) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok || g.AccountID != accountID {
		return nil, repository.ErrNotFound
	}
	if !models.CanTransition(g.Status, models.StatusProcessing) {
		if g.Metadata.TaskID == taskID {
			copied := *g
			return &copied, nil
		}
		return nil, repository.ErrTransitionRejected
	}
	g.Status = models.StatusProcessing
	g.Metadata.Apply(models.MetadataPatch{TaskID: &taskID, ProcessingAt: &at})
	g.UpdatedAt = time.Now()
	copied := *g
	return &copied, nil
}

func (s *Generations) UpdateStatus(_ context.Context, id string, status models.Status, resultURL *string, patch models.MetadataPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok || !models.CanTransition(g.Status, status) {
		return repository.ErrTransitionRejected
	}
	g.Status = status
	if resultURL != nil {
		g.ResultURL = *resultURL
	}
	g.Metadata.Apply(patch)
	g.UpdatedAt = time.Now()
	return nil
}

func (s *Generations) Delete(_ context.Context, id, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok || g.AccountID != accountID {
		return repository.ErrNotFound
	}
	if !g.Status.Terminal() {
		return repository.ErrNotTerminal
	}
	delete(s.generations, id)
	return nil
}

func (s *Generations) filter(keep func(*models.Generation) bool) []models.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Generation
	for _, g := range s.generations {
		if keep(g) {
			out = append(out, *g)
		}
	}
	return out
}

func sortOldestFirst(gens []models.Generation) {
	sort.SliceStable(gens, func(i, j int) bool {
		if gens[i].CreatedAt.Equal(gens[j].CreatedAt) {
			return gens[i].ID < gens[j].ID
		}
		return gens[i].CreatedAt.Before(gens[j].CreatedAt)
	})
}

func head[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

type Audit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	// Err, when set, is returned by Append to simulate a broken audit sink.
	Err error
}

func NewAudit() *Audit {
	return &Audit{}
}

func (s *Audit) Append(_ context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	entry.ID = int64(len(s.entries) + 1)
	entry.CreatedAt = time.Now()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Audit) ListByAccount(_ context.Context, accountID string, limit int) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AccountID == accountID {
			out = append(out, s.entries[i])
		}
	}
	return head(out, limit), nil
}

type StripeEvents struct {
	mu     sync.Mutex
	events map[string]*models.StripeEvent
}

func NewStripeEvents() *StripeEvents {
	return &StripeEvents{events: make(map[string]*models.StripeEvent)}
}

func (s *StripeEvents) Begin(_ context.Context, id, eventType, payload string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt, ok := s.events[id]; ok {
		evt.RawPayload = payload
		return evt.Status == repository.EventStatusProcessed, nil
	}
	now := time.Now()
	s.events[id] = &models.StripeEvent{ID: id, Type: eventType, Status: repository.EventStatusProcessing, RawPayload: payload, CreatedAt: now, UpdatedAt: now}
	return false, nil
}

func (s *StripeEvents) MarkStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt, ok := s.events[id]; ok {
		evt.Status = status
		evt.UpdatedAt = time.Now()
	}
	return nil
}
