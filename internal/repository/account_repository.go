package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/GenStudio/internal/models"
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, COALESCE(email, ''), credits_subscription, credits_extra, subscription_status, COALESCE(stripe_customer_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var status string
	if err := row.Scan(&a.ID, &a.Email, &a.CreditsSubscription, &a.CreditsExtra, &status, &a.StripeCustomerID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.SubscriptionStatus = models.SubscriptionState(status)
	return &a, nil
}

func (r *AccountRepository) Get(ctx context.Context, accountID string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return acct, nil
}

func (r *AccountRepository) FindByStripeCustomer(ctx context.Context, customerID string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE stripe_customer_id = ?`, customerID)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account by customer: %w", err)
	}
	return acct, nil
}

// Ensure creates the account if it does not exist yet and returns the stored row.
func (r *AccountRepository) Ensure(ctx context.Context, account *models.Account) (*models.Account, bool, error) {
	const query = `
INSERT IGNORE INTO accounts (id, email, credits_subscription, credits_extra, subscription_status)
VALUES (?, NULLIF(?, ''), ?, ?, ?)`
	status := account.SubscriptionStatus
	if status == "" {
		status = models.SubscriptionInactive
	}
	res, err := r.db.ExecContext(ctx, query, account.ID, account.Email, account.CreditsSubscription, account.CreditsExtra, status)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("account rows affected: %w", err)
	}
	stored, err := r.Get(ctx, account.ID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, ErrNotFound
	}
	return stored, affected > 0, nil
}

// Debit subtracts amount, drawing from subscription credits first and extra
// credits second. The guarded UPDATE is the only write; the locked read before
// it just captures the balances needed to report the split. ok is false when
// the balance is insufficient, in which case nothing is written and
// result.PreviousBalance holds the available total.
func (r *AccountRepository) Debit(ctx context.Context, accountID string, amount int) (models.DebitResult, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DebitResult{}, false, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	var sub, extra int
	row := tx.QueryRowContext(ctx, `SELECT credits_subscription, credits_extra FROM accounts WHERE id = ? FOR UPDATE`, accountID)
	if err := row.Scan(&sub, &extra); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DebitResult{}, false, ErrNotFound
		}
		return models.DebitResult{}, false, fmt.Errorf("lock account: %w", err)
	}

	// MySQL evaluates SET assignments left to right, so credits_extra must be
	// computed before credits_subscription is overwritten.
	const query = `
UPDATE accounts
SET credits_extra = credits_extra - GREATEST(? - credits_subscription, 0),
    credits_subscription = GREATEST(credits_subscription - ?, 0),
    updated_at = NOW()
WHERE id = ? AND credits_subscription + credits_extra >= ?`
	res, err := tx.ExecContext(ctx, query, amount, amount, accountID, amount)
	if err != nil {
		return models.DebitResult{}, false, fmt.Errorf("debit credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.DebitResult{}, false, fmt.Errorf("debit rows affected: %w", err)
	}
	if affected == 0 {
		return models.DebitResult{PreviousBalance: sub + extra, NewBalance: sub + extra, Balance: balance(sub, extra)}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return models.DebitResult{}, false, fmt.Errorf("commit debit: %w", err)
	}
	return SplitDebit(sub, extra, amount), true, nil
}

// Credit adds credits back to each pool and returns the balances around the write.
func (r *AccountRepository) Credit(ctx context.Context, accountID string, toSubscription, toExtras int) (before, after models.Account, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return before, after, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ? FOR UPDATE`, accountID)
	locked, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return before, after, ErrNotFound
		}
		return before, after, fmt.Errorf("lock account: %w", err)
	}

	const query = `
UPDATE accounts
SET credits_subscription = credits_subscription + ?, credits_extra = credits_extra + ?, updated_at = NOW()
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, toSubscription, toExtras, accountID); err != nil {
		return before, after, fmt.Errorf("credit account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return before, after, fmt.Errorf("commit credit: %w", err)
	}

	before = *locked
	after = *locked
	after.CreditsSubscription += toSubscription
	after.CreditsExtra += toExtras
	return before, after, nil
}

// ResetSubscription sets the subscription pool to the plan allowance, which is
// how a monthly renewal replaces unused subscription credits.
func (r *AccountRepository) ResetSubscription(ctx context.Context, accountID string, credits int, state models.SubscriptionState) (before, after models.Account, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return before, after, fmt.Errorf("begin renewal tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ? FOR UPDATE`, accountID)
	locked, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return before, after, ErrNotFound
		}
		return before, after, fmt.Errorf("lock account: %w", err)
	}

	const query = `UPDATE accounts SET credits_subscription = ?, subscription_status = ?, updated_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, credits, state, accountID); err != nil {
		return before, after, fmt.Errorf("reset subscription credits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return before, after, fmt.Errorf("commit renewal: %w", err)
	}

	before = *locked
	after = *locked
	after.CreditsSubscription = credits
	after.SubscriptionStatus = state
	return before, after, nil
}

func (r *AccountRepository) SetSubscriptionState(ctx context.Context, accountID string, state models.SubscriptionState) error {
	const query = `UPDATE accounts SET subscription_status = ?, updated_at = NOW() WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, state, accountID)
	if err != nil {
		return fmt.Errorf("set subscription state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscription state rows affected: %w", err)
	}
	if affected == 0 {
		if acct, err := r.Get(ctx, accountID); err != nil {
			return err
		} else if acct == nil {
			return ErrNotFound
		}
	}
	return nil
}

func (r *AccountRepository) LinkStripeCustomer(ctx context.Context, accountID, customerID string) error {
	const query = `UPDATE accounts SET stripe_customer_id = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, customerID, accountID); err != nil {
		return fmt.Errorf("link stripe customer: %w", err)
	}
	return nil
}

// SplitDebit reports how a debit of amount is drawn from the two pools.
func SplitDebit(sub, extra, amount int) models.DebitResult {
	fromSub := amount
	if fromSub > sub {
		fromSub = sub
	}
	fromExtra := amount - fromSub
	return models.DebitResult{
		PreviousBalance:  sub + extra,
		NewBalance:       sub + extra - amount,
		FromSubscription: fromSub,
		FromExtras:       fromExtra,
		Balance:          balance(sub-fromSub, extra-fromExtra),
	}
}

func balance(sub, extra int) models.Balance {
	return models.Balance{Credits: sub, CreditsExtras: extra, Total: sub + extra}
}
