package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/GenStudio/internal/models"
)

func TestDebitDrawsSubscriptionThenExtras(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT credits_subscription, credits_extra FROM accounts WHERE id = \? FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits_subscription", "credits_extra"}).AddRow(10, 15))
	mock.ExpectExec(`UPDATE accounts\s+SET credits_extra = credits_extra - GREATEST`).
		WithArgs(20, 20, "acct-1", 20).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewAccountRepository(db)
	result, ok, err := repo.Debit(context.Background(), "acct-1", 20)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 25, result.PreviousBalance)
	assert.Equal(t, 5, result.NewBalance)
	assert.Equal(t, 10, result.FromSubscription)
	assert.Equal(t, 10, result.FromExtras)
	assert.Equal(t, models.Balance{Credits: 0, CreditsExtras: 5, Total: 5}, result.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitInsufficientRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \? FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits_subscription", "credits_extra"}).AddRow(5, 0))
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs(20, 20, "acct-1", 20).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	repo := NewAccountRepository(db)
	result, ok, err := repo.Debit(context.Background(), "acct-1", 20)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, result.PreviousBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitUnknownAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"credits_subscription", "credits_extra"}))
	mock.ExpectRollback()

	_, _, err = NewAccountRepository(db).Debit(context.Background(), "ghost", 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreditReturnsBalancesAroundWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \? FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "credits_subscription", "credits_extra", "subscription_status", "stripe_customer_id", "created_at", "updated_at"}).
			AddRow("acct-1", "", 30, 0, "active", "", now, now))
	mock.ExpectExec(`UPDATE accounts\s+SET credits_subscription = credits_subscription \+ \?`).
		WithArgs(20, 0, "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	before, after, err := NewAccountRepository(db).Credit(context.Background(), "acct-1", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 30, before.CreditsSubscription)
	assert.Equal(t, 50, after.CreditsSubscription)
	assert.Equal(t, models.SubscriptionActive, after.SubscriptionStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitDebit(t *testing.T) {
	r := SplitDebit(50, 0, 20)
	assert.Equal(t, 20, r.FromSubscription)
	assert.Equal(t, 0, r.FromExtras)
	assert.Equal(t, 30, r.Balance.Credits)

	r = SplitDebit(0, 7, 7)
	assert.Equal(t, 0, r.FromSubscription)
	assert.Equal(t, 7, r.FromExtras)
	assert.Equal(t, 0, r.Balance.Total)
}
