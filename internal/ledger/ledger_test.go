package ledger

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := New(db, rdb, zerolog.Nop(), Config{
		InitialFreeCredits: 100,
		InitialProCredits:  1000,
		MonthlyProRefill:   1000,
	})
	return l, mock
}

func TestDeduct_InsufficientBalance(t *testing.T) {
	l, mock := newTestLedger(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"user_id", "plan", "balance", "last_refill"}).
		AddRow("u1", PlanFree, int64(5), nil)
	mock.ExpectQuery(`SELECT user_id, plan, balance, last_refill FROM credit_balances`).
		WithArgs("u1").WillReturnRows(rows)

	remaining, err := l.Deduct(ctx, "u1", 10, OpReason("screenshot"), map[string]string{"operation": "screenshot"})
	require.ErrorIs(t, err, ErrInsufficient)
	assert.Equal(t, int64(5), remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeduct_WritesTransactionBeforeBalance(t *testing.T) {
	l, mock := newTestLedger(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"user_id", "plan", "balance", "last_refill"}).
		AddRow("u1", PlanFree, int64(50), nil)
	mock.ExpectQuery(`SELECT user_id, plan, balance, last_refill FROM credit_balances`).
		WithArgs("u1").WillReturnRows(rows)

	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(sqlmock.AnyArg(), "u1", int64(-10), OpReason("screenshot"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery(`UPDATE credit_balances SET balance = balance - \$1`).
		WithArgs(int64(10), "u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(40)))

	remaining, err := l.Deduct(ctx, "u1", 10, OpReason("screenshot"), map[string]string{"operation": "screenshot"})
	require.NoError(t, err)
	assert.Equal(t, int64(40), remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMonthlyRefill_IdempotentOnOrderID(t *testing.T) {
	l, mock := newTestLedger(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"user_id", "plan", "balance", "last_refill"}).
		AddRow("u1", PlanPro, int64(20), nil)
	mock.ExpectQuery(`SELECT user_id, plan, balance, last_refill FROM credit_balances`).
		WithArgs("u1").WillReturnRows(rows)

	mock.ExpectQuery(`SELECT EXISTS\(`).
		WithArgs("u1", ReasonMonthlyRefill, "order-123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := l.ApplyMonthlyRefill(ctx, "u1", "order-123")
	require.ErrorIs(t, err, ErrAlreadyApplied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMonthlyRefill_NoOpForFreePlan(t *testing.T) {
	l, mock := newTestLedger(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"user_id", "plan", "balance", "last_refill"}).
		AddRow("u1", PlanFree, int64(20), nil)
	mock.ExpectQuery(`SELECT user_id, plan, balance, last_refill FROM credit_balances`).
		WithArgs("u1").WillReturnRows(rows)

	err := l.ApplyMonthlyRefill(ctx, "u1", "order-123")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignInitial_RejectsDuplicate(t *testing.T) {
	l, mock := newTestLedger(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM credit_balances`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := l.AssignInitial(ctx, "u1")
	require.ErrorIs(t, err, ErrAlreadyAssigned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOnSubscriptionChange_ActivationGrantsBonusOnce(t *testing.T) {
	l, mock := newTestLedger(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT status FROM subscriptions WHERE id = \$1`).
		WithArgs("sub-1").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec(`INSERT INTO subscriptions`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery(`SELECT user_id, plan, balance, last_refill FROM credit_balances`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "plan", "balance", "last_refill"}).
			AddRow("u1", PlanFree, int64(5), nil))

	mock.ExpectQuery(`SELECT EXISTS\(`).
		WithArgs("u1", ReasonInitialPro, "sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE credit_balances SET plan = \$1, balance = balance \+ \$2`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := l.OnSubscriptionChange(ctx, "u1", "sub-1", stripe.SubscriptionStatusActive, PlanPro)
	require.NoError(t, err)
}
