// Package ledger is scoutcore's Credit Ledger: the durable source of
// truth for every user's credit balance, plan, and the append-only
// transaction history that explains how the balance got there.
//
// Like the teacher's grain ledger, it keeps two synchronized stores:
// PostgreSQL holds the durable balance row and the full transaction
// log; Redis holds a hot-path cache of the current balance so the
// Request Pipeline's credit check does not take a round trip to
// PostgreSQL on every call. PostgreSQL is the ledger of record;
// GetBalance serves the Redis entry whenever one exists and reads
// PostgreSQL only on a miss. Every ledger write refreshes or drops the
// Redis entry; a Redis value that drifts from PostgreSQL by any other
// route is served until the next ledger write for that user.
//
// Unlike the teacher's ledger, the transaction-log write and the
// balance-row update are not wrapped in a single atomic Lua script:
// spec invariant 9 only requires the transaction row to be durable
// before the balance is reported as changed, not that the pair be
// globally atomic. Deduct issues each write as its own statement, in
// that order, so a crash between them leaves an audit trail that is
// ahead of the balance it explains rather than a balance with no audit
// trail at all. AssignInitial, ApplyMonthlyRefill and the subscription
// bonus and downgrade paths run their pair inside one SQL transaction.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/corvidlabs/scoutcore/internal/metrics"
)

const (
	PlanFree = "free"
	PlanPro  = "pro"

	ReasonInitialSignup      = "initial_signup"
	ReasonInitialPro         = "initial_pro"
	ReasonMonthlyRefill      = "monthly_refill"
	ReasonSubscriptionCancel = "subscription_cancelled"
)

// OpReason builds the transaction reason for a per-operation deduction.
func OpReason(operation string) string { return "op:" + operation }

// Balance is the current state of a user's credit account.
type Balance struct {
	UserID     string
	Plan       string
	Credits    int64
	LastRefill *time.Time
}

// Ledger manages balance state and the transaction log behind it.
// Safe for concurrent use; the underlying sql.DB and redis.Client
// pools handle concurrent access.
type Ledger struct {
	db    *sql.DB
	redis *redis.Client
	log   zerolog.Logger

	initialFreeCredits int64
	initialProCredits  int64
	monthlyProRefill   int64
}

// Config carries the credit amounts the ledger grants on the events it
// recognizes. These come from operator configuration, not hardcoded
// constants, so pricing can change without a redeploy.
type Config struct {
	InitialFreeCredits int64
	InitialProCredits  int64
	MonthlyProRefill   int64
}

func New(db *sql.DB, rdb *redis.Client, log zerolog.Logger, cfg Config) *Ledger {
	return &Ledger{
		db:                 db,
		redis:              rdb,
		log:                log.With().Str("component", "ledger").Logger(),
		initialFreeCredits: cfg.InitialFreeCredits,
		initialProCredits:  cfg.InitialProCredits,
		monthlyProRefill:   cfg.MonthlyProRefill,
	}
}

func cacheKey(userID string) string { return "balance:" + userID }

// AssignInitial grants a brand-new user their initial free-plan
// credits. Returns ErrAlreadyAssigned if the user already has a
// balance row — this is the idempotency boundary for signup events
// that may be delivered more than once.
func (l *Ledger) AssignInitial(ctx context.Context, userID string) error {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM credit_balances WHERE user_id = $1)`, userID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: check existing balance: %v", ErrStorageFailure, err)
	}
	if exists {
		return ErrAlreadyAssigned
	}

	txID := ulid.Make().String()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, reason, metadata)
		 VALUES ($1, $2, $3, $4, '{}'::jsonb)`,
		txID, userID, l.initialFreeCredits, ReasonInitialSignup,
	); err != nil {
		return fmt.Errorf("%w: insert transaction: %v", ErrStorageFailure, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, plan, balance, updated_at)
		 VALUES ($1, $2, $3, now())`,
		userID, PlanFree, l.initialFreeCredits,
	); err != nil {
		return fmt.Errorf("%w: insert balance: %v", ErrStorageFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageFailure, err)
	}

	l.writeCache(ctx, Balance{UserID: userID, Plan: PlanFree, Credits: l.initialFreeCredits})
	l.log.Info().Str("user_id", userID).Int64("credits", l.initialFreeCredits).Msg("initial balance assigned")
	return nil
}

// GetBalance returns the current balance, consulting Redis first and
// falling back to PostgreSQL on a cache miss or cache failure. A cache
// failure never surfaces to the caller — only PostgreSQL errors do.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if b, ok := l.readCache(ctx, userID); ok {
		return b, nil
	}

	var b Balance
	var lastRefill sql.NullTime
	err := l.db.QueryRowContext(ctx,
		`SELECT user_id, plan, balance, last_refill FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.Plan, &b.Credits, &lastRefill)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, ErrNotFound
	}
	if err != nil {
		return Balance{}, fmt.Errorf("%w: select balance: %v", ErrStorageFailure, err)
	}
	if lastRefill.Valid {
		b.LastRefill = &lastRefill.Time
	}

	l.writeCache(ctx, b)
	return b, nil
}

// Deduct subtracts amount credits for a completed operation and
// returns the balance remaining afterward. The transaction row is
// written before the balance row is updated, so a crash between the
// two leaves a durable record of a deduction that has not yet been
// reflected in the balance — recoverable by replay, never lost.
// reason is typically "op:<name>" per the pipeline's per-operation
// deduction.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, reason string, metadata map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: deduct amount must be positive, got %d", amount)
	}

	current, err := l.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if current.Credits < amount {
		metrics.LedgerDeductions.WithLabelValues("insufficient").Inc()
		return current.Credits, ErrInsufficient
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal metadata: %w", err)
	}

	txID := ulid.Make().String()
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, reason, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		txID, userID, -amount, reason, metaJSON,
	); err != nil {
		return 0, fmt.Errorf("%w: insert deduction transaction: %v", ErrStorageFailure, err)
	}

	var remaining int64
	err = l.db.QueryRowContext(ctx,
		`UPDATE credit_balances SET balance = balance - $1, updated_at = now()
		 WHERE user_id = $2 AND balance >= $1
		 RETURNING balance`,
		amount, userID,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		// Balance moved under us between the read and the write; the
		// transaction row already recorded the attempt, so re-read
		// and report the up-to-date state rather than guessing.
		l.invalidateCache(ctx, userID)
		fresh, ferr := l.GetBalance(ctx, userID)
		if ferr != nil {
			return 0, ferr
		}
		metrics.LedgerDeductions.WithLabelValues("insufficient").Inc()
		return fresh.Credits, ErrInsufficient
	}
	if err != nil {
		metrics.LedgerDeductions.WithLabelValues("storage_error").Inc()
		return 0, fmt.Errorf("%w: update balance: %v", ErrStorageFailure, err)
	}

	l.writeCache(ctx, Balance{UserID: userID, Plan: current.Plan, Credits: remaining})
	metrics.LedgerDeductions.WithLabelValues("success").Inc()
	return remaining, nil
}

// ApplyMonthlyRefill grants the monthly pro-plan credit refill. It is
// a no-op for free-plan users and is idempotent per orderId: a
// duplicate delivery of the same billing event returns ErrAlreadyApplied
// instead of double-crediting the account.
func (l *Ledger) ApplyMonthlyRefill(ctx context.Context, userID, orderID string) error {
	current, err := l.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if current.Plan != PlanPro {
		return nil
	}

	var alreadyApplied bool
	err = l.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM credit_transactions
			WHERE user_id = $1 AND reason = $2 AND metadata->>'orderId' = $3
		)`, userID, ReasonMonthlyRefill, orderID,
	).Scan(&alreadyApplied)
	if err != nil {
		return fmt.Errorf("%w: check refill idempotency: %v", ErrStorageFailure, err)
	}
	if alreadyApplied {
		metrics.LedgerRefills.WithLabelValues("already_applied").Inc()
		return ErrAlreadyApplied
	}

	metaJSON, _ := json.Marshal(map[string]string{"orderId": orderID})
	txID := ulid.Make().String()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, reason, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		txID, userID, l.monthlyProRefill, ReasonMonthlyRefill, metaJSON,
	); err != nil {
		return fmt.Errorf("%w: insert refill transaction: %v", ErrStorageFailure, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = balance + $1, last_refill = now(), updated_at = now()
		 WHERE user_id = $2`,
		l.monthlyProRefill, userID,
	); err != nil {
		return fmt.Errorf("%w: update balance for refill: %v", ErrStorageFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit refill: %v", ErrStorageFailure, err)
	}

	l.invalidateCache(ctx, userID)
	metrics.LedgerRefills.WithLabelValues("applied").Inc()
	l.log.Info().Str("user_id", userID).Str("order_id", orderID).Msg("monthly refill applied")
	return nil
}

// OnSubscriptionChange reconciles a subscription status event against
// the stored subscription row and grants or revokes pro-plan standing
// accordingly. Credits already granted are never clawed back on
// downgrade or cancellation — only future monthly refills stop.
func (l *Ledger) OnSubscriptionChange(ctx context.Context, userID, subscriptionID string, status stripe.SubscriptionStatus, plan string) error {
	var priorStatus sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT status FROM subscriptions WHERE id = $1`, subscriptionID,
	).Scan(&priorStatus)
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return fmt.Errorf("%w: select subscription: %v", ErrStorageFailure, err)
	}
	isStatusChange := isNew || priorStatus.String != string(status)

	now := time.Now()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, status, plan, started_at, synced_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (id) DO UPDATE SET status = $3, plan = $4, synced_at = now()`,
		subscriptionID, userID, string(status), plan, now,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert subscription: %v", ErrStorageFailure, err)
	}

	current, err := l.GetBalance(ctx, userID)
	if err != nil {
		return err
	}

	isActivation := status == stripe.SubscriptionStatusActive && plan == PlanPro && current.Plan != PlanPro
	isDowngrade := current.Plan == PlanPro &&
		(status == stripe.SubscriptionStatusCanceled || status == stripe.SubscriptionStatusUnpaid || plan == PlanFree)

	switch {
	case isActivation && isStatusChange:
		return l.grantSubscriptionBonus(ctx, userID, subscriptionID)
	case isDowngrade && isStatusChange:
		return l.recordDowngrade(ctx, userID, subscriptionID)
	default:
		return nil
	}
}

func (l *Ledger) grantSubscriptionBonus(ctx context.Context, userID, subscriptionID string) error {
	var already bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM credit_transactions
			WHERE user_id = $1 AND reason = $2 AND metadata->>'subscriptionId' = $3
		)`, userID, ReasonInitialPro, subscriptionID,
	).Scan(&already)
	if err != nil {
		return fmt.Errorf("%w: check activation idempotency: %v", ErrStorageFailure, err)
	}
	if already {
		return nil
	}

	metaJSON, _ := json.Marshal(map[string]string{"subscriptionId": subscriptionID})
	txID := ulid.Make().String()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, reason, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		txID, userID, l.initialProCredits, ReasonInitialPro, metaJSON,
	); err != nil {
		return fmt.Errorf("%w: insert activation transaction: %v", ErrStorageFailure, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET plan = $1, balance = balance + $2, updated_at = now() WHERE user_id = $3`,
		PlanPro, l.initialProCredits, userID,
	); err != nil {
		return fmt.Errorf("%w: update balance for activation: %v", ErrStorageFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit activation: %v", ErrStorageFailure, err)
	}

	l.invalidateCache(ctx, userID)
	l.log.Info().Str("user_id", userID).Str("subscription_id", subscriptionID).Msg("pro plan activated")
	return nil
}

func (l *Ledger) recordDowngrade(ctx context.Context, userID, subscriptionID string) error {
	var already bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM credit_transactions
			WHERE user_id = $1 AND reason = $2 AND metadata->>'subscriptionId' = $3
		)`, userID, ReasonSubscriptionCancel, subscriptionID,
	).Scan(&already)
	if err != nil {
		return fmt.Errorf("%w: check downgrade idempotency: %v", ErrStorageFailure, err)
	}
	if already {
		return nil
	}

	metaJSON, _ := json.Marshal(map[string]string{"subscriptionId": subscriptionID})
	txID := ulid.Make().String()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrStorageFailure, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, reason, metadata)
		 VALUES ($1, $2, 0, $3, $4)`,
		txID, userID, ReasonSubscriptionCancel, metaJSON,
	); err != nil {
		return fmt.Errorf("%w: insert downgrade transaction: %v", ErrStorageFailure, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET plan = $1, updated_at = now() WHERE user_id = $2`,
		PlanFree, userID,
	); err != nil {
		return fmt.Errorf("%w: update balance for downgrade: %v", ErrStorageFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit downgrade: %v", ErrStorageFailure, err)
	}

	l.invalidateCache(ctx, userID)
	l.log.Info().Str("user_id", userID).Str("subscription_id", subscriptionID).Msg("pro plan downgraded")
	return nil
}

func (l *Ledger) readCache(ctx context.Context, userID string) (Balance, bool) {
	if l.redis == nil {
		return Balance{}, false
	}
	vals, err := l.redis.HGetAll(ctx, cacheKey(userID)).Result()
	if err != nil || len(vals) == 0 {
		return Balance{}, false
	}
	var b Balance
	b.UserID = userID
	b.Plan = vals["plan"]
	if _, err := fmt.Sscanf(vals["credits"], "%d", &b.Credits); err != nil {
		return Balance{}, false
	}
	return b, true
}

func (l *Ledger) writeCache(ctx context.Context, b Balance) {
	if l.redis == nil {
		return
	}
	err := l.redis.HSet(ctx, cacheKey(b.UserID), map[string]interface{}{
		"plan":    b.Plan,
		"credits": b.Credits,
	}).Err()
	if err != nil {
		l.log.Warn().Err(err).Str("user_id", b.UserID).Msg("balance cache write failed")
	}
}

func (l *Ledger) invalidateCache(ctx context.Context, userID string) {
	if l.redis == nil {
		return
	}
	if err := l.redis.Del(ctx, cacheKey(userID)).Err(); err != nil {
		l.log.Warn().Err(err).Str("user_id", userID).Msg("balance cache invalidation failed")
	}
}
