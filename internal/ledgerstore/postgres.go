package ledgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"metergate/internal/models"
)

// PostgresStore implements Store using PostgreSQL via pgx. The usage
// increment is a transactional pair: an idempotency-guarded history insert
// followed by a cap-conditional UPDATE, so concurrent consumes against one
// account serialize on the row and replays apply nothing.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id             TEXT PRIMARY KEY,
    plan                TEXT NOT NULL DEFAULT 'free',
    monthly_allotment   BIGINT NOT NULL DEFAULT 0,
    used                BIGINT NOT NULL DEFAULT 0,
    rollover            BIGINT NOT NULL DEFAULT 0,
    rollover_expires_at TIMESTAMPTZ,
    usage_by_service    JSONB NOT NULL DEFAULT '{}'::jsonb,
    period_start        TIMESTAMPTZ NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_history (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES accounts(user_id) ON DELETE CASCADE,
    ts           TIMESTAMPTZ NOT NULL,
    service      TEXT,
    delta        BIGINT NOT NULL,
    operation    TEXT NOT NULL,
    operation_id TEXT UNIQUE,
    metadata     JSONB
);

CREATE INDEX IF NOT EXISTS credit_history_user_ts_idx
    ON credit_history (user_id, ts DESC);
`

// NewPostgresStore creates a PostgreSQL ledger store and applies the schema.
func NewPostgresStore(cfg Config) (Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL ledger store")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// GetAccount retrieves the credit state for a user.
func (ps *PostgresStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	row := ps.pool.QueryRow(ctx, `
		SELECT user_id, plan, monthly_allotment, used, rollover,
		       rollover_expires_at, usage_by_service, period_start,
		       created_at, updated_at
		FROM accounts WHERE user_id = $1`, userID)

	return scanAccount(row)
}

// CreateAccount stores a new account.
func (ps *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	usage, err := json.Marshal(usageOrEmpty(account.UsageByService))
	if err != nil {
		return fmt.Errorf("failed to marshal usage breakdown: %w", err)
	}

	periodStart := account.PeriodStart
	if periodStart.IsZero() {
		periodStart = time.Now().UTC()
	}

	_, err = ps.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, plan, monthly_allotment, used, rollover,
		                      rollover_expires_at, usage_by_service, period_start)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.UserID, account.Plan, account.MonthlyAllotment, account.Used,
		account.Rollover, account.RolloverExpiresAt, usage, periodStart)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// IncrementUsed atomically charges amount against the account.
func (ps *PostgresStore) IncrementUsed(ctx context.Context, userID string, amount int64, service string, entry models.HistoryEntry) (IncrementResult, error) {
	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// The history insert doubles as the idempotency guard: a replayed
	// operation ID conflicts and inserts nothing, so the charge is skipped.
	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_history (id, user_id, ts, service, delta, operation, operation_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (operation_id) DO NOTHING`,
		entry.ID, userID, entry.Timestamp, nullable(entry.Service), entry.Delta,
		entry.Operation, nullable(entry.OperationID), metadata)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to append history: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var used int64
		if err := tx.QueryRow(ctx, `SELECT used FROM accounts WHERE user_id = $1`, userID).Scan(&used); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return IncrementResult{}, ErrNotFound
			}
			return IncrementResult{}, fmt.Errorf("failed to read account: %w", err)
		}
		return IncrementResult{Applied: false, Used: used}, nil
	}

	var used int64
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET used = used + $2,
		    usage_by_service = jsonb_set(
		        usage_by_service,
		        ARRAY[$3],
		        to_jsonb(COALESCE((usage_by_service->>$3)::bigint, 0) + $2)),
		    updated_at = now()
		WHERE user_id = $1
		  AND used + $2 <= monthly_allotment + CASE
		      WHEN rollover_expires_at IS NOT NULL AND rollover_expires_at <= now() THEN 0
		      ELSE rollover END
		RETURNING used`,
		userID, amount, service).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the account is missing or the cap condition failed;
			// distinguish so callers get the right error.
			var exists bool
			if checkErr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id = $1)`, userID).Scan(&exists); checkErr != nil {
				return IncrementResult{}, fmt.Errorf("failed to check account: %w", checkErr)
			}
			if !exists {
				return IncrementResult{}, ErrNotFound
			}
			return IncrementResult{}, ErrCapExceeded
		}
		return IncrementResult{}, fmt.Errorf("failed to increment usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return IncrementResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return IncrementResult{Applied: true, Used: used}, nil
}

// AddCredits raises the monthly allotment by amount.
func (ps *PostgresStore) AddCredits(ctx context.Context, userID string, amount int64, entry models.HistoryEntry) error {
	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET monthly_allotment = monthly_allotment + $2, updated_at = now()
		WHERE user_id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := insertHistory(ctx, tx, userID, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ResetPeriod starts a new billing period for the user.
func (ps *PostgresStore) ResetPeriod(ctx context.Context, userID string, newAllotment, rollover int64, rolloverExpiresAt *time.Time, entries []models.HistoryEntry) error {
	tx, err := ps.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET monthly_allotment = $2,
		    rollover = $3,
		    rollover_expires_at = $4,
		    used = 0,
		    usage_by_service = '{}'::jsonb,
		    period_start = now(),
		    updated_at = now()
		WHERE user_id = $1`,
		userID, newAllotment, rollover, rolloverExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to reset period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, entry := range entries {
		if err := insertHistory(ctx, tx, userID, entry); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// History returns the most recent history entries, newest first.
func (ps *PostgresStore) History(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := ps.pool.Query(ctx, `
		SELECT id, user_id, ts, COALESCE(service, ''), delta, operation,
		       COALESCE(operation_id, ''), metadata
		FROM credit_history
		WHERE user_id = $1
		ORDER BY ts DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var entry models.HistoryEntry
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Timestamp, &entry.Service,
			&entry.Delta, &entry.Operation, &entry.OperationID, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close closes the connection pool.
func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, userID string, entry models.HistoryEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_history (id, user_id, ts, service, delta, operation, operation_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, userID, entry.Timestamp, nullable(entry.Service), entry.Delta,
		entry.Operation, nullable(entry.OperationID), metadata)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var account models.Account
	var usage []byte
	err := row.Scan(&account.UserID, &account.Plan, &account.MonthlyAllotment,
		&account.Used, &account.Rollover, &account.RolloverExpiresAt,
		&usage, &account.PeriodStart, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	account.UsageByService = make(map[string]int64)
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &account.UsageByService); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage breakdown: %w", err)
		}
	}
	return &account, nil
}

func usageOrEmpty(usage map[string]int64) map[string]int64 {
	if usage == nil {
		return map[string]int64{}
	}
	return usage
}

// nullable maps empty strings to NULL so unique and foreign key semantics
// behave for optional columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
