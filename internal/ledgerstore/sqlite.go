package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"metergate/internal/models"
)

// SQLiteStore implements Store using SQLite. Suitable for single-node
// deployments; the same transactional shape as the PostgreSQL store keeps
// the cap check and idempotency guard atomic.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id             TEXT PRIMARY KEY,
    plan                TEXT NOT NULL DEFAULT 'free',
    monthly_allotment   INTEGER NOT NULL DEFAULT 0,
    used                INTEGER NOT NULL DEFAULT 0,
    rollover            INTEGER NOT NULL DEFAULT 0,
    rollover_expires_at TIMESTAMP,
    usage_by_service    TEXT NOT NULL DEFAULT '{}',
    period_start        TIMESTAMP NOT NULL,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_history (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES accounts(user_id) ON DELETE CASCADE,
    ts           TIMESTAMP NOT NULL,
    service      TEXT,
    delta        INTEGER NOT NULL,
    operation    TEXT NOT NULL,
    operation_id TEXT UNIQUE,
    metadata     TEXT
);

CREATE INDEX IF NOT EXISTS credit_history_user_ts_idx
    ON credit_history (user_id, ts DESC);
`

// NewSQLiteStore creates a SQLite ledger store and applies the schema.
func NewSQLiteStore(cfg Config) (Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database path is required for SQLite ledger store")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent consumes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetAccount retrieves the credit state for a user.
func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, plan, monthly_allotment, used, rollover,
		       rollover_expires_at, usage_by_service, period_start,
		       created_at, updated_at
		FROM accounts WHERE user_id = ?`, userID)

	var account models.Account
	var usage string
	var rolloverExpires sql.NullTime
	err := row.Scan(&account.UserID, &account.Plan, &account.MonthlyAllotment,
		&account.Used, &account.Rollover, &rolloverExpires,
		&usage, &account.PeriodStart, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	if rolloverExpires.Valid {
		t := rolloverExpires.Time
		account.RolloverExpiresAt = &t
	}
	account.UsageByService = make(map[string]int64)
	if usage != "" {
		if err := json.Unmarshal([]byte(usage), &account.UsageByService); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage breakdown: %w", err)
		}
	}
	return &account, nil
}

// CreateAccount stores a new account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *models.Account) error {
	usage, err := json.Marshal(usageOrEmpty(account.UsageByService))
	if err != nil {
		return fmt.Errorf("failed to marshal usage breakdown: %w", err)
	}

	now := time.Now().UTC()
	periodStart := account.PeriodStart
	if periodStart.IsZero() {
		periodStart = now
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO accounts (user_id, plan, monthly_allotment, used, rollover,
		                                rollover_expires_at, usage_by_service, period_start,
		                                created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.UserID, account.Plan, account.MonthlyAllotment, account.Used,
		account.Rollover, account.RolloverExpiresAt, string(usage), periodStart,
		createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountExists
	}
	return nil
}

// IncrementUsed atomically charges amount against the account.
func (s *SQLiteStore) IncrementUsed(ctx context.Context, userID string, amount int64, service string, entry models.HistoryEntry) (IncrementResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return IncrementResult{}, err
	}

	// INSERT OR IGNORE on the unique operation_id makes replays insert
	// nothing, which signals the charge must be skipped.
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_history (id, user_id, ts, service, delta, operation, operation_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, userID, entry.Timestamp, nullable(entry.Service), entry.Delta,
		entry.Operation, nullable(entry.OperationID), metadata)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to append history: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if inserted == 0 {
		var used int64
		if err := tx.QueryRowContext(ctx, `SELECT used FROM accounts WHERE user_id = ?`, userID).Scan(&used); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return IncrementResult{}, ErrNotFound
			}
			return IncrementResult{}, fmt.Errorf("failed to read account: %w", err)
		}
		return IncrementResult{Applied: false, Used: used}, nil
	}

	now := time.Now().UTC()
	res, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET used = used + ?1,
		    usage_by_service = json_set(usage_by_service, '$.' || ?2,
		        COALESCE(json_extract(usage_by_service, '$.' || ?2), 0) + ?1),
		    updated_at = ?3
		WHERE user_id = ?4
		  AND used + ?1 <= monthly_allotment + CASE
		      WHEN rollover_expires_at IS NOT NULL AND rollover_expires_at <= ?3 THEN 0
		      ELSE rollover END`,
		amount, service, now, userID)
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to increment usage: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return IncrementResult{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if updated == 0 {
		var exists bool
		if checkErr := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id = ?)`, userID).Scan(&exists); checkErr != nil {
			return IncrementResult{}, fmt.Errorf("failed to check account: %w", checkErr)
		}
		if !exists {
			return IncrementResult{}, ErrNotFound
		}
		return IncrementResult{}, ErrCapExceeded
	}

	var used int64
	if err := tx.QueryRowContext(ctx, `SELECT used FROM accounts WHERE user_id = ?`, userID).Scan(&used); err != nil {
		return IncrementResult{}, fmt.Errorf("failed to read account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return IncrementResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return IncrementResult{Applied: true, Used: used}, nil
}

// AddCredits raises the monthly allotment by amount.
func (s *SQLiteStore) AddCredits(ctx context.Context, userID string, amount int64, entry models.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET monthly_allotment = monthly_allotment + ?, updated_at = ?
		WHERE user_id = ?`, amount, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := s.insertHistory(ctx, tx, userID, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetPeriod starts a new billing period for the user.
func (s *SQLiteStore) ResetPeriod(ctx context.Context, userID string, newAllotment, rollover int64, rolloverExpiresAt *time.Time, entries []models.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET monthly_allotment = ?,
		    rollover = ?,
		    rollover_expires_at = ?,
		    used = 0,
		    usage_by_service = '{}',
		    period_start = ?,
		    updated_at = ?
		WHERE user_id = ?`,
		newAllotment, rollover, rolloverExpiresAt, now, now, userID)
	if err != nil {
		return fmt.Errorf("failed to reset period: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	for _, entry := range entries {
		if err := s.insertHistory(ctx, tx, userID, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// History returns the most recent history entries, newest first.
func (s *SQLiteStore) History(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, ts, COALESCE(service, ''), delta, operation,
		       COALESCE(operation_id, ''), metadata
		FROM credit_history
		WHERE user_id = ?
		ORDER BY ts DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var entry models.HistoryEntry
		var metadata sql.NullString
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Timestamp, &entry.Service,
			&entry.Delta, &entry.Operation, &entry.OperationID, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) insertHistory(ctx context.Context, tx *sql.Tx, userID string, entry models.HistoryEntry) error {
	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_history (id, user_id, ts, service, delta, operation, operation_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, userID, entry.Timestamp, nullable(entry.Service), entry.Delta,
		entry.Operation, nullable(entry.OperationID), metadata)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func marshalMetadata(metadata map[string]string) (*string, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	s := string(raw)
	return &s, nil
}
