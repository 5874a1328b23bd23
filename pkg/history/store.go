// Package history persists sync attempts in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// DefaultLimit is used by Recent when limit is not positive
const DefaultLimit = 50

// Store is a SQLite backed history of sync attempts
type Store struct {
	db *sql.DB
}

// Stats summarizes the stored attempts of one server, or of all servers.
// A partial attempt still synced data, so it counts for LastSuccessAt.
type Stats struct {
	Total         int        `json:"total"`
	Successes     int        `json:"successes"`
	Partials      int        `json:"partials"`
	Failures      int        `json:"failures"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
}

// Open opens (and creates when missing) the database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			server_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			accounts_processed INTEGER NOT NULL,
			succeeded_accounts TEXT NOT NULL,
			failed_accounts TEXT NOT NULL,
			error TEXT,
			error_code TEXT,
			final_sync_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_history_server ON sync_history(server_name, started_at);
		CREATE INDEX IF NOT EXISTS idx_history_started ON sync_history(started_at);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores one finished attempt
func (s *Store) Record(ctx context.Context, attempt *models.SyncAttempt) error {
	succeeded, err := json.Marshal(attempt.SucceededAccounts)
	if err != nil {
		return fmt.Errorf("failed to encode succeeded accounts: %w", err)
	}
	failed, err := json.Marshal(attempt.FailedAccounts)
	if err != nil {
		return fmt.Errorf("failed to encode failed accounts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_history (
			correlation_id, server_name, status, started_at, duration_ms, accounts_processed,
			succeeded_accounts, failed_accounts, error, error_code, final_sync_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		attempt.CorrelationID,
		attempt.ServerName,
		string(attempt.Status),
		attempt.StartedAt.UnixMilli(),
		attempt.DurationMs,
		attempt.AccountsProcessed,
		string(succeeded),
		string(failed),
		attempt.Error,
		attempt.ErrorCode,
		attempt.FinalSyncError,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt %s: %w", attempt.CorrelationID, err)
	}
	return nil
}

// Recent returns the newest attempts first. An empty server means all servers.
func (s *Store) Recent(ctx context.Context, server string, limit int) ([]models.SyncAttempt, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, server_name, status, started_at, duration_ms, accounts_processed,
			succeeded_accounts, failed_accounts, error, error_code, final_sync_error
		FROM sync_history
		WHERE ? = '' OR server_name = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, server, server, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	attempts := make([]models.SyncAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func scanAttempt(rows *sql.Rows) (models.SyncAttempt, error) {
	var (
		a                 models.SyncAttempt
		status            string
		startedAt         int64
		succeeded, failed string
		errMsg, errCode   sql.NullString
		finalSyncErr      sql.NullString
	)
	err := rows.Scan(
		&a.CorrelationID,
		&a.ServerName,
		&status,
		&startedAt,
		&a.DurationMs,
		&a.AccountsProcessed,
		&succeeded,
		&failed,
		&errMsg,
		&errCode,
		&finalSyncErr,
	)
	if err != nil {
		return a, fmt.Errorf("failed to scan history row: %w", err)
	}

	a.Status = models.Status(status)
	a.StartedAt = time.UnixMilli(startedAt).UTC()
	a.Error = errMsg.String
	a.ErrorCode = errCode.String
	a.FinalSyncError = finalSyncErr.String
	if err := json.Unmarshal([]byte(succeeded), &a.SucceededAccounts); err != nil {
		return a, fmt.Errorf("failed to decode succeeded accounts: %w", err)
	}
	if err := json.Unmarshal([]byte(failed), &a.FailedAccounts); err != nil {
		return a, fmt.Errorf("failed to decode failed accounts: %w", err)
	}
	return a, nil
}

// Stats aggregates attempts by status. An empty server means all servers.
func (s *Store) Stats(ctx context.Context, server string) (Stats, error) {
	var (
		stats       Stats
		lastSuccess sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'partial' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0),
			MAX(CASE WHEN status IN ('success', 'partial') THEN started_at + duration_ms END)
		FROM sync_history
		WHERE ? = '' OR server_name = ?
	`, server, server).Scan(&stats.Total, &stats.Successes, &stats.Partials, &stats.Failures, &lastSuccess)
	if err != nil {
		return stats, fmt.Errorf("failed to query history stats: %w", err)
	}
	if lastSuccess.Valid {
		ts := time.UnixMilli(lastSuccess.Int64).UTC()
		stats.LastSuccessAt = &ts
	}
	return stats, nil
}

// Prune deletes attempts that started before cutoff and returns how many were removed
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_history WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
