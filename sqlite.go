//go:build sqlite
// +build sqlite

package fanprogress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend implements the Backend interface using SQLite.
// It provides ACID transactions and is suitable for single-server deployments.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
	opts   backendOptions
}

// NewSQLiteBackend creates a new SQLite backend.
// The database file will be created if it doesn't exist.
func NewSQLiteBackend(dbPath string, logger *slog.Logger, opts ...BackendOption) (*SQLiteBackend, error) {
	// Transactions here read before they write; immediate locking keeps a
	// concurrent writer from hitting SQLITE_BUSY on the lock upgrade.
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &SQLiteBackend{
		db:     db,
		logger: ensureLogger(logger),
		opts:   applyBackendOptions(opts),
	}

	if err := backend.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return backend, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// initSchema initializes the database schema
func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		total INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		failed INTEGER NOT NULL DEFAULT 0,
		failed_reason TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS pending_parts (
		job_id TEXT NOT NULL,
		part_index INTEGER NOT NULL,
		descriptor TEXT NOT NULL,
		PRIMARY KEY (job_id, part_index),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

// SetTotal registers a job, overwriting any prior state under the same ID.
func (b *SQLiteBackend) SetTotal(ctx context.Context, jobID string, parts []Part, topic string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	encodedParts := make([]string, len(parts))
	for i, part := range parts {
		encoded, mErr := json.Marshal(part)
		if mErr != nil {
			return fmt.Errorf("failed to marshal part %d: %w", i, mErr)
		}
		encodedParts[i] = string(encoded)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// DELETE cascades to pending_parts, clearing any previous registration.
	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to clear previous job: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, total, remaining, topic) VALUES (?, ?, ?, ?)`,
		jobID, len(parts), len(parts), topic); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	for i, encoded := range encodedParts {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO pending_parts (job_id, part_index, descriptor) VALUES (?, ?, ?)`,
			jobID, i, encoded); err != nil {
			return fmt.Errorf("failed to insert part %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	b.logger.Debug("SetTotal", "jobID", jobID, "parts", len(parts), "topic", topic)
	return nil
}

// CompletePart marks one part as complete. The DELETE of the pending row is
// the decrement gate: RowsAffected == 0 means a duplicate signal, and the
// whole sequence commits as one transaction.
func (b *SQLiteBackend) CompletePart(ctx context.Context, jobID string, index int) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err = tx.QueryRowContext(ctx, `SELECT total FROM jobs WHERE id = ?`, jobID).Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrJobDoesNotExist
		}
		return false, fmt.Errorf("failed to get job: %w", err)
	}
	if index < 0 || index >= total {
		return false, fmt.Errorf("%w: part index %d out of range [0, %d)", ErrInvalidArgument, index, total)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM pending_parts WHERE job_id = ? AND part_index = ?`, jobID, index)
	if err != nil {
		return false, fmt.Errorf("failed to remove pending part: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if removed == 0 {
		return false, tx.Commit() // duplicate signal
	}

	var remaining int
	if err = tx.QueryRowContext(ctx,
		`UPDATE jobs SET remaining = remaining - 1 WHERE id = ? RETURNING remaining`,
		jobID).Scan(&remaining); err != nil {
		return false, fmt.Errorf("failed to decrement remaining: %w", err)
	}

	done := remaining == 0
	if done && b.opts.deleteWhenDone {
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
			return false, fmt.Errorf("failed to auto-delete job: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	b.logger.Debug("CompletePart", "jobID", jobID, "index", index, "remaining", remaining, "done", done)
	return done, nil
}

// FailJob sets the sticky failed flag and records the reason.
func (b *SQLiteBackend) FailJob(ctx context.Context, jobID, reason string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET failed = 1, failed_reason = ? WHERE id = ?`, reason, jobID)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if updated == 0 {
		return ErrJobDoesNotExist
	}
	return nil
}

// SetMetadata merges the given mapping into the job's metadata JSON.
func (b *SQLiteBackend) SetMetadata(ctx context.Context, jobID string, metadata map[string]string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err = tx.QueryRowContext(ctx, `SELECT metadata FROM jobs WHERE id = ?`, jobID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobDoesNotExist
		}
		return fmt.Errorf("failed to get metadata: %w", err)
	}

	merged := make(map[string]string)
	if err = json.Unmarshal([]byte(raw), &merged); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	for k, v := range metadata {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE jobs SET metadata = ? WHERE id = ?`, string(encoded), jobID); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return tx.Commit()
}

// Status returns the job's summary state.
func (b *SQLiteBackend) Status(ctx context.Context, jobID string) (*Status, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	var (
		status Status
		failed int
		raw    string
	)
	err = b.db.QueryRowContext(ctx,
		`SELECT total, remaining, failed, failed_reason, topic, metadata FROM jobs WHERE id = ?`,
		jobID).Scan(&status.Total, &status.Remaining, &failed, &status.FailedReason, &status.Topic, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobDoesNotExist
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	status.Failed = failed != 0
	status.Metadata = make(map[string]string)
	if err = json.Unmarshal([]byte(raw), &status.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &status, nil
}

// PartComplete reports whether the given part's pending row is absent.
func (b *SQLiteBackend) PartComplete(ctx context.Context, jobID string, index int) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	var total int
	if err = b.db.QueryRowContext(ctx, `SELECT total FROM jobs WHERE id = ?`, jobID).Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrJobDoesNotExist
		}
		return false, fmt.Errorf("failed to get job: %w", err)
	}
	if index < 0 || index >= total {
		return false, fmt.Errorf("%w: part index %d out of range [0, %d)", ErrInvalidArgument, index, total)
	}

	var count int
	if err = b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_parts WHERE job_id = ? AND part_index = ?`,
		jobID, index).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check part: %w", err)
	}
	return count == 0, nil
}

// ListJobs returns all live job identifiers in insertion order (rowid).
func (b *SQLiteBackend) ListJobs(ctx context.Context) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `SELECT id FROM jobs ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return ids, nil
}

// ListPendingParts returns the not-yet-completed part descriptors in index order.
func (b *SQLiteBackend) ListPendingParts(ctx context.Context, jobID string) ([]Part, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	var exists int
	if err = b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check job: %w", err)
	}
	if exists == 0 {
		return nil, ErrJobDoesNotExist
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT descriptor FROM pending_parts WHERE job_id = ? ORDER BY part_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending parts: %w", err)
	}
	defer rows.Close()

	parts := make([]Part, 0)
	for rows.Next() {
		var encoded string
		if err = rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("failed to scan part: %w", err)
		}
		var part Part
		if err = json.Unmarshal([]byte(encoded), &part); err != nil {
			return nil, fmt.Errorf("failed to unmarshal part: %w", err)
		}
		parts = append(parts, part)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending parts: %w", err)
	}
	return parts, nil
}

// Delete removes the job row unconditionally; the cascade clears pending parts.
func (b *SQLiteBackend) Delete(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	if _, err = b.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
