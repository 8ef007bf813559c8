package fanprogress

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements the Backend interface using BadgerDB.
// It provides transactional key-value storage without an external server and
// is suitable for single-host deployments where workers are local processes.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
	opts   backendOptions
}

// NewBadgerBackend creates a new BadgerDB backend.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, logger *slog.Logger, opts ...BackendOption) (*BadgerBackend, error) {
	badgerOpts := badger.DefaultOptions(dbPath)
	badgerOpts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerBackend{
		db:     db,
		logger: ensureLogger(logger),
		opts:   applyBackendOptions(opts),
	}, nil
}

// Close closes the database connection
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Concurrent CompletePart calls for the same job conflict on the job record
// key; the loser retries and the HDEL-equivalent gate below keeps the retry
// idempotent. Fixed delay, no jitter, for deterministic tests.
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	if lastErr != nil {
		return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
	}
	return fmt.Errorf("transaction conflict after %d retries", maxRetries)
}

// key prefixes
const (
	badgerKeyPrefixJob  = "job:"
	badgerKeyPrefixPart = "part:"
)

// badgerJob is the persisted job record.
type badgerJob struct {
	Total        int               `json:"total"`
	Remaining    int               `json:"remaining"`
	Failed       bool              `json:"failed"`
	FailedReason string            `json:"failed_reason,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
}

// jobKey returns the key for a job record
func (b *BadgerBackend) jobKey(jobID string) []byte {
	return []byte(b.opts.keyPrefix + badgerKeyPrefixJob + jobID)
}

// partKeyPrefix returns the key prefix shared by all pending parts of a job.
// Job identifiers are opaque, so the ID is length-prefixed: without it, job
// "x"'s part keyspace would be a byte-prefix of job "x:sub"'s.
func (b *BadgerBackend) partKeyPrefix(jobID string) []byte {
	prefix := b.opts.keyPrefix + badgerKeyPrefixPart
	key := make([]byte, 0, len(prefix)+8+len(jobID))
	key = append(key, prefix...)
	idLen := make([]byte, 8)
	binary.BigEndian.PutUint64(idLen, uint64(len(jobID)))
	key = append(key, idLen...)
	return append(key, jobID...)
}

// partKey returns the key for one pending part. The index is big-endian so
// that prefix iteration yields parts in ascending index order.
func (b *BadgerBackend) partKey(jobID string, index int) []byte {
	key := b.partKeyPrefix(jobID)
	idxBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idxBytes, uint64(index))
	return append(key, idxBytes...)
}

// SetTotal registers a job, overwriting any prior state under the same ID.
func (b *BadgerBackend) SetTotal(ctx context.Context, jobID string, parts []Part, topic string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	record := &badgerJob{
		Total:     len(parts),
		Remaining: len(parts),
		Metadata:  make(map[string]string),
		Topic:     topic,
		CreatedAt: time.Now().UTC(),
	}

	encodedParts := make([][]byte, len(parts))
	for i, part := range parts {
		encoded, mErr := json.Marshal(part)
		if mErr != nil {
			return fmt.Errorf("failed to marshal part %d: %w", i, mErr)
		}
		encodedParts[i] = encoded
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Drop stale pending entries from any previous registration.
		stale, err := collectKeys(txn, b.partKeyPrefix(jobID))
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("failed to delete stale part: %w", err)
			}
		}

		if err := b.setRecord(txn, jobID, record); err != nil {
			return err
		}
		for i, encoded := range encodedParts {
			if err := txn.Set(b.partKey(jobID, i), encoded); err != nil {
				return fmt.Errorf("failed to store part %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.logger.Debug("SetTotal", "jobID", jobID, "parts", len(parts), "topic", topic)
	return nil
}

// CompletePart marks one part as complete. The pending entry's presence in
// the transaction gates the decrement; the transaction commit makes the
// check-remove-decrement sequence a single atomic unit.
func (b *BadgerBackend) CompletePart(ctx context.Context, jobID string, index int) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	var done bool
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		done = false

		record, err := b.getRecord(txn, jobID)
		if err != nil {
			return err
		}
		if index < 0 || index >= record.Total {
			return fmt.Errorf("%w: part index %d out of range [0, %d)", ErrInvalidArgument, index, record.Total)
		}

		key := b.partKey(jobID, index)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // duplicate signal
			}
			return fmt.Errorf("failed to check pending part: %w", err)
		}
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("failed to remove pending part: %w", err)
		}

		record.Remaining--
		done = record.Remaining == 0
		if done && b.opts.deleteWhenDone {
			// The last pending entry was just removed, so deleting the job
			// record purges the whole job in this same transaction.
			return txn.Delete(b.jobKey(jobID))
		}
		return b.setRecord(txn, jobID, record)
	})
	if err != nil {
		return false, err
	}

	b.logger.Debug("CompletePart", "jobID", jobID, "index", index, "done", done)
	return done, nil
}

// FailJob sets the sticky failed flag and records the reason.
func (b *BadgerBackend) FailJob(ctx context.Context, jobID, reason string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		record, err := b.getRecord(txn, jobID)
		if err != nil {
			return err
		}
		record.Failed = true
		record.FailedReason = reason
		return b.setRecord(txn, jobID, record)
	})
}

// SetMetadata merges the given mapping into the job's metadata.
func (b *BadgerBackend) SetMetadata(ctx context.Context, jobID string, metadata map[string]string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		record, err := b.getRecord(txn, jobID)
		if err != nil {
			return err
		}
		if record.Metadata == nil {
			record.Metadata = make(map[string]string)
		}
		for k, v := range metadata {
			record.Metadata[k] = v
		}
		return b.setRecord(txn, jobID, record)
	})
}

// Status returns the job's summary state.
func (b *BadgerBackend) Status(ctx context.Context, jobID string) (*Status, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	var status *Status
	err = b.db.View(func(txn *badger.Txn) error {
		record, err := b.getRecord(txn, jobID)
		if err != nil {
			return err
		}
		metadata := record.Metadata
		if metadata == nil {
			metadata = make(map[string]string)
		}
		status = &Status{
			Total:        record.Total,
			Remaining:    record.Remaining,
			Failed:       record.Failed,
			FailedReason: record.FailedReason,
			Metadata:     metadata,
			Topic:        record.Topic,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// PartComplete reports whether the given part's pending entry is absent.
func (b *BadgerBackend) PartComplete(ctx context.Context, jobID string, index int) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	var complete bool
	err = b.db.View(func(txn *badger.Txn) error {
		record, err := b.getRecord(txn, jobID)
		if err != nil {
			return err
		}
		if index < 0 || index >= record.Total {
			return fmt.Errorf("%w: part index %d out of range [0, %d)", ErrInvalidArgument, index, record.Total)
		}
		if _, err := txn.Get(b.partKey(jobID, index)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				complete = true
				return nil
			}
			return fmt.Errorf("failed to check pending part: %w", err)
		}
		complete = false
		return nil
	})
	if err != nil {
		return false, err
	}
	return complete, nil
}

// ListJobs returns all live job identifiers in creation order, ties broken
// by ID. A re-registered job counts as newly created.
func (b *BadgerBackend) ListJobs(ctx context.Context) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	type jobEntry struct {
		id      string
		created time.Time
	}

	prefix := []byte(b.opts.keyPrefix + badgerKeyPrefixJob)
	var entries []jobEntry
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(item.KeyCopy(nil)[len(prefix):])
			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read job record: %w", err)
			}
			var record badgerJob
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("failed to unmarshal job record: %w", err)
			}
			entries = append(entries, jobEntry{id: id, created: record.CreatedAt})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created.Equal(entries[j].created) {
			return entries[i].id < entries[j].id
		}
		return entries[i].created.Before(entries[j].created)
	})
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.id)
	}
	return ids, nil
}

// ListPendingParts returns the not-yet-completed part descriptors in index order.
func (b *BadgerBackend) ListPendingParts(ctx context.Context, jobID string) ([]Part, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	var parts []Part
	err = b.db.View(func(txn *badger.Txn) error {
		if _, err := b.getRecord(txn, jobID); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.partKeyPrefix(jobID)
		it := txn.NewIterator(opts)
		defer it.Close()

		parts = make([]Part, 0)
		for it.Rewind(); it.Valid(); it.Next() {
			encoded, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read pending part: %w", err)
			}
			var part Part
			if err := json.Unmarshal(encoded, &part); err != nil {
				return fmt.Errorf("failed to unmarshal pending part: %w", err)
			}
			parts = append(parts, part)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// Delete removes the job record and its pending parts unconditionally.
func (b *BadgerBackend) Delete(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		pending, err := collectKeys(txn, b.partKeyPrefix(jobID))
		if err != nil {
			return err
		}
		for _, key := range pending {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("failed to delete pending part: %w", err)
			}
		}
		return txn.Delete(b.jobKey(jobID))
	})
}

// Helper functions

func (b *BadgerBackend) getRecord(txn *badger.Txn, jobID string) (*badgerJob, error) {
	item, err := txn.Get(b.jobKey(jobID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrJobDoesNotExist
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}
	var record badgerJob
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return &record, nil
}

func (b *BadgerBackend) setRecord(txn *badger.Txn, jobID string, record *badgerJob) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	if err := txn.Set(b.jobKey(jobID), data); err != nil {
		return fmt.Errorf("failed to store job record: %w", err)
	}
	return nil
}

func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}
