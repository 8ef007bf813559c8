package fanprogress

import (
	"context"
	"log/slog"
)

// Backend represents the interface for progress storage backends.
// Implementations must be thread-safe: many uncoordinated workers invoke
// CompletePart concurrently against the same store.
type Backend interface {
	// SetTotal registers a job with the given parts, overwriting any existing
	// job under the same identifier. It writes total = len(parts),
	// remaining = len(parts), failed = false, empty metadata, and one pending
	// entry per part index, without exposing a partial state to racing readers.
	// Zero parts is not an error.
	SetTotal(ctx context.Context, jobID string, parts []Part, topic string) error

	// CompletePart marks one part as complete. It is idempotent: the removal
	// of the pending entry gates the decrement of remaining, so duplicate
	// signals never decrement twice. Returns true iff this call drove
	// remaining to zero. When the backend was built with WithDeleteWhenDone,
	// the job is deleted within the same atomic unit that detects completion.
	CompletePart(ctx context.Context, jobID string, index int) (bool, error)

	// FailJob sets the sticky failed flag and records the reason. It does not
	// alter remaining or total, and does not block further CompletePart calls.
	FailJob(ctx context.Context, jobID, reason string) error

	// SetMetadata merges the given mapping into the job's metadata:
	// new keys overwrite, untouched keys are preserved.
	SetMetadata(ctx context.Context, jobID string, metadata map[string]string) error

	// Status returns the job's summary state.
	Status(ctx context.Context, jobID string) (*Status, error)

	// PartComplete reports whether the given part has been completed,
	// i.e. whether its pending entry is absent.
	PartComplete(ctx context.Context, jobID string, index int) (bool, error)

	// ListJobs returns the identifiers of every job whose record currently
	// exists. Enumeration is driven off job records, not pending parts: a
	// completed-but-not-deleted job still appears.
	ListJobs(ctx context.Context) ([]string, error)

	// ListPendingParts returns the descriptors of all parts not yet completed,
	// in ascending index order. A fully completed job yields an empty slice.
	ListPendingParts(ctx context.Context, jobID string) ([]Part, error)

	// Delete removes the job record and its pending parts unconditionally.
	// Deletion is idempotent: deleting an absent job is not an error.
	Delete(ctx context.Context, jobID string) error

	// Close closes the backend connection.
	Close() error
}

// backendOptions holds configuration shared by all backend implementations.
type backendOptions struct {
	deleteWhenDone bool
	keyPrefix      string
}

// BackendOption configures a backend at construction time.
type BackendOption func(*backendOptions)

// WithDeleteWhenDone enables automatic deletion of a job's state the instant
// it reaches zero remaining parts. The deletion happens inside the same
// atomic unit as the final decrement, so no reader observes a
// completed-but-not-yet-deleted job.
func WithDeleteWhenDone(enabled bool) BackendOption {
	return func(o *backendOptions) { o.deleteWhenDone = enabled }
}

// WithKeyPrefix prepends a prefix to every store key so that several trackers
// can share one database. Recognized by the Redis and BadgerDB backends;
// the in-memory and SQLite backends ignore it.
func WithKeyPrefix(prefix string) BackendOption {
	return func(o *backendOptions) { o.keyPrefix = prefix }
}

func applyBackendOptions(opts []BackendOption) backendOptions {
	var o backendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func ensureLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
