package fanprogress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Environment variables consulted for the notification-topic identifier when
// no explicit WithTopic option is given. WorkTopic is kept for compatibility
// with existing fan-out deployments.
const (
	EnvTopic       = "FANPROGRESS_TOPIC"
	EnvTopicLegacy = "WorkTopic"
)

// ProgressStore is the progress ledger for fan-out jobs. It validates
// arguments, injects the notification-topic identifier, and delegates all
// state transitions to a Backend. It never executes work, assigns parts to
// workers, or publishes to the topic.
type ProgressStore struct {
	backend Backend
	logger  *slog.Logger
	topic   string
}

// Option configures a ProgressStore.
type Option func(*ProgressStore)

// WithTopic sets the notification-topic identifier stored verbatim with each
// job for correlation with the external dispatch mechanism. When absent, the
// topic is read from FANPROGRESS_TOPIC, falling back to WorkTopic.
func WithTopic(topic string) Option {
	return func(s *ProgressStore) { s.topic = topic }
}

// New creates a ProgressStore on the given backend.
func New(backend Backend, logger *slog.Logger, opts ...Option) *ProgressStore {
	s := &ProgressStore{
		backend: backend,
		logger:  ensureLogger(logger),
		topic:   lookupTopic(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lookupTopic() string {
	if topic := os.Getenv(EnvTopic); topic != "" {
		return topic
	}
	return os.Getenv(EnvTopicLegacy)
}

// Topic returns the configured notification-topic identifier.
func (s *ProgressStore) Topic() string {
	return s.topic
}

// SetTotal registers jobID with one pending entry per part, overwriting any
// existing job under the same identifier. Zero parts is valid: the job is
// trivially complete at its first status query.
func (s *ProgressStore) SetTotal(ctx context.Context, jobID string, parts []Part) error {
	if jobID == "" {
		s.logger.Debug("SetTotal: error - job ID is empty")
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	s.logger.Debug("SetTotal", "jobID", jobID, "parts", len(parts))
	return s.backend.SetTotal(ctx, jobID, parts, s.topic)
}

// CompletePart records the completion of one part. It is idempotent and safe
// under concurrent callers; it returns true iff this call drove the job's
// remaining count to zero.
func (s *ProgressStore) CompletePart(ctx context.Context, jobID string, index int) (bool, error) {
	if jobID == "" {
		s.logger.Debug("CompletePart: error - job ID is empty")
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	if index < 0 {
		s.logger.Debug("CompletePart: error - negative index", "jobID", jobID, "index", index)
		return false, fmt.Errorf("%w: part index %d is negative", ErrInvalidArgument, index)
	}

	done, err := s.backend.CompletePart(ctx, jobID, index)
	if err != nil {
		s.logger.Debug("CompletePart: backend error", "jobID", jobID, "index", index, "error", err)
		return false, err
	}
	s.logger.Debug("CompletePart", "jobID", jobID, "index", index, "done", done)
	return done, nil
}

// FailJob marks the job as failed with the given reason. The flag is sticky
// and orthogonal to completion tracking: it does not alter remaining or
// block further CompletePart calls.
func (s *ProgressStore) FailJob(ctx context.Context, jobID, reason string) error {
	if jobID == "" {
		s.logger.Debug("FailJob: error - job ID is empty")
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	s.logger.Debug("FailJob", "jobID", jobID, "reason", reason)
	return s.backend.FailJob(ctx, jobID, reason)
}

// SetMetadata merges the given mapping into the job's metadata:
// new keys overwrite, untouched keys are preserved.
func (s *ProgressStore) SetMetadata(ctx context.Context, jobID string, metadata map[string]string) error {
	if jobID == "" {
		s.logger.Debug("SetMetadata: error - job ID is empty")
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	s.logger.Debug("SetMetadata", "jobID", jobID, "keys", len(metadata))
	return s.backend.SetMetadata(ctx, jobID, metadata)
}

// Status returns the job's summary state.
func (s *ProgressStore) Status(ctx context.Context, jobID string) (*Status, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	return s.backend.Status(ctx, jobID)
}

// PartStatus reports whether the given part has been completed. The job
// record must still exist: querying a deleted or auto-deleted job returns
// ErrJobDoesNotExist rather than inspecting pending parts in isolation.
func (s *ProgressStore) PartStatus(ctx context.Context, jobID string, index int) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	if index < 0 {
		return false, fmt.Errorf("%w: part index %d is negative", ErrInvalidArgument, index)
	}
	return s.backend.PartComplete(ctx, jobID, index)
}

// ListJobs returns the identifiers of all jobs whose record currently exists,
// including completed-but-not-deleted jobs with no pending parts left.
func (s *ProgressStore) ListJobs(ctx context.Context) ([]string, error) {
	return s.backend.ListJobs(ctx)
}

// ListJobsWithStatus pairs every live job identifier with a best-effort
// status snapshot. Jobs deleted between enumeration and the status read are
// skipped rather than reported as errors.
func (s *ProgressStore) ListJobsWithStatus(ctx context.Context) ([]JobStatus, error) {
	ids, err := s.backend.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make([]JobStatus, 0, len(ids))
	for _, id := range ids {
		status, err := s.backend.Status(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobDoesNotExist) {
				continue // deleted while enumerating
			}
			return nil, err
		}
		jobs = append(jobs, JobStatus{JobID: id, Status: status})
	}
	return jobs, nil
}

// ListPendingParts returns the descriptors of all parts still pending for the
// job. A fully completed job yields an empty slice; a deleted job returns
// ErrJobDoesNotExist.
func (s *ProgressStore) ListPendingParts(ctx context.Context, jobID string) ([]Part, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	return s.backend.ListPendingParts(ctx, jobID)
}

// Delete removes the job's record and pending parts. Deletion is idempotent.
func (s *ProgressStore) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	s.logger.Debug("Delete", "jobID", jobID)
	return s.backend.Delete(ctx, jobID)
}

// Close closes the underlying backend.
func (s *ProgressStore) Close() error {
	return s.backend.Close()
}
