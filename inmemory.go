package fanprogress

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemoryBackend implements the Backend interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryBackend struct {
	mu      sync.RWMutex
	jobs    map[string]*memoryJob
	nextSeq uint64
	opts    backendOptions
	closed  bool
}

// memoryJob holds one job's record and pending parts.
type memoryJob struct {
	seq          uint64 // creation order for ListJobs
	total        int
	remaining    int
	failed       bool
	failedReason string
	topic        string
	metadata     map[string]string
	pending      map[int]Part
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend(opts ...BackendOption) *InMemoryBackend {
	return &InMemoryBackend{
		jobs: make(map[string]*memoryJob),
		opts: applyBackendOptions(opts),
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return nil
}

// SetTotal registers a job, overwriting any prior state under the same ID.
func (b *InMemoryBackend) SetTotal(ctx context.Context, jobID string, parts []Part, topic string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	pending := make(map[int]Part, len(parts))
	for i, part := range parts {
		pending[i] = clonePart(part)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	b.nextSeq++
	b.jobs[jobID] = &memoryJob{
		seq:       b.nextSeq,
		total:     len(parts),
		remaining: len(parts),
		topic:     topic,
		metadata:  make(map[string]string),
		pending:   pending,
	}
	return nil
}

// CompletePart marks one part as complete. The presence of the pending entry
// gates the decrement, which makes duplicate signals no-ops.
func (b *InMemoryBackend) CompletePart(ctx context.Context, jobID string, index int) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return false, ErrJobDoesNotExist
	}
	if index < 0 || index >= job.total {
		return false, fmt.Errorf("%w: part index %d out of range [0, %d)", ErrInvalidArgument, index, job.total)
	}

	if _, present := job.pending[index]; !present {
		return false, nil // duplicate signal
	}
	delete(job.pending, index)
	job.remaining--

	done := job.remaining == 0
	if done && b.opts.deleteWhenDone {
		delete(b.jobs, jobID)
	}
	return done, nil
}

// FailJob sets the sticky failed flag and records the reason.
func (b *InMemoryBackend) FailJob(ctx context.Context, jobID, reason string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return ErrJobDoesNotExist
	}
	job.failed = true
	job.failedReason = reason
	return nil
}

// SetMetadata merges the given mapping into the job's metadata.
func (b *InMemoryBackend) SetMetadata(ctx context.Context, jobID string, metadata map[string]string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return ErrJobDoesNotExist
	}
	for k, v := range metadata {
		job.metadata[k] = v
	}
	return nil
}

// Status returns the job's summary state.
func (b *InMemoryBackend) Status(ctx context.Context, jobID string) (*Status, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return nil, ErrJobDoesNotExist
	}
	return &Status{
		Total:        job.total,
		Remaining:    job.remaining,
		Failed:       job.failed,
		FailedReason: job.failedReason,
		Metadata:     cloneStringMap(job.metadata),
		Topic:        job.topic,
	}, nil
}

// PartComplete reports whether the given part's pending entry is absent.
func (b *InMemoryBackend) PartComplete(ctx context.Context, jobID string, index int) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, fmt.Errorf("backend is closed")
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return false, ErrJobDoesNotExist
	}
	if index < 0 || index >= job.total {
		return false, fmt.Errorf("%w: part index %d out of range [0, %d)", ErrInvalidArgument, index, job.total)
	}
	_, pending := job.pending[index]
	return !pending, nil
}

// ListJobs returns all live job identifiers in creation order.
func (b *InMemoryBackend) ListJobs(ctx context.Context) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}

	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return b.jobs[ids[i]].seq < b.jobs[ids[j]].seq
	})
	return ids, nil
}

// ListPendingParts returns the not-yet-completed part descriptors in index order.
func (b *InMemoryBackend) ListPendingParts(ctx context.Context, jobID string) ([]Part, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return nil, ErrJobDoesNotExist
	}

	indexes := make([]int, 0, len(job.pending))
	for idx := range job.pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	parts := make([]Part, 0, len(indexes))
	for _, idx := range indexes {
		parts = append(parts, clonePart(job.pending[idx]))
	}
	return parts, nil
}

// Delete removes the job unconditionally. Deleting an absent job is a no-op.
func (b *InMemoryBackend) Delete(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	delete(b.jobs, jobID)
	return nil
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return fmt.Errorf("backend is closed")
	}
	return nil
}
