package fanprogress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis key layout: two hashes per job, addressed by a suffix convention.
//
//	{prefix}{jobid}-metadata  -> total, remaining, failed, failed_reason,
//	                             topic, and one meta:{key} field per metadata key
//	{prefix}{jobid}-parts     -> part index -> JSON-encoded descriptor
//
// Enumeration scans for {prefix}*-metadata keys.
const (
	redisMetaSuffix  = "-metadata"
	redisPartsSuffix = "-parts"
	redisMetaField   = "meta:"
)

// completePartScript executes the whole check-remove-decrement sequence as a
// single atomic unit on the server. The HDEL is the idempotency gate: only the
// invocation that actually removed the pending entry decrements remaining.
// When delete-when-done is requested (ARGV[2] == "1") the final decrement and
// the deletion of both hashes happen in the same script invocation, so no
// concurrent reader observes a completed-but-not-yet-deleted job.
//
// Returns: -1 job missing, -3 index out of range, -2 duplicate signal,
// otherwise the new remaining count.
var completePartScript = redis.NewScript(`
local total = redis.call('HGET', KEYS[1], 'total')
if not total then
  return -1
end
local idx = tonumber(ARGV[1])
if idx < 0 or idx >= tonumber(total) then
  return -3
end
if redis.call('HDEL', KEYS[2], ARGV[1]) == 0 then
  return -2
end
local remaining = redis.call('HINCRBY', KEYS[1], 'remaining', -1)
if remaining == 0 and ARGV[2] == '1' then
  redis.call('DEL', KEYS[1], KEYS[2])
end
return remaining
`)

// failJobScript writes the failure fields only while the metadata hash still
// exists. An unguarded HSET racing a Delete would resurrect the job as a
// ghost hash holding nothing but the failure fields.
//
// Returns 1 on success, 0 when the job is missing.
var failJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'failed', '1', 'failed_reason', ARGV[1])
return 1
`)

// setMetadataScript merges metadata fields under the same existence gate as
// failJobScript. ARGV holds alternating field/value pairs.
var setMetadataScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// RedisBackend implements the Backend interface on a Redis server or cluster.
// It is the intended production backend: atomicity of CompletePart is
// delegated to Redis's scripting facility, so uncoordinated workers on
// different hosts may complete parts of the same job concurrently.
type RedisBackend struct {
	client     redis.Cmdable
	logger     *slog.Logger
	opts       backendOptions
	ownsClient bool
}

// NewRedisBackend creates a Redis backend on an existing client.
// The caller owns the client lifecycle; Close does not close it.
func NewRedisBackend(client redis.Cmdable, logger *slog.Logger, opts ...BackendOption) *RedisBackend {
	return &RedisBackend{
		client: client,
		logger: ensureLogger(logger),
		opts:   applyBackendOptions(opts),
	}
}

// Close closes the underlying client only if this backend created it
// (see NewRedisBackendFromConfig).
func (b *RedisBackend) Close() error {
	if !b.ownsClient {
		return nil
	}
	if closer, ok := b.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (b *RedisBackend) metaKey(jobID string) string {
	return b.opts.keyPrefix + jobID + redisMetaSuffix
}

func (b *RedisBackend) partsKey(jobID string) string {
	return b.opts.keyPrefix + jobID + redisPartsSuffix
}

// SetTotal registers a job, overwriting any prior state under the same ID.
// The delete and the rewrite of both hashes execute in one MULTI/EXEC block,
// so a racing reader sees either the old job or the new one, never a mix.
func (b *RedisBackend) SetTotal(ctx context.Context, jobID string, parts []Part, topic string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	meta := map[string]interface{}{
		"total":         strconv.Itoa(len(parts)),
		"remaining":     strconv.Itoa(len(parts)),
		"failed":        "0",
		"failed_reason": "",
		"topic":         topic,
	}

	partFields := make(map[string]interface{}, len(parts))
	for i, part := range parts {
		encoded, mErr := json.Marshal(part)
		if mErr != nil {
			return fmt.Errorf("fanprogress/redis: marshal part %d: %w", i, mErr)
		}
		partFields[strconv.Itoa(i)] = string(encoded)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.metaKey(jobID), b.partsKey(jobID))
	pipe.HSet(ctx, b.metaKey(jobID), meta)
	if len(partFields) > 0 {
		pipe.HSet(ctx, b.partsKey(jobID), partFields)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fanprogress/redis: set total: %w", err)
	}

	b.logger.Debug("SetTotal", "jobID", jobID, "parts", len(parts), "topic", topic)
	return nil
}

// CompletePart marks one part as complete via a single script round-trip.
func (b *RedisBackend) CompletePart(ctx context.Context, jobID string, index int) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}
	if index < 0 {
		return false, fmt.Errorf("%w: part index %d is negative", ErrInvalidArgument, index)
	}

	deleteWhenDone := "0"
	if b.opts.deleteWhenDone {
		deleteWhenDone = "1"
	}

	keys := []string{b.metaKey(jobID), b.partsKey(jobID)}
	remaining, err := completePartScript.Run(ctx, b.client, keys, index, deleteWhenDone).Int()
	if err != nil {
		return false, fmt.Errorf("fanprogress/redis: complete part: %w", err)
	}

	switch remaining {
	case -1:
		return false, ErrJobDoesNotExist
	case -3:
		return false, fmt.Errorf("%w: part index %d out of range", ErrInvalidArgument, index)
	case -2:
		b.logger.Debug("CompletePart: duplicate signal", "jobID", jobID, "index", index)
		return false, nil
	}

	done := remaining == 0
	b.logger.Debug("CompletePart", "jobID", jobID, "index", index, "remaining", remaining, "done", done)
	return done, nil
}

// FailJob sets the sticky failed flag and records the reason.
func (b *RedisBackend) FailJob(ctx context.Context, jobID, reason string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	ok, err := failJobScript.Run(ctx, b.client, []string{b.metaKey(jobID)}, reason).Int()
	if err != nil {
		return fmt.Errorf("fanprogress/redis: fail job: %w", err)
	}
	if ok == 0 {
		return ErrJobDoesNotExist
	}
	b.logger.Debug("FailJob", "jobID", jobID, "reason", reason)
	return nil
}

// SetMetadata merges the given mapping into the job's metadata hash fields.
// HSET per key gives per-key overwrite with untouched keys preserved.
func (b *RedisBackend) SetMetadata(ctx context.Context, jobID string, metadata map[string]string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	if len(metadata) == 0 {
		return b.requireJob(ctx, jobID)
	}

	args := make([]interface{}, 0, len(metadata)*2)
	for k, v := range metadata {
		args = append(args, redisMetaField+k, v)
	}
	ok, err := setMetadataScript.Run(ctx, b.client, []string{b.metaKey(jobID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("fanprogress/redis: set metadata: %w", err)
	}
	if ok == 0 {
		return ErrJobDoesNotExist
	}
	return nil
}

// Status returns the job's summary state.
func (b *RedisBackend) Status(ctx context.Context, jobID string) (*Status, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	vals, err := b.client.HGetAll(ctx, b.metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fanprogress/redis: get status: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrJobDoesNotExist
	}
	return mapToStatus(vals), nil
}

// PartComplete reports whether the given part's pending entry is absent.
func (b *RedisBackend) PartComplete(ctx context.Context, jobID string, index int) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	total, err := b.client.HGet(ctx, b.metaKey(jobID), "total").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrJobDoesNotExist
		}
		return false, fmt.Errorf("fanprogress/redis: get total: %w", err)
	}
	totalN, _ := strconv.Atoi(total)
	if index < 0 || index >= totalN {
		return false, fmt.Errorf("%w: part index %d out of range [0, %d)", ErrInvalidArgument, index, totalN)
	}

	pending, err := b.client.HExists(ctx, b.partsKey(jobID), strconv.Itoa(index)).Result()
	if err != nil {
		return false, fmt.Errorf("fanprogress/redis: check part: %w", err)
	}
	return !pending, nil
}

// ListJobs scans for metadata keys and derives job identifiers from them.
// Redis provides no insertion-order enumeration, so the result is sorted
// lexicographically for stability.
func (b *RedisBackend) ListJobs(ctx context.Context) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var ids []string
	match := b.opts.keyPrefix + "*" + redisMetaSuffix
	iter := b.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), b.opts.keyPrefix)
		ids = append(ids, strings.TrimSuffix(key, redisMetaSuffix))
	}
	if err = iter.Err(); err != nil {
		return nil, fmt.Errorf("fanprogress/redis: list jobs scan: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListPendingParts returns the not-yet-completed part descriptors in index order.
func (b *RedisBackend) ListPendingParts(ctx context.Context, jobID string) ([]Part, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	if err = b.requireJob(ctx, jobID); err != nil {
		return nil, err
	}

	vals, err := b.client.HGetAll(ctx, b.partsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fanprogress/redis: list pending parts: %w", err)
	}

	indexes := make([]int, 0, len(vals))
	byIndex := make(map[int]string, len(vals))
	for field, encoded := range vals {
		idx, pErr := strconv.Atoi(field)
		if pErr != nil {
			continue // skip malformed field
		}
		indexes = append(indexes, idx)
		byIndex[idx] = encoded
	}
	sort.Ints(indexes)

	parts := make([]Part, 0, len(indexes))
	for _, idx := range indexes {
		var part Part
		if uErr := json.Unmarshal([]byte(byIndex[idx]), &part); uErr != nil {
			return nil, fmt.Errorf("fanprogress/redis: unmarshal part %d: %w", idx, uErr)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// Delete removes both hashes unconditionally. DEL of absent keys is a no-op,
// which makes deletion idempotent.
func (b *RedisBackend) Delete(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("%w: job ID is required", ErrInvalidArgument)
	}

	if _, err = b.client.Del(ctx, b.metaKey(jobID), b.partsKey(jobID)).Result(); err != nil {
		return fmt.Errorf("fanprogress/redis: delete job: %w", err)
	}
	b.logger.Debug("Delete", "jobID", jobID)
	return nil
}

func (b *RedisBackend) requireJob(ctx context.Context, jobID string) error {
	exists, err := b.client.Exists(ctx, b.metaKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("fanprogress/redis: check job exists: %w", err)
	}
	if exists == 0 {
		return ErrJobDoesNotExist
	}
	return nil
}

func mapToStatus(m map[string]string) *Status {
	total, _ := strconv.Atoi(m["total"])
	remaining, _ := strconv.Atoi(m["remaining"])

	metadata := make(map[string]string)
	for field, value := range m {
		if strings.HasPrefix(field, redisMetaField) {
			metadata[strings.TrimPrefix(field, redisMetaField)] = value
		}
	}

	return &Status{
		Total:        total,
		Remaining:    remaining,
		Failed:       m["failed"] == "1",
		FailedReason: m["failed_reason"],
		Metadata:     metadata,
		Topic:        m["topic"],
	}
}
