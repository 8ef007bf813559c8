// Package fanprogress tracks the completion progress of fan-out jobs: units
// of work split into N independently processable parts, each processed by a
// possibly different worker, possibly concurrently, possibly with
// at-least-once delivery. The package maintains an authoritative, race-free
// record of how many parts exist, which parts remain pending, whether the job
// as a whole has failed, and arbitrary job metadata - while tolerating
// duplicate completion signals and concurrent updates from workers that never
// coordinate with each other.
//
// The library supports:
//   - Multiple backend implementations (Redis, BadgerDB, SQLite, in-memory)
//   - Idempotent, linearizable part completion
//   - Optional automatic cleanup when a job reaches zero remaining parts
//   - Job metadata with per-key merge semantics
//   - Correlation with an external notification topic (stored, never published to)
//
// Example usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	backend := fanprogress.NewRedisBackend(client, logger)
//	store := fanprogress.New(backend, logger, fanprogress.WithTopic("work-topic"))
//	defer store.Close()
//
//	store.SetTotal(ctx, "job-1", []fanprogress.Part{
//	    {"source": "a.tif"},
//	    {"source": "b.tif"},
//	})
//	done, _ := store.CompletePart(ctx, "job-1", 0)
package fanprogress

// Part is a caller-defined descriptor for one independently completable unit
// of a job, e.g. a work-item reference. The contents are opaque to this
// package; descriptors are JSON-encoded when persisted.
type Part map[string]string

// Status is the summary state of a job as returned by Status and ListJobsWithStatus.
type Status struct {
	Total        int               // Number of parts registered at SetTotal
	Remaining    int               // Number of parts not yet completed
	Failed       bool              // Sticky failure flag set by FailJob
	FailedReason string            // Annotation recorded by FailJob ("" if never failed)
	Metadata     map[string]string // Caller-defined metadata, merged via SetMetadata
	Topic        string            // Notification topic identifier, stored verbatim for correlation
}

// Progress returns the completed fraction in [0, 1].
// A job registered with zero parts reports 0.
func (s *Status) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Total-s.Remaining) / float64(s.Total)
}

// JobStatus pairs a job identifier with its status payload.
// The pairing is a best-effort snapshot: it is not atomic with concurrent
// mutation of the job.
type JobStatus struct {
	JobID  string
	Status *Status
}

func clonePart(p Part) Part {
	if p == nil {
		return nil
	}
	clone := make(Part, len(p))
	for k, v := range p {
		clone[k] = v
	}
	return clone
}

func cloneStringMap(m map[string]string) map[string]string {
	clone := make(map[string]string, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
