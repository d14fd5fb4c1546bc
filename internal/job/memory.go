package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for single-node deployments and tests.
// The postgres job store provides the durable equivalent.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job

	// order assigns each job an insertion sequence used to break RunAfter
	// ties.
	order map[uuid.UUID]uint64
	seq   uint64

	completed int
	failed    int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:  make(map[uuid.UUID]*Job),
		order: make(map[uuid.UUID]uint64),
	}
}

// Enqueue adds a job in state Queued.
func (q *MemoryQueue) Enqueue(_ context.Context, j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already enqueued", j.ID)
	}

	clone := *j
	clone.State = StateQueued
	q.jobs[j.ID] = &clone
	q.seq++
	q.order[j.ID] = q.seq
	return nil
}

// Claim picks the due queued job with the earliest RunAfter, breaking ties
// by insertion order, and transitions it to Running under the queue lock so
// exactly one caller wins it.
func (q *MemoryQueue) Claim(_ context.Context, leaseFor time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var best *Job
	for _, j := range q.jobs {
		if j.State != StateQueued || j.RunAfter.After(now) {
			continue
		}
		if best == nil || earlier(q, j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = StateRunning
	best.LeaseExpiresAt = now.Add(leaseFor)

	clone := *best
	return &clone, nil
}

func earlier(q *MemoryQueue, a, b *Job) bool {
	if !a.RunAfter.Equal(b.RunAfter) {
		return a.RunAfter.Before(b.RunAfter)
	}
	return q.order[a.ID] < q.order[b.ID]
}

// Complete removes a running job.
func (q *MemoryQueue) Complete(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.State != StateRunning {
		return fmt.Errorf("job %s is not running", id)
	}
	delete(q.jobs, id)
	delete(q.order, id)
	q.completed++
	return nil
}

// Retry re-queues a running job for a later attempt.
func (q *MemoryQueue) Retry(_ context.Context, id uuid.UUID, attempts int, runAfter time.Time, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.State != StateRunning {
		return fmt.Errorf("job %s is not running", id)
	}
	j.State = StateQueued
	j.Attempts = attempts
	j.RunAfter = runAfter
	j.LastError = lastError
	j.LeaseExpiresAt = time.Time{}
	return nil
}

// Fail marks a running job terminally failed. Failed jobs are kept for
// inspection but never claimed again.
func (q *MemoryQueue) Fail(_ context.Context, id uuid.UUID, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.State != StateRunning {
		return fmt.Errorf("job %s is not running", id)
	}
	j.State = StateFailed
	j.LastError = lastError
	j.LeaseExpiresAt = time.Time{}
	q.failed++
	return nil
}

// ReapExpired returns running jobs with expired leases to Queued.
func (q *MemoryQueue) ReapExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	reclaimed := 0
	for _, j := range q.jobs {
		if j.State == StateRunning && !j.LeaseExpiresAt.IsZero() && j.LeaseExpiresAt.Before(now) {
			j.State = StateQueued
			j.LeaseExpiresAt = time.Time{}
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Depth reports how many jobs are queued or running.
func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := 0
	for _, j := range q.jobs {
		if j.State == StateQueued || j.State == StateRunning {
			depth++
		}
	}
	return depth, nil
}

// Get returns a snapshot of a job, for tests and inspection.
func (q *MemoryQueue) Get(id uuid.UUID) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Stats reports how many jobs have reached each terminal state.
func (q *MemoryQueue) Stats() (completed, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed, q.failed
}
