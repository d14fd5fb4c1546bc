// Package job provides the background job queue and the worker pool that
// drains it: at-least-once execution with leases, retries and exponential
// backoff.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a job's lifecycle state. Transitions run only along
// Queued -> Running -> {Completed | Queued (retry) | Failed}.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of background work. While Running it is owned by the
// single worker holding its claim; nobody else may mutate it.
type Job struct {
	ID         uuid.UUID
	Kind       string
	Payload    json.RawMessage
	EnqueuedAt time.Time

	// Attempts counts handler invocations so far. Monotonic.
	Attempts int

	// RunAfter is the earliest time the job may be claimed.
	RunAfter time.Time

	State State

	// LeaseExpiresAt is set while Running. A job whose lease has expired
	// without completion is presumed abandoned and may be reclaimed.
	LeaseExpiresAt time.Time

	// LastError records the most recent handler failure.
	LastError string
}

// New builds a queued job of the given kind, marshalling payload to JSON.
func New(kind string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("job: marshal %s payload: %w", kind, err)
	}
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: now,
		RunAfter:   now,
		State:      StateQueued,
	}, nil
}

// HandlerFunc processes one job. A nil return completes the job; an error
// schedules a retry unless the error is Permanent or attempts are exhausted.
type HandlerFunc func(ctx context.Context, j *Job) error

// Queue is the storage behind the dispatcher. Implementations must make
// Claim an atomic Queued->Running transition so exactly one worker wins a
// given job.
type Queue interface {
	// Enqueue adds a job in state Queued.
	Enqueue(ctx context.Context, j *Job) error

	// Claim atomically claims the due job with the earliest RunAfter
	// (insertion order among ties), marking it Running with a lease of
	// leaseFor. Returns (nil, nil) when nothing is due.
	Claim(ctx context.Context, leaseFor time.Duration) (*Job, error)

	// Complete transitions a Running job to Completed and archives it.
	Complete(ctx context.Context, id uuid.UUID) error

	// Retry re-queues a Running job with the given attempt count and
	// run-after time.
	Retry(ctx context.Context, id uuid.UUID, attempts int, runAfter time.Time, lastError string) error

	// Fail transitions a Running job to Failed, terminally.
	Fail(ctx context.Context, id uuid.UUID, lastError string) error

	// ReapExpired returns Running jobs with expired leases to Queued and
	// reports how many were reclaimed.
	ReapExpired(ctx context.Context) (int, error)

	// Depth reports how many jobs are currently Queued or Running.
	Depth(ctx context.Context) (int, error)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable: the dispatcher fails the job
// immediately instead of scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns the retry delay before the given attempt is retried:
// base * 2^attempt, capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}
