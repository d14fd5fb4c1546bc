// Package postgres implements the durable collaborators over PostgreSQL:
// the actor repository and the job queue.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/sablesocial/sable/internal/domain"
	"github.com/sablesocial/sable/internal/job"
)

// Repository implements domain.ActorRepository and job.Queue using
// PostgreSQL.
type Repository struct {
	db *sql.DB
}

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// EnsureSchema creates the tables this repository needs.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS remote_actors (
			uri            TEXT PRIMARY KEY,
			username       TEXT NOT NULL,
			display_name   TEXT NOT NULL DEFAULT '',
			domain         TEXT NOT NULL,
			public_key_pem TEXT NOT NULL DEFAULT '',
			inbox_uri      TEXT NOT NULL,
			outbox_uri     TEXT NOT NULL DEFAULT '',
			fetched_at     TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id               UUID PRIMARY KEY,
			kind             TEXT NOT NULL,
			payload          JSONB NOT NULL,
			enqueued_at      TIMESTAMPTZ NOT NULL,
			attempts         INT NOT NULL DEFAULT 0,
			run_after        TIMESTAMPTZ NOT NULL,
			state            TEXT NOT NULL DEFAULT 'queued',
			lease_expires_at TIMESTAMPTZ,
			last_error       TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS jobs_claim_idx
			ON jobs (run_after, enqueued_at) WHERE state = 'queued'`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveActor upserts an actor keyed by URI.
func (r *Repository) SaveActor(ctx context.Context, actor *domain.RemoteActor) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO remote_actors (uri, username, display_name, domain, public_key_pem, inbox_uri, outbox_uri, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uri) DO UPDATE SET
			username = $2, display_name = $3, domain = $4,
			public_key_pem = $5, inbox_uri = $6, outbox_uri = $7, fetched_at = $8`,
		actor.URI,
		actor.Username,
		actor.DisplayName,
		actor.Domain,
		actor.PublicKeyPEM,
		actor.InboxURI,
		actor.OutboxURI,
		actor.FetchedAt,
	)
	return err
}

// GetActorByURI retrieves an actor by its canonical id.
func (r *Repository) GetActorByURI(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	var actor domain.RemoteActor
	err := r.db.QueryRowContext(ctx, `
		SELECT uri, username, display_name, domain, public_key_pem, inbox_uri, outbox_uri, fetched_at
		FROM remote_actors WHERE uri = $1`, uri,
	).Scan(
		&actor.URI,
		&actor.Username,
		&actor.DisplayName,
		&actor.Domain,
		&actor.PublicKeyPEM,
		&actor.InboxURI,
		&actor.OutboxURI,
		&actor.FetchedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get actor: %w", err)
	}
	return &actor, nil
}

// Enqueue inserts a job in state queued.
func (r *Repository) Enqueue(ctx context.Context, j *job.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, enqueued_at, attempts, run_after, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued')`,
		j.ID,
		j.Kind,
		[]byte(j.Payload),
		j.EnqueuedAt,
		j.Attempts,
		j.RunAfter,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Claim atomically claims the due job with the earliest run_after.
// FOR UPDATE SKIP LOCKED makes the queued->running transition exclusive
// across workers and across processes.
func (r *Repository) Claim(ctx context.Context, leaseFor time.Duration) (*job.Job, error) {
	var (
		j       job.Job
		payload []byte
		lease   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET state = 'running', lease_expires_at = now() + make_interval(secs => $1)
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = 'queued' AND run_after <= now()
			ORDER BY run_after, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, payload, enqueued_at, attempts, run_after, lease_expires_at, last_error`,
		leaseFor.Seconds(),
	).Scan(
		&j.ID,
		&j.Kind,
		&payload,
		&j.EnqueuedAt,
		&j.Attempts,
		&j.RunAfter,
		&lease,
		&j.LastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	j.Payload = payload
	j.State = job.StateRunning
	if lease.Valid {
		j.LeaseExpiresAt = lease.Time
	}
	return &j, nil
}

// Complete removes a running job.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = $1 AND state = 'running'`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireRow(res, id)
}

// Retry re-queues a running job for a later attempt.
func (r *Repository) Retry(ctx context.Context, id uuid.UUID, attempts int, runAfter time.Time, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'queued', attempts = $2, run_after = $3, last_error = $4, lease_expires_at = NULL
		WHERE id = $1 AND state = 'running'`,
		id, attempts, runAfter, lastError)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return requireRow(res, id)
}

// Fail marks a running job terminally failed.
func (r *Repository) Fail(ctx context.Context, id uuid.UUID, lastError string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'failed', last_error = $2, lease_expires_at = NULL
		WHERE id = $1 AND state = 'running'`,
		id, lastError)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return requireRow(res, id)
}

// ReapExpired returns running jobs with expired leases to queued.
func (r *Repository) ReapExpired(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'queued', lease_expires_at = NULL
		WHERE state = 'running' AND lease_expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Depth reports how many jobs are queued or running.
func (r *Repository) Depth(ctx context.Context) (int, error) {
	var depth int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE state IN ('queued', 'running')`,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func requireRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not running", id)
	}
	return nil
}
