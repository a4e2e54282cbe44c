// Package jobs is a durable postgres-backed queue for settlement work.
//
// Release and refund intents are published when an external event makes
// them immediate, instead of waiting for the next reconciliation pass.
// Delivery is at-least-once: a job stays queued until its handler
// succeeds, and a crashed worker's claim expires back into the queue.
// Redelivery here is independent of the engine's retry bookkeeping; the
// engine alone decides when an offer is frozen in the error status.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclaw/settler/internal/offer"
)

// Kind selects the engine entry point a job invokes.
type Kind string

const (
	KindRelease Kind = "release"
	KindRefund  Kind = "refund"
)

var (
	ErrNoJob       = errors.New("no job available")
	ErrUnknownKind = errors.New("unknown job kind")
)

const (
	// claimDuration is how long a dequeued job stays invisible. A worker
	// that dies mid-job loses its claim and the job is redelivered.
	claimDuration = 5 * time.Minute

	// DefaultMaxAttempts caps redelivery. Exhausted jobs are dropped;
	// the reconciliation loop still covers the offer on its next pass.
	DefaultMaxAttempts = 10
)

// Job is one claimed unit of settlement work.
type Job struct {
	ID       int64
	Kind     Kind
	OfferID  string
	Attempts int
}

// Queue publishes and claims settlement jobs on a shared postgres table.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQueue creates a queue on db. Call Migrate before first use unless
// migrations are managed externally.
func NewQueue(db *sql.DB, logger *slog.Logger) *Queue {
	return &Queue{db: db, logger: logger}
}

// Migrate creates the jobs table if it does not exist.
func (q *Queue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_jobs (
			id            BIGSERIAL PRIMARY KEY,
			kind          TEXT NOT NULL,
			offer_id      TEXT NOT NULL,
			payload       JSONB,
			attempts      INT NOT NULL DEFAULT 0,
			run_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			claimed_until TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS settlement_jobs_ready
			ON settlement_jobs (claimed_until, run_at)
	`)
	if err != nil {
		return fmt.Errorf("migrate settlement_jobs: %w", err)
	}
	return nil
}

// Publish enqueues a release or refund intent for the offer. The snapshot
// is stored for operator inspection; workers re-read the live offer.
func (q *Queue) Publish(ctx context.Context, kind Kind, o *offer.Offer) error {
	if kind != KindRelease && kind != KindRefund {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal offer snapshot: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO settlement_jobs (kind, offer_id, payload) VALUES ($1, $2, $3)`,
		string(kind), o.ID, payload)
	if err != nil {
		return fmt.Errorf("publish %s job for %s: %w", kind, o.ID, err)
	}
	jobsPublished.WithLabelValues(string(kind)).Inc()
	q.logger.Info("job published", "kind", kind, "offer", o.ID)
	return nil
}

// Dequeue claims the oldest ready job, making it invisible to other
// workers for claimDuration. Returns ErrNoJob when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE settlement_jobs
		SET claimed_until = now() + $1::interval, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM settlement_jobs
			WHERE run_at <= now() AND claimed_until < now()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, offer_id, attempts`,
		fmt.Sprintf("%d seconds", int(claimDuration.Seconds())))

	var j Job
	var kind string
	if err := row.Scan(&j.ID, &kind, &j.OfferID, &j.Attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	j.Kind = Kind(kind)
	return &j, nil
}

// Complete acknowledges a finished job.
func (q *Queue) Complete(ctx context.Context, j *Job) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM settlement_jobs WHERE id = $1`, j.ID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", j.ID, err)
	}
	jobsCompleted.WithLabelValues(string(j.Kind)).Inc()
	return nil
}

// Fail releases the claim so the job is redelivered after a backoff, or
// drops it once DefaultMaxAttempts is exhausted.
func (q *Queue) Fail(ctx context.Context, j *Job) error {
	if j.Attempts >= DefaultMaxAttempts {
		q.logger.Error("job exhausted redelivery, dropping",
			"job", j.ID, "kind", j.Kind, "offer", j.OfferID, "attempts", j.Attempts)
		jobsDropped.WithLabelValues(string(j.Kind)).Inc()
		return q.Complete(ctx, j)
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE settlement_jobs
		SET claimed_until = 'epoch', run_at = now() + $2::interval
		WHERE id = $1`,
		j.ID, fmt.Sprintf("%d seconds", int(Backoff(j.Attempts).Seconds())))
	if err != nil {
		return fmt.Errorf("fail job %d: %w", j.ID, err)
	}
	jobsFailed.WithLabelValues(string(j.Kind)).Inc()
	return nil
}

// Depth reports the number of queued jobs, claimed or not.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM settlement_jobs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Backoff returns the redelivery delay after the given attempt count:
// doubling from 2s and capped at 5 minutes.
func Backoff(attempts int) time.Duration {
	d := 2 * time.Second
	for i := 1; i < attempts && d < 5*time.Minute; i++ {
		d *= 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
