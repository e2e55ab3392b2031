package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"openvdm-jobs/internal/models"
)

// ErrJobNotFound is returned by GetJob for handles the log never saw.
var ErrJobNotFound = errors.New("job not found in job log")

// Store wraps pgxpool for the job log: one row per claimed job plus an
// audit trail of lifecycle events.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordClaim upserts the job row when a worker starts executing it.
func (s *Store) RecordClaim(ctx context.Context, rec models.JobRecord, pid int) error {
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (handle, type, payload, status, pid, worker, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (handle) DO UPDATE
		SET status = EXCLUDED.status, pid = EXCLUDED.pid, worker = EXCLUDED.worker, updated_at = NOW()
	`, rec.Handle, rec.Type, payload, models.JobRunning, pid, rec.Worker)
	if err != nil {
		return fmt.Errorf("record claim %s: %w", rec.Handle, err)
	}
	return nil
}

// RecordResult stores the final queue status and result body of a job.
func (s *Store) RecordResult(ctx context.Context, handle, status string, result []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, updated_at = NOW() WHERE handle = $1
	`, handle, status, result)
	if err != nil {
		return fmt.Errorf("record result %s: %w", handle, err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, handle, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (handle, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, handle, event, detail)
	return err
}

// GetJob fetches a job row by handle.
func (s *Store) GetJob(ctx context.Context, handle string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT handle, type, payload, status, pid, worker, result, created_at, updated_at
		FROM jobs WHERE handle = $1
	`, handle)

	var (
		rec     models.JobRecord
		payload []byte
		result  []byte
		pid     pgtype.Int4
		worker  pgtype.Text
		created time.Time
		updated time.Time
	)
	if err := row.Scan(&rec.Handle, &rec.Type, &payload, &rec.Status, &pid, &worker, &result, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, ErrJobNotFound
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Payload = payload
	rec.Result = result
	if pid.Valid {
		rec.PID = int(pid.Int32)
	}
	if worker.Valid {
		rec.Worker = worker.String
	}
	rec.SubmittedAt = created
	if models.IsFinished(rec.Status) {
		rec.FinishedAt = &updated
	}
	return rec, nil
}

// Audit returns the audit events of a job, oldest first.
func (s *Store) Audit(ctx context.Context, handle string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT handle, event, detail, ts FROM audit_logs WHERE handle = $1 ORDER BY id
	`, handle)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var detail pgtype.Text
		if err := rows.Scan(&a.Handle, &a.Event, &detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.Detail = detail.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearAll empties the job log. Run at worker startup alongside the status
// store's own job table reset.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE audit_logs, jobs`); err != nil {
		return fmt.Errorf("clear job log: %w", err)
	}
	return nil
}
