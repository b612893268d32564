// Package history archives terminal build outcomes for later inspection.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/imagebuild/pkg/queue"
)

// Record is one archived build.
type Record struct {
	RequestHash string
	Version     string
	Target      string
	Profile     string
	Status      queue.JobStatus
	Detail      string
	BinDir      string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Store appends and lists archived builds.
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// FromJob converts a terminal job into a Record.
func FromJob(job *queue.Job) Record {
	rec := Record{
		RequestHash: job.ID,
		Version:     job.Request.Version,
		Target:      job.Request.Target,
		Profile:     job.Request.Profile,
		Status:      job.Status,
		Detail:      job.Meta.Detail,
		BinDir:      job.Meta.BinDir,
	}
	if job.Status == queue.StatusFailed && job.Error != "" {
		rec.Detail = job.Error
	}
	if job.StartedAt > 0 {
		rec.StartedAt = time.Unix(job.StartedAt, 0).UTC()
	}
	if job.EndedAt > 0 {
		rec.FinishedAt = time.Unix(job.EndedAt, 0).UTC()
	}
	return rec
}

// PostgresStore keeps the archive in a Postgres table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS build_history (
    id BIGSERIAL PRIMARY KEY,
    request_hash TEXT NOT NULL,
    version TEXT NOT NULL,
    target TEXT NOT NULL,
    profile TEXT NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    bin_dir TEXT,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS build_history_finished_at ON build_history (finished_at DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	var started sql.NullTime
	if !rec.StartedAt.IsZero() {
		started = sql.NullTime{Time: rec.StartedAt, Valid: true}
	}
	query := `INSERT INTO build_history (request_hash, version, target, profile, status, detail, bin_dir, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.db.ExecContext(ctx, query,
		rec.RequestHash,
		rec.Version,
		rec.Target,
		rec.Profile,
		string(rec.Status),
		rec.Detail,
		rec.BinDir,
		started,
		finished,
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", rec.RequestHash, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT request_hash, version, target, profile, status, detail, bin_dir, started_at, finished_at
FROM build_history ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var status string
		var detail, binDir sql.NullString
		var started sql.NullTime
		if err := rows.Scan(&rec.RequestHash, &rec.Version, &rec.Target, &rec.Profile, &status, &detail, &binDir, &started, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.Status = queue.JobStatus(status)
		rec.Detail = detail.String
		rec.BinDir = binDir.String
		if started.Valid {
			rec.StartedAt = started.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
