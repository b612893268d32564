// Package queue stores build jobs keyed by request hash and hands them to
// workers. A hash has at most one job; terminal states are write-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vyvo/imagebuild/pkg/request"
)

type JobStatus string

const (
	StatusQueued   JobStatus = "queued"
	StatusStarted  JobStatus = "started"
	StatusFinished JobStatus = "finished"
	StatusFailed   JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

var (
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a finished or failed job would change.
	ErrTerminal = errors.New("job already in terminal state")
	// ErrActive is returned when deleting a job that is still queued or
	// running.
	ErrActive = errors.New("job is still active")
)

// Meta is the progress information a worker attaches to a job.
type Meta struct {
	Detail             string `json:"detail,omitempty"`
	ImageBuilderStatus string `json:"imagebuilder_status,omitempty"`
	// BinDir is the store relative artifact directory, recorded before the
	// directory is created so the collector never sees it unreferenced.
	BinDir   string            `json:"bin_dir,omitempty"`
	BuildCmd []string          `json:"build_cmd,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type Job struct {
	ID         string               `json:"id"`
	Status     JobStatus            `json:"status"`
	Request    request.BuildRequest `json:"request"`
	Meta       Meta                 `json:"meta"`
	Result     json.RawMessage      `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
	WorkerID   string               `json:"worker_id,omitempty"`
	EnqueuedAt int64                `json:"enqueued_at"`
	StartedAt  int64                `json:"started_at,omitempty"`
	EndedAt    int64                `json:"ended_at,omitempty"`
	// Deadline is the unix time after which a started job counts as
	// timed out.
	Deadline int64 `json:"deadline,omitempty"`
}

// Backend is the job store shared by the API server, workers and the
// collector.
type Backend interface {
	// Enqueue stores job as queued unless a job with the same ID exists,
	// in which case the existing job is returned and created is false.
	Enqueue(ctx context.Context, job *Job) (stored *Job, created bool, err error)
	// Dequeue waits up to wait for a queued job and marks it started with
	// a deadline timeout from now. It returns nil when nothing arrived.
	Dequeue(ctx context.Context, workerID string, timeout, wait time.Duration) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	UpdateMeta(ctx context.Context, id string, meta Meta) error
	Complete(ctx context.Context, id string, result json.RawMessage, ttl time.Duration) error
	Fail(ctx context.Context, id string, msg string, ttl time.Duration) error
	// Position is the 0-based place of a queued job, or -1.
	Position(ctx context.Context, id string) (int64, error)
	Pending(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]*Job, error)
	// ReapExpired fails started jobs whose deadline is before now.
	ReapExpired(ctx context.Context, now time.Time, msg string, ttl time.Duration) ([]string, error)
	// Delete drops a terminal job record.
	Delete(ctx context.Context, id string) error
	Close() error
}
