// Package worker pulls build jobs from the queue, runs them and records
// their outcome. It also runs the periodic maintenance pass.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/imagebuild/pkg/artifacts"
	"github.com/vyvo/imagebuild/pkg/errlog"
	"github.com/vyvo/imagebuild/pkg/history"
	"github.com/vyvo/imagebuild/pkg/janitor"
	"github.com/vyvo/imagebuild/pkg/metrics"
	"github.com/vyvo/imagebuild/pkg/mirror"
	"github.com/vyvo/imagebuild/pkg/queue"
	"github.com/vyvo/imagebuild/pkg/request"
)

// ErrJobTimeout fails jobs that ran past the job timeout.
var ErrJobTimeout = errors.New("Job exceeded maximum build time")

const (
	defaultPoll       = 5 * time.Second
	defaultJobTimeout = 10 * time.Minute
	finalizeTimeout   = 10 * time.Second
	retryDelay        = time.Second
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Builder runs one job and returns its result payload.
type Builder interface {
	Build(ctx context.Context, id string, req request.BuildRequest) (json.RawMessage, error)
}

// Sweeper is the collection pass run during maintenance.
type Sweeper interface {
	Sweep(ctx context.Context) (janitor.Report, error)
}

// TTLs controls how long terminal jobs stay in the queue store.
type TTLs struct {
	Success time.Duration
	// Defaults replaces Success for builds with a first boot script.
	Defaults time.Duration
	Failure  time.Duration
}

func (t TTLs) success(req request.BuildRequest) time.Duration {
	if req.Defaults != "" && t.Defaults > 0 {
		return t.Defaults
	}
	return t.Success
}

// Pool runs Size build loops and one maintenance loop.
type Pool struct {
	Jobs    queue.Backend
	Builder Builder
	Size    int
	// Name prefixes worker ids. A random one is used when empty.
	Name                string
	JobTimeout          time.Duration
	Poll                time.Duration
	TTL                 TTLs
	MaintenanceInterval time.Duration
	Janitor             Sweeper

	// Optional outcome sinks.
	Store   *artifacts.Store
	History history.Store
	Mirror  mirror.Publisher
	Errors  errlog.Sink
	Metrics *metrics.Metrics
	Logger  Logger
}

func (p *Pool) log() Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pool) errorSink() errlog.Sink {
	if p.Errors != nil {
		return p.Errors
	}
	return errlog.Nop{}
}

func (p *Pool) jobTimeout() time.Duration {
	if p.JobTimeout > 0 {
		return p.JobTimeout
	}
	return defaultJobTimeout
}

func (p *Pool) poll() time.Duration {
	if p.Poll > 0 {
		return p.Poll
	}
	return defaultPoll
}

// Run blocks until ctx is cancelled. Jobs already running are finished
// before it returns.
func (p *Pool) Run(ctx context.Context) error {
	size := p.Size
	if size < 1 {
		size = 1
	}
	name := p.Name
	if name == "" {
		name = uuid.NewString()[:8]
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("%s-%d", name, i)
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	if p.MaintenanceInterval > 0 {
		g.Go(func() error {
			return p.maintain(ctx)
		})
	}
	p.log().Info("worker pool started", "workers", size, "name", name)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := p.Jobs.Dequeue(ctx, workerID, p.jobTimeout(), p.poll())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log().Error("dequeue failed", "worker", workerID, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.Process(ctx, job)
	}
}

// Process runs a dequeued job and stores its outcome. Cancelling ctx does
// not interrupt the build; only the job timeout does.
func (p *Pool) Process(ctx context.Context, job *queue.Job) {
	started := time.Now()
	p.log().Info("build started", "request_hash", job.ID, "worker", job.WorkerID,
		"version", job.Request.Version, "target", job.Request.Target, "profile", job.Request.Profile)

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout())
	result, err := p.Builder.Build(jobCtx, job.ID, job.Request)
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = ErrJobTimeout
	}
	cancel()
	took := time.Since(started)

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()

	if err != nil {
		p.Metrics.Build(string(queue.StatusFailed), job.Request.Version, took)
		if ferr := p.Jobs.Fail(fctx, job.ID, err.Error(), p.TTL.Failure); ferr != nil {
			p.log().Error("mark job failed", "request_hash", job.ID, "error", ferr)
			return
		}
		p.archive(fctx, job.ID)
		return
	}

	p.Metrics.Build(string(queue.StatusFinished), job.Request.Version, took)
	if cerr := p.Jobs.Complete(fctx, job.ID, result, p.TTL.success(job.Request)); cerr != nil {
		p.log().Error("mark job finished", "request_hash", job.ID, "error", cerr)
		return
	}
	p.log().Info("build stored", "request_hash", job.ID, "took", took.Round(time.Millisecond))
	done := p.archive(fctx, job.ID)
	if done != nil {
		p.publish(ctx, done)
	}
}

// archive appends the terminal job to the history store and returns it.
func (p *Pool) archive(ctx context.Context, id string) *queue.Job {
	job, err := p.Jobs.Get(ctx, id)
	if err != nil {
		p.log().Error("reload job", "request_hash", id, "error", err)
		return nil
	}
	if p.History == nil {
		return job
	}
	if err := p.History.Append(ctx, history.FromJob(job)); err != nil {
		p.log().Error("append history", "request_hash", id, "error", err)
	}
	return job
}

func (p *Pool) publish(ctx context.Context, job *queue.Job) {
	if p.Mirror == nil || p.Store == nil || job.Meta.BinDir == "" {
		return
	}
	dir, err := p.Store.Dir(job.Meta.BinDir)
	if err != nil {
		p.log().Error("mirror path", "request_hash", job.ID, "error", err)
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.jobTimeout())
	defer cancel()
	if err := p.Mirror.Publish(mctx, dir, job.Meta.BinDir); err != nil {
		p.log().Error("mirror artifacts", "request_hash", job.ID, "bin_dir", job.Meta.BinDir, "error", err)
		return
	}
	p.log().Info("mirrored artifacts", "request_hash", job.ID, "bin_dir", job.Meta.BinDir)
}

func (p *Pool) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Maintain(ctx)
		}
	}
}

// Maintain fails started jobs past their deadline, runs the collector and
// refreshes the pending gauge. Errors are logged.
func (p *Pool) Maintain(ctx context.Context) {
	now := time.Now()
	reaped, err := p.Jobs.ReapExpired(ctx, now, ErrJobTimeout.Error(), p.TTL.Failure)
	if err != nil {
		p.log().Error("reap expired jobs", "error", err)
	}
	for _, id := range reaped {
		job := p.archive(ctx, id)
		if job == nil {
			continue
		}
		var took time.Duration
		if job.StartedAt > 0 {
			took = now.Sub(time.Unix(job.StartedAt, 0))
		}
		p.Metrics.Build(string(queue.StatusFailed), job.Request.Version, took)
		p.errorSink().Record(job.Request.Version, job.Request.Target, job.Request.Profile, ErrJobTimeout.Error())
		p.log().Error("job timed out", "request_hash", id, "worker", job.WorkerID)
	}

	if p.Janitor != nil {
		if _, err := p.Janitor.Sweep(ctx); err != nil {
			p.log().Error("maintenance sweep", "error", err)
		}
	}

	pending, err := p.Jobs.Pending(ctx)
	if err != nil {
		p.log().Error("count pending jobs", "error", err)
		return
	}
	p.Metrics.SetPending(pending)
}
