// Package janitor reclaims artifact directories no job references any
// longer and prunes leftovers of the container runtime.
package janitor

import (
	"context"
	"log/slog"

	"github.com/vyvo/imagebuild/pkg/artifacts"
	"github.com/vyvo/imagebuild/pkg/container"
	"github.com/vyvo/imagebuild/pkg/metrics"
	"github.com/vyvo/imagebuild/pkg/queue"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Runtime is the container side that can be pruned.
type Runtime interface {
	Prune(ctx context.Context) ([]container.Reclaimed, error)
}

// Janitor runs one collection pass per Sweep. Every step is best effort;
// what fails now is retried on the next pass.
type Janitor struct {
	Jobs  queue.Backend
	Store *artifacts.Store
	// Runtime is nil when builds run on the host.
	Runtime Runtime
	Metrics *metrics.Metrics
	Logger  Logger
}

// Report summarises one pass.
type Report struct {
	Scanned   int
	Deleted   []string
	Reclaimed []container.Reclaimed
}

func (j *Janitor) log() Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Sweep cleans the store, then the runtime. The returned error is the
// first one met; both steps always run.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report
	scanned, deleted, storeErr := j.CleanStore(ctx)
	report.Scanned = scanned
	report.Deleted = deleted
	if storeErr != nil {
		j.log().Error("clean store", "error", storeErr)
	}

	reclaimed, runtimeErr := j.CleanRuntime(ctx)
	report.Reclaimed = reclaimed
	if runtimeErr != nil {
		j.log().Error("clean runtime", "error", runtimeErr)
	}

	if storeErr != nil {
		return report, storeErr
	}
	return report, runtimeErr
}

// CleanStore deletes artifact directories without a job pointing at them.
// References are read once to pick candidates and again right before
// deleting, so a build that claimed a directory in between keeps it.
func (j *Janitor) CleanStore(ctx context.Context) (int, []string, error) {
	dirs, err := j.Store.Artifacts()
	if err != nil {
		return 0, nil, err
	}
	if len(dirs) == 0 {
		return 0, nil, nil
	}
	refs, err := j.references(ctx)
	if err != nil {
		return len(dirs), nil, err
	}
	var candidates []string
	for _, dir := range dirs {
		if _, ok := refs[dir]; !ok {
			candidates = append(candidates, dir)
		}
	}
	if len(candidates) == 0 {
		return len(dirs), nil, nil
	}

	refs, err = j.references(ctx)
	if err != nil {
		return len(dirs), nil, err
	}
	var deleted []string
	for _, dir := range candidates {
		if ctx.Err() != nil {
			return len(dirs), deleted, ctx.Err()
		}
		if _, ok := refs[dir]; ok {
			continue
		}
		if err := j.Store.Remove(dir); err != nil {
			j.log().Error("remove artifact", "path", dir, "error", err)
			continue
		}
		deleted = append(deleted, dir)
	}
	j.Metrics.Deleted(len(deleted))
	if len(deleted) > 0 {
		j.log().Info("removed unreferenced artifacts", "count", len(deleted), "scanned", len(dirs))
	}
	return len(dirs), deleted, nil
}

func (j *Janitor) references(ctx context.Context) (map[string]struct{}, error) {
	jobs, err := j.Jobs.List(ctx)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if job.Meta.BinDir != "" {
			refs[job.Meta.BinDir] = struct{}{}
		}
	}
	return refs, nil
}

// CleanRuntime prunes stopped containers, dangling images and unused
// volumes.
func (j *Janitor) CleanRuntime(ctx context.Context) ([]container.Reclaimed, error) {
	if j.Runtime == nil {
		return nil, nil
	}
	reclaimed, err := j.Runtime.Prune(ctx)
	for _, r := range reclaimed {
		j.Metrics.Reclaim(r.Kind, r.Bytes)
	}
	return reclaimed, err
}
