// Package dispatch admits build requests: it hashes them, answers from an
// existing job when there is one and otherwise queues a new job unless the
// queue is full.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vyvo/imagebuild/pkg/hasher"
	"github.com/vyvo/imagebuild/pkg/metrics"
	"github.com/vyvo/imagebuild/pkg/queue"
	"github.com/vyvo/imagebuild/pkg/registry"
	"github.com/vyvo/imagebuild/pkg/request"
)

// ErrOverload means the queue holds too many pending jobs for a new one.
var ErrOverload = errors.New("server overloaded, try again later")

const (
	HeaderQueuePosition = "X-Queue-Position"
	HeaderStatus        = "X-Imagebuilder-Status"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Response is a job rendered for the HTTP layer.
type Response struct {
	Status  int
	Headers map[string]string
	Body    map[string]any
}

// Dispatcher turns requests into jobs.
type Dispatcher struct {
	Jobs     queue.Backend
	Branches *registry.Registry
	Limits   request.Limits
	// MaxPending rejects new jobs once this many are queued. Zero disables
	// the check.
	MaxPending int64
	Metrics    *metrics.Metrics
	Logger     Logger
}

func (d *Dispatcher) log() Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Submit answers req from the job store, queueing a job on a miss.
// Rejected requests come back as a 4xx Response; the error is reserved for
// store failures.
func (d *Dispatcher) Submit(ctx context.Context, req request.BuildRequest) (Response, error) {
	id := hasher.Request(req)

	job, err := d.Jobs.Get(ctx, id)
	switch {
	case err == nil:
		if job.Status == queue.StatusFinished {
			d.Metrics.Request("hit")
		} else {
			d.Metrics.Request("pending")
		}
		return d.render(ctx, job)
	case !errors.Is(err, queue.ErrNotFound):
		return Response{}, err
	}

	if err := req.Validate(d.Limits); err != nil {
		d.Metrics.Request("invalid")
		return Reject(http.StatusBadRequest, err.Error()), nil
	}
	if d.Branches != nil {
		if err := d.Branches.Refresh(); err != nil {
			d.log().Error("refresh branches", "error", err)
		}
		if _, err := d.Branches.ForVersion(req.Version); err != nil {
			d.Metrics.Request("invalid")
			return Reject(http.StatusBadRequest, "Unsupported branch: "+req.Version), nil
		}
	}

	if d.MaxPending > 0 {
		pending, err := d.Jobs.Pending(ctx)
		if err != nil {
			return Response{}, err
		}
		d.Metrics.SetPending(pending)
		if pending >= d.MaxPending {
			d.Metrics.Request("overload")
			return Reject(http.StatusTooManyRequests, ErrOverload.Error()), nil
		}
	}

	req.Normalize()
	stored, created, err := d.Jobs.Enqueue(ctx, &queue.Job{
		ID:      id,
		Status:  queue.StatusQueued,
		Request: req,
	})
	if err != nil {
		return Response{}, fmt.Errorf("enqueue %s: %w", id, err)
	}
	if created {
		d.Metrics.Request("miss")
		d.log().Info("queued build", "request_hash", id, "version", req.Version, "target", req.Target, "profile", req.Profile)
	} else {
		d.Metrics.Request("pending")
	}
	return d.render(ctx, stored)
}

// Status renders the job stored under id. Unknown ids give a 404 Response.
func (d *Dispatcher) Status(ctx context.Context, id string) (Response, error) {
	job, err := d.Jobs.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		resp := Reject(http.StatusNotFound, "could not find provided request hash")
		resp.Body["title"] = "Not Found"
		return resp, nil
	}
	if err != nil {
		return Response{}, err
	}
	return d.render(ctx, job)
}

func (d *Dispatcher) render(ctx context.Context, job *queue.Job) (Response, error) {
	var position int64 = -1
	if job.Status == queue.StatusQueued {
		pos, err := d.Jobs.Position(ctx, job.ID)
		if err != nil {
			return Response{}, err
		}
		position = pos
	}
	return Render(job, position)
}

// Render shapes a job for clients. position is only used for queued jobs.
func Render(job *queue.Job, position int64) (Response, error) {
	body := map[string]any{}
	if job.Meta.ImageBuilderStatus != "" {
		body["imagebuilder_status"] = job.Meta.ImageBuilderStatus
	}
	if job.Meta.Detail != "" {
		body["detail"] = job.Meta.Detail
	}
	if job.Meta.BinDir != "" {
		body["bin_dir"] = job.Meta.BinDir
	}
	if len(job.Meta.BuildCmd) > 0 {
		body["build_cmd"] = job.Meta.BuildCmd
	}
	resp := Response{Headers: map[string]string{}, Body: body}

	switch job.Status {
	case queue.StatusQueued:
		if position < 0 {
			position = 0
		}
		resp.Status = http.StatusAccepted
		body["detail"] = "queued"
		body["queue_position"] = position
		resp.Headers[HeaderQueuePosition] = strconv.FormatInt(position, 10)
	case queue.StatusStarted:
		resp.Status = http.StatusAccepted
		body["detail"] = "started"
		if s := job.Meta.ImageBuilderStatus; s != "" {
			resp.Headers[HeaderStatus] = s
		}
	case queue.StatusFinished:
		resp.Status = http.StatusOK
		if len(job.Result) > 0 {
			var result map[string]any
			if err := json.Unmarshal(job.Result, &result); err != nil {
				return Response{}, fmt.Errorf("decode result of %s: %w", job.ID, err)
			}
			for k, v := range result {
				body[k] = v
			}
		}
	case queue.StatusFailed:
		resp.Status = http.StatusInternalServerError
		body["detail"] = "Error: " + job.Error
		body["error"] = job.Error
	default:
		return Response{}, fmt.Errorf("job %s has unknown status %q", job.ID, job.Status)
	}

	body["status"] = resp.Status
	body["enqueued_at"] = job.EnqueuedAt
	body["request_hash"] = job.ID
	return resp, nil
}

// Reject builds an error Response.
func Reject(status int, detail string) Response {
	return Response{
		Status:  status,
		Headers: map[string]string{},
		Body:    map[string]any{"status": status, "detail": detail},
	}
}
