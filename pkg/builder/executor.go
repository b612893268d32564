// Package builder runs one build job end to end: toolchain setup,
// package resolution, manifest validation, the image step and the result
// payload.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/imagebuild/pkg/artifacts"
	"github.com/vyvo/imagebuild/pkg/errlog"
	"github.com/vyvo/imagebuild/pkg/hasher"
	"github.com/vyvo/imagebuild/pkg/imagebuilder"
	"github.com/vyvo/imagebuild/pkg/packages"
	"github.com/vyvo/imagebuild/pkg/queue"
	"github.com/vyvo/imagebuild/pkg/registry"
	"github.com/vyvo/imagebuild/pkg/request"
	"github.com/vyvo/imagebuild/pkg/telemetry"
)

// Phase values published as imagebuilder_status.
const (
	PhaseInit             = "init"
	PhaseContainerSetup   = "container_setup"
	PhaseValidateRevision = "validate_revision"
	PhaseValidateManifest = "validate_manifest"
	PhaseBuildingImage    = "building_image"
	PhaseDone             = "done"
	PhaseFailed           = "failed"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Progress receives metadata updates while a job runs.
type Progress interface {
	UpdateMeta(ctx context.Context, id string, meta queue.Meta) error
}

// Sandbox prepares the executor that runs a snapshot's commands.
type Sandbox interface {
	Prepare(ctx context.Context, version, target string) (imagebuilder.Executor, error)
}

// Executor builds images for jobs.
type Executor struct {
	Cache    *imagebuilder.Cache
	Branches *registry.Registry
	Resolver *packages.Resolver
	Store    *artifacts.Store
	Progress Progress
	// Sandbox is nil when toolchain commands run on the host.
	Sandbox Sandbox
	Errors  errlog.Sink
	Logger  Logger
}

func (e *Executor) log() Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Executor) errorSink() errlog.Sink {
	if e.Errors != nil {
		return e.Errors
	}
	return errlog.Nop{}
}

// Build runs the job and returns its result payload. On failure the job
// metadata carries the failed phase and the error detail.
func (e *Executor) Build(ctx context.Context, id string, req request.BuildRequest) (json.RawMessage, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "build", trace.WithAttributes(
		attribute.String("request_hash", id),
		attribute.String("version", req.Version),
		attribute.String("target", req.Target),
		attribute.String("profile", req.Profile),
	))
	defer span.End()

	r := &run{
		e:     e,
		ctx:   ctx,
		id:    id,
		req:   req,
		trace: span,
		log:   NewBuildLog(),
	}
	result, err := r.execute()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Note("error", "%s", err.Error())
		if r.rel == "" {
			// No manifest yet: the log goes under the request hash.
			r.rel = artifacts.Rel(req, id)
			r.meta.BinDir = r.rel
		}
		r.meta.Detail = "Error: " + err.Error()
		r.publish(PhaseFailed)
		e.errorSink().Record(req.Version, req.Target, req.Profile, err.Error())
		e.log().Error("build failed", "request_hash", id, "version", req.Version,
			"target", req.Target, "profile", req.Profile, "error", err)
	}
	r.writeLog()
	if err != nil {
		return nil, err
	}
	return result, nil
}

type run struct {
	e     *Executor
	ctx   context.Context
	id    string
	req   request.BuildRequest
	meta  queue.Meta
	trace trace.Span
	log   *BuildLog
	rel   string
}

func (r *run) publish(phase string) error {
	r.meta.ImageBuilderStatus = phase
	r.trace.AddEvent(phase)
	if r.e.Progress == nil {
		return nil
	}
	err := r.e.Progress.UpdateMeta(r.ctx, r.id, r.meta)
	if errors.Is(err, queue.ErrTerminal) {
		return err
	}
	if err != nil {
		r.e.log().Error("update job meta", "request_hash", r.id, "error", err)
	}
	return nil
}

func (r *run) execute() (json.RawMessage, error) {
	req := r.req
	if err := r.publish(PhaseInit); err != nil {
		return nil, err
	}

	if err := r.e.Branches.Refresh(); err != nil {
		r.e.log().Error("refresh branches", "error", err)
	}
	branch, err := r.e.Branches.ForVersion(req.Version)
	if err != nil {
		return nil, err
	}
	snap, err := r.e.Cache.Snapshot(req.Version, req.Target, branch)
	if err != nil {
		return nil, err
	}

	if r.e.Sandbox != nil {
		if err := r.publish(PhaseContainerSetup); err != nil {
			return nil, err
		}
		ex, err := r.e.Sandbox.Prepare(r.ctx, req.Version, req.Target)
		if err != nil {
			return nil, err
		}
		snap.Exec = ex
	}

	unlock, err := snap.Lock(r.ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acquired, err := snap.Ensure(r.ctx)
	if err != nil {
		return nil, fmt.Errorf("setup toolchain: %w", err)
	}
	if acquired {
		r.log.Note("setup", "acquired toolchain %s for %s", req.Version, req.Target)
	}

	info, err := snap.Info(r.ctx, req.Profile)
	if err != nil {
		return nil, err
	}
	if err := r.publish(PhaseValidateRevision); err != nil {
		return nil, err
	}
	if req.VersionCode != "" && info.Revision != req.VersionCode {
		return nil, &RevisionMismatchError{Got: info.Revision, Requested: req.VersionCode}
	}

	sel, err := r.e.Resolver.Resolve(packages.Input{
		Version:         req.Version,
		Target:          req.Target,
		Profile:         req.Profile,
		Packages:        req.PackageList(),
		Branch:          branch,
		Diff:            req.DiffPackages,
		DefaultPackages: info.DefaultPackages,
		ProfilePackages: info.ProfilePackages,
	})
	if err != nil {
		return nil, err
	}

	restore, err := snap.UseRepositories(req.Repositories, req.RepositoryKeys)
	if err != nil {
		return nil, err
	}
	defer restore()

	if err := r.publish(PhaseValidateManifest); err != nil {
		return nil, err
	}
	manifest, res, err := snap.Manifest(r.ctx, req.Profile, sel.BuildCmd)
	r.log.Add("manifest", []string{"make", "manifest", "PROFILE=" + req.Profile, "PACKAGES=" + strings.Join(sel.BuildCmd, " ")}, res)
	if err != nil {
		return nil, err
	}
	if err := CheckManifest(manifest, req.PackagesVersions); err != nil {
		return nil, err
	}

	packagesHash := hasher.Packages(manifest.Names())
	rel := artifacts.Rel(req, packagesHash)
	binDir, err := r.e.Store.Dir(rel)
	if err != nil {
		return nil, err
	}

	opts := imagebuilder.BuildOptions{
		Profile:        req.Profile,
		Packages:       sel.BuildCmd,
		ExtraImageName: packagesHash[:12],
		BinDir:         binDir,
		Defaults:       req.Defaults,
		Filesystem:     req.Filesystem,
	}
	if req.RootfsSizeMB != nil {
		opts.RootfsSizeMB = *req.RootfsSizeMB
	}
	r.meta.BinDir = rel
	r.meta.BuildCmd = snap.Args(opts)
	// The job must reference the directory before it exists so the
	// collector never sees it unreferenced.
	if err := r.publish(PhaseBuildingImage); err != nil {
		return nil, err
	}
	r.rel = rel

	out, err := snap.Build(r.ctx, opts)
	r.log.Add("image", r.meta.BuildCmd, out.Result)
	if err != nil {
		return nil, err
	}

	result, err := Result(out.Summary, req.Profile, manifest, rel, sel.BuildCmd)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	r.meta.Detail = "done"
	if err := r.publish(PhaseDone); err != nil {
		return nil, err
	}
	r.e.log().Info("build finished", "request_hash", r.id, "bin_dir", rel)
	return data, nil
}

// writeLog stores the build log next to the artifacts, or in the
// request's failure directory when the build stopped before resolution.
func (r *run) writeLog() {
	if r.rel == "" || r.log.Len() == 0 {
		return
	}
	if err := r.e.Store.WriteFile(r.rel, artifacts.BuildLog, []byte(r.log.String())); err != nil {
		r.e.log().Error("write build log", "bin_dir", r.rel, "error", err)
	}
}

// CheckManifest verifies every pinned package resolved to exactly the
// requested version. Packages are checked in name order.
func CheckManifest(manifest imagebuilder.Manifest, pinned map[string]string) error {
	names := make([]string, 0, len(pinned))
	for name := range pinned {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		want := pinned[name]
		pkg := strings.TrimPrefix(name, "+")
		got, ok := manifest[pkg]
		if !ok {
			return &ImpossibleVersionError{Package: pkg, Requested: want}
		}
		if got != want {
			return &ImpossibleVersionError{Package: pkg, Requested: want, Resolved: got}
		}
	}
	return nil
}
