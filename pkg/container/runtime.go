// Package container runs toolchain commands inside a container runtime
// and reclaims what those runs leave behind.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	docker "github.com/fsouza/go-dockerclient"

	"github.com/vyvo/imagebuild/pkg/imagebuilder"
	"github.com/vyvo/imagebuild/pkg/request"
)

// Label marks containers created by this package.
const Label = "io.imagebuild.owner"

// Client is the part of the Docker API used here.
type Client interface {
	InspectImage(name string) (*docker.Image, error)
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	WaitContainerWithContext(id string, ctx context.Context) (int, error)
	Logs(opts docker.LogsOptions) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
	PruneContainers(opts docker.PruneContainersOptions) (*docker.PruneContainersResults, error)
	PruneImages(opts docker.PruneImagesOptions) (*docker.PruneImagesResults, error)
	PruneVolumes(opts docker.PruneVolumesOptions) (*docker.PruneVolumesResults, error)
}

// Logger is the logging surface used by the runtime.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Runtime executes commands in throwaway containers of Image. Every path
// in Mounts is bind mounted at the same location, so host paths work
// unchanged inside the container.
type Runtime struct {
	Client Client
	Image  string
	Mounts []string
	User   string
	Logger Logger
}

// New connects to endpoint, or to the environment's Docker configuration
// when endpoint is empty.
func New(endpoint, image string, mounts []string, logger Logger) (*Runtime, error) {
	var (
		client *docker.Client
		err    error
	)
	if endpoint == "" {
		client, err = docker.NewClientFromEnv()
	} else {
		client, err = docker.NewClient(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runtime{Client: client, Image: image, Mounts: mounts, Logger: logger}, nil
}

func (r *Runtime) log() Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// EnsureImage pulls Image unless it is already present.
func (r *Runtime) EnsureImage(ctx context.Context) error {
	if _, err := r.Client.InspectImage(r.Image); err == nil {
		return nil
	} else if !errors.Is(err, docker.ErrNoSuchImage) {
		return fmt.Errorf("inspect %s: %w", r.Image, err)
	}
	repo, tag := splitImage(r.Image)
	r.log().Info("pulling image", "image", r.Image)
	err := r.Client.PullImage(docker.PullImageOptions{Repository: repo, Tag: tag, Context: ctx}, docker.AuthConfiguration{})
	if err != nil {
		return fmt.Errorf("image not found: %s: %w", r.Image, err)
	}
	return nil
}

// Run implements imagebuilder.Executor.
func (r *Runtime) Run(ctx context.Context, cmd imagebuilder.Command) (imagebuilder.Result, error) {
	if len(cmd.Args) == 0 {
		return imagebuilder.Result{}, errors.New("empty command")
	}
	binds := make([]string, 0, len(r.Mounts))
	for _, m := range r.Mounts {
		binds = append(binds, m+":"+m)
	}
	c, err := r.Client.CreateContainer(docker.CreateContainerOptions{
		Config: &docker.Config{
			Image:      r.Image,
			Cmd:        cmd.Args,
			Env:        cmd.Env,
			WorkingDir: cmd.Dir,
			User:       r.User,
			Labels:     map[string]string{Label: "imagebuild"},
		},
		HostConfig: &docker.HostConfig{
			Binds:       binds,
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
		},
		Context: ctx,
	})
	if err != nil {
		return imagebuilder.Result{}, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		// ctx may already be done; removal must still happen.
		if err := r.Client.RemoveContainer(docker.RemoveContainerOptions{ID: c.ID, Force: true, RemoveVolumes: true}); err != nil {
			r.log().Error("remove container", "id", c.ID, "error", err)
		}
	}()

	if err := r.Client.StartContainerWithContext(c.ID, nil, ctx); err != nil {
		return imagebuilder.Result{}, fmt.Errorf("start container: %w", err)
	}
	code, err := r.Client.WaitContainerWithContext(c.ID, ctx)
	if err != nil {
		return imagebuilder.Result{}, fmt.Errorf("wait container: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = r.Client.Logs(docker.LogsOptions{
		Context:      ctx,
		Container:    c.ID,
		OutputStream: &stdout,
		ErrorStream:  &stderr,
		Stdout:       true,
		Stderr:       true,
	})
	if err != nil {
		return imagebuilder.Result{ExitCode: code}, fmt.Errorf("container logs: %w", err)
	}
	return imagebuilder.Result{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Reclaimed is what one prune category freed.
type Reclaimed struct {
	Kind  string
	Count int
	Bytes int64
}

// Prune removes stopped containers, dangling images and unused volumes.
// Every category is attempted; the first error is returned after all ran.
func (r *Runtime) Prune(ctx context.Context) ([]Reclaimed, error) {
	var (
		out      []Reclaimed
		firstErr error
	)
	fail := func(kind string, err error) {
		r.log().Error("prune failed", "kind", kind, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("prune %s: %w", kind, err)
		}
	}

	if res, err := r.Client.PruneContainers(docker.PruneContainersOptions{Context: ctx}); err != nil {
		fail("containers", err)
	} else {
		out = append(out, Reclaimed{Kind: "containers", Count: len(res.ContainersDeleted), Bytes: res.SpaceReclaimed})
	}
	if res, err := r.Client.PruneImages(docker.PruneImagesOptions{
		Filters: map[string][]string{"dangling": {"true"}},
		Context: ctx,
	}); err != nil {
		fail("images", err)
	} else {
		out = append(out, Reclaimed{Kind: "images", Count: len(res.ImagesDeleted), Bytes: res.SpaceReclaimed})
	}
	if res, err := r.Client.PruneVolumes(docker.PruneVolumesOptions{Context: ctx}); err != nil {
		fail("volumes", err)
	} else {
		out = append(out, Reclaimed{Kind: "volumes", Count: len(res.VolumesDeleted), Bytes: res.SpaceReclaimed})
	}

	for _, rc := range out {
		r.log().Info("pruned", "kind", rc.Kind, "count", rc.Count, "bytes", rc.Bytes)
	}
	return out, firstErr
}

// ImageFor returns the published image reference for a target and version,
// e.g. ghcr.io/openwrt/imagebuilder:ath79-generic-v23.05.2.
func ImageFor(base, target, version string) string {
	return base + ":" + strings.ReplaceAll(target, "/", "-") + "-" + request.ContainerVersionTag(version)
}

// For returns a runtime whose image matches target and version. Image is
// treated as the repository part.
func (r *Runtime) For(target, version string) *Runtime {
	cp := *r
	cp.Image = ImageFor(r.Image, target, version)
	return &cp
}

// Prepare pulls the image for target and version and returns the runtime
// that runs that snapshot's commands.
func (r *Runtime) Prepare(ctx context.Context, version, target string) (imagebuilder.Executor, error) {
	rt := r.For(target, version)
	if err := rt.EnsureImage(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

func splitImage(image string) (string, string) {
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon > slash {
		return image[:colon], image[colon+1:]
	}
	return image, "latest"
}
