package container

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/imagebuild/pkg/imagebuilder"
)

type fakeClient struct {
	images   map[string]bool
	pulled   []string
	created  []docker.CreateContainerOptions
	removed  []string
	exit     int
	stdout   string
	stderr   string
	pruneErr error
}

func (f *fakeClient) InspectImage(name string) (*docker.Image, error) {
	if f.images[name] {
		return &docker.Image{ID: name}, nil
	}
	return nil, docker.ErrNoSuchImage
}

func (f *fakeClient) PullImage(opts docker.PullImageOptions, _ docker.AuthConfiguration) error {
	f.pulled = append(f.pulled, opts.Repository+":"+opts.Tag)
	return nil
}

func (f *fakeClient) CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error) {
	f.created = append(f.created, opts)
	return &docker.Container{ID: "c1"}, nil
}

func (f *fakeClient) StartContainerWithContext(string, *docker.HostConfig, context.Context) error {
	return nil
}

func (f *fakeClient) WaitContainerWithContext(string, context.Context) (int, error) {
	return f.exit, nil
}

func (f *fakeClient) Logs(opts docker.LogsOptions) error {
	io.WriteString(opts.OutputStream, f.stdout)
	io.WriteString(opts.ErrorStream, f.stderr)
	return nil
}

func (f *fakeClient) RemoveContainer(opts docker.RemoveContainerOptions) error {
	f.removed = append(f.removed, opts.ID)
	return nil
}

func (f *fakeClient) PruneContainers(docker.PruneContainersOptions) (*docker.PruneContainersResults, error) {
	return &docker.PruneContainersResults{ContainersDeleted: []string{"a", "b"}, SpaceReclaimed: 100}, nil
}

func (f *fakeClient) PruneImages(docker.PruneImagesOptions) (*docker.PruneImagesResults, error) {
	if f.pruneErr != nil {
		return nil, f.pruneErr
	}
	var res docker.PruneImagesResults
	err := json.Unmarshal([]byte(`{"ImagesDeleted":[{"Deleted":"sha256:0f"}],"SpaceReclaimed":2048}`), &res)
	return &res, err
}

func (f *fakeClient) PruneVolumes(docker.PruneVolumesOptions) (*docker.PruneVolumesResults, error) {
	return &docker.PruneVolumesResults{VolumesDeleted: []string{"v"}, SpaceReclaimed: 1}, nil
}

func TestRunMountsAndCollectsOutput(t *testing.T) {
	fc := &fakeClient{exit: 2, stdout: "out", stderr: "err"}
	rt := &Runtime{Client: fc, Image: "builder:latest", Mounts: []string{"/srv/cache", "/srv/public"}}

	res, err := rt.Run(context.Background(), imagebuilder.Command{Dir: "/srv/cache/23.05.2/ath79/generic", Args: []string{"make", "info"}})
	require.NoError(t, err)
	require.Equal(t, imagebuilder.Result{ExitCode: 2, Stdout: "out", Stderr: "err"}, res)

	require.Len(t, fc.created, 1)
	opts := fc.created[0]
	require.Equal(t, []string{"make", "info"}, opts.Config.Cmd)
	require.Equal(t, "/srv/cache/23.05.2/ath79/generic", opts.Config.WorkingDir)
	require.Equal(t, []string{"/srv/cache:/srv/cache", "/srv/public:/srv/public"}, opts.HostConfig.Binds)
	require.Equal(t, []string{"c1"}, fc.removed)
}

func TestEnsureImage(t *testing.T) {
	fc := &fakeClient{images: map[string]bool{"builder:1": true}}
	rt := &Runtime{Client: fc, Image: "builder:1"}
	require.NoError(t, rt.EnsureImage(context.Background()))
	require.Empty(t, fc.pulled)

	rt = (&Runtime{Client: fc, Image: "ghcr.io/openwrt/imagebuilder"}).For("ath79/generic", "23.05.2")
	require.Equal(t, "ghcr.io/openwrt/imagebuilder:ath79-generic-v23.05.2", rt.Image)
	require.NoError(t, rt.EnsureImage(context.Background()))
	require.Equal(t, []string{"ghcr.io/openwrt/imagebuilder:ath79-generic-v23.05.2"}, fc.pulled)
}

func TestImageFor(t *testing.T) {
	require.Equal(t, "ghcr.io/openwrt/imagebuilder:x86-64-master", ImageFor("ghcr.io/openwrt/imagebuilder", "x86/64", "SNAPSHOT"))
	require.Equal(t, "ghcr.io/openwrt/imagebuilder:ath79-generic-openwrt-24.10", ImageFor("ghcr.io/openwrt/imagebuilder", "ath79/generic", "24.10-SNAPSHOT"))
}

func TestPruneReportsEveryCategory(t *testing.T) {
	fc := &fakeClient{}
	rt := &Runtime{Client: fc}
	got, err := rt.Prune(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Reclaimed{
		{Kind: "containers", Count: 2, Bytes: 100},
		{Kind: "images", Count: 1, Bytes: 2048},
		{Kind: "volumes", Count: 1, Bytes: 1},
	}, got)

	fc.pruneErr = errors.New("daemon busy")
	got, err = rt.Prune(context.Background())
	require.Error(t, err)
	require.Len(t, got, 2)
}

func TestPreparePullsPerTargetImage(t *testing.T) {
	fc := &fakeClient{}
	base := &Runtime{Client: fc, Image: "ghcr.io/openwrt/imagebuilder", Mounts: []string{"/srv/cache"}}

	ex, err := base.Prepare(context.Background(), "SNAPSHOT", "x86/64")
	require.NoError(t, err)
	rt, ok := ex.(*Runtime)
	require.True(t, ok)
	require.Equal(t, "ghcr.io/openwrt/imagebuilder:x86-64-master", rt.Image)
	require.Equal(t, []string{"/srv/cache"}, rt.Mounts)
	require.Equal(t, "ghcr.io/openwrt/imagebuilder", base.Image)
	require.Equal(t, []string{"ghcr.io/openwrt/imagebuilder:x86-64-master"}, fc.pulled)
}
