package imagebuilder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/imagebuild/pkg/registry"
)

type scriptedExec struct {
	mu       sync.Mutex
	commands [][]string
	handle   func(cmd Command) Result
}

func (s *scriptedExec) Run(_ context.Context, cmd Command) (Result, error) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd.Args)
	s.mu.Unlock()
	return s.handle(cmd), nil
}

func arg(cmd Command, key string) string {
	for _, a := range cmd.Args {
		if v, ok := strings.CutPrefix(a, key+"="); ok {
			return v
		}
	}
	return ""
}

func newToolchain(t *testing.T, handle func(cmd Command) Result) (*Snapshot, *scriptedExec) {
	t.Helper()
	ex := &scriptedExec{handle: handle}
	c := &Cache{Root: t.TempDir(), Exec: ex}
	snap, err := c.Snapshot("23.05.2", "ath79/generic", registry.Branch{Path: "releases/{version}"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(snap.Dir, 0o755))
	config := "CONFIG_TARGET_ROOTFS_SQUASHFS=y\n# CONFIG_TARGET_ROOTFS_EXT4FS is not set\n"
	require.NoError(t, os.WriteFile(filepath.Join(snap.Dir, ".config.orig"), []byte(config), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(snap.Dir, ".config"), []byte(config), 0o644))
	return snap, ex
}

func TestManifestParsesOutput(t *testing.T) {
	snap, ex := newToolchain(t, func(cmd Command) Result {
		return Result{Stdout: "busybox - 1.36.1-1\nvim - 9.0-1\n"}
	})
	m, _, err := snap.Manifest(context.Background(), "generic", []string{"vim", "-ppp"})
	require.NoError(t, err)
	require.Equal(t, Manifest{"busybox": "1.36.1-1", "vim": "9.0-1"}, m)
	require.Equal(t, []string{"make", "manifest", "PROFILE=generic", "PACKAGES=vim -ppp", "STRIP_ABI=1"}, ex.commands[0])
}

func TestManifestClassifiesFailure(t *testing.T) {
	snap, _ := newToolchain(t, func(cmd Command) Result {
		return Result{ExitCode: 2, Stderr: " * opkg_install_cmd: Cannot install package nope.\n"}
	})
	_, _, err := snap.Manifest(context.Background(), "generic", []string{"nope"})
	var sel *PackageSelectionError
	require.ErrorAs(t, err, &sel)
	require.Equal(t, []string{"nope"}, sel.Missing)
}

func TestBuildClassifiesFailure(t *testing.T) {
	snap, _ := newToolchain(t, func(cmd Command) Result {
		if len(cmd.Args) > 1 && cmd.Args[1] == "image" {
			return Result{ExitCode: 2, Stderr: " * opkg_install_cmd: Cannot install package nope.\n"}
		}
		return Result{}
	})
	_, err := snap.Build(context.Background(), BuildOptions{Profile: "generic", Packages: []string{"nope"}, BinDir: t.TempDir()})
	var sel *PackageSelectionError
	require.ErrorAs(t, err, &sel)
	require.Equal(t, []string{"nope"}, sel.Missing)
	require.Equal(t, "Impossible package selection: missing (nope)", err.Error())
}

func profilesJSON(binDir string) {
	os.WriteFile(filepath.Join(binDir, "profiles.json"), []byte(`{"profiles":{"generic":{"images":[]}},"source_date_epoch":"1700000000"}`), 0o644)
}

func TestBuildWritesOverlayAndConfig(t *testing.T) {
	var sawOverlay, sawConfig string
	var snap *Snapshot
	snap, ex := newToolchain(t, func(cmd Command) Result {
		if len(cmd.Args) > 1 && cmd.Args[1] == "image" {
			data, _ := os.ReadFile(filepath.Join(snap.Dir, defaultsOverlay))
			sawOverlay = string(data)
			data, _ = os.ReadFile(filepath.Join(snap.Dir, ".config"))
			sawConfig = string(data)
			profilesJSON(arg(cmd, "BIN_DIR"))
		}
		return Result{}
	})

	binDir := filepath.Join(t.TempDir(), "out")
	out, err := snap.Build(context.Background(), BuildOptions{
		Profile:        "generic",
		Packages:       []string{"vim"},
		ExtraImageName: "abcdef012345",
		BinDir:         binDir,
		Defaults:       "echo hi",
		Filesystem:     "ext4",
		RootfsSizeMB:   256,
	})
	require.NoError(t, err)
	require.Contains(t, out.Summary, "profiles")
	require.Equal(t, "echo hi", sawOverlay)
	require.Contains(t, sawConfig, "CONFIG_TARGET_ROOTFS_EXT4FS=y")
	require.Contains(t, sawConfig, "# CONFIG_TARGET_ROOTFS_SQUASHFS is not set")
	require.NoFileExists(t, filepath.Join(snap.Dir, defaultsOverlay))

	image := ex.commands[0]
	require.Contains(t, image, "EXTRA_IMAGE_NAME=abcdef012345")
	require.Contains(t, image, "ROOTFS_PARTSIZE=256")
	require.Contains(t, image, "FILES="+filepath.Join(snap.Dir, "files"))

	// a plain build gets the pristine config back
	_, err = snap.Build(context.Background(), BuildOptions{Profile: "generic", BinDir: binDir})
	require.NoError(t, err)
	require.Contains(t, sawConfig, "CONFIG_TARGET_ROOTFS_SQUASHFS=y")
	require.Empty(t, sawOverlay)
}

func TestBuildSizeMarker(t *testing.T) {
	snap, _ := newToolchain(t, func(cmd Command) Result {
		if len(cmd.Args) > 1 && cmd.Args[1] == "image" {
			return Result{ExitCode: 2, Stderr: "WARNING: Image file is too big: 9000000 > 8000000\n"}
		}
		return Result{}
	})
	_, err := snap.Build(context.Background(), BuildOptions{Profile: "generic", BinDir: t.TempDir()})
	require.ErrorIs(t, err, ErrImageTooBig)
}

func TestBuildFailureAndMissingSummary(t *testing.T) {
	snap, _ := newToolchain(t, func(cmd Command) Result {
		if len(cmd.Args) > 1 && cmd.Args[1] == "image" {
			return Result{ExitCode: 1, Stderr: "boom"}
		}
		return Result{}
	})
	_, err := snap.Build(context.Background(), BuildOptions{Profile: "generic", BinDir: t.TempDir()})
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)

	snap, _ = newToolchain(t, func(cmd Command) Result { return Result{} })
	_, err = snap.Build(context.Background(), BuildOptions{Profile: "generic", BinDir: t.TempDir()})
	require.ErrorIs(t, err, ErrNoSummary)
}

func TestInfo(t *testing.T) {
	snap, _ := newToolchain(t, func(cmd Command) Result { return Result{Stdout: infoOutput} })
	info, err := snap.Info(context.Background(), "tplink_archer-c7-v2")
	require.NoError(t, err)
	require.Equal(t, "r23630-842932a63d", info.Revision)
}

func TestUseRepositories(t *testing.T) {
	snap, _ := newToolchain(t, func(cmd Command) Result { return Result{} })
	conf := filepath.Join(snap.Dir, "repositories.conf")
	require.NoError(t, os.WriteFile(conf, []byte("src/gz base https://downloads.openwrt.org/base\n"), 0o644))

	restore, err := snap.UseRepositories(
		map[string]string{"extra": "https://feed.example.org/x", "aaa": "https://feed.example.org/a"},
		[]string{"RWSrHfFmlHslUcLbXFIRp+eEikWF9z1N77IJiX5Bt/nJd1a/x+L+SU89"},
	)
	require.NoError(t, err)
	data, err := os.ReadFile(conf)
	require.NoError(t, err)
	require.Equal(t, "src/gz aaa https://feed.example.org/a\nsrc/gz extra https://feed.example.org/x\nsrc imagebuilder file:packages\noption check_signature\n", string(data))
	require.FileExists(t, filepath.Join(snap.Dir, "keys", "ab1df166947b2551"))

	restore()
	data, err = os.ReadFile(conf)
	require.NoError(t, err)
	require.Equal(t, "src/gz base https://downloads.openwrt.org/base\n", string(data))
	require.NoFileExists(t, filepath.Join(snap.Dir, "keys", "ab1df166947b2551"))
}
