package imagebuilder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vyvo/imagebuild/pkg/signify"
)

const defaultsOverlay = "files/etc/uci-defaults/99-asu-defaults"

var (
	sizeMarkers = []string{"is too big", "out of space?"}
	filesystems = []string{"squashfs", "ext4fs", "ubifs", "jffs2"}
)

func (s *Snapshot) run(ctx context.Context, args ...string) (Result, error) {
	ex := s.Exec
	if ex == nil {
		ex = s.cache.exec()
	}
	return ex.Run(ctx, Command{Dir: s.Dir, Args: args})
}

// Info runs "make info" and parses it for profile.
func (s *Snapshot) Info(ctx context.Context, profile string) (Info, error) {
	res, err := s.run(ctx, "make", "info")
	if err != nil {
		return Info{}, fmt.Errorf("make info: %w", err)
	}
	if res.ExitCode != 0 {
		return Info{}, fmt.Errorf("make info: exit status %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseInfo(res.Stdout, profile)
}

// Manifest resolves packages for profile without building. Resolution
// failures come back as *PackageSelectionError.
func (s *Snapshot) Manifest(ctx context.Context, profile string, packages []string) (Manifest, Result, error) {
	res, err := s.run(ctx,
		"make", "manifest",
		"PROFILE="+profile,
		"PACKAGES="+strings.Join(packages, " "),
		"STRIP_ABI=1",
	)
	if err != nil {
		return nil, res, fmt.Errorf("make manifest: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, res, Classify(res.Stdout + "\n" + res.Stderr)
	}
	m, err := ParseManifest(res.Stdout)
	return m, res, err
}

// BuildOptions describes one image step.
type BuildOptions struct {
	Profile  string
	Packages []string
	// ExtraImageName namespaces output file names inside BinDir.
	ExtraImageName string
	BinDir         string
	Defaults       string
	Filesystem     string
	RootfsSizeMB   int
}

// Args returns the make invocation for opts, as recorded in job metadata.
func (s *Snapshot) Args(opts BuildOptions) []string {
	args := []string{
		"make", "image",
		"PROFILE=" + opts.Profile,
		"PACKAGES=" + strings.Join(opts.Packages, " "),
		"EXTRA_IMAGE_NAME=" + opts.ExtraImageName,
		"BIN_DIR=" + opts.BinDir,
	}
	if opts.Defaults != "" {
		args = append(args, "FILES="+filepath.Join(s.Dir, "files"))
	}
	if opts.RootfsSizeMB > 0 {
		args = append(args, "ROOTFS_PARTSIZE="+strconv.Itoa(opts.RootfsSizeMB))
	}
	return args
}

// BuildOutput is what a successful image step left in BinDir.
type BuildOutput struct {
	Result
	// Summary is the decoded profiles.json emitted by the toolchain.
	Summary map[string]any
}

// Build runs the image step. The first boot script and filesystem
// selection only live for the duration of the call.
func (s *Snapshot) Build(ctx context.Context, opts BuildOptions) (BuildOutput, error) {
	if err := s.configure(opts.Filesystem); err != nil {
		return BuildOutput{}, err
	}
	overlay := filepath.Join(s.Dir, defaultsOverlay)
	if opts.Defaults != "" {
		if err := os.MkdirAll(filepath.Dir(overlay), 0o755); err != nil {
			return BuildOutput{}, err
		}
		if err := os.WriteFile(overlay, []byte(opts.Defaults), 0o644); err != nil {
			return BuildOutput{}, err
		}
	}
	defer os.Remove(overlay)
	if err := os.MkdirAll(opts.BinDir, 0o755); err != nil {
		return BuildOutput{}, err
	}

	res, err := s.run(ctx, s.Args(opts)...)
	out := BuildOutput{Result: res}
	if err != nil {
		return out, fmt.Errorf("make image: %w", err)
	}
	s.cleanup(ctx)

	for _, marker := range sizeMarkers {
		if strings.Contains(res.Stderr, marker) {
			return out, ErrImageTooBig
		}
	}
	if res.ExitCode != 0 {
		if sel := Classify(res.Stdout + "\n" + res.Stderr); len(sel.Missing) > 0 || len(sel.Conflicts) > 0 {
			return out, sel
		}
		return out, &BuildError{ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	data, err := os.ReadFile(filepath.Join(opts.BinDir, "profiles.json"))
	if errors.Is(err, os.ErrNotExist) {
		return out, ErrNoSummary
	}
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out.Summary); err != nil {
		return out, fmt.Errorf("decode profiles.json: %w", err)
	}
	return out, nil
}

// configure restores the pristine .config, then enables only the
// filesystems whose name starts with filesystem ("ext4" selects ext4fs).
func (s *Snapshot) configure(filesystem string) error {
	orig := filepath.Join(s.Dir, ".config.orig")
	cfg := filepath.Join(s.Dir, ".config")
	data, err := os.ReadFile(orig)
	if os.IsNotExist(err) {
		if filesystem == "" {
			return nil
		}
		data, err = os.ReadFile(cfg)
	}
	if err != nil {
		return fmt.Errorf("read build config: %w", err)
	}

	text := string(data)
	if filesystem != "" {
		for _, fs := range filesystems {
			key := "CONFIG_TARGET_ROOTFS_" + strings.ToUpper(fs)
			on, off := key+"=y", "# "+key+" is not set"
			if strings.HasPrefix(fs, filesystem) {
				text = strings.ReplaceAll(text, off, on)
			} else {
				text = strings.ReplaceAll(text, on, off)
			}
		}
	}
	return os.WriteFile(cfg, []byte(text), 0o644)
}

// cleanup drops the kernel build scratch directory, which otherwise grows
// with every image.
func (s *Snapshot) cleanup(ctx context.Context) {
	res, err := s.run(ctx, "make", "val.KERNEL_BUILD_DIR")
	if err != nil || res.ExitCode != 0 {
		return
	}
	dir := strings.TrimSpace(res.Stdout)
	if dir == "" || !filepath.IsAbs(dir) {
		return
	}
	if err := os.RemoveAll(filepath.Join(dir, "tmp")); err != nil {
		s.cache.log().Error("remove kernel tmp", "dir", dir, "error", err)
	}
}

// UseRepositories points the package manager at extra feeds and trusts
// extra keys until the returned restore function runs.
func (s *Snapshot) UseRepositories(repos map[string]string, keys []string) (func(), error) {
	if len(repos) == 0 && len(keys) == 0 {
		return func() {}, nil
	}
	conf := filepath.Join(s.Dir, "repositories.conf")
	orig, err := os.ReadFile(conf)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	hadConf := err == nil

	var written []string
	restore := func() {
		for _, p := range written {
			os.Remove(p)
		}
		if hadConf {
			os.WriteFile(conf, orig, 0o644)
		} else if len(repos) > 0 {
			os.Remove(conf)
		}
	}

	if len(keys) > 0 {
		if err := os.MkdirAll(filepath.Join(s.Dir, "keys"), 0o755); err != nil {
			return nil, err
		}
	}
	for _, key := range keys {
		fp, err := signify.Fingerprint(key)
		if err != nil {
			restore()
			return nil, fmt.Errorf("repository key: %w", err)
		}
		path := filepath.Join(s.Dir, "keys", fp)
		if err := os.WriteFile(path, []byte("untrusted comment: "+fp+"\n"+key+"\n"), 0o644); err != nil {
			restore()
			return nil, err
		}
		written = append(written, path)
	}

	if len(repos) > 0 {
		names := make([]string, 0, len(repos))
		for name := range repos {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		for _, name := range names {
			fmt.Fprintf(&b, "src/gz %s %s\n", name, repos[name])
		}
		b.WriteString("src imagebuilder file:packages\noption check_signature\n")
		if err := os.WriteFile(conf, []byte(b.String()), 0o644); err != nil {
			restore()
			return nil, err
		}
	}
	return restore, nil
}
