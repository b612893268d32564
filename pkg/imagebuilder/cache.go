// Package imagebuilder manages toolchain snapshots: acquiring and verifying
// the published archive for a (version, target) pair, keeping it current,
// and driving its manifest and image steps.
package imagebuilder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/vyvo/imagebuild/pkg/registry"
	"github.com/vyvo/imagebuild/pkg/signify"
)

const (
	sumsFile = "sha256sums"
	sigFile  = "sha256sums.sig"
)

var archiveRe = regexp.MustCompile(`(?m)^([0-9a-f]{64}) \*(openwrt-imagebuilder-.+?\.Linux-x86_64\.tar\.xz)$`)

// Logger is the logging surface used by this package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Cache owns the on-disk toolchain snapshots below Root.
type Cache struct {
	Root        string
	UpstreamURL string
	Client      *http.Client
	Exec        Executor
	Extractor   Extractor
	Logger      Logger
	// LockPoll is how often a blocked Lock retries.
	LockPoll time.Duration
}

func (c *Cache) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *Cache) exec() Executor {
	if c.Exec != nil {
		return c.Exec
	}
	return LocalExecutor{}
}

func (c *Cache) extractor() Extractor {
	if c.Extractor != nil {
		return c.Extractor
	}
	return TarExtractor{Exec: c.exec()}
}

func (c *Cache) log() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Snapshot returns the handle for one toolchain. It touches nothing on disk.
func (c *Cache) Snapshot(version, target string, branch registry.Branch) (*Snapshot, error) {
	dir, err := securejoin.SecureJoin(c.Root, filepath.Join(version, target))
	if err != nil {
		return nil, fmt.Errorf("snapshot path: %w", err)
	}
	remote := strings.TrimRight(c.UpstreamURL, "/") + "/" + branch.VersionPath(version) + "/targets/" + target
	return &Snapshot{
		cache:     c,
		Version:   version,
		Target:    target,
		PublicKey: branch.PublicKey,
		Dir:       dir,
		remote:    remote,
	}, nil
}

// Snapshot is one extracted toolchain.
type Snapshot struct {
	cache     *Cache
	Version   string
	Target    string
	PublicKey string
	Dir       string
	// Exec overrides the cache executor for toolchain commands, e.g. to
	// run them in a per-target container.
	Exec   Executor
	remote string
}

// URL returns the upstream location of a file next to the archive.
func (s *Snapshot) URL(name string) string {
	return s.remote + "/" + name
}

// Lock takes the snapshot's exclusive lock, shared by every process using
// the same cache root. Refresh and builds both run under it.
func (s *Snapshot) Lock(ctx context.Context) (func() error, error) {
	path := s.Dir + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	poll := s.cache.LockPoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	lk := flock.New(path)
	ok, err := lk.TryLockContext(ctx, poll)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: not acquired", path)
	}
	return lk.Unlock, nil
}

// Exists reports whether an extracted toolchain is present.
func (s *Snapshot) Exists() bool {
	_, err := os.Stat(filepath.Join(s.Dir, "Makefile"))
	return err == nil
}

// LocalStamp is the modification time of the stored signature file.
func (s *Snapshot) LocalStamp() (time.Time, error) {
	info, err := os.Stat(filepath.Join(s.Dir, sigFile))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Stale reports whether the snapshot must be (re)acquired: it is missing
// or upstream published its signature after the local copy was written.
func (s *Snapshot) Stale(ctx context.Context) (bool, error) {
	if !s.Exists() {
		return true, nil
	}
	local, err := s.LocalStamp()
	if err != nil {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URL(sigFile), nil)
	if err != nil {
		return false, err
	}
	resp, err := s.cache.client().Do(req)
	if err != nil {
		return false, fmt.Errorf("head %s: %w", sigFile, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("head %s: %s", sigFile, resp.Status)
	}
	lm := resp.Header.Get("Last-Modified")
	if lm == "" {
		return false, nil
	}
	remote, err := http.ParseTime(lm)
	if err != nil {
		return false, fmt.Errorf("parse Last-Modified %q: %w", lm, err)
	}
	return remote.After(local), nil
}

// Ensure makes the snapshot present and current, acquiring it when Stale
// says so. It reports whether an acquisition happened. Callers hold Lock.
func (s *Snapshot) Ensure(ctx context.Context) (bool, error) {
	stale, err := s.Stale(ctx)
	if err != nil {
		if s.Exists() {
			s.cache.log().Error("staleness check failed, using local toolchain",
				"version", s.Version, "target", s.Target, "error", err)
			return false, nil
		}
		return false, err
	}
	if !stale {
		return false, nil
	}
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Snapshot) acquire(ctx context.Context) error {
	log := s.cache.log()
	log.Info("acquiring toolchain", "version", s.Version, "target", s.Target, "url", s.remote)

	sums, err := s.fetch(ctx, sumsFile)
	if err != nil {
		return err
	}
	sig, err := s.fetch(ctx, sigFile)
	if err != nil {
		return err
	}
	if s.PublicKey == "" {
		return fmt.Errorf("%w: no public key for %s", ErrBadSignature, s.Version)
	}
	if !signify.Verify(sums, string(sig), s.PublicKey) {
		return ErrBadSignature
	}

	m := archiveRe.FindSubmatch(sums)
	if m == nil {
		return ErrNoArchive
	}
	wantSum, archiveName := string(m[1]), string(m[2])

	if err := os.MkdirAll(s.cache.Root, 0o755); err != nil {
		return err
	}
	archive := filepath.Join(s.cache.Root, ".download-"+uuid.NewString()+"-"+archiveName)
	defer os.Remove(archive)

	gotSum, err := s.download(ctx, archiveName, archive)
	if err != nil {
		return err
	}
	if gotSum != wantSum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, archiveName)
	}

	staging := s.Dir + ".new-" + uuid.NewString()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	if err := s.cache.extractor().Extract(ctx, archive, staging); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := copyIfExists(filepath.Join(staging, ".config"), filepath.Join(staging, ".config.orig")); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, sumsFile), sums, 0o644); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, sigFile), sig, 0o644); err != nil {
		os.RemoveAll(staging)
		return err
	}

	if err := os.RemoveAll(s.Dir); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, s.Dir); err != nil {
		return err
	}
	log.Info("toolchain ready", "version", s.Version, "target", s.Target, "archive", archiveName)
	return nil
}

// Remove deletes the snapshot. Callers hold Lock.
func (s *Snapshot) Remove() error {
	return os.RemoveAll(s.Dir)
}

func (s *Snapshot) fetch(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.cache.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: %s", name, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (s *Snapshot) download(ctx context.Context, name, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(name), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.cache.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: %s", name, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyIfExists(src, dst string) error {
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
