package imagebuilder

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/imagebuild/pkg/registry"
	"github.com/vyvo/imagebuild/pkg/signify"
)

const archiveName = "openwrt-imagebuilder-23.05.2-ath79-generic.Linux-x86_64.tar.xz"

type upstream struct {
	mu           sync.Mutex
	archive      []byte
	sums         string
	sig          string
	lastModified time.Time
	gets         map[string]int
}

func newUpstream(t *testing.T, key ed25519.PrivateKey, keyNum [8]byte) *upstream {
	t.Helper()
	u := &upstream{archive: []byte("pretend this is xz"), gets: map[string]int{}}
	sum := sha256.Sum256(u.archive)
	u.sums = hex.EncodeToString(sum[:]) + " *" + archiveName + "\n" +
		strings.Repeat("0", 64) + " *openwrt-sdk-23.05.2-ath79-generic.Linux-x86_64.tar.xz\n"
	u.sig = signify.Sign(keyNum, key, []byte(u.sums))
	u.lastModified = time.Now().Add(-time.Hour)
	return u
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	prefix := "/releases/23.05.2/targets/ath79/generic/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, prefix)
	if r.Method == http.MethodGet {
		u.gets[name]++
	}
	w.Header().Set("Last-Modified", u.lastModified.UTC().Format(http.TimeFormat))
	switch name {
	case "sha256sums":
		w.Write([]byte(u.sums))
	case "sha256sums.sig":
		w.Write([]byte(u.sig))
	case archiveName:
		w.Write(u.archive)
	default:
		http.NotFound(w, r)
	}
}

func (u *upstream) count(name string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gets[name]
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeExtractor) Extract(_ context.Context, archive, dest string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, err := os.Stat(archive); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dest, "Makefile"), []byte("all:\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, ".config"), []byte("CONFIG_TARGET_ROOTFS_SQUASHFS=y\n"), 0o644)
}

type fixture struct {
	up        *upstream
	extractor *fakeExtractor
	cache     *Cache
	snap      *Snapshot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyNum := [8]byte{0xab, 0x1d, 0xf1, 0x66, 0x94, 0x7b, 0x25, 0x51}

	up := newUpstream(t, priv, keyNum)
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	ex := &fakeExtractor{}
	cache := &Cache{Root: t.TempDir(), UpstreamURL: srv.URL, Client: srv.Client(), Extractor: ex}
	branch := registry.Branch{Name: "23.05", Path: "releases/{version}", Enabled: true, PublicKey: signify.EncodePublicKey(keyNum, pub)}
	snap, err := cache.Snapshot("23.05.2", "ath79/generic", branch)
	require.NoError(t, err)
	return &fixture{up: up, extractor: ex, cache: cache, snap: snap}
}

func TestEnsureAcquiresMissingSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	refreshed, err := f.snap.Ensure(ctx)
	require.NoError(t, err)
	require.True(t, refreshed)
	require.True(t, f.snap.Exists())
	require.Equal(t, 1, f.extractor.calls)
	require.FileExists(t, filepath.Join(f.snap.Dir, ".config.orig"))
	require.FileExists(t, filepath.Join(f.snap.Dir, "sha256sums.sig"))

	entries, err := os.ReadDir(f.cache.Root)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".download-"), e.Name())
	}
}

func TestEnsureStaleness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.snap.Ensure(ctx)
	require.NoError(t, err)

	// local copy is newer than upstream
	refreshed, err := f.snap.Ensure(ctx)
	require.NoError(t, err)
	require.False(t, refreshed)
	require.Equal(t, 1, f.extractor.calls)
	require.Equal(t, 1, f.up.count("sha256sums"))

	// upstream published after the local copy was written
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.snap.Dir, "sha256sums.sig"), old, old))
	refreshed, err = f.snap.Ensure(ctx)
	require.NoError(t, err)
	require.True(t, refreshed)
	require.Equal(t, 2, f.extractor.calls)
	require.Equal(t, 2, f.up.count("sha256sums"))
}

func TestEnsureRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.up.sig = signify.Sign([8]byte{0xab, 0x1d, 0xf1, 0x66, 0x94, 0x7b, 0x25, 0x51}, otherKey, []byte(f.up.sums))

	_, err = f.snap.Ensure(context.Background())
	require.ErrorIs(t, err, ErrBadSignature)
	require.False(t, f.snap.Exists())
	require.Zero(t, f.up.count(archiveName))
}

func TestEnsureRejectsChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	f.up.archive = []byte("tampered")

	_, err := f.snap.Ensure(context.Background())
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.False(t, f.snap.Exists())
	require.Zero(t, f.extractor.calls)
}

func TestEnsureExtractionFailureKeepsNothing(t *testing.T) {
	f := newFixture(t)
	f.extractor.err = &ExtractionError{Archive: archiveName, Err: errors.New("exit status 2")}

	_, err := f.snap.Ensure(context.Background())
	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	require.False(t, f.snap.Exists())

	parent := filepath.Dir(f.snap.Dir)
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.Contains(e.Name(), ".new-"), e.Name())
	}
}

func TestLockSerializes(t *testing.T) {
	f := newFixture(t)
	f.cache.LockPoll = 10 * time.Millisecond

	unlock, err := f.snap.Lock(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.snap.Lock(ctx)
	require.Error(t, err)

	require.NoError(t, unlock())
	unlock, err = f.snap.Lock(context.Background())
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func TestSnapshotRejectsEscapingTarget(t *testing.T) {
	c := &Cache{Root: t.TempDir()}
	snap, err := c.Snapshot("23.05.2", "../../etc", registry.Branch{Path: "releases/{version}"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(snap.Dir, c.Root))
}
