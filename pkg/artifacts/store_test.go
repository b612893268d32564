package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/imagebuild/pkg/hasher"
	"github.com/vyvo/imagebuild/pkg/request"
)

func TestRel(t *testing.T) {
	req := request.BuildRequest{Version: "23.05.2", Target: "ath79/generic", Profile: "tplink_archer-c7-v2"}
	ph := hasher.Packages([]string{"vim"})
	require.Equal(t, "23.05.2/ath79/generic/tplink_archer-c7-v2/"+ph, Rel(req, ph))

	req.Defaults = "echo hi"
	require.Equal(t, "custom/"+hasher.String("echo hi")+"/23.05.2/ath79/generic/tplink_archer-c7-v2/"+ph, Rel(req, ph))
}

func TestDirRejectsEscapes(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, bad := range []string{"", ".", "../x", "/etc/passwd"} {
		_, err := s.Dir(bad)
		require.ErrorIs(t, err, ErrInvalidPath, bad)
	}
	dir, err := s.Dir("a/../b")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.Root(), "b"), dir)
}

func TestWriteReadList(t *testing.T) {
	s := NewStore(t.TempDir())
	rel := "SNAPSHOT/x86/64/generic/" + strings.Repeat("a", 64)
	require.NoError(t, s.WriteFile(rel, BuildLog, []byte("log")))
	require.NoError(t, s.WriteFile(rel, "profiles.json", []byte("{}")))

	data, err := s.ReadFile(rel, BuildLog)
	require.NoError(t, err)
	require.Equal(t, "log", string(data))

	_, err = s.ReadFile(rel, "../../../../../../etc/hostname")
	require.Error(t, err)

	files, err := s.ListFiles(rel)
	require.NoError(t, err)
	require.Equal(t, []string{BuildLog, "profiles.json"}, files)

	require.NoError(t, s.Remove(rel))
	files, err = s.ListFiles(rel)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestArtifacts(t *testing.T) {
	s := NewStore(t.TempDir())
	h1 := strings.Repeat("1", 64)
	h2 := strings.Repeat("2", 64)
	dh := strings.Repeat("d", 64)
	for _, rel := range []string{
		"23.05.2/ath79/generic/p1/" + h1,
		"custom/" + dh + "/23.05.2/ath79/generic/p1/" + h2,
		"23.05.2/ath79/generic/p1/not-a-hash",
	} {
		_, err := s.Ensure(rel)
		require.NoError(t, err)
	}
	// nested hash-like names inside an artifact are not artifacts
	_, err := s.Ensure("23.05.2/ath79/generic/p1/" + h1 + "/" + h2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "23.05.2", h1), nil, 0o644))

	got, err := s.Artifacts()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"23.05.2/ath79/generic/p1/" + h1,
		"custom/" + dh + "/23.05.2/ath79/generic/p1/" + h2,
	}, got)
}
