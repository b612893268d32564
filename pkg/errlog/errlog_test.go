package errlog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordFormat(t *testing.T) {
	var buf bytes.Buffer
	f := NewWriter(&buf)
	f.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	f.Record("23.05.2", "ath79/generic", "tplink_archer-c7-v2", "Impossible package selection:\n missing (foo)")
	require.Equal(t, "2024-05-01T12:00:00Z 23.05.2:ath79/generic:tplink_archer-c7-v2 Impossible package selection: missing (foo)\n", buf.String())
}

func TestScrubTruncates(t *testing.T) {
	long := strings.Repeat("é", MaxMessage+10)
	got := Scrub(long)
	require.Equal(t, strings.Repeat("é", MaxMessage)+"...", got)
	require.Equal(t, "a b", Scrub("  a\t\nb "))
}

func TestFieldsCannotForgeColumns(t *testing.T) {
	var buf bytes.Buffer
	f := NewWriter(&buf)
	f.Record("", "x:y", "a b", "m")
	require.Contains(t, buf.String(), " -:x_y:a_b m\n")
}

func TestOpenWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "errors.log")
	f := Open(path, Options{})
	f.Record("SNAPSHOT", "x86/64", "generic", "boom")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "SNAPSHOT:x86/64:generic boom")
}
