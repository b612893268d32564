package mirror

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type pipeCloser struct {
	closers []io.Closer
}

func (p pipeCloser) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}

// inMemory returns a connector backed by a single in-memory SFTP server so
// files written by one session are visible to the next.
func inMemory(t *testing.T) Connector {
	t.Helper()
	handlers := sftp.InMemHandler()
	return func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		serverRead, clientWrite := io.Pipe()
		clientRead, serverWrite := io.Pipe()
		server := sftp.NewRequestServer(struct {
			io.Reader
			io.WriteCloser
		}{serverRead, serverWrite}, handlers)
		go func() {
			// Serve returns once the client closes its side; closing ours
			// lets the client's reader see EOF.
			server.Serve()
			serverWrite.Close()
		}()

		client, err := sftp.NewClientPipe(clientRead, clientWrite)
		if err != nil {
			return nil, nil, err
		}
		return client, pipeCloser{closers: []io.Closer{server, clientWrite, serverWrite}}, nil
	}
}

func writeArtifacts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sysupgrade.bin"), []byte("firmware"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profiles.json"), []byte(`{"id":"generic"}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "extra.txt"), []byte("x"), 0o644))
	return dir
}

func readRemote(t *testing.T, connect Connector, p string) string {
	t.Helper()
	client, closer, err := connect(context.Background())
	require.NoError(t, err)
	defer closer.Close()
	defer client.Close()

	f, err := client.Open(p)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestPublishUploadsTree(t *testing.T) {
	connect := inMemory(t)
	m := NewWithConnector(Config{Host: "mirror", Root: "/srv/store"}, connect, nil)

	rel := "23.05.2/x86/64/generic/abcd"
	require.NoError(t, m.Publish(context.Background(), writeArtifacts(t), rel))

	require.Equal(t, "firmware", readRemote(t, connect, "/srv/store/"+rel+"/sysupgrade.bin"))
	require.Equal(t, `{"id":"generic"}`, readRemote(t, connect, "/srv/store/"+rel+"/profiles.json"))
	require.Equal(t, "x", readRemote(t, connect, "/srv/store/"+rel+"/sub/extra.txt"))
}

func TestPublishCancelled(t *testing.T) {
	m := NewWithConnector(Config{Host: "mirror", Root: "/srv"}, inMemory(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Publish(ctx, writeArtifacts(t), "x"), context.Canceled)
}

func TestAuthMethodsFromKeyFile(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	m := New(Config{Host: "mirror", KeyPath: keyPath, Password: "secret"}, nil)
	methods, err := m.authMethods()
	require.NoError(t, err)
	require.Len(t, methods, 2)

	m = New(Config{Host: "mirror", KeyPath: filepath.Join(t.TempDir(), "missing")}, nil)
	_, err = m.authMethods()
	require.Error(t, err)
}

func TestEnabled(t *testing.T) {
	require.False(t, Config{}.Enabled())
	require.True(t, Config{Host: "mirror.example.org"}.Enabled())
}
