// Package mirror copies finished artifact directories to a download host.
package mirror

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config describes the SFTP endpoint.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	KeyPath    string `mapstructure:"key_path"`
	Password   string `mapstructure:"password"`
	Root       string `mapstructure:"root"`
	KnownHosts string `mapstructure:"known_hosts"`
}

// Enabled reports whether a host is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

// Publisher uploads a local artifact directory under a store-relative path.
type Publisher interface {
	Publish(ctx context.Context, localDir, rel string) error
}

// Connector opens an SFTP session. The returned closer releases the
// underlying transport.
type Connector func(ctx context.Context) (*sftp.Client, io.Closer, error)

// SFTP publishes over an SSH connection opened per upload.
type SFTP struct {
	cfg     Config
	connect Connector
	logger  Logger
}

func New(cfg Config, logger Logger) *SFTP {
	m := &SFTP{cfg: cfg, logger: logger}
	m.connect = m.dial
	return m
}

// NewWithConnector is used when the transport is provided by the caller.
func NewWithConnector(cfg Config, connect Connector, logger Logger) *SFTP {
	return &SFTP{cfg: cfg, connect: connect, logger: logger}
}

// Publish copies every regular file below localDir to <root>/<rel>.
func (m *SFTP) Publish(ctx context.Context, localDir, rel string) error {
	client, closer, err := m.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect mirror: %w", err)
	}
	defer closer.Close()
	defer client.Close()

	base := path.Join(m.cfg.Root, filepath.ToSlash(rel))
	count := 0
	err = filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		relFile, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		if err := pushFile(client, p, path.Join(base, filepath.ToSlash(relFile))); err != nil {
			return fmt.Errorf("push %s: %w", relFile, err)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.Info("mirrored artifacts", "path", base, "files", count)
	}
	return nil
}

func pushFile(client *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}
	dst, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (m *SFTP) dial(ctx context.Context) (*sftp.Client, io.Closer, error) {
	authMethods, err := m.authMethods()
	if err != nil {
		return nil, nil, err
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if m.cfg.KnownHosts != "" {
		hostKey, err = knownhosts.New(expandHome(m.cfg.KnownHosts))
		if err != nil {
			return nil, nil, fmt.Errorf("load known hosts: %w", err)
		}
	}
	config := &ssh.ClientConfig{
		User:            m.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}

	port := m.cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, err
	}
	return client, sshClient, nil
}

func (m *SFTP) authMethods() ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if keyPath := strings.TrimSpace(m.cfg.KeyPath); keyPath != "" {
		data, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(m.cfg.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
