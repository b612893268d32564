// Package artifacts lays out finished builds below the public store root:
//
//	<root>/<version>/<target>/<profile>/<packages_hash>/
//	<root>/custom/<defaults_hash>/<version>/<target>/<profile>/<packages_hash>/
package artifacts

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/vyvo/imagebuild/pkg/hasher"
	"github.com/vyvo/imagebuild/pkg/request"
)

const (
	dirMode  = 0o755
	fileMode = 0o644

	// BuildLog is the per-artifact log written for every build outcome.
	BuildLog = "buildlog.txt"
	// CustomDir prefixes artifacts built with a first boot script.
	CustomDir = "custom"
)

var hashName = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrInvalidPath rejects relative paths that leave the store.
var ErrInvalidPath = errors.New("invalid artifact path")

// IsHash reports whether name looks like a content address.
func IsHash(name string) bool {
	return hashName.MatchString(name)
}

// Store is a rooted artifact tree on local disk.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string { return s.root }

// Rel returns the slash separated store path of a build whose manifest
// hashes to packagesHash.
func Rel(req request.BuildRequest, packagesHash string) string {
	parts := []string{req.Version, req.Target, req.Profile, packagesHash}
	if req.HasDefaults() {
		parts = append([]string{CustomDir, hasher.String(req.Defaults)}, parts...)
	}
	return path.Join(parts...)
}

// Dir resolves rel below the root.
func (s *Store) Dir(rel string) (string, error) {
	rel = filepath.Clean(filepath.FromSlash(rel))
	if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", ErrInvalidPath
	}
	full, err := securejoin.SecureJoin(s.root, rel)
	if err != nil {
		return "", ErrInvalidPath
	}
	return full, nil
}

// Ensure creates the directory for rel.
func (s *Store) Ensure(rel string) (string, error) {
	dir, err := s.Dir(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteFile stores data as name inside rel.
func (s *Store) WriteFile(rel, name string, data []byte) error {
	dir, err := s.Ensure(rel)
	if err != nil {
		return err
	}
	full, err := securejoin.SecureJoin(dir, name)
	if err != nil {
		return ErrInvalidPath
	}
	return os.WriteFile(full, data, fileMode)
}

// ReadFile reads name from rel.
func (s *Store) ReadFile(rel, name string) ([]byte, error) {
	dir, err := s.Dir(rel)
	if err != nil {
		return nil, err
	}
	full, err := securejoin.SecureJoin(dir, name)
	if err != nil {
		return nil, ErrInvalidPath
	}
	return os.ReadFile(full)
}

// ListFiles returns the files below rel, relative to it and sorted.
func (s *Store) ListFiles(rel string) ([]string, error) {
	dir, err := s.Dir(rel)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []string{}, nil
	}
	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		r, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(r))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Remove deletes the tree at rel.
func (s *Store) Remove(rel string) error {
	dir, err := s.Dir(rel)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Artifacts lists every artifact directory: directories named like a
// content address that are not the defaults level of a custom build.
// Artifact trees are not descended into.
func (s *Store) Artifacts() ([]string, error) {
	var out []string
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return out, nil
	}
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || p == s.root || !IsHash(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if path.Dir(rel) == CustomDir {
			return nil
		}
		out = append(out, rel)
		return filepath.SkipDir
	})
	return out, err
}
