package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vyvo/imagebuild/pkg/request"
)

// ErrUnknownBranch is returned when a version maps to no configured branch.
var ErrUnknownBranch = errors.New("unknown branch")

// Branch describes a release line and how to reach its toolchains.
type Branch struct {
	Name         string `yaml:"-" json:"name"`
	Path         string `yaml:"path" json:"path"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Snapshot     bool   `yaml:"snapshot" json:"snapshot"`
	BranchOffRev int    `yaml:"branch_off_rev" json:"branch_off_rev"`
	PublicKey    string `yaml:"public_key" json:"public_key,omitempty"`
}

// VersionPath expands the branch path template for a concrete version.
func (b Branch) VersionPath(version string) string {
	return strings.ReplaceAll(b.Path, "{version}", version)
}

// AlwaysCurrent reports whether every revision-scoped package change
// applies to this branch.
func (b Branch) AlwaysCurrent() bool {
	return b.Snapshot || b.BranchOffRev == 0
}

// Registry is a threadsafe branch table that follows its backing file.
type Registry struct {
	mu       sync.RWMutex
	path     string
	modTime  time.Time
	branches map[string]Branch
}

// New returns an empty registry ready for population from configuration.
func New() *Registry {
	return &Registry{branches: map[string]Branch{}}
}

// Open loads the branch table from a YAML file and remembers the path so
// Refresh can pick up edits.
func Open(path string) (*Registry, error) {
	r := New()
	r.path = path
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

type branchFile struct {
	Branches map[string]*Branch `yaml:"branches"`
}

// Refresh re-reads the backing file when its modification time changed.
func (r *Registry) Refresh() error {
	if r.path == "" {
		return nil
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("stat branches file: %w", err)
	}

	r.mu.RLock()
	current := info.ModTime().Equal(r.modTime)
	r.mu.RUnlock()
	if current {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read branches file: %w", err)
	}
	var raw branchFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse branches file: %w", err)
	}

	branches := make(map[string]Branch, len(raw.Branches))
	for name, entry := range raw.Branches {
		b := Branch{Enabled: true}
		if entry != nil {
			b = *entry
		}
		b.Name = name
		b.PublicKey = strings.TrimSpace(b.PublicKey)
		if b.Path == "" {
			b.Path = "releases/{version}"
			if name == "SNAPSHOT" {
				b.Path = "snapshots"
				b.Snapshot = true
			}
		}
		branches[name] = b
	}

	r.mu.Lock()
	r.branches = branches
	r.modTime = info.ModTime()
	r.mu.Unlock()
	return nil
}

// UnmarshalYAML keeps "enabled" true when the key is absent.
func (b *Branch) UnmarshalYAML(node *yaml.Node) error {
	type plain Branch
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*b = Branch(p)
	return nil
}

// Set stores or updates a branch entry.
func (r *Registry) Set(branch Branch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches[branch.Name] = branch
}

// Get retrieves a branch by name and a boolean indicating its presence.
func (r *Registry) Get(name string) (Branch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.branches[name]
	return b, ok
}

// ForVersion resolves the branch a version belongs to.
func (r *Registry) ForVersion(version string) (Branch, error) {
	name := request.BranchName(version, func(n string) bool {
		_, ok := r.Get(n)
		return ok
	})
	b, ok := r.Get(name)
	if !ok || !b.Enabled {
		return Branch{}, fmt.Errorf("%w: %s", ErrUnknownBranch, version)
	}
	return b, nil
}

// Names lists the configured branch names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.branches))
	for name := range r.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
