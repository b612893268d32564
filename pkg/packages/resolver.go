// Package packages turns a requested package list into the line handed to
// the toolchain: revision scoped renames, per version fixups, language pack
// renames and the optional diff against the default package set.
package packages

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vyvo/imagebuild/pkg/registry"
)

// Logger is the logging surface used by the resolver.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// Resolver applies a rule table that may follow a file on disk.
type Resolver struct {
	mu      sync.RWMutex
	path    string
	modTime time.Time
	rules   Rules
	logger  Logger
}

// NewResolver returns a resolver over a fixed rule table.
func NewResolver(rules Rules) *Resolver {
	return &Resolver{rules: rules}
}

// Open returns a resolver that re-reads path whenever its modification
// time changes. An empty path selects the compiled in rules.
func Open(path string, logger Logger) (*Resolver, error) {
	if path == "" {
		return &Resolver{rules: DefaultRules(), logger: logger}, nil
	}
	r := &Resolver{path: path, logger: logger}
	if _, err := r.Rules(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rules returns the current rule table, reloading the backing file first
// if it changed.
func (r *Resolver) Rules() (Rules, error) {
	if r.path == "" {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.rules, nil
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return Rules{}, fmt.Errorf("stat package rules: %w", err)
	}
	r.mu.RLock()
	if info.ModTime().Equal(r.modTime) {
		defer r.mu.RUnlock()
		return r.rules, nil
	}
	r.mu.RUnlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		return Rules{}, fmt.Errorf("read package rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return Rules{}, err
	}

	r.mu.Lock()
	r.rules = rules
	r.modTime = info.ModTime()
	r.mu.Unlock()
	r.log().Info("loaded package rules", "path", r.path, "revision_changes", len(rules.RevisionChanges))
	return rules, nil
}

func (r *Resolver) log() Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Input is what the resolver needs to know about one build.
type Input struct {
	Version  string
	Target   string
	Profile  string
	Packages []string
	Branch   registry.Branch
	Diff     bool
	// DefaultPackages and ProfilePackages come from the toolchain and are
	// only consulted in diff mode.
	DefaultPackages []string
	ProfilePackages []string
}

// Selection is the outcome of resolution.
type Selection struct {
	// Packages is the requested list after every rewrite.
	Packages []string
	// BuildCmd is the package line for the toolchain, equal to Packages
	// unless diff mode is on.
	BuildCmd []string
}

// Resolve applies the rule table to in.
func (r *Resolver) Resolve(in Input) (Selection, error) {
	rules, err := r.Rules()
	if err != nil {
		return Selection{}, err
	}

	pkgs := append([]string(nil), in.Packages...)
	cutoff := in.Branch.BranchOffRev
	if in.Branch.AlwaysCurrent() {
		cutoff = 0
	}
	pkgs = ApplyRevisionChanges(pkgs, rules.RevisionChangesBefore(cutoff))
	pkgs = ApplyVersionChanges(pkgs, rules.VersionChanges, in.Version, in.Target, in.Profile)
	pkgs = ApplyLanguagePacks(pkgs, rules.LanguagePacks, in.Version)

	sel := Selection{Packages: pkgs, BuildCmd: pkgs}
	if in.Diff {
		defaults := make(map[string]struct{}, len(in.DefaultPackages)+len(in.ProfilePackages))
		for _, p := range in.DefaultPackages {
			defaults[p] = struct{}{}
		}
		for _, p := range in.ProfilePackages {
			defaults[p] = struct{}{}
		}
		sel.BuildCmd = Diff(pkgs, defaults)
	}
	r.log().Debug("resolved packages", "target", in.Target, "profile", in.Profile, "packages", strings.Join(sel.BuildCmd, " "))
	return sel, nil
}

// ApplyRevisionChanges applies changes in order. A source-only change drops
// the package, source and target rename it and a mandatory target-only
// change adds it. Applying the same changes again is a no-op.
func ApplyRevisionChanges(pkgs []string, changes []RevisionChange) []string {
	for _, rc := range changes {
		switch {
		case rc.Source != "" && rc.Target != "":
			idx := indexOf(pkgs, rc.Source)
			if idx < 0 {
				continue
			}
			if contains(pkgs, rc.Target) {
				pkgs = removeAt(pkgs, idx)
			} else {
				pkgs[idx] = rc.Target
			}
		case rc.Source != "":
			pkgs = remove(pkgs, rc.Source)
		case rc.Mandatory:
			pkgs = addMissing(pkgs, rc.Target)
		}
	}
	return pkgs
}

// ApplyVersionChanges runs the fixups of every block matching version.
func ApplyVersionChanges(pkgs []string, changes []VersionChange, version, target, profile string) []string {
	for _, vc := range changes {
		if !vc.matches(version) {
			continue
		}
		for _, rule := range vc.Rules {
			for _, p := range rule.Replace {
				if idx := indexOf(pkgs, p.From); idx >= 0 {
					pkgs = removeAt(pkgs, idx)
					pkgs = addMissing(pkgs, p.To)
				}
			}
			if !rule.scoped() {
				for _, p := range rule.Remove {
					pkgs = remove(pkgs, p)
				}
			}

			hit := rule.matchesTarget(target)
			if hit {
				for _, p := range rule.Add {
					pkgs = addMissing(pkgs, p)
				}
				for _, p := range rule.Remove {
					pkgs = remove(pkgs, p)
				}
			}
			if rule.scoped() && !hit {
				continue
			}
			for _, pr := range rule.Profiles {
				if !contains(pr.Names, profile) {
					continue
				}
				for _, p := range pr.Add {
					pkgs = addMissing(pkgs, p)
				}
			}
		}
	}
	return pkgs
}

// ApplyLanguagePacks renames translation packages in place.
func ApplyLanguagePacks(pkgs []string, packs []LanguagePack, version string) []string {
	for _, lp := range packs {
		if version < lp.MinVersion {
			continue
		}
		for i, pkg := range pkgs {
			for _, rep := range lp.Replacements {
				if strings.HasPrefix(pkg, rep.From) {
					pkgs[i] = rep.To + strings.TrimPrefix(pkg, rep.From)
				}
			}
		}
	}
	return pkgs
}

// Diff expresses requested relative to defaults: every default package not
// requested is listed sorted with a "-" prefix, followed by requested in
// its original order. "--" collapses to "-".
func Diff(requested []string, defaults map[string]struct{}) []string {
	want := make(map[string]struct{}, len(requested))
	for _, p := range requested {
		want[p] = struct{}{}
	}
	seen := map[string]struct{}{}
	removed := make([]string, 0, len(defaults))
	for p := range defaults {
		if _, ok := want[p]; ok {
			continue
		}
		neg := strings.ReplaceAll("-"+p, "--", "-")
		if _, ok := seen[neg]; ok {
			continue
		}
		seen[neg] = struct{}{}
		removed = append(removed, neg)
	}
	sort.Strings(removed)
	return append(removed, requested...)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}

func addMissing(list []string, s string) []string {
	if contains(list, s) {
		return list
	}
	return append(list, s)
}

func remove(list []string, s string) []string {
	if idx := indexOf(list, s); idx >= 0 {
		return removeAt(list, idx)
	}
	return list
}

func removeAt(list []string, idx int) []string {
	return append(list[:idx], list[idx+1:]...)
}
