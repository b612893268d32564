package packages

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// RevisionChange renames, drops or mandates a package starting at a
// source revision of the distribution tree.
type RevisionChange struct {
	Source    string `yaml:"source,omitempty" json:"source,omitempty"`
	Target    string `yaml:"target,omitempty" json:"target,omitempty"`
	Revision  int    `yaml:"revision" json:"revision"`
	Mandatory bool   `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
}

// Pair is one entry of an ordered mapping.
type Pair struct {
	From string
	To   string
}

// Pairs decodes a YAML mapping while keeping the order it was written in.
type Pairs []Pair

func (p *Pairs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	out := make(Pairs, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, Pair{From: node.Content[i].Value, To: node.Content[i+1].Value})
	}
	*p = out
	return nil
}

// ProfileRule adds packages for the listed device profiles.
type ProfileRule struct {
	Names []string `yaml:"names"`
	Add   []string `yaml:"add"`
}

// Rule is one hand authored fixup inside a version block.
type Rule struct {
	Replace  Pairs         `yaml:"replace"`
	Remove   []string      `yaml:"remove"`
	Target   string        `yaml:"target"`
	Targets  []string      `yaml:"targets"`
	Add      []string      `yaml:"add"`
	Profiles []ProfileRule `yaml:"profiles"`
}

func (r Rule) scoped() bool {
	return r.Target != "" || len(r.Targets) > 0
}

func (r Rule) matchesTarget(target string) bool {
	if r.Target != "" {
		return r.Target == target
	}
	for _, t := range r.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// VersionChange groups rules for versions starting with Version, or the
// exact SNAPSHOT version.
type VersionChange struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

func (v VersionChange) matches(version string) bool {
	if v.Version == "SNAPSHOT" {
		return version == "SNAPSHOT"
	}
	return len(version) >= len(v.Version) && version[:len(v.Version)] == v.Version
}

// LanguagePack rewrites translation package prefixes for versions at or
// above MinVersion.
type LanguagePack struct {
	MinVersion   string `yaml:"min_version"`
	Replacements Pairs  `yaml:"replacements"`
}

// Rules is the complete package change table.
type Rules struct {
	RevisionChanges []RevisionChange `yaml:"revision_changes"`
	VersionChanges  []VersionChange  `yaml:"version_changes"`
	LanguagePacks   []LanguagePack   `yaml:"language_packs"`
}

// ParseRules decodes a rules document. Unrelated top level keys such as
// the branch table are ignored.
func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse package rules: %w", err)
	}
	for i, rc := range rules.RevisionChanges {
		if rc.Source == "" && rc.Target == "" {
			return Rules{}, fmt.Errorf("revision change %d names no package", i)
		}
	}
	sort.SliceStable(rules.RevisionChanges, func(i, j int) bool {
		return rules.RevisionChanges[i].Revision < rules.RevisionChanges[j].Revision
	})
	return rules, nil
}

// DefaultRules returns the rule table compiled into the binary.
func DefaultRules() Rules {
	rules, err := ParseRules(defaultRules)
	if err != nil {
		panic(err)
	}
	return rules
}

// RevisionChangesBefore lists the revision changes that apply up to and
// including revision. A zero revision selects all of them.
func (r Rules) RevisionChangesBefore(revision int) []RevisionChange {
	out := make([]RevisionChange, 0, len(r.RevisionChanges))
	for _, rc := range r.RevisionChanges {
		if revision == 0 || rc.Revision <= revision {
			out = append(out, rc)
		}
	}
	return out
}
