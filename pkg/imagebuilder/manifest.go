package imagebuilder

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Manifest maps package names to the versions a build would install.
type Manifest map[string]string

// ParseManifest parses "make manifest" output. Legacy toolchains print
// "name - version", current ones "name version".
func ParseManifest(out string) (Manifest, error) {
	sep := " "
	if strings.Contains(out, " - ") {
		sep = " - "
	}
	m := Manifest{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, version, ok := strings.Cut(line, sep)
		if !ok {
			return nil, fmt.Errorf("malformed manifest line %q", line)
		}
		m[name] = version
	}
	return m, nil
}

// Names returns the package names of the manifest.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// Info is what "make info" reports about a toolchain.
type Info struct {
	Revision        string
	DefaultPackages []string
	ProfilePackages []string
}

var (
	revisionRe        = regexp.MustCompile(`Current Revision: "(r.+)"`)
	defaultPackagesRe = regexp.MustCompile(`Default Packages: (.*)\n`)
)

// ParseInfo extracts the revision, the default packages and the packages
// of profile from "make info" output.
func ParseInfo(out, profile string) (Info, error) {
	var info Info
	m := revisionRe.FindStringSubmatch(out)
	if m == nil {
		return info, errors.New("no revision in toolchain info")
	}
	info.Revision = m[1]

	if m := defaultPackagesRe.FindStringSubmatch(out); m != nil {
		info.DefaultPackages = strings.Fields(m[1])
	}

	profileRe, err := regexp.Compile(`(?m)^` + regexp.QuoteMeta(profile) + `:\n    .+\n    Packages: (.*?)\n`)
	if err != nil {
		return info, err
	}
	pm := profileRe.FindStringSubmatch(out)
	if pm == nil {
		return info, fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}
	info.ProfilePackages = strings.Fields(pm[1])
	return info, nil
}
