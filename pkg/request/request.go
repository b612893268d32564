package request

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultDistro is the only distribution currently served.
const DefaultDistro = "openwrt"

var genericTargets = map[string]struct{}{
	"x86/64":      {},
	"x86/generic": {},
	"x86/geode":   {},
	"x86/legacy":  {},
	"armsr/armv7": {},
	"armsr/armv8": {},
}

var releaseVersion = regexp.MustCompile(`^\d+\.\d+\.\d+(-rc\d+)?$`)

// BuildRequest describes the image a client asked for.
type BuildRequest struct {
	Distro           string            `json:"distro"`
	Version          string            `json:"version"`
	VersionCode      string            `json:"version_code,omitempty"`
	Target           string            `json:"target"`
	Profile          string            `json:"profile"`
	Packages         []string          `json:"packages,omitempty"`
	PackagesVersions map[string]string `json:"packages_versions,omitempty"`
	DiffPackages     bool              `json:"diff_packages,omitempty"`
	Defaults         string            `json:"defaults,omitempty"`
	RootfsSizeMB     *int              `json:"rootfs_size_mb,omitempty"`
	Filesystem       string            `json:"filesystem,omitempty"`
	Repositories     map[string]string `json:"repositories,omitempty"`
	RepositoryKeys   []string          `json:"repository_keys,omitempty"`
	Client           string            `json:"client,omitempty"`
}

// PackageList returns the authoritative package names of the request.
// When PackagesVersions is set its keys win over Packages. A single
// leading "+" is stripped from every entry; Packages keeps its order.
func (r BuildRequest) PackageList() []string {
	if len(r.PackagesVersions) > 0 {
		names := make([]string, 0, len(r.PackagesVersions))
		for name := range r.PackagesVersions {
			names = append(names, strings.TrimPrefix(name, "+"))
		}
		sort.Strings(names)
		return names
	}
	out := make([]string, 0, len(r.Packages))
	for _, p := range r.Packages {
		out = append(out, strings.TrimPrefix(p, "+"))
	}
	return out
}

// Normalize fills defaults and rewrites the profile to its canonical id.
// Packages is replaced by PackageList so later stages work on one list.
func (r *BuildRequest) Normalize() {
	if r.Distro == "" {
		r.Distro = DefaultDistro
	}
	r.Packages = r.PackageList()
	r.Profile = CanonicalProfile(r.Target, r.Profile)
}

// CanonicalProfile maps a device identifier onto the profile id the
// toolchain knows.
func CanonicalProfile(target, profile string) string {
	if _, ok := genericTargets[target]; ok {
		return "generic"
	}
	return strings.ReplaceAll(profile, ",", "_")
}

// HasDefaults reports whether a first-boot script was supplied.
func (r BuildRequest) HasDefaults() bool {
	return r.Defaults != ""
}

// BranchName resolves a version string to the release branch it belongs to.
// known holds the configured branch names which match verbatim.
func BranchName(version string, known func(string) bool) string {
	if known != nil && known(version) {
		return version
	}
	if strings.HasSuffix(version, "-SNAPSHOT") {
		return version[:strings.LastIndex(version, "-")]
	}
	if idx := strings.LastIndex(version, "."); idx >= 0 {
		return version[:idx]
	}
	return version
}

// IsSnapshot reports whether the version tracks a rolling branch.
func IsSnapshot(version string) bool {
	return strings.HasSuffix(strings.ToLower(version), "snapshot")
}

// ContainerVersionTag returns the tag the published toolchain images use
// for a version.
func ContainerVersionTag(version string) string {
	if releaseVersion.MatchString(version) {
		return "v" + version
	}
	if version == "SNAPSHOT" {
		return "master"
	}
	return "openwrt-" + strings.TrimSuffix(version, "-SNAPSHOT")
}
