package request

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var repositoryName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Limits carries the server-side bounds a request must respect.
type Limits struct {
	AllowDefaults       bool
	MaxDefaultsLength   int
	MaxRootfsSizeMB     int
	RepositoryAllowList []string
}

// ValidationError is returned for requests rejected before hashing.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

func invalid(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err was produced by Validate.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Validate enforces field level constraints. It does not check that the
// version, target or profile exist upstream.
func (r BuildRequest) Validate(limits Limits) error {
	distro := r.Distro
	if distro == "" {
		distro = DefaultDistro
	}
	if distro != DefaultDistro {
		return invalid("Unsupported distro: %s", r.Distro)
	}
	if strings.TrimSpace(r.Version) == "" || strings.TrimSpace(r.Target) == "" || strings.TrimSpace(r.Profile) == "" {
		return invalid("version, target and profile are required")
	}
	if strings.Count(r.Target, "/") != 1 {
		return invalid("Unsupported target: %s", r.Target)
	}

	if r.Defaults != "" {
		if !limits.AllowDefaults {
			return invalid("Handling `defaults` not enabled on server")
		}
		if limits.MaxDefaultsLength > 0 && len(r.Defaults) > limits.MaxDefaultsLength {
			return invalid("defaults exceed max size of %d bytes", limits.MaxDefaultsLength)
		}
	}

	if r.RootfsSizeMB != nil {
		size := *r.RootfsSizeMB
		if size < 1 || (limits.MaxRootfsSizeMB > 0 && size > limits.MaxRootfsSizeMB) {
			return invalid("rootfs_size_mb must be between 1 and %d", limits.MaxRootfsSizeMB)
		}
	}

	for name, repo := range r.Repositories {
		if !repositoryName.MatchString(name) {
			return invalid("Invalid repository name: %s", name)
		}
		u, err := url.Parse(repo)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("Invalid repository URL: %s", repo)
		}
		if len(limits.RepositoryAllowList) > 0 && !hasAnyPrefix(repo, limits.RepositoryAllowList) {
			return invalid("Repository %s not allowed", repo)
		}
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
