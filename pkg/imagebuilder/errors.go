package imagebuilder

import (
	"errors"
	"fmt"
)

var (
	// ErrBadSignature means the checksum list failed usign verification.
	ErrBadSignature = errors.New("bad signature for checksums")
	// ErrChecksumMismatch means the downloaded archive does not match the
	// checksum list.
	ErrChecksumMismatch = errors.New("wrong archive checksum")
	// ErrNoArchive means the checksum list names no toolchain archive.
	ErrNoArchive = errors.New("no imagebuilder archive in checksum list")
	// ErrImageTooBig means the selected packages do not fit the device.
	ErrImageTooBig = errors.New("Selected packages exceed device storage")
	// ErrUnknownProfile means the toolchain does not list the profile.
	ErrUnknownProfile = errors.New("profile not found")
	// ErrNoSummary means the image step produced no profiles.json.
	ErrNoSummary = errors.New("No JSON file found")
)

// ExtractionError reports a failed archive extraction.
type ExtractionError struct {
	Archive string
	Output  string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// PackageSelectionError reports packages the package manager could not
// resolve.
type PackageSelectionError struct {
	Missing   []string
	Conflicts []string
	Output    string
}

func (e *PackageSelectionError) Error() string {
	return Summary(e.Missing, e.Conflicts)
}

// BuildError reports a failed image step.
type BuildError struct {
	ExitCode int
	Stderr   string
}

func (e *BuildError) Error() string {
	return "Error while building firmware. See stdout/stderr"
}
