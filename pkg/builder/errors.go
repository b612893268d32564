package builder

import (
	"errors"
	"fmt"
)

// ErrProfileNotInSummary means the toolchain summary does not describe the
// requested profile.
var ErrProfileNotInSummary = errors.New("Profile not found in JSON file")

// ImpossibleVersionError reports a pinned package the manifest does not
// satisfy.
type ImpossibleVersionError struct {
	Package   string
	Requested string
	// Resolved is empty when the package is absent from the manifest.
	Resolved string
}

func (e *ImpossibleVersionError) Error() string {
	if e.Resolved == "" {
		return fmt.Sprintf("Impossible package selection: %s not in manifest", e.Package)
	}
	return fmt.Sprintf("Impossible package selection: %s version not as requested: %s vs. %s",
		e.Package, e.Requested, e.Resolved)
}

// RevisionMismatchError reports a toolchain at another revision than the
// request pinned.
type RevisionMismatchError struct {
	Got       string
	Requested string
}

func (e *RevisionMismatchError) Error() string {
	return fmt.Sprintf("Received incorrect version %s (requested %s)", e.Got, e.Requested)
}
