package imagebuilder

import (
	"regexp"
	"strings"
)

var (
	missingPatterns = []*regexp.Regexp{
		// opkg
		regexp.MustCompile(`Cannot install package (\S+?)\.?(?:\s|$)`),
		regexp.MustCompile(`cannot find dependency (\S+) for \S+`),
		regexp.MustCompile(`Unknown package '([^']+)'`),
		// apk
		regexp.MustCompile(`(?m)^\s+(\S+) \(no such package\):`),
	}
	opkgConflictHead = regexp.MustCompile(`The following packages conflict with (\S+?):?(?:\s|$)`)
	opkgConflictItem = regexp.MustCompile(`^\s*\* check_conflicts_for:\s+(\S+)`)
	apkConflictHead  = regexp.MustCompile(`^(\S+?)-[0-9][^:\s]*:$`)
	apkConflictItem  = regexp.MustCompile(`^\s+conflicts:\s+(.+)$`)
	apkVersionSuffix = regexp.MustCompile(`-[0-9][^\s\[\]]*$`)
)

// Classify extracts missing and conflicting package names from package
// manager output. A name reported both ways is kept only as a conflict.
func Classify(output string) *PackageSelectionError {
	var missing, conflicts []string
	for _, re := range missingPatterns {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			missing = append(missing, m[1])
		}
	}

	lines := strings.Split(output, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if m := opkgConflictHead.FindStringSubmatch(line); m != nil {
			conflicts = append(conflicts, m[1])
			for i+1 < len(lines) {
				item := opkgConflictItem.FindStringSubmatch(lines[i+1])
				if item == nil {
					break
				}
				conflicts = append(conflicts, item[1])
				i++
			}
			continue
		}
		if m := apkConflictHead.FindStringSubmatch(strings.TrimSpace(line)); m != nil && i+1 < len(lines) {
			if item := apkConflictItem.FindStringSubmatch(lines[i+1]); item != nil {
				conflicts = append(conflicts, m[1])
				for _, c := range strings.Fields(item[1]) {
					c = c[:strings.IndexAny(c+"[", "[")]
					conflicts = append(conflicts, apkVersionSuffix.ReplaceAllString(c, ""))
				}
				i++
			}
		}
	}

	conflicts = dedupe(conflicts, nil)
	missing = dedupe(missing, conflicts)
	return &PackageSelectionError{Missing: missing, Conflicts: conflicts, Output: output}
}

// Summary renders the single line detail reported to clients.
func Summary(missing, conflicts []string) string {
	msg := "Impossible package selection"
	if len(missing) == 0 && len(conflicts) == 0 {
		return msg
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing ("+strings.Join(missing, ", ")+")")
	}
	if len(conflicts) > 0 {
		parts = append(parts, "conflicts ("+strings.Join(conflicts, ", ")+")")
	}
	return msg + ": " + strings.Join(parts, " ")
}

func dedupe(items, exclude []string) []string {
	skip := make(map[string]struct{}, len(items)+len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	var out []string
	for _, item := range items {
		if item == "" {
			continue
		}
		if _, ok := skip[item]; ok {
			continue
		}
		skip[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
