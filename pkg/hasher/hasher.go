// Package hasher computes the content addresses used for build requests,
// package sets and artifacts.
//
// The request hash concatenates its fields in a fixed order with no
// separator and renders scalars the way the first deployments did
// ("True"/"False", "None", ['a', 'b'], {'k': 'v'}). That rendering is a
// versioned wire format: changing it re-keys every cached job and artifact.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/vyvo/imagebuild/pkg/request"
)

// Length is the number of hex characters of every digest produced here.
const Length = sha256.Size * 2

// String returns the hex sha256 of s.
func String(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// File returns the hex sha256 of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Packages hashes a package set independent of order and duplicates.
// A single leading "+" is stripped from each entry first.
func Packages(packages []string) string {
	seen := make(map[string]struct{}, len(packages))
	uniq := make([]string, 0, len(packages))
	for _, p := range packages {
		p = strings.TrimPrefix(p, "+")
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}
	sort.Strings(uniq)
	return String(strings.Join(uniq, " "))
}

// Manifest hashes a name to version mapping via its canonical JSON form
// (sorted keys, ", " and ": " separators, non-ASCII escaped).
func Manifest(manifest map[string]string) string {
	return String(canonicalJSON(manifest))
}

// Request returns the identity hash of a build request. An unset distro
// hashes as the default one. Filesystem is part of the key since it
// changes the images produced.
func Request(req request.BuildRequest) string {
	distro := req.Distro
	if distro == "" {
		distro = request.DefaultDistro
	}
	var b strings.Builder
	b.WriteString(distro)
	b.WriteString(req.Version)
	b.WriteString(req.VersionCode)
	b.WriteString(req.Target)
	b.WriteString(strings.ReplaceAll(req.Profile, ",", "_"))
	b.WriteString(Packages(req.Packages))
	b.WriteString(Manifest(req.PackagesVersions))
	b.WriteString(pyBool(req.DiffPackages))
	b.WriteString(req.Filesystem)
	b.WriteString(String(req.Defaults))
	if req.RootfsSizeMB == nil {
		b.WriteString("None")
	} else {
		b.WriteString(strconv.Itoa(*req.RootfsSizeMB))
	}
	b.WriteString(pyList(req.RepositoryKeys))
	b.WriteString(pyDict(req.Repositories))
	return String(b.String())
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func pyList(items []string) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = pyRepr(item)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// pyDict renders entries sorted by key so map iteration order never leaks
// into the hash.
func pyDict(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = pyRepr(k) + ": " + pyRepr(m[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func pyRepr(s string) string {
	quote := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	var b strings.Builder
	b.WriteByte(quote)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(quote):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}

func canonicalJSON(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		writeJSONString(&b, k)
		b.WriteString(": ")
		writeJSONString(&b, m[k])
	}
	b.WriteByte('}')
	return b.String()
}

func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || (r >= 0x7f && r < utf8.RuneSelf):
				fmt.Fprintf(b, `\u%04x`, r)
			case r < utf8.RuneSelf:
				b.WriteRune(r)
			case r > 0xffff:
				r -= 0x10000
				fmt.Fprintf(b, `\u%04x\u%04x`, 0xd800+(r>>10), 0xdc00+(r&0x3ff))
			default:
				fmt.Fprintf(b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
}
