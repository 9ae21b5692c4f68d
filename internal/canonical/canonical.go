package canonical

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"issuesync/internal/marker"
)

// fingerprintBytes is the truncated digest length; 128 bits of BLAKE3 keep
// accidental collisions out of reach for any realistic repository.
const fingerprintBytes = 16

// Fingerprint identifies a declared issue across runs. It is derived only from
// the file path and element name.
type Fingerprint string

// Of computes the fingerprint of (filePath, elementName). Both parts are
// length-prefixed so that no two distinct pairs hash the same input.
func Of(filePath, elementName string) Fingerprint {
	h := blake3.New()
	var n [8]byte
	for _, part := range []string{filePath, elementName} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(part))
	}
	sum := h.Sum(nil)
	return Fingerprint(hex.EncodeToString(sum[:fingerprintBytes]))
}

const markerPrefix = "<!-- issuesync:fingerprint="

var markerPattern = regexp.MustCompile(`<!--\s*issuesync:fingerprint=([0-9a-f]{32})\s*-->`)

// MarkerLine renders the fingerprint tag embedded in issue bodies.
func MarkerLine(fp Fingerprint) string {
	return markerPrefix + string(fp) + " -->"
}

// ParseFingerprint recovers the fingerprint embedded in a remote issue body.
// A body with no tag, or with two different tags, yields false.
func ParseFingerprint(body string) (Fingerprint, bool) {
	matches := markerPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return "", false
	}
	fp := matches[0][1]
	for _, m := range matches[1:] {
		if m[1] != fp {
			return "", false
		}
	}
	return Fingerprint(fp), true
}

// Issue is a Declaration in the form compared against the tracker.
type Issue struct {
	marker.Declaration
	Fingerprint  Fingerprint `json:"fingerprint"`
	RenderedBody string      `json:"rendered_body"`
}

// Labels is the label set the tracker issue must carry.
func (i Issue) Labels() []string {
	return []string{string(i.IssueType)}
}

const fileLinePrefix = "**File**: "

// Render produces the tracker body for a declaration. Fingerprint tags inside
// the description are dropped so the body carries exactly one.
func Render(d marker.Declaration, fp Fingerprint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Description**: %s\n", markerPattern.ReplaceAllString(d.Description, ""))
	fmt.Fprintf(&b, "**Issue Type**: %s\n", d.IssueType)
	fmt.Fprintf(&b, "**Status**: %s\n", d.Status)
	b.WriteString(fileLinePrefix + d.FilePath + "\n")
	fmt.Fprintf(&b, "**Element**: %s\n", d.ElementName)
	b.WriteString("\n")
	b.WriteString(MarkerLine(fp))
	return Normalize(b.String())
}

// FileOf returns the source file named by a rendered body. The last File line
// wins since the description precedes it.
func FileOf(body string) (string, bool) {
	lines := strings.Split(Normalize(body), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if rest, ok := strings.CutPrefix(lines[i], fileLinePrefix); ok && rest != "" {
			return rest, true
		}
	}
	return "", false
}

// Normalize removes formatting noise that trackers introduce: CRLF line
// endings, trailing spaces, and leading or trailing blank lines.
func Normalize(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	lines := strings.Split(body, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	start, end := 0, len(lines)
	for start < end && lines[start] == "" {
		start++
	}
	for end > start && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// FromDeclaration builds the canonical form of one declaration.
func FromDeclaration(d marker.Declaration) Issue {
	fp := Of(d.FilePath, d.ElementName)
	return Issue{Declaration: d, Fingerprint: fp, RenderedBody: Render(d, fp)}
}

// DuplicateDeclarationError reports two declarations on the same element.
type DuplicateDeclarationError struct {
	Fingerprint Fingerprint
	First       marker.Declaration
	Second      marker.Declaration
}

func (e *DuplicateDeclarationError) Error() string {
	return fmt.Sprintf("duplicate declaration %s: %s and %s", e.Fingerprint, e.First.Location(), e.Second.Location())
}

// Set is the declared side of a reconciliation pass.
type Set struct {
	// Issues is sorted by (FilePath, ElementName).
	Issues []Issue
	// Held lists fingerprints that must not be mutated in either direction:
	// duplicates and elements whose marker failed to parse.
	Held map[Fingerprint]string
	// HeldFiles lists source files that could not be read or parsed. Issues
	// rendered from them are left alone.
	HeldFiles map[string]string
}

// WithholdFile drops every declaration of path and holds the file.
func (s *Set) WithholdFile(path, reason string) {
	kept := s.Issues[:0]
	for _, issue := range s.Issues {
		if issue.FilePath != path {
			kept = append(kept, issue)
		}
	}
	s.Issues = kept
	if s.HeldFiles == nil {
		s.HeldFiles = map[string]string{}
	}
	if _, ok := s.HeldFiles[path]; !ok {
		s.HeldFiles[path] = reason
	}
}

// Hold withholds a fingerprint from the pass with the given reason.
func (s *Set) Hold(fp Fingerprint, reason string) {
	if s.Held == nil {
		s.Held = map[Fingerprint]string{}
	}
	if _, ok := s.Held[fp]; !ok {
		s.Held[fp] = reason
	}
}

// Withhold removes any issue with the fingerprint from the set and holds it.
func (s *Set) Withhold(fp Fingerprint, reason string) {
	kept := s.Issues[:0]
	for _, issue := range s.Issues {
		if issue.Fingerprint != fp {
			kept = append(kept, issue)
		}
	}
	s.Issues = kept
	s.Hold(fp, reason)
}

// Build converts declarations into a Set. Every fingerprint shared by two or
// more declarations is removed from Issues, held, and reported once per extra
// declaration.
func Build(decls []marker.Declaration) (Set, []error) {
	byFP := make(map[Fingerprint][]marker.Declaration, len(decls))
	var order []Fingerprint
	for _, d := range decls {
		fp := Of(d.FilePath, d.ElementName)
		if _, seen := byFP[fp]; !seen {
			order = append(order, fp)
		}
		byFP[fp] = append(byFP[fp], d)
	}
	var (
		set  Set
		errs []error
	)
	for _, fp := range order {
		group := byFP[fp]
		if len(group) > 1 {
			for _, dup := range group[1:] {
				errs = append(errs, &DuplicateDeclarationError{Fingerprint: fp, First: group[0], Second: dup})
			}
			set.Hold(fp, "duplicate declaration")
			continue
		}
		set.Issues = append(set.Issues, FromDeclaration(group[0]))
	}
	sort.Slice(set.Issues, func(i, j int) bool {
		a, b := set.Issues[i], set.Issues[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		return a.ElementName < b.ElementName
	})
	return set, errs
}
