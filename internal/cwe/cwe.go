// Package cwe extracts and compares Common Weakness Enumeration ids.
//
// Comparison is deliberately literal on the digits: "CWE-78" and "CWE-078"
// are different ids here. Callers that want numeric equivalence must
// canonicalize before calling into this package.
package cwe

import (
	"regexp"
	"sort"
	"strings"
)

var tagPattern = regexp.MustCompile(`(?i)^external/cwe/cwe-(\d+)$`)

// FromTag returns the digits of a CodeQL rule tag such as
// "external/cwe/cwe-078". ok is false for any other tag.
func FromTag(tag string) (id string, ok bool) {
	m := tagPattern.FindStringSubmatch(strings.TrimSpace(tag))
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// FromTags collects the CWE ids of every matching tag, in tag order,
// without duplicates.
func FromTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tags {
		id, ok := FromTag(t)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Normalize strips a case-insensitive "CWE-" prefix and surrounding space.
// The remainder is returned untouched; no numeric coercion happens.
func Normalize(id string) string {
	s := strings.TrimSpace(id)
	if len(s) >= 4 && strings.EqualFold(s[:4], "CWE-") {
		s = s[4:]
	}
	return s
}

// Set is a normalized collection of CWE ids.
type Set map[string]struct{}

func NewSet(ids []string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		n := Normalize(id)
		if n == "" {
			continue
		}
		s[n] = struct{}{}
	}
	return s
}

func (s Set) Contains(id string) bool {
	_, ok := s[Normalize(id)]
	return ok
}

// Intersect returns the normalized ids present in both s and ids, sorted.
func (s Set) Intersect(ids []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range ids {
		n := Normalize(id)
		if _, ok := s[n]; ok && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Matches reports whether any id in found is targeted.
func Matches(targets, found []string) bool {
	if len(targets) == 0 {
		return false
	}
	return len(NewSet(targets).Intersect(found)) > 0
}
