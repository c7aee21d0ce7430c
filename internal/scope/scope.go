// Package scope implements file-scope tracking and lock resolution for
// concurrently executing chains. A chain declares the set of path-glob
// patterns it intends to mutate; the resolver guarantees that no two
// simultaneously active chains hold overlapping scopes.
package scope

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileScope is the set of path-glob patterns a chain intends to mutate.
// Patterns use doublestar syntax (e.g. "src/api/**", "docs/*.md").
type FileScope []string

// Normalize returns a copy of the scope with cleaned, slash-separated
// patterns and empty entries removed.
func (s FileScope) Normalize() FileScope {
	out := make(FileScope, 0, len(s))
	for _, p := range s {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
		out = append(out, p)
	}
	return out
}

// Matches reports whether the given path is covered by any pattern in the scope.
func (s FileScope) Matches(filePath string) bool {
	filePath = path.Clean(strings.ReplaceAll(filePath, "\\", "/"))
	for _, pattern := range s {
		if ok, err := doublestar.Match(pattern, filePath); err == nil && ok {
			return true
		}
	}
	return false
}

// HasOverlap reports whether any pattern in a could match a path also
// matched by some pattern in b. The test is conservative: false positives
// are safe, false negatives are not. Literal paths compare exactly; for
// wildcard patterns a prefix-compatibility test is used.
func HasOverlap(a, b FileScope) bool {
	for _, pa := range a.Normalize() {
		for _, pb := range b.Normalize() {
			if patternsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

// OverlappingPatterns returns every pattern pair (from a, from b) that
// could cover a common path. Used to report conflicts with detail.
func OverlappingPatterns(a, b FileScope) []PatternPair {
	var pairs []PatternPair
	for _, pa := range a.Normalize() {
		for _, pb := range b.Normalize() {
			if patternsOverlap(pa, pb) {
				pairs = append(pairs, PatternPair{A: pa, B: pb})
			}
		}
	}
	return pairs
}

// PatternPair names two patterns that can match a common path.
type PatternPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// patternsOverlap is the conservative pairwise overlap test.
func patternsOverlap(a, b string) bool {
	// Exact pattern equality always overlaps.
	if a == b {
		return true
	}

	aLiteral := isLiteral(a)
	bLiteral := isLiteral(b)

	// Two distinct literal paths never overlap.
	if aLiteral && bLiteral {
		return false
	}

	// A literal path against a glob: direct match test.
	if aLiteral {
		ok, err := doublestar.Match(b, a)
		return err != nil || ok
	}
	if bLiteral {
		ok, err := doublestar.Match(a, b)
		return err != nil || ok
	}

	// Both contain wildcards. Compare the literal prefixes: if neither
	// prefix is a prefix of the other, the pattern trees are disjoint.
	return prefixesCompatible(literalPrefix(a), literalPrefix(b))
}

// isLiteral reports whether the pattern contains no glob metacharacters.
func isLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?[{")
}

// literalPrefix returns the leading path segments of a pattern before the
// first segment containing a wildcard.
func literalPrefix(pattern string) string {
	segments := strings.Split(pattern, "/")
	var literal []string
	for _, seg := range segments {
		if strings.ContainsAny(seg, "*?[{") {
			break
		}
		literal = append(literal, seg)
	}
	return strings.Join(literal, "/")
}

// prefixesCompatible reports whether one literal prefix is a path-prefix
// of the other, meaning the two wildcard patterns could share a subtree.
func prefixesCompatible(a, b string) bool {
	if a == "" || b == "" {
		// A bare wildcard pattern can reach anywhere.
		return true
	}
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
