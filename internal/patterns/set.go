// Package patterns holds the blocked-pattern set and the rules that drive both
// filter pipelines: which hosts activate, which URLs carry chat payloads, which
// DOM nodes are chat messages and how they are marked.
package patterns

import (
	"slices"
	"strings"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// Set is an ordered, immutable list of case-insensitive substrings.
// A text matches when its lowercased form contains any lowercased pattern.
type Set struct {
	patterns []string
	matcher  *goahocorasick.Machine
}

// NewSet builds a Set from patterns, preserving their order.
// Empty patterns are dropped since they would match every message.
func NewSet(patterns []string) (*Set, error) {
	kept := lo.Filter(patterns, func(p string, _ int) bool {
		return p != ""
	})
	s := &Set{patterns: kept}
	if len(kept) == 0 {
		return s, nil
	}

	// The double-array trie expects unique keys in lexical order.
	keys := lo.Uniq(lo.Map(kept, func(p string, _ int) string {
		return strings.ToLower(p)
	}))
	slices.Sort(keys)
	runes := make([][]rune, len(keys))
	for i, k := range keys {
		runes[i] = []rune(k)
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(runes); err != nil {
		return nil, err
	}
	s.matcher = m
	return s, nil
}

// MustSet is NewSet for static pattern lists; it panics on error.
func MustSet(patterns ...string) *Set {
	s, err := NewSet(patterns)
	if err != nil {
		panic(err)
	}
	return s
}

// Match reports whether text contains any pattern, ignoring case.
func (s *Set) Match(text string) bool {
	if s == nil || s.matcher == nil || text == "" {
		return false
	}
	content := []rune(strings.ToLower(text))
	return len(s.matcher.MultiPatternSearch(content, true)) > 0
}

// Patterns returns a copy of the patterns in configured order.
func (s *Set) Patterns() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.patterns)
}

// Len returns the number of patterns.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}
