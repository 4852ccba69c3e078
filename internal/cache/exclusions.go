package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList holds the models whose responses must never be cached.
// Rules come in two shapes: literal model names, matched with a set
// lookup, and regular expressions, tried in configuration order after
// the literals. A nil list excludes nothing.
type ExclusionList struct {
	literals map[string]struct{}
	compiled []*regexp.Regexp
}

// NewExclusionList builds a list from literal names and regexp sources.
// Empty entries are ignored. A pattern that does not compile fails the
// whole call, so a bad rule surfaces at startup rather than silently
// caching what the operator meant to exclude.
func NewExclusionList(literals, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{literals: make(map[string]struct{}, len(literals))}
	for _, name := range literals {
		if name == "" {
			continue
		}
		el.literals[name] = struct{}{}
	}
	for _, src := range patterns {
		if src == "" {
			continue
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", src, err)
		}
		el.compiled = append(el.compiled, re)
	}
	return el, nil
}

// Excluded reports whether model is barred from the response cache.
func (el *ExclusionList) Excluded(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.literals[model]; ok {
		return true
	}
	for _, re := range el.compiled {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Rules returns how many exclusion rules are loaded.
func (el *ExclusionList) Rules() int {
	if el == nil {
		return 0
	}
	return len(el.literals) + len(el.compiled)
}
