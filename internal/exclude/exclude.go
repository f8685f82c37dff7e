// Package exclude implements the ordered exclusion-pattern matcher the
// backup engine consults while walking a tree (spec.md 4.D).
package exclude

import "regexp"

// Matcher holds a compiled, ordered list of exclusion patterns. A path
// is excluded iff any pattern matches anywhere within it. Go's RE2
// engine already treats '$' as end-of-text (not end-of-line) unless
// the multiline flag is set, which is never set here, so "dollar
// matches end only" semantics fall out without extra work.
type Matcher struct {
	patterns []*regexp.Regexp
}

// New compiles the given regular expressions in order. It returns an
// error naming the first pattern that fails to compile.
func New(patterns []string) (*Matcher, error) {
	m := &Matcher{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Excluded reports whether path matches any of the compiled patterns.
func (m *Matcher) Excluded(path string) bool {
	for _, re := range m.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (m *Matcher) Len() int {
	return len(m.patterns)
}
