package archiver

import (
	"path/filepath"
	"strings"
)

// Matcher evaluates exclude patterns. A pattern containing a separator
// is matched against the whole slash-separated path; a bare pattern is
// matched against the basename and against every path component.
// Matching is case-sensitive; the filesystem's own case behavior is
// not consulted.
type Matcher struct {
	patterns []string
}

// NewMatcher compiles a pattern list. Invalid glob syntax is reported
// up front rather than silently never matching.
func NewMatcher(patterns []string) (*Matcher, error) {
	for _, p := range patterns {
		if _, err := filepath.Match(p, "probe"); err != nil {
			return nil, err
		}
	}
	return &Matcher{patterns: append([]string(nil), patterns...)}, nil
}

// Match reports whether the path is excluded. path uses forward
// slashes.
func (m *Matcher) Match(path string) bool {
	if len(m.patterns) == 0 {
		return false
	}
	base := filepath.Base(path)
	components := strings.Split(strings.Trim(path, "/"), "/")

	for _, p := range m.patterns {
		if strings.ContainsRune(p, '/') {
			if ok, _ := filepath.Match(strings.Trim(p, "/"), strings.Trim(path, "/")); ok {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		for _, c := range components {
			if ok, _ := filepath.Match(p, c); ok {
				return true
			}
		}
	}
	return false
}
