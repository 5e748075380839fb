// Package ignore matches watch-exclusion patterns against relative paths.
// Patterns use the familiar ignore-file subset: `*` and `?` glob within one
// path segment, `**` crosses segments, a trailing slash restricts a pattern
// to directories and everything beneath them, and a pattern containing a
// slash anchors at the watch root while a bare name matches at any depth.
package ignore

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Matcher holds compiled exclusion patterns. Build it up front; matching is
// read-only and safe for concurrent use.
type Matcher struct {
	rules []rule
}

type rule struct {
	re       *regexp.Regexp
	dirOnly  bool
	anchored bool
}

// New compiles the given patterns. Blank lines and comment lines starting
// with '#' are skipped.
func New(patterns ...string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		m.Add(p)
	}
	return m
}

// Add compiles one pattern into the matcher.
func (m *Matcher) Add(pattern string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return
	}
	var r rule
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		pattern = strings.TrimPrefix(pattern, "/")
		r.anchored = true
	} else if strings.Contains(pattern, "/") {
		r.anchored = true
	}
	r.re = regexp.MustCompile("^" + globToRegexp(pattern) + "$")
	m.rules = append(m.rules, r)
}

// Match reports whether relPath, relative to the watch root, should be
// excluded. isDir distinguishes "build" the directory from a file of the
// same name for trailing-slash patterns.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	relPath = strings.Trim(filepath.ToSlash(relPath), "/")
	if relPath == "" || relPath == "." {
		return false
	}
	segs := strings.Split(relPath, "/")
	for _, r := range m.rules {
		if r.matches(relPath, segs, isDir) {
			return true
		}
	}
	return false
}

func (r rule) matches(path string, segs []string, isDir bool) bool {
	if r.anchored {
		if r.re.MatchString(path) {
			return !r.dirOnly || isDir
		}
		// A dir-only pattern also claims everything beneath the
		// matching directory.
		if r.dirOnly {
			for i := 1; i < len(segs); i++ {
				if r.re.MatchString(strings.Join(segs[:i], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, seg := range segs {
			if r.re.MatchString(seg) {
				return i < len(segs)-1 || isDir
			}
		}
		return false
	}
	if r.re.MatchString(path) {
		return true
	}
	// A bare name matches any single path segment.
	for _, seg := range segs {
		if r.re.MatchString(seg) {
			return true
		}
	}
	return false
}

// globToRegexp translates the glob subset to a regexp body. `*` and `?`
// stop at segment boundaries; `**` does not.
func globToRegexp(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		switch pattern[i] {
		case '*':
			switch {
			case strings.HasPrefix(pattern[i:], "**/"):
				b.WriteString(`(?:[^/]+/)*`)
				i += 3
			case strings.HasPrefix(pattern[i:], "**"):
				b.WriteString(`.*`)
				i += 2
			default:
				b.WriteString(`[^/]*`)
				i++
			}
		case '?':
			b.WriteString(`[^/]`)
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	return b.String()
}
