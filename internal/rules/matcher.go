package rules

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// Matcher tests a slash-separated relative path.
type Matcher interface {
	Match(path string) bool
	String() string
}

type regexpMatcher struct {
	re *regexp.Regexp
}

// NewRegexp compiles a RE2 expression into a Matcher. Use (?i) for case-insensitive tests.
func NewRegexp(expr string) (Matcher, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty regular expression")
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &regexpMatcher{re: re}, nil
}

func (m *regexpMatcher) Match(path string) bool {
	return m.re.MatchString(path)
}

func (m *regexpMatcher) String() string {
	return m.re.String()
}

type globMatcher struct {
	pattern string
	g       glob.Glob
}

// NewGlob compiles a glob with '/' as the separator, so "*" stays within one
// segment and "**" crosses segments.
func NewGlob(pattern string) (Matcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty glob")
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	return &globMatcher{pattern: pattern, g: g}, nil
}

func (m *globMatcher) Match(path string) bool {
	return m.g.Match(path)
}

func (m *globMatcher) String() string {
	return m.pattern
}
