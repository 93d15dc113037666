package invalidation

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"
)

// Matcher selects cache keys. Matchers are compiled when they are created
// and are safe for concurrent use.
type Matcher interface {
	MatchString(key string) bool
	String() string
}

type prefixMatcher string

func (p prefixMatcher) MatchString(key string) bool { return strings.HasPrefix(key, string(p)) }
func (p prefixMatcher) String() string              { return "prefix:" + string(p) }

// Prefix matches keys starting with p.
func Prefix(p string) Matcher {
	return prefixMatcher(p)
}

type familyMatcher string

func (f familyMatcher) MatchString(key string) bool {
	rest, ok := strings.CutPrefix(key, string(f))
	return ok && (rest == "" || rest[0] == '_')
}

func (f familyMatcher) String() string { return "family:" + string(f) }

// Family matches the key name itself and every "name_..." key. Family("schemes_42")
// matches "schemes_42" and "schemes_42_units" but not "schemes_420".
func Family(name string) Matcher {
	return familyMatcher(name)
}

type regexpMatcher struct {
	*regexp.Regexp
}

func (r regexpMatcher) String() string { return "regexp:" + r.Regexp.String() }

// Regexp compiles expr. Matching is case-sensitive unless expr says otherwise.
func Regexp(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pattern %q", expr)
	}
	return regexpMatcher{re}, nil
}

// MustRegexp is like Regexp but panics on an invalid expression.
func MustRegexp(expr string) Matcher {
	m, err := Regexp(expr)
	if err != nil {
		panic(err)
	}
	return m
}

type globMatcher struct {
	g       glob.Glob
	pattern string
}

func (g globMatcher) MatchString(key string) bool { return g.g.Match(key) }
func (g globMatcher) String() string              { return "glob:" + g.pattern }

// Glob compiles a shell-style pattern supporting *, ?, [abc] and {a,b}.
func Glob(pattern string) (Matcher, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid glob %q", pattern)
	}
	return globMatcher{g: g, pattern: pattern}, nil
}

// MustGlob is like Glob but panics on an invalid pattern.
func MustGlob(pattern string) Matcher {
	m, err := Glob(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

type anyMatcher []Matcher

func (a anyMatcher) MatchString(key string) bool {
	for _, m := range a {
		if m.MatchString(key) {
			return true
		}
	}
	return false
}

func (a anyMatcher) String() string {
	parts := make([]string, len(a))
	for i, m := range a {
		parts[i] = m.String()
	}
	return strings.Join(parts, " | ")
}
