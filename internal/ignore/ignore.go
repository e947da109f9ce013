// Package ignore decides whether a relative path is excluded from
// synchronization. It is queried on the Scanner and Assembler hot paths,
// so matching must be safe for concurrent read, and a pattern-set update
// must be an atomic swap visible to in-flight queries as either the
// entirely-old or entirely-new set, never torn.
package ignore

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

// systemDirName is the folder's own metadata directory, always ignored
// regardless of configured patterns (spec.md §4.5).
const systemDirName = ".librevault"

// Filter matches relative paths against an ordered pattern list. The zero
// Filter is not usable; construct with New.
type Filter struct {
	m atomic.Pointer[matcher]
}

// New compiles patterns into a Filter. Patterns are glob-like: "*" and
// "?" match within one path segment, "**" matches across segments, a
// trailing "/" makes the pattern also ignore everything beneath a matching
// path. IsIgnored gets no file type, so such a pattern matches the path
// itself whether it is a file or a directory. Invalid patterns are
// rejected so misconfiguration is caught at load time, not at query time.
func New(patterns []string) (*Filter, error) {
	m, err := compile(patterns)
	if err != nil {
		return nil, err
	}
	f := &Filter{}
	f.m.Store(m)
	return f, nil
}

// Update atomically replaces the pattern set. Queries already in flight
// observe either the matcher in effect when they started or the new one,
// never a mix of both, since the swap is a single atomic pointer store.
func (f *Filter) Update(patterns []string) error {
	m, err := compile(patterns)
	if err != nil {
		return err
	}
	f.m.Store(m)
	return nil
}

// IsIgnored reports whether relPath (forward-slash separated, relative to
// the folder root) should be excluded from synchronization.
func (f *Filter) IsIgnored(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if relPath == systemDirName || strings.HasPrefix(relPath, systemDirName+"/") {
		return true
	}
	return f.m.Load().match(relPath)
}

// matcher is an immutable compiled pattern set. Every Filter query reads
// one matcher value via atomic.Pointer.Load, so a matcher is never mutated
// after compile returns it.
type matcher struct {
	rules []rule
}

type rule struct {
	dirOnly bool
	glob    string         // used directly with path.Match when the pattern has no "**"
	re      *regexp.Regexp // used instead when the pattern contains "**"
}

func compile(patterns []string) (*matcher, error) {
	m := &matcher{rules: make([]rule, 0, len(patterns))}
	for _, p := range patterns {
		r, err := compileOne(p)
		if err != nil {
			return nil, fmt.Errorf("ignore: bad pattern %q: %w", p, err)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

func compileOne(p string) (rule, error) {
	dirOnly := strings.HasSuffix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if !strings.Contains(p, "**") {
		// validate now so a malformed glob fails at load time
		if _, err := path.Match(p, ""); err != nil {
			return rule{}, err
		}
		return rule{dirOnly: dirOnly, glob: p}, nil
	}
	re, err := globToRegexp(p)
	if err != nil {
		return rule{}, err
	}
	return rule{dirOnly: dirOnly, re: re}, nil
}

// globToRegexp translates a "**"-containing glob into an anchored regexp.
// "**" matches zero or more whole path segments (including the slash that
// would separate them from their neighbors); "*" matches within one
// segment; "?" matches one rune within one segment.
func globToRegexp(p string) (*regexp.Regexp, error) {
	segs := strings.Split(p, "/")
	if len(segs) == 1 {
		// a bare "**" with no surrounding segments matches everything
		return regexp.Compile("^.*$")
	}

	var b strings.Builder
	b.WriteByte('^')
	for i, seg := range segs {
		switch {
		case seg == "**" && i == 0:
			b.WriteString("(?:.*/)?")
		case seg == "**" && i == len(segs)-1:
			b.WriteString("/.*")
		case seg == "**":
			b.WriteString("/(?:.*/)?")
		default:
			if i > 0 && segs[i-1] != "**" {
				b.WriteByte('/')
			}
			for _, r := range seg {
				switch r {
				case '*':
					b.WriteString("[^/]*")
				case '?':
					b.WriteString("[^/]")
				default:
					b.WriteString(regexp.QuoteMeta(string(r)))
				}
			}
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

func (m *matcher) match(relPath string) bool {
	for _, r := range m.rules {
		if r.matchesPath(relPath) {
			return true
		}
	}
	return matchAnyPrefix(m.rules, relPath)
}

// matchAnyPrefix additionally matches a dirOnly rule against every
// ancestor directory of relPath, so that ignoring a directory also
// ignores everything beneath it.
func matchAnyPrefix(rules []rule, relPath string) bool {
	segs := strings.Split(relPath, "/")
	for i := 1; i < len(segs); i++ {
		prefix := strings.Join(segs[:i], "/")
		for _, r := range rules {
			if r.dirOnly && r.matchesPath(prefix) {
				return true
			}
		}
	}
	return false
}

func (r rule) matchesPath(relPath string) bool {
	if r.re != nil {
		return r.re.MatchString(relPath)
	}
	// a glob without "**" matches either the full path or its final
	// segment, mirroring gitignore-style single-segment patterns like
	// "*.tmp" matching at any depth when the pattern has no slash.
	if strings.Contains(r.glob, "/") {
		ok, _ := path.Match(r.glob, relPath)
		return ok
	}
	ok, _ := path.Match(r.glob, path.Base(relPath))
	return ok
}
