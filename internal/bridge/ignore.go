package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher evaluates gitignore-style patterns against POSIX relative
// paths. Patterns are compiled once; evaluation is last-match-wins, so
// a later negation ("!build/keep.txt") re-includes a path an earlier
// pattern excluded.
//
// Supported syntax: "*" (within one segment), "**" (across segments),
// "?" (one character), character classes, a leading "/" anchoring the
// pattern to the root, a trailing "/" matching a directory and its
// contents, and a leading "!" negation.
type Matcher struct {
	rules []ignoreRule
}

type ignoreRule struct {
	re     *regexp.Regexp
	negate bool
}

// NewMatcher compiles the pattern list. Blank lines and comments are
// skipped; a malformed pattern fails compilation rather than silently
// matching nothing.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range patterns {
		pat := strings.TrimSpace(raw)
		if pat == "" || strings.HasPrefix(pat, "#") {
			continue
		}

		negate := false
		if strings.HasPrefix(pat, "!") {
			negate = true
			pat = pat[1:]
		}

		re, err := compilePattern(pat)
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", raw, err)
		}
		m.rules = append(m.rules, ignoreRule{re: re, negate: negate})
	}
	return m, nil
}

// Ignored reports whether path (forward-slash relative) is excluded.
// The last matching rule decides.
func (m *Matcher) Ignored(path string) bool {
	path = strings.TrimPrefix(NormalizePath(path), "/")

	ignored := false
	for _, rule := range m.rules {
		if rule.re.MatchString(path) {
			ignored = !rule.negate
		}
	}
	return ignored
}

// NormalizePath converts OS separators to forward slashes.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// compilePattern translates one gitignore-style glob into an anchored
// regular expression.
func compilePattern(pat string) (*regexp.Regexp, error) {
	anchored := strings.HasPrefix(pat, "/")
	pat = strings.TrimPrefix(pat, "/")

	dirOnly := strings.HasSuffix(pat, "/")
	pat = strings.TrimSuffix(pat, "/")

	var b strings.Builder
	if anchored {
		b.WriteString("^")
	} else {
		b.WriteString("(?:^|/)")
	}

	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case '*':
			if i+1 < len(pat) && pat[i+1] == '*' {
				// "**" crosses directory boundaries; "**/" also matches
				// zero directories.
				i++
				if i+1 < len(pat) && pat[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
				} else {
					b.WriteString(".*")
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(pat[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated character class")
			}
			b.WriteString(pat[i : i+end+1])
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	if dirOnly {
		// The directory itself and everything under it.
		b.WriteString("(?:/.*)?")
	}
	b.WriteString("$")

	return regexp.Compile(b.String())
}

// DefaultIgnorePatterns are always active for a bridge session, ahead
// of the session's own patterns. They cover artifacts no project wants
// mirrored.
var DefaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	".DS_Store",
	"*.log",
	"dist/",
	"build/",
	".myndhyve-cli/",
}
