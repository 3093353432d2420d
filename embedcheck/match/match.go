// Glob rule matching for redirect targets.
package match

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/forummod/embedwatch/embedcheck"
)

type rule struct {
	label   string
	pattern glob.Glob
}

// GlobMatcher matches candidate targets against a fixed list of glob patterns. It is
// read-only after construction, and safe for concurrent use.
type GlobMatcher struct {
	rules []rule
}

// NewGlobMatcher compiles rules of the form "label=pattern", or a bare pattern which is then
// also its own label. Patterns use glob syntax with no separators, so "*" matches across path
// segments. Matching ignores case. A pattern containing "=" must be given a label.
func NewGlobMatcher(rules []string) (*GlobMatcher, error) {
	m := &GlobMatcher{}
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		label, pattern, ok := strings.Cut(r, "=")
		if !ok {
			label, pattern = r, r
		}
		label = strings.TrimSpace(label)
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if label == "" || pattern == "" {
			return nil, fmt.Errorf("invalid match rule: %q", r)
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling match rule %q: %w", label, err)
		}
		m.rules = append(m.rules, rule{label: label, pattern: g})
	}
	return m, nil
}

func (m *GlobMatcher) Len() int {
	return len(m.rules)
}

func (m *GlobMatcher) Match(ctx context.Context, candidates []embedcheck.Candidate) []embedcheck.MatchResult {
	var out []embedcheck.MatchResult
	for _, c := range candidates {
		target := strings.ToLower(c.Target)
		for _, r := range m.rules {
			if r.pattern.Match(target) {
				out = append(out, embedcheck.MatchResult{Rule: r.label, Candidate: c})
			}
		}
	}
	return out
}
