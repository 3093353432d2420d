package embedcheck

import (
	"context"
)

// Relation label used for candidates produced by redirect hops.
const RelationRedirectedURL = "redirected_url"

// Report kind for runaway redirect chains.
const ReportKindLinkRedirection = "link_redirection"

// Candidate is one string offered to the rule matcher, with the context it was found in.
type Candidate struct {
	Source   string `json:"source"`
	Relation string `json:"relation"`
	Target   string `json:"target"`
}

type MatchResult struct {
	Rule      string    `json:"rule"`
	Candidate Candidate `json:"candidate"`
}

// RoutedMatch is handed to the action router when a redirect hop matches a rule.
type RoutedMatch struct {
	Repo    string        `json:"repo"`
	Path    string        `json:"path"`
	Results []MatchResult `json:"results"`
}

// AccountReport is filed against an account when one of its posts links to abusive content.
type AccountReport struct {
	Repo  string   `json:"repo"`
	Path  string   `json:"path"`
	Kind  string   `json:"kind"`
	Chain []string `json:"chain,omitempty"`
}

// RepetitionAlert describes a throttled repetition alert for a CID or URI.
type RepetitionAlert struct {
	Namespace string
	Key       string
	Count     int
	Repo      string
	Path      string
}

// Matcher evaluates candidate strings against configured moderation rules. Implementations
// must be safe for concurrent use.
type Matcher interface {
	Match(ctx context.Context, candidates []Candidate) []MatchResult
}

// ActionRouter accepts match results for downstream moderation actions. Routing is
// fire-and-forget from the checker's point of view: errors are logged, not retried.
type ActionRouter interface {
	Route(ctx context.Context, m RoutedMatch) error
}

// Reporter files account reports, eg with a moderation service.
type Reporter interface {
	Report(ctx context.Context, r AccountReport) error
}

// Notifier sends repetition alerts to humans (optional).
type Notifier interface {
	SendRepetition(ctx context.Context, a RepetitionAlert) error
}
