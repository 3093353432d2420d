package embedcheck

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/forummod/embedwatch/embedcheck/ledger"
)

// matches any candidate whose target contains one of the substrings
type substringMatcher struct {
	substrings []string
}

func (m *substringMatcher) Match(ctx context.Context, candidates []Candidate) []MatchResult {
	var out []MatchResult
	for _, c := range candidates {
		for _, s := range m.substrings {
			if strings.Contains(c.Target, s) {
				out = append(out, MatchResult{Rule: s, Candidate: c})
			}
		}
	}
	return out
}

type recordingRouter struct {
	lk     sync.Mutex
	routed []RoutedMatch
	err    error
}

func (r *recordingRouter) Route(ctx context.Context, m RoutedMatch) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.routed = append(r.routed, m)
	return r.err
}

type recordingReporter struct {
	lk      sync.Mutex
	reports []AccountReport
}

func (r *recordingReporter) Report(ctx context.Context, ar AccountReport) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.reports = append(r.reports, ar)
	return nil
}

type recordingNotifier struct {
	lk     sync.Mutex
	alerts []RepetitionAlert
}

func (n *recordingNotifier) SendRepetition(ctx context.Context, a RepetitionAlert) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

type testHarness struct {
	checker  *Checker
	metrics  *Metrics
	ledger   *ledger.MemLedger
	router   *recordingRouter
	reporter *recordingReporter
	notifier *recordingNotifier
}

func newTestHarness(t *testing.T, cfg Config, whitelist []string, rules ...string) *testHarness {
	t.Helper()
	h := &testHarness{
		metrics:  NewMetrics(nil),
		ledger:   ledger.NewMemLedger(),
		router:   &recordingRouter{},
		reporter: &recordingReporter{},
		notifier: &recordingNotifier{},
	}
	// test servers listen on loopback
	cfg.Transport.PublicOnly = false
	c, err := NewChecker(cfg, Services{
		Metrics:  h.metrics,
		Ledger:   h.ledger,
		Filter:   NewFilter(DefaultHostPrefix, whitelist, h.metrics, nil),
		Matcher:  &substringMatcher{substrings: rules},
		Router:   h.router,
		Reporter: h.reporter,
		Notifier: h.notifier,
	})
	require.NoError(t, err)
	h.checker = c
	return h
}

func (h *testHarness) client(t *testing.T) *http.Client {
	t.Helper()
	client, stop := NewProbeClient(h.checker.cfg.Transport)
	t.Cleanup(stop)
	return client
}

func eventCount(m *Metrics, component, event string) float64 {
	return testutil.ToFloat64(m.events.WithLabelValues(component, event))
}
