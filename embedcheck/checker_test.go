package embedcheck

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forummod/embedwatch/embedcheck/ledger"
)

type unknownEmbed struct{}

func (unknownEmbed) embedKind() string { return "unknown" }

func TestNewCheckerRequiresServices(t *testing.T) {
	m := NewMetrics(nil)
	full := Services{
		Ledger:   ledger.NewMemLedger(),
		Filter:   NewFilter(DefaultHostPrefix, nil, m, nil),
		Matcher:  &substringMatcher{},
		Router:   &recordingRouter{},
		Reporter: &recordingReporter{},
	}
	_, err := NewChecker(DefaultConfig(), full)
	assert.NoError(t, err)

	missing := full
	missing.Reporter = nil
	_, err = NewChecker(DefaultConfig(), missing)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Workers = 0
	_, err = NewChecker(cfg, full)
	assert.Error(t, err)
}

func TestCheckerProcessesBatches(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 8
	h := newTestHarness(t, cfg, nil)
	ctx := context.Background()
	require.NoError(h.checker.Start(ctx))
	require.Error(h.checker.Start(ctx))

	for i := range 50 {
		b := &Batch{
			Repo: "did:plc:abc",
			Path: fmt.Sprintf("app.bsky.feed.post/%d", i),
			Embeds: []Embed{
				Image{CID: "bafyimage"},
				Video{CID: fmt.Sprintf("bafyvideo%d", i%5)},
				Record{URI: "at://did:plc:xyz/app.bsky.feed.post/1"},
				External{URI: srv.URL + "/page"},
			},
		}
		require.NoError(h.checker.Enqueue(ctx, b))
	}
	require.NoError(h.checker.Enqueue(ctx, &Batch{Repo: "did:plc:empty"}))

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(h.checker.Shutdown(shutdownCtx))

	assert.Equal(50, h.ledger.Count(ledger.Images, "bafyimage"))
	assert.Equal(10, h.ledger.Count(ledger.Videos, "bafyvideo3"))
	assert.Equal(50, h.ledger.Count(ledger.Records, "at://did:plc:xyz/app.bsky.feed.post/1"))
	assert.Equal(50, h.ledger.Count(ledger.Links, srv.URL+"/page"))
	assert.Equal(int32(1), hits.Load())
	assert.Equal(float64(1), eventCount(h.metrics, ComponentLink, EventRedirectOK))
	assert.Equal(float64(0), testutil.ToFloat64(h.metrics.backlog))

	assert.ErrorIs(h.checker.Enqueue(ctx, &Batch{Repo: "did:plc:late"}), ErrClosed)
}

func TestCheckerBackpressure(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	h := newTestHarness(t, cfg, nil)

	assert.NoError(h.checker.Enqueue(context.Background(), &Batch{Repo: "did:plc:one"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(h.checker.Enqueue(ctx, &Batch{Repo: "did:plc:two"}), context.DeadlineExceeded)
	assert.Equal(float64(1), testutil.ToFloat64(h.metrics.backlog))
}

func TestCheckerShutdownUnblocksEnqueue(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	h := newTestHarness(t, cfg, nil)
	ctx := context.Background()

	assert.NoError(h.checker.Enqueue(ctx, &Batch{Repo: "did:plc:one"}))

	blocked := make(chan error, 1)
	go func() {
		blocked <- h.checker.Enqueue(ctx, &Batch{Repo: "did:plc:two"})
	}()
	time.Sleep(20 * time.Millisecond)

	// never started, so the queued batch is reported as unprocessed
	assert.Error(h.checker.Shutdown(ctx))

	select {
	case err := <-blocked:
		assert.ErrorIs(err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue still blocked after shutdown")
	}
	assert.ErrorIs(h.checker.Start(ctx), ErrClosed)
}

func TestCheckerUnknownEmbed(t *testing.T) {
	h := newTestHarness(t, DefaultConfig(), nil)
	h.checker.ProcessBatch(context.Background(), h.client(t), &Batch{
		Repo:   "did:plc:abc",
		Embeds: []Embed{unknownEmbed{}, Image{CID: "bafy1"}},
	})
	assert.Equal(t, float64(1), eventCount(h.metrics, ComponentChecker, EventUnknownEmbed))
	assert.Equal(t, 1, h.ledger.Count(ledger.Images, "bafy1"))
}

type panickingMatcher struct{}

func (panickingMatcher) Match(ctx context.Context, candidates []Candidate) []MatchResult {
	panic("matcher exploded")
}

func TestCheckerRecoversBatchPanic(t *testing.T) {
	assert := assert.New(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newTestHarness(t, DefaultConfig(), nil)
	h.checker.matcher = panickingMatcher{}

	assert.NotPanics(func() {
		h.checker.ProcessBatch(context.Background(), h.client(t), &Batch{
			Repo:   "did:plc:abc",
			Embeds: []Embed{External{URI: srv.URL + "/a"}, Image{CID: "bafy-after"}},
		})
	})
	assert.Equal(float64(1), eventCount(h.metrics, ComponentChecker, EventBatchPanic))
	// the rest of the batch is abandoned
	assert.Equal(0, h.ledger.Count(ledger.Images, "bafy-after"))
}

func TestCheckerRejectsNilBatch(t *testing.T) {
	assert := assert.New(t)
	h := newTestHarness(t, DefaultConfig(), nil)

	assert.ErrorIs(h.checker.Enqueue(context.Background(), nil), ErrNilBatch)
	assert.Equal(float64(0), testutil.ToFloat64(h.metrics.backlog))
	assert.NotPanics(func() {
		h.checker.ProcessBatch(context.Background(), h.client(t), nil)
	})
	assert.Equal(float64(0), eventCount(h.metrics, ComponentChecker, EventBatchPanic))
}

func TestCheckerHardStopReportsUnprocessed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.QueueSize = 10
	h := newTestHarness(t, cfg, nil)

	for i := range 3 {
		require.NoError(h.checker.Enqueue(context.Background(), &Batch{
			Repo:   "did:plc:abc",
			Embeds: []Embed{Image{CID: fmt.Sprintf("bafy%d", i)}},
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(h.checker.Start(ctx))

	err := h.checker.Shutdown(context.Background())
	require.Error(err)
	assert.Contains(err.Error(), "3 batches unprocessed")
	assert.Equal(float64(0), testutil.ToFloat64(h.metrics.backlog))
	assert.Equal(0, h.ledger.Count(ledger.Images, "bafy0"))
}
