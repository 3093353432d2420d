package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forummod/embedwatch/embedcheck"
	"github.com/forummod/embedwatch/embedcheck/ledger"
	"github.com/forummod/embedwatch/embedcheck/match"
	"github.com/forummod/embedwatch/embedcheck/routing"
)

func testServer(t *testing.T) (*Server, *ledger.MemLedger) {
	t.Helper()
	metrics := embedcheck.NewMetrics(nil)
	matcher, err := match.NewGlobMatcher(nil)
	require.NoError(t, err)
	l := ledger.NewMemLedger()
	cfg := embedcheck.DefaultConfig()
	cfg.Workers = 2
	cfg.QueueSize = 4
	checker, err := embedcheck.NewChecker(cfg, embedcheck.Services{
		Metrics:  metrics,
		Ledger:   l,
		Filter:   embedcheck.NewFilter(embedcheck.DefaultHostPrefix, nil, metrics, nil),
		Matcher:  matcher,
		Router:   &routing.LogRouter{},
		Reporter: &routing.LogReporter{},
	})
	require.NoError(t, err)
	require.NoError(t, checker.Start(context.Background()))
	return NewServer(checker, Config{Bind: "127.0.0.1:0"}), l
}

func post(srv *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/xrpc/embedwatch.enqueueBatch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/_health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestEnqueueBatch(t *testing.T) {
	assert := assert.New(t)
	srv, l := testServer(t)

	rec := post(srv, `{"repo":"did:plc:abc","path":"app.bsky.feed.post/1","embeds":[{"$type":"image","cid":"bafy1"}]}`)
	assert.Equal(http.StatusOK, rec.Code)

	rec = post(srv, `{"repo":"did:plc:abc","embeds":[{"$type":"gif"}]}`)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Contains(rec.Body.String(), "InvalidRequest")

	rec = post(srv, `{not json`)
	assert.Equal(http.StatusBadRequest, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.checker.Shutdown(ctx))
	assert.Equal(1, l.Count(ledger.Images, "bafy1"))

	rec = post(srv, `{"repo":"did:plc:abc","embeds":[]}`)
	assert.Equal(http.StatusServiceUnavailable, rec.Code)
}
