package embedcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forummod/embedwatch/embedcheck/ledger"
	"github.com/forummod/embedwatch/util/retry"
)

// Outcome is the terminal state of a redirect walk.
type Outcome int

const (
	// root was already seen, or is not eligible for probing; no request was made
	OutcomeSkipped Outcome = iota
	OutcomeCompleted
	// the chain ran past the redirect limit; the account was reported
	OutcomeOverflow
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCompleted:
		return "completed"
	case OutcomeOverflow:
		return "overflow"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var ErrRedirectLimit = errors.New("redirect limit exceeded")

// bytes of a redirect response body read before closing, so the connection can be reused
const maxDrainBytes = 4 << 10

// WalkResult describes one finished walk. Chain is empty for skipped walks, and otherwise
// starts with the root URI.
type WalkResult struct {
	Outcome Outcome
	Chain   []string
	Err     error
}

// hop handler: invoked with each redirect target, returns false to stop following
type hopFunc func(target string) bool

// Walk follows the redirect chain starting at root, evaluating each hop against the matcher
// and reporting chains which exceed the redirect limit. The post the link was found in
// (repo, path) is carried into routed matches and reports.
//
// Walk blocks until the chain reaches a terminal state. Failures are logged and counted, never
// returned to the caller except through the result.
func (c *Checker) Walk(ctx context.Context, client *http.Client, repo, path, root string) WalkResult {
	ctx, span := tracer.Start(ctx, "embedcheck.Walk", trace.WithAttributes(
		attribute.String("root", root),
		attribute.String("repo", repo),
	))
	defer span.End()

	if repeat, _ := c.Observe(ctx, ledger.Links, root, repo, path); repeat || !c.filter.Eligible(root) {
		span.SetAttributes(attribute.String("outcome", OutcomeSkipped.String()))
		return WalkResult{Outcome: OutcomeSkipped}
	}
	if !fetchable(root) {
		c.metrics.Inc(ComponentLinks, EventUnsupportedScheme)
		span.SetAttributes(attribute.String("outcome", OutcomeSkipped.String()))
		return WalkResult{Outcome: OutcomeSkipped}
	}

	chain := []string{root}
	onHop := func(target string) bool {
		chain = append(chain, target)
		if repeat, _ := c.Observe(ctx, ledger.Links, target, repo, path); repeat || !c.filter.Eligible(target) {
			return false
		}
		c.metrics.Inc(ComponentLink, EventRedirections)

		results := c.matcher.Match(ctx, []Candidate{{
			Source:   root,
			Relation: RelationRedirectedURL,
			Target:   target,
		}})
		if len(results) > 0 {
			c.metrics.Inc(ComponentLink, EventRedirectMatched)
			m := RoutedMatch{Repo: repo, Path: path, Results: results}
			if err := c.router.Route(ctx, m); err != nil {
				c.logger.Error("failed to route redirect match", "root", root, "target", target, "repo", repo, "path", path, "err", err)
				c.metrics.Inc(ComponentLink, EventRouteError)
			}
		}
		// a redirect out of the web (deep link, ftp) ends the chain
		if !fetchable(target) {
			c.metrics.Inc(ComponentLinks, EventUnsupportedScheme)
			return false
		}
		return true
	}

	res := WalkResult{}
	err := c.follow(ctx, client, probeURL(root), onHop)
	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
		c.metrics.Inc(ComponentLink, EventRedirectOK)
	case errors.Is(err, ErrRedirectLimit):
		res.Outcome = OutcomeOverflow
		c.metrics.Inc(ComponentLink, EventRedirectOverflow)
		c.logger.Error("redirect limit exceeded", "root", root, "repo", repo, "path", path, "hops", len(chain)-1)
		report := AccountReport{
			Repo:  repo,
			Path:  path,
			Kind:  ReportKindLinkRedirection,
			Chain: chain,
		}
		if rerr := c.reporter.Report(ctx, report); rerr != nil {
			c.logger.Error("failed to enqueue account report", "repo", repo, "path", path, "err", rerr)
			c.metrics.Inc(ComponentLink, EventReportEnqueueError)
		}
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
		c.metrics.Inc(ComponentLink, EventRedirectError)
		c.logger.Error("redirect walk failed", "root", root, "repo", repo, "path", path, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	res.Chain = chain

	c.metrics.hops.Observe(float64(len(chain)))
	span.SetAttributes(
		attribute.String("outcome", res.Outcome.String()),
		attribute.Int("hops", len(chain)-1),
	)
	c.logger.Info("redirect walk complete", "outcome", res.Outcome.String(), "hops", len(chain)-1, "chain", strings.Join(chain, " -> "), "repo", repo, "path", path)
	return res
}

// follow issues GET requests starting at uri, passing each redirect target to onHop, until a
// non-redirect response, onHop declines, or the redirect limit is hit.
func (c *Checker) follow(ctx context.Context, client *http.Client, uri string, onHop hopFunc) error {
	current := uri
	followed := 0
	for {
		target, err := c.fetch(ctx, client, current)
		if err != nil {
			return err
		}
		if target == "" {
			return nil
		}
		if followed >= c.cfg.RedirectLimit {
			return fmt.Errorf("%w: %d hops from %s", ErrRedirectLimit, followed, uri)
		}
		followed++
		if !onHop(target) {
			return nil
		}
		current = target
	}
}

// fetch issues one GET (with retries on transient transport errors) and returns the redirect
// target, or an empty string if the response was not a redirect.
func (c *Checker) fetch(ctx context.Context, client *http.Client, uri string) (string, error) {
	var target string
	err := retry.Do(ctx, c.cfg.MaxFetchAttempts, func(attempt int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return err
		}
		setProbeHeaders(req)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		target, err = redirectTarget(resp)
		return err
	}, func(attempt int, err error) {
		c.logger.Debug("retrying probe", "uri", uri, "attempt", attempt, "err", err)
	})
	return target, err
}

func redirectTarget(resp *http.Response) (string, error) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return "", nil
	}
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	loc, err := resp.Location()
	if errors.Is(err, http.ErrNoLocation) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("invalid redirect location: %w", err)
	}
	return loc.String(), nil
}
