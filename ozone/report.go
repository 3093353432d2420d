package ozone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forummod/embedwatch/embedcheck"
)

const (
	ReasonMisleading = "com.atproto.moderation.defs#reasonMisleading"
	ReasonSpam       = "com.atproto.moderation.defs#reasonSpam"
	ReasonOther      = "com.atproto.moderation.defs#reasonOther"
)

var ErrQueueClosed = errors.New("report queue is closed")

type repoRef struct {
	LexiconTypeID string `json:"$type"`
	DID           string `json:"did"`
}

type createReportInput struct {
	ReasonType string  `json:"reasonType"`
	Reason     string  `json:"reason,omitempty"`
	Subject    repoRef `json:"subject"`
}

type CreateReportOutput struct {
	ID         int64  `json:"id"`
	CreatedAt  string `json:"createdAt"`
	ReportedBy string `json:"reportedBy"`
}

// CreateReport files an account-level report against did.
func (c *Client) CreateReport(ctx context.Context, did, reasonType, reason string) (*CreateReportOutput, error) {
	if c.DryRun {
		c.logger().Info("dry-run: skipping report", "did", did, "reasonType", reasonType, "reason", reason)
		return &CreateReportOutput{}, nil
	}
	token, err := c.Session.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	in := createReportInput{
		ReasonType: reasonType,
		Reason:     reason,
		Subject: repoRef{
			LexiconTypeID: "com.atproto.admin.defs#repoRef",
			DID:           did,
		},
	}
	var out CreateReportOutput
	if err := c.do(ctx, http.MethodPost, "com.atproto.moderation.createReport", token, c.proxyHeaders(), in, &out); err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}
	return &out, nil
}

// ReportQueue decouples report submission from embed workers: reports are buffered, and sent
// one at a time by [ReportQueue.Run].
type ReportQueue struct {
	client  *Client
	ch      chan embedcheck.AccountReport
	logger  *slog.Logger
	reports *prometheus.CounterVec

	lk     sync.RWMutex
	closed bool
}

// NewReportQueue creates a queue holding up to size pending reports. Metrics are registered
// with reg, if not nil.
func NewReportQueue(c *Client, size int, reg prometheus.Registerer, logger *slog.Logger) *ReportQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportQueue{
		client: c,
		ch:     make(chan embedcheck.AccountReport, size),
		logger: logger.With("system", "report-queue"),
		reports: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "embedwatch_reports_total",
			Help: "Account reports submitted, by outcome and kind",
		}, []string{"outcome", "kind"}),
	}
}

// Report enqueues r, blocking while the queue is full.
func (q *ReportQueue) Report(ctx context.Context, r embedcheck.AccountReport) error {
	q.lk.RLock()
	defer q.lk.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting reports. Run returns once the remaining reports have been sent.
func (q *ReportQueue) Close() {
	q.lk.Lock()
	defer q.lk.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Run sends queued reports until the queue is closed and drained, or ctx is done.
func (q *ReportQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.send(ctx, r)
		}
	}
}

func (q *ReportQueue) send(ctx context.Context, r embedcheck.AccountReport) {
	out, err := q.client.CreateReport(ctx, r.Repo, ReasonMisleading, reportReason(r))
	if err != nil {
		q.logger.Error("failed to submit report", "repo", r.Repo, "path", r.Path, "kind", r.Kind, "err", err)
		q.reports.WithLabelValues("error", r.Kind).Inc()
		return
	}
	q.logger.Info("submitted report", "repo", r.Repo, "path", r.Path, "kind", r.Kind, "reportID", out.ID)
	q.reports.WithLabelValues("ok", r.Kind).Inc()
}

func reportReason(r embedcheck.AccountReport) string {
	msg := fmt.Sprintf("embedwatch %s", r.Kind)
	if r.Path != "" {
		msg += fmt.Sprintf(" in %s", r.Path)
	}
	if len(r.Chain) > 0 {
		msg += fmt.Sprintf(" (%d hops): %s", len(r.Chain)-1, strings.Join(r.Chain, " -> "))
	}
	return msg
}
