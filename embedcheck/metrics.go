package embedcheck

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("embedcheck")

// metric label values: (component, event)
const (
	ComponentChecker = "embed_checker"
	ComponentLinks   = "links"
	ComponentLink    = "link"

	EventMalformed          = "malformed"
	EventWhitelistSkipped   = "whitelist_skipped"
	EventUnsupportedScheme  = "unsupported_scheme"
	EventRepetition         = "repetition"
	EventRedirections       = "redirections"
	EventRedirectMatched    = "redirect_matched_rule"
	EventRedirectOK         = "redirect_ok"
	EventRedirectOverflow   = "redirect_limit_exceeded"
	EventRedirectError      = "redirect_error"
	EventUnknownEmbed       = "unknown_embed"
	EventBatchPanic         = "batch_panic"
	EventRouteError         = "route_error"
	EventReportEnqueueError = "report_error"
)

// Metrics holds the checker's prometheus collectors. Construct one per registry; all methods
// are safe for concurrent use.
type Metrics struct {
	events  *prometheus.CounterVec
	backlog prometheus.Gauge
	hops    prometheus.Histogram
}

// NewMetrics creates collectors and registers them with reg. A nil reg leaves them
// unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "embedwatch_events_total",
			Help: "Embed checker events, by component and event",
		}, []string{"component", "event"}),
		backlog: f.NewGauge(prometheus.GaugeOpts{
			Name: "embedwatch_backlog",
			Help: "Number of embed batches waiting for a worker",
		}),
		hops: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedwatch_redirection_hops",
			Help:    "Length of redirect chains walked, including the root URL",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20, 25},
		}),
	}
}

func (m *Metrics) Inc(component, event string) {
	m.events.WithLabelValues(component, event).Inc()
}
