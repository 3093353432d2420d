package embedcheck

import (
	"log/slog"
	"strings"

	whatwgUrl "github.com/nlnwa/whatwg-url/url"
)

// Suffix appended by clients when they truncate a long URL for display. Posts sometimes carry
// the truncated text as the link itself.
const truncationMarker = "…"

// Default host prefix stripped before whitelist lookups.
const DefaultHostPrefix = "www."

var urlParser = whatwgUrl.NewParser(whatwgUrl.WithPercentEncodeSinglePercentSign())

// Filter decides whether a link should be probed at all.
//
// A Filter is read-only after construction, and safe for concurrent use.
type Filter struct {
	hostPrefix string
	whitelist  map[string]bool
	metrics    *Metrics
	logger     *slog.Logger
}

// NewFilter builds a filter which skips any host in whitelist. Whitelist entries and probed
// hosts are compared after lower-casing, IDNA conversion, and removal of hostPrefix.
func NewFilter(hostPrefix string, whitelist []string, metrics *Metrics, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	f := &Filter{
		hostPrefix: strings.ToLower(hostPrefix),
		whitelist:  make(map[string]bool, len(whitelist)),
		metrics:    metrics,
		logger:     logger.With("system", "embed-filter"),
	}
	for _, h := range whitelist {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		// run entries through the URL parser so unicode hosts match their punycode form
		if u, err := urlParser.Parse("https://" + h + "/"); err == nil && u.Hostname() != "" {
			h = u.Hostname()
		}
		f.whitelist[f.normalizeHost(h)] = true
	}
	return f
}

func (f *Filter) normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if f.hostPrefix != "" && strings.HasPrefix(host, f.hostPrefix) {
		host = host[len(f.hostPrefix):]
	}
	return host
}

// Whitelisted reports whether host (a bare hostname) is exempt from probing.
func (f *Filter) Whitelisted(host string) bool {
	return f.whitelist[f.normalizeHost(host)]
}

// Eligible reports whether uri should be probed: it must parse as an absolute URL with a
// host, and that host must not be whitelisted. Malformed and whitelisted URIs are counted.
func (f *Filter) Eligible(uri string) bool {
	target := strings.TrimSuffix(uri, truncationMarker)
	u, err := urlParser.Parse(target)
	if err != nil {
		f.logger.Warn("skip malformed URI", "uri", uri, "err", err)
		f.metrics.Inc(ComponentLinks, EventMalformed)
		return false
	}
	if u.Hostname() == "" {
		f.logger.Warn("skip malformed URI", "uri", uri, "err", "missing host")
		f.metrics.Inc(ComponentLinks, EventMalformed)
		return false
	}
	if f.Whitelisted(u.Hostname()) {
		f.metrics.Inc(ComponentLinks, EventWhitelistSkipped)
		return false
	}
	return true
}

// fetchable reports whether uri can be requested over HTTP. Other schemes (app deep links,
// ftp) may carry a host and still be evaluated as redirect targets, but are never fetched.
func fetchable(uri string) bool {
	u := strings.ToLower(probeURL(uri))
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// probeURL is the form of uri which is actually requested: the truncation marker removed, and
// serialized by the WHATWG parser (punycode host, percent-encoded path).
func probeURL(uri string) string {
	target := strings.TrimSuffix(uri, truncationMarker)
	if u, err := urlParser.Parse(target); err == nil {
		return u.Href(false)
	}
	return target
}
