package embedcheck

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/purell"

	"github.com/forummod/embedwatch/embedcheck/ledger"
)

// Factors sets the repetition alert factor for each ledger namespace. See [AlertNeeded].
type Factors struct {
	Images  int
	Videos  int
	Records int
	Links   int
}

func DefaultFactors() Factors {
	return Factors{
		Images:  2,
		Videos:  2,
		Records: 5,
		Links:   5,
	}
}

func (f Factors) For(ns ledger.Namespace) int {
	switch ns {
	case ledger.Images:
		return f.Images
	case ledger.Videos:
		return f.Videos
	case ledger.Records:
		return f.Records
	case ledger.Links:
		return f.Links
	}
	return 1
}

// AlertNeeded decides whether reaching count observations of a key is worth an alert.
//
// The first repeat (count 2) always alerts. After that, alerts fire when count is factor times
// a power of two (factor, 2*factor, 4*factor, ...), so a key observed N times raises
// O(log N) alerts. A factor below 1 is treated as 1.
func AlertNeeded(count, factor int) bool {
	if count == 2 {
		return true
	}
	if factor < 1 {
		factor = 1
	}
	if count < factor || count%factor != 0 {
		return false
	}
	q := count / factor
	return q&(q-1) == 0
}

func checkEvent(ns ledger.Namespace) string {
	switch ns {
	case ledger.Images:
		return "image_checks"
	case ledger.Videos:
		return "video_checks"
	case ledger.Records:
		return "record_checks"
	default:
		return "link_checks"
	}
}

// Normalizes a URI for use as a ledger key. Only semantics-preserving normalization is applied
// (case of scheme and host, default port, escapes); the raw string is used if that fails.
func linkKey(uri string) string {
	uri = strings.TrimSuffix(uri, truncationMarker)
	norm, err := purell.NormalizeURLString(uri, purell.FlagsSafe)
	if err != nil || norm == "" {
		return uri
	}
	return norm
}

// Observe records one sighting of key in ns, on behalf of the post at repo/path. It reports
// whether the key had been seen before, and the updated count.
//
// Repeats which pass [AlertNeeded] are logged, counted under the namespace's "repetition"
// metric, and forwarded to the notifier if one is configured.
func (c *Checker) Observe(ctx context.Context, ns ledger.Namespace, key, repo, path string) (bool, int) {
	c.metrics.Inc(ComponentChecker, checkEvent(ns))
	if ns == ledger.Links {
		key = linkKey(key)
	}
	count := c.ledger.Observe(ns, key)
	if count <= 1 {
		return false, count
	}
	if AlertNeeded(count, c.cfg.Factors.For(ns)) {
		c.logger.Info("repetition alert", "namespace", ns, "count", count, "key", key, "repo", repo, "path", path)
		c.metrics.Inc(string(ns), EventRepetition)
		if c.notifier != nil {
			alert := RepetitionAlert{
				Namespace: string(ns),
				Key:       key,
				Count:     count,
				Repo:      repo,
				Path:      path,
			}
			if err := c.notifier.SendRepetition(ctx, alert); err != nil {
				c.logger.Warn("failed to send repetition alert", "namespace", ns, "key", key, "err", err)
			}
		}
	}
	return true, count
}
