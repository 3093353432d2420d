package embedcheck

import (
	"context"
	"fmt"
	"net/http"

	"github.com/forummod/embedwatch/embedcheck/ledger"
)

// Dispatch processes a single embed from the post at repo/path. Media and record references
// are counted for repetition; external links have their redirect chain walked using client.
func (c *Checker) Dispatch(ctx context.Context, client *http.Client, repo, path string, e Embed) {
	switch v := e.(type) {
	case Image:
		c.Observe(ctx, ledger.Images, v.CID, repo, path)
	case Video:
		c.Observe(ctx, ledger.Videos, v.CID, repo, path)
	case Record:
		c.Observe(ctx, ledger.Records, v.URI, repo, path)
	case External:
		c.Walk(ctx, client, repo, path, v.URI)
	default:
		c.logger.Warn("unknown embed type", "type", fmt.Sprintf("%T", e), "repo", repo, "path", path)
		c.metrics.Inc(ComponentChecker, EventUnknownEmbed)
	}
}
