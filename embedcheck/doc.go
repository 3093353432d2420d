// Embed checking for moderated posts.
//
// A [Checker] owns a bounded queue of per-post embed batches and a fixed pool of workers. Each
// worker owns its own probe HTTP client and dispatches every embed in a batch, in order:
// images, videos and records are counted in a repetition [ledger.Ledger], and external links
// are walked hop-by-hop through their redirect chain. Redirect hops are evaluated against a
// [Matcher]; matches are handed to an [ActionRouter], and runaway redirection is reported via a
// [Reporter].
//
// The checker does not decide moderation verdicts and does not persist state.
package embedcheck
