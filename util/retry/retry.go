// Package retry classifies outbound call failures and runs bounded retry loops.
//
// The same classification backs both the hand-rolled loop used by link probing
// ([Do]) and the retryablehttp policy used by service clients ([CheckRetry]).
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Outcome of a single attempt.
type Outcome int

const (
	Success Outcome = iota
	// Transient failures are connection-level resets which are worth re-issuing unchanged.
	Transient
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var ErrExhausted = errors.New("retry attempts exhausted")

// Classify maps an error from an HTTP round-trip to an [Outcome].
//
// Only transport resets (peer closed the connection mid-exchange) are transient. Timeouts,
// cancellation, DNS failures, TLS failures and protocol errors are all fatal.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return Transient
	}
	return Fatal
}

// Do calls fn until it succeeds, fails fatally, or has been called maxAttempts times.
//
// onRetry (optional) is invoked before each re-attempt with the attempt number which just
// failed (1-based) and its error. When attempts run out, the returned error wraps both
// [ErrExhausted] and the final attempt's error.
func Do(ctx context.Context, maxAttempts int, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn(attempt)
		switch Classify(err) {
		case Success:
			return nil
		case Fatal:
			return err
		}
		if attempt < maxAttempts && onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, err)
}

// CheckRetry is a retryablehttp.CheckRetry policy built on [Classify].
//
// In addition to transient transport errors, it retries 429 and 5xx responses (except 501).
func CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if cerr := ctx.Err(); cerr != nil {
		return false, cerr
	}
	if err != nil {
		return Classify(err) == Transient, nil
	}
	if resp == nil {
		return false, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}
