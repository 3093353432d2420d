// Client for reporting accounts to an atproto moderation service (ozone), with password
// session management.
package ozone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/forummod/embedwatch/util/retry"
)

type XRPCError struct {
	ErrStr  string `json:"error"`
	Message string `json:"message"`
}

func (xe *XRPCError) Error() string {
	return fmt.Sprintf("%s: %s", xe.ErrStr, xe.Message)
}

// Error is returned for any non-200 XRPC response.
type Error struct {
	StatusCode int
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("XRPC ERROR %d", e.StatusCode)
	}
	return fmt.Sprintf("XRPC ERROR %d: %s", e.StatusCode, e.Wrapped)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

type Client struct {
	// Base URL of the PDS or entryway the account logs in to, eg "https://bsky.social"
	Host string
	// DID of the moderation service reports are proxied to. If empty, reports go to the host's
	// default moderation service.
	ServiceDID string
	// If not set, defaults to RobustHTTPClient()
	HTTP      *http.Client
	UserAgent string
	// log reports instead of submitting them
	DryRun  bool
	Session *Session
	Logger  *slog.Logger
}

// NewClient returns a client for host, with a password session for identifier. The session is
// created lazily on first write.
func NewClient(host, identifier, password string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		Host:   strings.TrimSuffix(host, "/"),
		HTTP:   RobustHTTPClient(logger),
		Logger: logger.With("system", "ozone"),
	}
	c.Session = NewSession(c, identifier, password)
	return c
}

// RobustHTTPClient builds an HTTP client which retries connection resets, 5xx statuses (except
// 501) and 429 responses, with backoff. Retries are logged to logger.
func RobustHTTPClient(logger *slog.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.CheckRetry = retry.CheckRetry
	retryClient.Logger = retryablehttp.LeveledLogger(logger)
	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second
	return client
}

func (c *Client) getClient() *http.Client {
	if c.HTTP == nil {
		c.HTTP = RobustHTTPClient(c.logger())
	}
	return c.HTTP
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// do makes an XRPC call. A non-empty bearer is sent as the Authorization token. Bodies are
// JSON-encoded, and out (if non-nil) is decoded from a JSON response.
func (c *Client) do(ctx context.Context, method, nsid, bearer string, headers map[string]string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Host+"/xrpc/"+nsid, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	} else {
		req.Header.Set("User-Agent", "embedwatch/"+versioninfo.Short())
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.getClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var xe XRPCError
		if err := json.NewDecoder(resp.Body).Decode(&xe); err != nil {
			return &Error{StatusCode: resp.StatusCode, Wrapped: fmt.Errorf("failed to decode xrpc error message: %w", err)}
		}
		return &Error{StatusCode: resp.StatusCode, Wrapped: &xe}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding xrpc response: %w", err)
		}
	}
	return nil
}

// headers routing a request to the configured moderation service
func (c *Client) proxyHeaders() map[string]string {
	if c.ServiceDID == "" {
		return nil
	}
	return map[string]string{
		"Atproto-Proxy":           c.ServiceDID + "#atproto_labeler",
		"Atproto-Accept-Labelers": c.ServiceDID,
	}
}
