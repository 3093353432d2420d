package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Success, Classify(nil))
	assert.Equal(Transient, Classify(io.EOF))
	assert.Equal(Transient, Classify(&url.Error{Op: "Get", URL: "https://example.com", Err: io.EOF}))
	assert.Equal(Transient, Classify(fmt.Errorf("reading: %w", io.ErrUnexpectedEOF)))
	assert.Equal(Transient, Classify(&url.Error{Op: "Get", URL: "https://example.com", Err: syscall.ECONNRESET}))
	assert.Equal(Fatal, Classify(errors.New("tls: handshake failure")))
	assert.Equal(Fatal, Classify(context.Canceled))
	assert.Equal(Fatal, Classify(&url.Error{Op: "Get", URL: "https://example.com", Err: context.DeadlineExceeded}))
}

func TestDoStopsOnSuccess(t *testing.T) {
	assert := assert.New(t)

	calls := 0
	err := Do(context.Background(), 5, func(attempt int) error {
		calls++
		if attempt < 3 {
			return io.EOF
		}
		return nil
	}, nil)
	assert.NoError(err)
	assert.Equal(3, calls)
}

func TestDoStopsOnFatal(t *testing.T) {
	assert := assert.New(t)

	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), 5, func(attempt int) error {
		calls++
		return boom
	}, nil)
	assert.ErrorIs(err, boom)
	assert.NotErrorIs(err, ErrExhausted)
	assert.Equal(1, calls)
}

func TestDoExhausted(t *testing.T) {
	assert := assert.New(t)

	calls := 0
	retried := []int{}
	err := Do(context.Background(), 5, func(attempt int) error {
		calls++
		return io.EOF
	}, func(attempt int, err error) {
		retried = append(retried, attempt)
	})
	assert.ErrorIs(err, ErrExhausted)
	assert.ErrorIs(err, io.EOF)
	assert.Equal(5, calls)
	assert.Equal([]int{1, 2, 3, 4}, retried)
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, 5, func(attempt int) error {
		calls++
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestCheckRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	testCases := []struct {
		status int
		retry  bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{501, false},
		{503, true},
	}
	for _, tc := range testCases {
		ok, err := CheckRetry(ctx, &http.Response{StatusCode: tc.status}, nil)
		assert.NoError(err)
		assert.Equal(tc.retry, ok, "status %d", tc.status)
	}

	ok, err := CheckRetry(ctx, nil, io.EOF)
	assert.NoError(err)
	assert.True(ok)

	ok, err = CheckRetry(ctx, nil, errors.New("x509: unknown authority"))
	assert.NoError(err)
	assert.False(ok)
}
