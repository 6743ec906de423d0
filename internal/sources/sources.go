// Package sources holds what the feed adapters share: the fetch error type
// and a paced, retrying HTTP getter.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/ratelimit"
)

// MaxBodySize bounds a single response body.
const MaxBodySize = 512 << 20

// FetchError is any failure to obtain a snapshot. It fails the run.
type FetchError struct {
	Source string
	Op     string
	// Status is the last HTTP status seen, or 0.
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Source, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StatusError is an unexpected HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client performs GET requests paced by a limiter and retried with
// exponential backoff.
type Client struct {
	source     string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	cfg        ratelimit.Config
	logger     *zap.Logger
}

// NewClient creates a client for source. A nil limiter applies none.
func NewClient(source string, cfg ratelimit.Config, limiter ratelimit.Limiter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		source:     source,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Get returns the body of rawURL. Client errors other than 429 are not
// retried. Every failure is a *FetchError.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	var (
		body   []byte
		status int
	)

	op := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return ratelimit.Permanent(err)
			}
		}

		data, code, err := c.get(ctx, rawURL, header)
		status = code
		if err == nil {
			body = data
			return nil
		}

		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return ratelimit.Permanent(err)
		}
		if ctx.Err() != nil {
			return ratelimit.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying",
			zap.String("source", c.source), zap.String("url", rawURL),
			zap.Duration("backoff", wait), zap.Error(err))
	}

	if err := ratelimit.Retry(ctx, c.cfg, op, notify); err != nil {
		return nil, &FetchError{Source: c.source, Op: "get " + rawURL, Status: status, Err: err}
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, rawURL string, header http.Header) ([]byte, int, error) {
	reqCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return data, resp.StatusCode, nil
}
