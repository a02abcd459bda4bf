// Package processor holds the HTTP plumbing shared by the payment gateway
// adapters: a pooled client, circuit breaking, retry with backoff, and
// transport error classification into the domain taxonomy.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/pkg/resilience"
)

// ClientConfig tunes the shared gateway transport
type ClientConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultClientConfig returns defaults for processor HTTP calls
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    30 * time.Second,
		MaxRetries: 2,
	}
}

// Client wraps an http.Client with the resilience stack every gateway
// adapter shares. One Client per configured processor, so a failing vendor
// opens its own breaker without affecting the others.
type Client struct {
	http    *http.Client
	breaker *resilience.Breaker
	backoff resilience.BackoffStrategy
	logger  *zap.Logger
	config  ClientConfig
}

// NewClient creates a gateway transport client
func NewClient(config ClientConfig, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerConfig()),
		backoff: resilience.DefaultExponentialBackoff(),
		logger:  logger,
		config:  config,
	}
}

// Request describes one vendor API call
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Mutating marks calls that create or move money. A client-side timeout
	// on a mutating call cannot tell us whether the vendor acted, so it maps
	// to INDETERMINATE instead of PROCESSOR_UNAVAILABLE.
	Mutating bool
}

// Response is the raw vendor reply
type Response struct {
	StatusCode int
	Body       []byte
}

// Do executes the request through the circuit breaker with retries. Retrying
// mutating calls is safe because every mutating request carries an
// idempotency key.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	err := c.breaker.Do(func() error {
		var lastErr error
		for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
			if attempt > 0 {
				delay := c.backoff.NextDelay(attempt - 1)
				c.logger.Info("retrying processor request",
					zap.String("method", req.Method),
					zap.String("url", req.URL),
					zap.Int("attempt", attempt),
					zap.Duration("backoff_delay", delay),
				)
				select {
				case <-ctx.Done():
					return fmt.Errorf("retry cancelled: %w", ctx.Err())
				case <-time.After(delay):
				}
			}

			r, err := c.doOnce(ctx, req)
			if err != nil {
				lastErr = err
				if isRetryable(err) && attempt < c.config.MaxRetries {
					c.logger.Warn("retryable processor transport error",
						zap.Error(err),
						zap.Int("attempt", attempt),
					)
					continue
				}
				return err
			}

			// 5xx from the vendor is retryable; anything else is the
			// adapter's problem to interpret.
			if r.StatusCode >= 500 && attempt < c.config.MaxRetries {
				lastErr = fmt.Errorf("processor returned %d", r.StatusCode)
				c.logger.Warn("processor server error",
					zap.Int("status_code", r.StatusCode),
					zap.Int("attempt", attempt),
				)
				continue
			}

			resp = r
			return nil
		}
		return fmt.Errorf("failed after %d retries: %w", c.config.MaxRetries, lastErr)
	})

	if err != nil {
		if errors.Is(err, resilience.ErrBreakerOpen) || errors.Is(err, resilience.ErrTooManyProbes) {
			c.logger.Warn("circuit breaker rejecting processor request",
				zap.String("url", req.URL),
				zap.String("circuit_state", c.breaker.State().String()),
			)
			return nil, domain.ErrProcessorUnavailable.WithDetail("reason", "circuit breaker open")
		}
		return nil, c.classify(err, req.Mutating)
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("processor response",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status_code", httpResp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("body_length", len(respBody)),
	)

	return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}

// classify maps a transport failure into the domain taxonomy
func (c *Client) classify(err error, mutating bool) error {
	var domErr *domain.DomainError
	if errors.As(err, &domErr) {
		return err
	}

	if isTimeout(err) {
		if mutating {
			return domain.ErrIndeterminate.WithDetail("reason", "request timed out after send")
		}
		return domain.ErrProcessorUnavailable.WithDetail("reason", "request timed out")
	}
	return domain.WrapError(domain.ErrorCodeProcessorUnavailable, "processor unreachable", err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
