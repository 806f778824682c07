package cratedb

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/cratedb/xmover/internal/config"
	"github.com/cratedb/xmover/internal/logging"
)

// discoveryMarkers select the shorter discovery timeout.
var discoveryMarkers = []string{"SYS.NODES", "SYS.SHARDS", "INFORMATION_SCHEMA", "SYS.CLUSTER"}

// Client is the HTTP implementation of Querier.
type Client struct {
	endpoint         Endpoint
	http             *http.Client
	queryTimeout     time.Duration
	discoveryTimeout time.Duration
	maxAttempts      int
	retryDelay       time.Duration
	limiter          *rate.Limiter
	debug            bool
}

// NewClient builds a client from connection settings.
func NewClient(cfg config.ConnectionConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ep, err := ParseEndpoint(cfg.URL, cfg.Username, cfg.Password, cfg.SSLVerify)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !ep.SSLVerify} //nolint:gosec // operator choice via CRATE_SSL_VERIFY

	c := &Client{
		endpoint:         ep,
		http:             &http.Client{Transport: transport},
		queryTimeout:     cfg.QueryTimeoutDuration(),
		discoveryTimeout: cfg.DiscoveryTimeoutDuration(),
		maxAttempts:      cfg.MaxRetries,
		retryDelay:       cfg.RetryDelayDuration(),
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	if c.queryTimeout <= 0 {
		c.queryTimeout = 30 * time.Second
	}
	if c.discoveryTimeout <= 0 {
		c.discoveryTimeout = 10 * time.Second
	}
	if cfg.MaxQPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), 1)
	}
	return c, nil
}

// Endpoint returns the parsed connection settings.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// SetDebug enables per-statement debug logging.
func (c *Client) SetDebug(enabled bool) {
	c.debug = enabled
}

type sqlRequest struct {
	Stmt string `json:"stmt"`
	Args []any  `json:"args,omitempty"`
}

type sqlErrorBody struct {
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// baseTimeout picks the timeout for stmt before the per-attempt multiplier.
func (c *Client) baseTimeout(ctx context.Context, stmt string) time.Duration {
	if d, ok := explicitTimeout(ctx); ok {
		return d
	}
	upper := strings.ToUpper(stmt)
	for _, marker := range discoveryMarkers {
		if strings.Contains(upper, marker) {
			return c.discoveryTimeout
		}
	}
	return c.queryTimeout
}

// attemptTimeout grows the timeout by half the base per retry.
func attemptTimeout(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * (1.0 + 0.5*float64(attempt)))
}

// Execute posts stmt to /_sql. Timeouts and transport failures are retried
// with exponential backoff; SQL errors are returned immediately.
func (c *Client) Execute(ctx context.Context, stmt string, args ...any) (*Result, error) {
	body, err := json.Marshal(sqlRequest{Stmt: stmt, Args: args})
	if err != nil {
		return nil, fmt.Errorf("failed to encode statement: %w", err)
	}

	log := logging.FromContext(ctx)
	base := c.baseTimeout(ctx, stmt)
	maxAttempts := c.maxAttempts
	if retryDisabled(ctx) {
		maxAttempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = time.Hour
	policy.MaxElapsedTime = 0

	var (
		result  *Result
		attempt int
		lastErr error
	)
	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		timeout := attemptTimeout(base, attempt)
		attempt++

		start := time.Now()
		res, err := c.post(ctx, body, timeout)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if c.debug {
			log.Debug("query executed",
				"stmt", preview(stmt),
				"args", len(args),
				"attempt", attempt,
				"elapsed_ms", time.Since(start).Milliseconds())
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("retrying query", "attempt", attempt, "max_attempts", maxAttempts, "wait", wait, "error", err)
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx), notify)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("query cancelled: %w", ctx.Err())
	}
	if lastErr == nil {
		lastErr = err
	}
	return nil, c.wrapError(lastErr, attempt)
}

func (c *Client) post(ctx context.Context, body []byte, timeout time.Duration) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint.SQLURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.endpoint.HasAuth() {
		req.SetBasicAuth(c.endpoint.Username, c.endpoint.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		var errBody sqlErrorBody
		if json.Unmarshal(payload, &errBody) == nil && errBody.Error != nil {
			return nil, &SQLError{Code: errBody.Error.Code, Message: errBody.Error.Message, HTTPStatus: resp.StatusCode}
		}
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var res Result
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &res, nil
}

func (c *Client) wrapError(err error, attempts int) error {
	var sqlErr *SQLError
	if errors.As(err, &sqlErr) {
		return sqlErr
	}
	if IsTLSError(err) {
		return &ConnectionError{Endpoint: c.endpoint.BaseURL, Attempts: attempts, Hint: c.endpoint.tlsHint(), Err: err}
	}
	if retryable(err) || IsTimeout(err) {
		return &ConnectionError{
			Endpoint: c.endpoint.BaseURL,
			Attempts: attempts,
			Timeout:  IsTimeout(err),
			Hint:     c.endpoint.connectHint(),
			Err:      err,
		}
	}
	return fmt.Errorf("failed to execute query: %w", err)
}

// TestConnection runs SELECT 1.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.Execute(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// preview collapses whitespace and truncates long statements for logs.
func preview(stmt string) string {
	s := strings.Join(strings.Fields(stmt), " ")
	if len(s) > 150 {
		return s[:150] + "..."
	}
	return s
}
