// Package explorer implements a rate-limited, retrying client for an
// etherscan-compatible block-explorer API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stablepay/usdt-settlement/pkg/ratelimit"
	"github.com/stablepay/usdt-settlement/pkg/utils"
	"go.uber.org/zap"
)

// Config is the full configuration surface of the explorer client.
type Config struct {
	BaseURL string
	APIKey  string
	ChainID int64

	// Admission control. Zero values disable the respective limit.
	MaxCallsPerSecond int
	MaxCallsPerDay    int
	ScopeMode         string // ratelimit.ScopeModeGlobal | ratelimit.ScopeModePerChain
	DailyResetHourUTC int
	DisableRateLimit  bool

	// Retry policy.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryJitter      bool

	RequestTimeout time.Duration
}

const (
	defaultRetryMaxAttempts = 3
	defaultRetryBaseDelay   = time.Second
	defaultRequestTimeout   = 10 * time.Second
	maxRetryDelay           = 30 * time.Second
)

// Query identifies one provider call: /api?module=<m>&action=<a>&...params.
type Query struct {
	Module  string
	Action  string
	ChainID int64 // optional override of the configured chain
	Params  map[string]string
}

// apiResponse is the provider's envelope. A "0" status with a message is a
// soft provider error; rate-limit messages are retryable, others are not.
type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
	stats      Stats

	configErr error
}

// NewClient validates static configuration once and fails fast on a broken
// setup; the returned client is safe for concurrent use.
func NewClient(cfg Config, httpClient *http.Client, store ratelimit.CounterStore, logger *zap.Logger) (*Client, error) {
	c := &Client{cfg: cfg, httpClient: httpClient, logger: logger}
	if cfg.BaseURL == "" {
		c.configErr = &ClientError{Code: CodeConfig, Message: "explorer base URL is not configured"}
	} else if cfg.APIKey == "" {
		c.configErr = &ClientError{Code: CodeConfig, Message: "explorer API key is not configured"}
	}
	if c.configErr != nil {
		return nil, c.configErr
	}

	if c.cfg.RetryMaxAttempts <= 0 {
		c.cfg.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if c.cfg.RetryBaseDelay <= 0 {
		c.cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.cfg.RequestTimeout <= 0 {
		c.cfg.RequestTimeout = defaultRequestTimeout
	}
	if c.cfg.ScopeMode == "" {
		c.cfg.ScopeMode = ratelimit.ScopeModeGlobal
	}

	c.limiter = ratelimit.NewLimiter(ratelimit.Config{
		MaxPerSecond:      cfg.MaxCallsPerSecond,
		MaxPerDay:         cfg.MaxCallsPerDay,
		ScopeMode:         c.cfg.ScopeMode,
		DailyResetHourUTC: cfg.DailyResetHourUTC,
		Disabled:          cfg.DisableRateLimit,
	}, store, logger)

	return c, nil
}

// Request issues one explorer call with admission control and retries, and
// returns the provider's result payload.
func (c *Client) Request(ctx context.Context, q Query) (json.RawMessage, error) {
	chainID := q.ChainID
	if chainID == 0 {
		chainID = c.cfg.ChainID
	}
	scopeKey := ratelimit.ScopeKey(c.cfg.ScopeMode, chainID, c.cfg.APIKey)

	var lastErr *ClientError
	for attempt := 1; attempt <= c.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 1 {
			c.stats.Retries.Add(1)
			retriesTotal.Inc()
			if err := c.backoff(ctx, attempt-1, lastErr); err != nil {
				return nil, err
			}
		}

		result, cerr := c.do(ctx, scopeKey, chainID, q)
		if cerr == nil {
			return result, nil
		}

		c.stats.Errors.Add(1)
		errorsTotal.WithLabelValues(string(cerr.Code)).Inc()
		if cerr.Code == CodeRateLimit || cerr.Code == CodeDailyLimit {
			c.stats.RateLimited.Add(1)
			rateLimitedTotal.Inc()
		}

		if !cerr.Retryable {
			return nil, cerr
		}
		lastErr = cerr
		c.logger.Warn("explorer request failed, will retry",
			zap.String("module", q.Module),
			zap.String("action", q.Action),
			zap.Int("attempt", attempt),
			zap.String("code", string(cerr.Code)),
			zap.Error(cerr))
	}
	return nil, lastErr
}

// do performs a single attempt: admission, HTTP call, classification.
func (c *Client) do(ctx context.Context, scopeKey string, chainID int64, q Query) (json.RawMessage, *ClientError) {
	if _, err := c.limiter.Consume(ctx, scopeKey); err != nil {
		var rlErr *ratelimit.RateLimitError
		if errors.As(err, &rlErr) {
			if rlErr.Type == ratelimit.LimitDaily {
				// The daily quota never auto-retries; propagate the reset time.
				return nil, &ClientError{Code: CodeDailyLimit, Message: rlErr.Error(), Retryable: false, ResetAt: rlErr.ResetAt}
			}
			return nil, &ClientError{Code: CodeRateLimit, Message: rlErr.Error(), Retryable: true}
		}
		return nil, &ClientError{Code: CodeNetwork, Message: "admission aborted", Retryable: false, Cause: err}
	}

	reqURL := c.buildURL(chainID, q)
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &ClientError{Code: CodeConfig, Message: "failed to build request", Retryable: false, Cause: err}
	}

	start := time.Now()
	c.stats.Requests.Add(1)
	requestsTotal.WithLabelValues(q.Module, q.Action).Inc()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			return nil, &ClientError{Code: CodeTimeout, Message: "request timed out", Retryable: true, Cause: err}
		}
		return nil, &ClientError{Code: CodeNetwork, Message: "request failed", Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClientError{Code: CodeNetwork, Message: "failed to read response body", Retryable: true, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, &ClientError{
			Code:       CodeHTTP,
			Message:    fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode),
			Retryable:  retryable,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ClientError{Code: CodeParse, Message: "malformed provider response", Retryable: false, Cause: err}
	}

	if envelope.Status == "0" && envelope.Message != "" {
		if isRateLimitMessage(envelope.Message) {
			return nil, &ClientError{Code: CodeRateLimit, Message: envelope.Message, Retryable: true}
		}
		return nil, &ClientError{Code: CodeProvider, Message: envelope.Message, Retryable: false}
	}

	requestDuration.Observe(time.Since(start).Seconds())

	if len(envelope.Result) > 0 {
		return envelope.Result, nil
	}
	return body, nil
}

func (c *Client) buildURL(chainID int64, q Query) string {
	values := url.Values{}
	values.Set("module", q.Module)
	values.Set("action", q.Action)
	values.Set("chainid", strconv.FormatInt(chainID, 10))
	values.Set("apikey", c.cfg.APIKey)
	for k, v := range q.Params {
		values.Set(k, v)
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/api?" + values.Encode()
}

// backoff sleeps base*2^(attempt-1), jittered when configured, preferring the
// provider's Retry-After when one was sent.
func (c *Client) backoff(ctx context.Context, attempt int, lastErr *ClientError) error {
	var delay time.Duration
	if c.cfg.RetryJitter {
		delay = utils.CalculateExponentialBackoffWithJitter(attempt, c.cfg.RetryBaseDelay, maxRetryDelay)
	} else {
		delay = c.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	if lastErr != nil && lastErr.RetryAfter > 0 {
		delay = lastErr.RetryAfter
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot reports the process-wide counters plus remaining quota for the
// configured chain's scope.
func (c *Client) Snapshot(ctx context.Context) StatsSnapshot {
	scopeKey := ratelimit.ScopeKey(c.cfg.ScopeMode, c.cfg.ChainID, c.cfg.APIKey)
	state := c.limiter.Snapshot(ctx, scopeKey)
	return StatsSnapshot{
		Requests:        c.stats.Requests.Load(),
		Errors:          c.stats.Errors.Load(),
		RateLimited:     c.stats.RateLimited.Load(),
		Retries:         c.stats.Retries.Load(),
		RemainingTokens: state.RemainingTokens,
		DailyRemaining:  state.DailyRemaining,
	}
}

func isRateLimitMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "rate limit")
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	// Retry-After may also carry an HTTP-date.
	if date, err := http.ParseTime(header); err == nil {
		if d := time.Until(date); d > 0 {
			return d
		}
	}
	return 0
}
