package explorer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:          baseURL,
		APIKey:           "test-key",
		ChainID:          1,
		RetryMaxAttempts: 3,
		RetryBaseDelay:   time.Millisecond,
		RequestTimeout:   time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, &http.Client{}, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewClient_ConfigValidation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"}, &http.Client{}, nil, zap.NewNop())
	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, CodeConfig, ce.Code)

	_, err = NewClient(Config{BaseURL: "http://x"}, &http.Client{}, nil, zap.NewNop())
	ce, ok = AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, CodeConfig, ce.Code)
}

func TestRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "account", r.URL.Query().Get("module"))
		assert.Equal(t, "balance", r.URL.Query().Get("action"))
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		w.Write([]byte(`{"status":"1","message":"OK","result":"42"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	result, err := c.Request(context.Background(), Query{Module: "account", Action: "balance"})
	require.NoError(t, err)
	assert.JSONEq(t, `"42"`, string(result))

	snap := c.Snapshot(context.Background())
	assert.EqualValues(t, 1, snap.Requests)
	assert.EqualValues(t, 0, snap.Errors)
}

func TestRequest_RetryBudgetExhaustedOn503(t *testing.T) {
	var calls atomic.Int32
	var lastAttemptAt time.Time
	var gaps []time.Duration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		if !lastAttemptAt.IsZero() {
			gaps = append(gaps, now.Sub(lastAttemptAt))
		}
		lastAttemptAt = now
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.RetryMaxAttempts = 4
		cfg.RetryBaseDelay = 20 * time.Millisecond
	})

	_, err := c.Request(context.Background(), Query{Module: "proxy", Action: "eth_blockNumber"})
	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, CodeHTTP, ce.Code)
	assert.True(t, ce.Retryable)
	assert.EqualValues(t, 4, calls.Load(), "every attempt in the budget is used")

	// Delays follow base * 2^(attempt-1): strictly increasing without jitter.
	require.Len(t, gaps, 3)
	assert.Less(t, gaps[0], gaps[1])
	assert.Less(t, gaps[1], gaps[2])
}

func TestRequest_HardProviderErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"0","message":"Invalid API Key","result":null}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Request(context.Background(), Query{Module: "account", Action: "tokentx"})
	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, CodeProvider, ce.Code)
	assert.False(t, ce.Retryable)
	assert.EqualValues(t, 1, calls.Load(), "hard provider errors are never retried")
}

func TestRequest_ProviderRateLimitMessageIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"status":"0","message":"Max rate limit reached","result":null}`))
			return
		}
		w.Write([]byte(`{"status":"1","message":"OK","result":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	result, err := c.Request(context.Background(), Query{Module: "account", Action: "tokentx"})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(result))
	assert.EqualValues(t, 3, calls.Load())

	snap := c.Snapshot(context.Background())
	assert.EqualValues(t, 2, snap.RateLimited)
	assert.EqualValues(t, 2, snap.Retries)
}

func TestRequest_ParseErrorIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Request(context.Background(), Query{Module: "stats", Action: "tokensupply"})
	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, CodeParse, ce.Code)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRequest_RetryAfterHeaderHonored(t *testing.T) {
	var calls atomic.Int32
	var gap time.Duration
	var firstAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			firstAt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		gap = time.Since(firstAt)
		w.Write([]byte(`{"status":"1","message":"OK","result":"0x10"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.RetryBaseDelay = time.Millisecond // Retry-After must win over this
	})

	_, err := c.Request(context.Background(), Query{Module: "proxy", Action: "eth_gasPrice"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, gap, time.Second)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("garbage"))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))

	// RFC 7231 allows an HTTP-date as well as delta-seconds.
	future := time.Now().Add(5 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 3*time.Second)
	assert.LessOrEqual(t, got, 5*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Zero(t, parseRetryAfter(past))
}

func TestRequest_DailyLimitFailsWithoutNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"1","message":"OK","result":"1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.MaxCallsPerDay = 1
	})

	ctx := context.Background()
	_, err := c.Request(ctx, Query{Module: "account", Action: "balance"})
	require.NoError(t, err)

	_, err = c.Request(ctx, Query{Module: "account", Action: "balance"})
	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, CodeDailyLimit, ce.Code)
	assert.False(t, ce.ResetAt.IsZero())
	assert.EqualValues(t, 1, calls.Load(), "quota rejection must not reach the network")
}

func TestTokenTransfers_EmptyHistoryIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	transfers, err := c.TokenTransfers(context.Background(), "0xdac1", "0xabc", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestTokenTransfers_ParsesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tokentx", r.URL.Query().Get("action"))
		assert.Equal(t, "0xaaa", r.URL.Query().Get("address"))
		assert.Equal(t, "120", r.URL.Query().Get("startblock"))
		w.Write([]byte(`{"status":"1","message":"OK","result":[
			{"hash":"0xh1","from":"0xf","to":"0xaaa","value":"10500000000000000000",
			 "blockNumber":"123","timeStamp":"1717243800","tokenDecimal":"18","confirmations":"15"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	transfers, err := c.TokenTransfers(context.Background(), "0xdac1", "0xaaa", 120, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	tr := transfers[0]
	assert.Equal(t, "0xh1", tr.Hash)
	assert.Equal(t, "10.5", tr.Amount(18).String())
	assert.EqualValues(t, 123, tr.Block())
	assert.Equal(t, 2024, tr.Time().Year())
}
