// Package ratelimit provides per-scope admission control for outbound calls
// to the block-explorer provider: a calls-per-second token bucket plus a
// rolling daily quota that resets at a configured UTC hour.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type LimitType string

const (
	LimitCPS   LimitType = "cps"
	LimitDaily LimitType = "daily"
)

// RateLimitError reports an exhausted limit. For the daily quota ResetAt
// carries the next UTC reset boundary so callers can back off appropriately.
type RateLimitError struct {
	Type    LimitType
	Scope   string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.Type == LimitDaily {
		return fmt.Sprintf("daily call quota exhausted for scope %s, resets at %s", e.Scope, e.ResetAt.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("calls-per-second limit exceeded for scope %s", e.Scope)
}

// Config controls both buckets. A zero MaxPerSecond or MaxPerDay disables
// that bucket; with both disabled (or Disabled set) Consume is a no-op.
type Config struct {
	MaxPerSecond      int
	MaxPerDay         int
	ScopeMode         string // "global" | "per-chain"
	DailyResetHourUTC int    // clamped to 0..23
	MaxWait           time.Duration
	Disabled          bool
}

const (
	ScopeModeGlobal   = "global"
	ScopeModePerChain = "per-chain"

	defaultMaxWait = time.Second
)

// State is a snapshot of remaining capacity after a successful Consume.
type State struct {
	RemainingTokens float64
	DailyRemaining  int
	NextReset       time.Time
}

// ScopeKey derives the admission-control bucket key from the limiting mode,
// the chain, and a fingerprint of the API credential.
func ScopeKey(mode string, chainID int64, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	fp := hex.EncodeToString(sum[:4])
	if mode == ScopeModePerChain {
		return fmt.Sprintf("chain:%d:%s", chainID, fp)
	}
	return fmt.Sprintf("global:%s", fp)
}

type scope struct {
	mu     sync.Mutex
	bucket *rate.Limiter
}

// Limiter enforces both buckets per scope key. All state is in-process; the
// daily counter can be moved to a shared store (e.g. Redis) via CounterStore.
type Limiter struct {
	cfg    Config
	store  CounterStore
	logger *zap.Logger

	mu     sync.Mutex
	scopes map[string]*scope

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	warnOnce sync.Once
}

// NewLimiter builds a Limiter. A nil store falls back to the in-memory
// counter store (per-process enforcement only).
func NewLimiter(cfg Config, store CounterStore, logger *zap.Logger) *Limiter {
	if cfg.DailyResetHourUTC < 0 {
		cfg.DailyResetHourUTC = 0
	}
	if cfg.DailyResetHourUTC > 23 {
		cfg.DailyResetHourUTC = 23
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if store == nil {
		store = NewMemoryCounterStore()
	}
	return &Limiter{
		cfg:    cfg,
		store:  store,
		logger: logger,
		scopes: make(map[string]*scope),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Consume admits one call for the scope or fails with *RateLimitError.
// The per-second bucket waits up to MaxWait for a token; the daily quota
// never waits. Refill-then-decrement is atomic per scope key.
func (l *Limiter) Consume(ctx context.Context, scopeKey string) (State, error) {
	if l.cfg.Disabled || (l.cfg.MaxPerSecond <= 0 && l.cfg.MaxPerDay <= 0) {
		l.warnOnce.Do(func() {
			l.logger.Warn("rate limiting disabled or unconfigured; no admission control is applied")
		})
		return State{}, nil
	}

	s := l.scope(scopeKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	var state State
	var reservation *rate.Reservation

	if l.cfg.MaxPerSecond > 0 {
		reservation = s.bucket.ReserveN(now, 1)
		if !reservation.OK() {
			return State{}, &RateLimitError{Type: LimitCPS, Scope: scopeKey}
		}
		delay := reservation.DelayFrom(now)
		if delay > l.cfg.MaxWait {
			reservation.CancelAt(now)
			return State{}, &RateLimitError{Type: LimitCPS, Scope: scopeKey}
		}
		if delay > 0 {
			if err := l.sleep(ctx, delay); err != nil {
				reservation.CancelAt(l.now())
				return State{}, err
			}
			now = l.now()
		}
		state.RemainingTokens = s.bucket.TokensAt(now)
	}

	if l.cfg.MaxPerDay > 0 {
		resetAt := l.nextReset(now)
		count, err := l.store.Incr(ctx, scopeKey, resetAt)
		if err != nil {
			// A broken counter store must not take the client down with it.
			l.logger.Error("daily counter store unavailable; admitting call", zap.String("scope", scopeKey), zap.Error(err))
			return state, nil
		}
		if count > int64(l.cfg.MaxPerDay) {
			// The call never happens, so the per-second token reserved
			// above goes back to the bucket.
			if reservation != nil {
				reservation.CancelAt(now)
			}
			return State{}, &RateLimitError{Type: LimitDaily, Scope: scopeKey, ResetAt: resetAt}
		}
		state.DailyRemaining = l.cfg.MaxPerDay - int(count)
		state.NextReset = resetAt
	}

	return state, nil
}

// Snapshot returns the remaining capacity of a scope without consuming.
func (l *Limiter) Snapshot(ctx context.Context, scopeKey string) State {
	if l.cfg.Disabled || (l.cfg.MaxPerSecond <= 0 && l.cfg.MaxPerDay <= 0) {
		return State{}
	}
	s := l.scope(scopeKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	var state State
	if l.cfg.MaxPerSecond > 0 {
		state.RemainingTokens = s.bucket.TokensAt(now)
	}
	if l.cfg.MaxPerDay > 0 {
		resetAt := l.nextReset(now)
		count, err := l.store.Count(ctx, scopeKey, resetAt)
		if err == nil {
			state.DailyRemaining = l.cfg.MaxPerDay - int(count)
			if state.DailyRemaining < 0 {
				state.DailyRemaining = 0
			}
		}
		state.NextReset = resetAt
	}
	return state
}

func (l *Limiter) scope(key string) *scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scopes[key]
	if !ok {
		s = &scope{}
		if l.cfg.MaxPerSecond > 0 {
			s.bucket = rate.NewLimiter(rate.Limit(l.cfg.MaxPerSecond), l.cfg.MaxPerSecond)
		}
		l.scopes[key] = s
	}
	return s
}

// nextReset returns the next daily boundary at the configured UTC hour.
func (l *Limiter) nextReset(now time.Time) time.Time {
	utc := now.UTC()
	reset := time.Date(utc.Year(), utc.Month(), utc.Day(), l.cfg.DailyResetHourUTC, 0, 0, 0, time.UTC)
	if !utc.Before(reset) {
		reset = reset.Add(24 * time.Hour)
	}
	return reset
}
