// Package ratelimit tracks backend throttling signals (429 responses,
// Retry-After and X-RateLimit headers) and fails calls fast while a bucket
// is cooling down.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-purchases/core"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

type State struct {
	Bucket         string
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, bucket string) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ThrottledError is the source of the transient error returned by
// BeforeCall.
type ThrottledError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: bucket %q throttled for %s", strings.TrimSpace(e.Bucket), e.RetryAfter)
}

func (e ThrottledError) toError() error {
	metadata := map[string]any{"bucket": strings.TrimSpace(e.Bucket)}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return core.NewTransientError(e, e.Error(), metadata)
}

type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, bucket string) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, normalizeBucket(bucket))
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{Bucket: state.Bucket, RetryAfter: until.Sub(now)}.toError()
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{Bucket: state.Bucket, RetryAfter: state.ResetAt.Sub(now)}.toError()
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, bucket string, res core.TransportResponse) error {
	if p == nil || p.Store == nil {
		return nil
	}
	bucket = normalizeBucket(bucket)
	now := p.now()
	state, err := p.Store.Get(ctx, bucket)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Bucket: bucket}
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now

	limit, hasLimit := parseHeaderInt(res.Headers, "x-ratelimit-limit")
	if hasLimit {
		state.Limit = limit
	}
	remaining, hasRemaining := parseHeaderInt(res.Headers, "x-ratelimit-remaining")
	if hasRemaining {
		state.Remaining = remaining
	}
	resetAt, hasResetAt := parseHeaderResetAt(res.Headers)
	if hasResetAt {
		state.ResetAt = &resetAt
	}

	retryAfter, hasRetryAfter := parseRetryAfter(res.Headers, now)
	if hasRetryAfter {
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	if isThrottledResponse(res.StatusCode, state.Remaining, hasRemaining || hasResetAt || hasLimit || hasRetryAfter) {
		state.Attempts++
		delay := retryAfter
		switch {
		case hasRetryAfter:
		case hasResetAt && resetAt.After(now):
			delay = resetAt.Sub(now)
		default:
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	if attempt <= 0 {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	return min(delay, maximum)
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

// isThrottledResponse treats 429 as throttled, and an exhausted quota on any
// non-5xx response that carried rate limit headers.
func isThrottledResponse(statusCode int, remaining int, hasRateHeaders bool) bool {
	if statusCode == 429 {
		return true
	}
	if statusCode >= 500 {
		return false
	}
	return remaining == 0 && hasRateHeaders
}

func parseRetryAfter(headers map[string]string, now time.Time) (time.Duration, bool) {
	raw := headerValue(headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := httpDate(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	value := headerValue(headers, "x-ratelimit-reset")
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func httpDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("ratelimit: empty date")
	}
	if parsed, err := time.Parse(time.RFC1123, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC1123Z, value); err == nil {
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("ratelimit: invalid http date")
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeBucket(bucket string) string {
	return strings.TrimSpace(strings.ToLower(bucket))
}

type MemoryStateStore struct {
	items *xsync.MapOf[string, State]
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: xsync.NewMapOf[string, State]()}
}

func (s *MemoryStateStore) Get(_ context.Context, bucket string) (State, error) {
	if s == nil || s.items == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	state, ok := s.items.Load(normalizeBucket(bucket))
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil || s.items == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Bucket = normalizeBucket(state.Bucket)
	s.items.Store(state.Bucket, state)
	return nil
}

var _ core.RateLimitPolicy = (*AdaptivePolicy)(nil)
