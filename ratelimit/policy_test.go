package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-purchases/core"
)

func TestAdaptivePolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())

	if err := policy.BeforeCall(context.Background(), "catalog"); err != nil {
		t.Fatalf("expected no error when no state exists, got %v", err)
	}
}

func TestAdaptivePolicy_AfterCallParsesHeadersAndPersistsState(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	resetAt := now.Add(45 * time.Second)
	err := policy.AfterCall(context.Background(), "Verify", core.TransportResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "600",
			"X-RateLimit-Remaining": "599",
			"X-RateLimit-Reset":     "1700000045",
		},
	})
	if err != nil {
		t.Fatalf("after call: %v", err)
	}

	state, err := store.Get(context.Background(), "verify")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 600 || state.Remaining != 599 {
		t.Fatalf("expected limit 600 and remaining 599, got %d/%d", state.Limit, state.Remaining)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(resetAt) {
		t.Fatalf("expected reset at %s, got %+v", resetAt, state.ResetAt)
	}
	if state.ThrottledUntil != nil {
		t.Fatalf("expected no throttle window")
	}
}

func TestAdaptivePolicy_BlocksWhenThrottleWindowIsActive(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	until := now.Add(20 * time.Second)
	if err := store.Upsert(context.Background(), State{Bucket: "catalog", ThrottledUntil: &until}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	err := policy.BeforeCall(context.Background(), "catalog")
	if core.KindOf(err) != core.KindTransient {
		t.Fatalf("expected transient throttle error, got %v", err)
	}
	var throttledErr ThrottledError
	if !errors.As(err, &throttledErr) || throttledErr.RetryAfter != 20*time.Second {
		t.Fatalf("expected ThrottledError with 20s retry, got %#v", err)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Metadata["retry_after_ms"] != int64(20000) {
		t.Fatalf("expected retry_after_ms metadata, got %#v", err)
	}
	if err := policy.BeforeCall(context.Background(), "verify"); err != nil {
		t.Fatalf("expected other buckets to stay open, got %v", err)
	}
}

func TestAdaptivePolicy_ExhaustedQuotaBlocksUntilReset(t *testing.T) {
	policy := NewAdaptivePolicy(nil)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	if err := policy.AfterCall(context.Background(), "verify", core.TransportResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     "1700000030",
		},
	}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	if err := policy.BeforeCall(context.Background(), "verify"); core.KindOf(err) != core.KindTransient {
		t.Fatalf("expected exhausted quota to throttle, got %v", err)
	}
	now = now.Add(31 * time.Second)
	if err := policy.BeforeCall(context.Background(), "verify"); err != nil {
		t.Fatalf("expected bucket open after reset, got %v", err)
	}
}

func TestAdaptivePolicy_AfterCall429UsesRetryAfterAndAttempts(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	if err := policy.AfterCall(context.Background(), "catalog", core.TransportResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{"Retry-After": "10"},
	}); err != nil {
		t.Fatalf("after call throttled: %v", err)
	}

	state, err := store.Get(context.Background(), "catalog")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil || state.ThrottledUntil.Sub(now) != 10*time.Second {
		t.Fatalf("expected throttled window of 10s, got %+v", state.ThrottledUntil)
	}
	if state.RetryAfter == nil || *state.RetryAfter != 10*time.Second {
		t.Fatalf("expected retry_after 10s")
	}
}

func TestAdaptivePolicy_AdaptiveBackoffWithoutRetryAfter(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	policy.InitialBackoff = 2 * time.Second
	policy.MaxBackoff = 30 * time.Second
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	if err := policy.AfterCall(context.Background(), "verify", core.TransportResponse{StatusCode: http.StatusTooManyRequests}); err != nil {
		t.Fatalf("first throttled call: %v", err)
	}
	now = now.Add(3 * time.Second)
	if err := policy.AfterCall(context.Background(), "verify", core.TransportResponse{StatusCode: http.StatusTooManyRequests}); err != nil {
		t.Fatalf("second throttled call: %v", err)
	}

	state, err := store.Get(context.Background(), "verify")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", state.Attempts)
	}
	if got := state.ThrottledUntil.Sub(now); got != 4*time.Second {
		t.Fatalf("expected adaptive delay of 4s, got %s", got)
	}
}

func TestAdaptivePolicy_ResetsAttemptsOnSuccessfulCall(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	until := now.Add(10 * time.Second)
	if err := store.Upsert(context.Background(), State{Bucket: "verify", Attempts: 3, ThrottledUntil: &until}); err != nil {
		t.Fatalf("seed throttled state: %v", err)
	}

	now = now.Add(12 * time.Second)
	if err := policy.AfterCall(context.Background(), "verify", core.TransportResponse{StatusCode: http.StatusOK}); err != nil {
		t.Fatalf("after successful call: %v", err)
	}

	state, err := store.Get(context.Background(), "verify")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 0 || state.ThrottledUntil != nil {
		t.Fatalf("expected throttle state cleared, got %+v", state)
	}
}

func TestAdaptivePolicy_ServerErrorsDoNotThrottle(t *testing.T) {
	policy := NewAdaptivePolicy(nil)
	if err := policy.AfterCall(context.Background(), "verify", core.TransportResponse{
		StatusCode: http.StatusBadGateway,
		Headers:    map[string]string{"X-RateLimit-Remaining": "0"},
	}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	if err := policy.BeforeCall(context.Background(), "verify"); err != nil {
		t.Fatalf("expected 5xx not to open a throttle window, got %v", err)
	}
}
