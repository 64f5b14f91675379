package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestKindOf_ClassifiesConstructors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "transient", err: NewTransientError(nil, "timeout", nil), want: KindTransient},
		{name: "config", err: NewConfigError(nil, "WRONG_API_KEY", nil), want: KindFatalConfig},
		{name: "malformed", err: NewMalformedResponseError(nil, "bad json", nil), want: KindMalformedResponse},
		{name: "server", err: NewServerError(nil, "500", nil), want: KindServerError},
		{name: "rejected", err: NewRejectedError(nil, "PURCHASE_INVALID", nil), want: KindRejected},
		{name: "canceled", err: NewUserCanceledError("back", nil), want: KindUserCanceled},
		{name: "marketplace", err: NewMarketplaceUnavailableError(nil, "offline", nil), want: KindMarketplaceUnavailable},
		{name: "unknown product", err: NewUnknownProductError("lifetime"), want: KindUnknownProduct},
		{name: "no offers", err: NewNoOffersError([]string{"monthly"}), want: KindUnknownProduct},
		{name: "bad input", err: NewBadInputError("offer id is required", nil), want: KindBadInput},
		{name: "halted", err: NewHaltedError(errors.New("bad key")), want: KindHalted},
		{name: "internal", err: NewInternalError(nil, "boom"), want: KindInternal},
		{name: "deadline", err: fmt.Errorf("fetch: %w", context.DeadlineExceeded), want: KindTransient},
		{name: "plain", err: errors.New("plain"), want: KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestKindOf_UsesWrappedSourceWhenCodeIsForeign(t *testing.T) {
	wrapped := goerrors.Wrap(context.DeadlineExceeded, goerrors.CategoryExternal, "http call failed").
		WithTextCode("HTTP_FAILURE")
	if got := KindOf(wrapped); got != KindTransient {
		t.Fatalf("expected transient from wrapped deadline, got %q", got)
	}
}

func TestRetryableAndFatal(t *testing.T) {
	if !IsRetryable(NewServerError(nil, "502", nil)) || !IsRetryable(NewTransientError(nil, "slow", nil)) {
		t.Fatalf("expected server and transient errors to be retryable")
	}
	if IsRetryable(NewConfigError(nil, "bad key", nil)) || IsRetryable(NewRejectedError(nil, "nope", nil)) {
		t.Fatalf("expected config and rejected errors to be final")
	}
	if !IsFatal(NewConfigError(nil, "bad key", nil)) || !IsFatal(NewHaltedError(nil)) {
		t.Fatalf("expected config and halted errors to be fatal")
	}
	if IsFatal(NewServerError(nil, "500", nil)) {
		t.Fatalf("expected server error to be non-fatal")
	}
}

func TestPurchaseErrorMapper_AssignsStableCodes(t *testing.T) {
	known := NewRejectedError(nil, "PURCHASE_INVALID", nil)
	if mapped := purchaseErrorMapper(known); mapped != known {
		t.Fatalf("expected known purchases error to pass through")
	}

	mapped := purchaseErrorMapper(fmt.Errorf("read: %w", context.DeadlineExceeded))
	if mapped.TextCode != ErrorTransient {
		t.Fatalf("expected transient text code, got %q", mapped.TextCode)
	}

	mapped = purchaseErrorMapper(errors.New("core: offer id is required"))
	if mapped.TextCode != ErrorBadInput || mapped.Code != http.StatusBadRequest {
		t.Fatalf("expected bad input envelope, got %q/%d", mapped.TextCode, mapped.Code)
	}

	mapped = purchaseErrorMapper(errors.New("something odd"))
	if mapped.TextCode == "" || mapped.Code == 0 || mapped.Message == "" {
		t.Fatalf("expected a complete error envelope, got %+v", mapped)
	}
	if purchaseErrorMapper(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestErrorConstructors_CarryMetadata(t *testing.T) {
	err := NewUnknownProductError("lifetime")
	if err.Metadata["product_id"] != "lifetime" {
		t.Fatalf("expected product_id metadata, got %#v", err.Metadata)
	}
	if err.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", err.Code)
	}
	halted := NewHaltedError(errors.New("WRONG_API_KEY"))
	if halted.Metadata["cause"] != "WRONG_API_KEY" {
		t.Fatalf("expected halt cause metadata, got %#v", halted.Metadata)
	}
}
