package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorTransient              = "PURCHASES_TRANSIENT"
	ErrorConfigInvalid          = "PURCHASES_CONFIG_INVALID"
	ErrorMalformedResponse      = "PURCHASES_MALFORMED_RESPONSE"
	ErrorUserCanceled           = "PURCHASES_USER_CANCELED"
	ErrorMarketplaceUnavailable = "PURCHASES_MARKETPLACE_UNAVAILABLE"
	ErrorUnknownProduct         = "PURCHASES_UNKNOWN_PRODUCT"
	ErrorServer                 = "PURCHASES_SERVER_ERROR"
	ErrorRejected               = "PURCHASES_REJECTED"
	ErrorBadInput               = "PURCHASES_BAD_INPUT"
	ErrorHalted                 = "PURCHASES_HALTED"
	ErrorInternal               = "PURCHASES_INTERNAL_ERROR"
)

// ErrorKind is the failure taxonomy callers branch on.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindTransient              ErrorKind = "transient"
	KindFatalConfig            ErrorKind = "fatal_config"
	KindMalformedResponse      ErrorKind = "malformed_response"
	KindUserCanceled           ErrorKind = "user_canceled"
	KindMarketplaceUnavailable ErrorKind = "marketplace_unavailable"
	KindUnknownProduct         ErrorKind = "unknown_product"
	KindServerError            ErrorKind = "server_error"
	KindRejected               ErrorKind = "rejected"
	KindBadInput               ErrorKind = "bad_input"
	KindHalted                 ErrorKind = "halted"
	KindInternal               ErrorKind = "internal"
)

var kindTextCodes = map[string]ErrorKind{
	ErrorTransient:              KindTransient,
	ErrorConfigInvalid:          KindFatalConfig,
	ErrorMalformedResponse:      KindMalformedResponse,
	ErrorUserCanceled:           KindUserCanceled,
	ErrorMarketplaceUnavailable: KindMarketplaceUnavailable,
	ErrorUnknownProduct:         KindUnknownProduct,
	ErrorServer:                 KindServerError,
	ErrorRejected:               KindRejected,
	ErrorBadInput:               KindBadInput,
	ErrorHalted:                 KindHalted,
	ErrorInternal:               KindInternal,
}

// KindOf classifies err. Rich errors are classified by text code; deadline
// and network timeouts are transient; anything else is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if kind, ok := kindTextCodes[strings.TrimSpace(richErr.TextCode)]; ok {
			return kind
		}
		if source := errors.Unwrap(richErr); source != nil {
			if kind := KindOf(source); kind != KindInternal {
				return kind
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindInternal
}

// IsRetryable reports whether re-issuing the triggering operation later may
// succeed without reconfiguration.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindServerError, KindMarketplaceUnavailable:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err requires reconfiguration before any further
// backend traffic.
func IsFatal(err error) bool {
	kind := KindOf(err)
	return kind == KindFatalConfig || kind == KindHalted
}

func NewTransientError(source error, message string, metadata map[string]any) *goerrors.Error {
	return newKindError(source, message, goerrors.CategoryExternal, http.StatusServiceUnavailable, ErrorTransient, metadata)
}

func NewConfigError(source error, message string, metadata map[string]any) *goerrors.Error {
	return newKindError(source, message, goerrors.CategoryAuth, http.StatusUnauthorized, ErrorConfigInvalid, metadata)
}

func NewMalformedResponseError(source error, message string, metadata map[string]any) *goerrors.Error {
	return newKindError(source, message, goerrors.CategoryExternal, http.StatusBadGateway, ErrorMalformedResponse, metadata)
}

func NewServerError(source error, message string, metadata map[string]any) *goerrors.Error {
	return newKindError(source, message, goerrors.CategoryExternal, http.StatusBadGateway, ErrorServer, metadata)
}

func NewRejectedError(source error, message string, metadata map[string]any) *goerrors.Error {
	return newKindError(source, message, goerrors.CategoryValidation, http.StatusUnprocessableEntity, ErrorRejected, metadata)
}

func NewUserCanceledError(message string, metadata map[string]any) *goerrors.Error {
	return newKindError(nil, message, goerrors.CategoryOperation, http.StatusOK, ErrorUserCanceled, metadata)
}

func NewMarketplaceUnavailableError(source error, message string, metadata map[string]any) *goerrors.Error {
	return newKindError(source, message, goerrors.CategoryExternal, http.StatusServiceUnavailable, ErrorMarketplaceUnavailable, metadata)
}

func NewUnknownProductError(productID string) *goerrors.Error {
	return newKindError(nil, "core: product is not in the current catalog", goerrors.CategoryNotFound, http.StatusNotFound,
		ErrorUnknownProduct, map[string]any{"product_id": productID})
}

// NewNoOffersError reports a catalog whose ids the marketplace could not
// resolve to any offer.
func NewNoOffersError(ids []string) *goerrors.Error {
	return newKindError(nil, "core: marketplace resolved no offers for the catalog", goerrors.CategoryNotFound,
		http.StatusNotFound, ErrorUnknownProduct, map[string]any{"requested": append([]string(nil), ids...)})
}

func NewBadInputError(message string, metadata map[string]any) *goerrors.Error {
	return newKindError(nil, message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorBadInput, metadata)
}

func NewHaltedError(cause error) *goerrors.Error {
	metadata := map[string]any{}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	return newKindError(nil, "core: engine halted after a configuration failure; reconfigure to resume",
		goerrors.CategoryAuth, http.StatusUnauthorized, ErrorHalted, metadata)
}

func NewInternalError(source error, message string) *goerrors.Error {
	return newKindError(source, message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorInternal, nil)
}

func newKindError(
	source error,
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	var err *goerrors.Error
	if source != nil {
		err = goerrors.Wrap(source, category, message)
	} else {
		err = goerrors.New(message, category)
	}
	err = err.WithCode(code).WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// purchaseErrorMapper is the default ErrorMapper. Errors that already carry
// a purchases text code pass through; everything else is classified.
func purchaseErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if _, ok := kindTextCodes[strings.TrimSpace(richErr.TextCode)]; ok {
			return richErr
		}
	}
	switch KindOf(err) {
	case KindTransient:
		return NewTransientError(err, err.Error(), nil)
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "unsupported"):
		return NewBadInputError(err.Error(), nil)
	}
	return ensureErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = http.StatusInternalServerError
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = ErrorInternal
	}
	if strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}
