package query

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-purchases/core"
)

// ErrorEntitlementNotFound is the text code for a token with no entry.
const ErrorEntitlementNotFound = "PURCHASES_ENTITLEMENT_NOT_FOUND"

func queryDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorInternal)
}

func queryValidationError(field string, message string) error {
	return goerrors.NewValidation("query: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

func queryNotFoundError(token string) error {
	return goerrors.New("query: entitlement not found", goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorEntitlementNotFound).
		WithMetadata(map[string]any{"token": token})
}
