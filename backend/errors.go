package backend

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/goliatone/go-purchases/core"
)

// Backend error codes that mean the client configuration is unusable. Any
// further call with the same settings fails the same way.
var configErrorCodes = map[string]struct{}{
	"WRONG_API_KEY":    {},
	"MISSING_API_KEY":  {},
	"API_KEY_DISABLED": {},
	"UNKNOWN_APP":      {},
}

// Backend error codes that reject one purchase for good. Retrying the same
// record cannot succeed.
var rejectedErrorCodes = map[string]struct{}{
	"PURCHASE_INVALID":       {},
	"PURCHASE_NOT_FOUND":     {},
	"INVALID_PURCHASE_TOKEN": {},
	"PACKAGE_MISMATCH":       {},
}

// mapErrorResponse turns a non-2xx backend response into a classified error.
func mapErrorResponse(operation string, status int, body []byte) error {
	code := ""
	var envelope errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &envelope) == nil {
		code = strings.ToUpper(strings.TrimSpace(envelope.Error))
	}
	metadata := map[string]any{
		"operation":   operation,
		"status_code": status,
	}
	if code != "" {
		metadata["code"] = code
	}

	if _, ok := configErrorCodes[code]; ok {
		return core.NewConfigError(nil, "backend: "+code, metadata)
	}
	if _, ok := rejectedErrorCodes[code]; ok {
		return core.NewRejectedError(nil, "backend: "+code, metadata)
	}
	if code == "" && status == http.StatusTooManyRequests {
		return core.NewTransientError(nil, "backend: rate limited", metadata)
	}
	message := "backend: request failed"
	if code != "" {
		message = "backend: " + code
	}
	return core.NewServerError(nil, message, metadata)
}
