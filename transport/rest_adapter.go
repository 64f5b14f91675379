// Package transport carries backend calls over HTTP. It reports transport
// level failures only; status codes are interpreted by the backend client.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-purchases/core"
)

const KindREST = "rest"

const (
	defaultRESTClientTimeout           = 30 * time.Second
	defaultRESTResponseBodyLimit int64 = 2 << 20
)

// HeaderProvider supplies headers computed per request, such as credentials
// that change on reconfigure.
type HeaderProvider func(ctx context.Context) map[string]string

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter executes backend requests with net/http. Header precedence is
// DefaultHeaders, then Headers, then the request's own headers.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	Headers              HeaderProvider
	MaxResponseBodyBytes int64
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
	}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

// Do sends req. Unreachable hosts and timeouts are transient; bodies over
// the response limit are malformed; bad URLs are bad input.
func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, core.NewInternalError(nil, "transport: rest adapter requires an http client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return core.TransportResponse{}, err
	}
	target := httpReq.URL.String()

	startedAt := time.Now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return core.TransportResponse{}, core.NewTransientError(err, "transport: backend unreachable", map[string]any{
			"method": httpReq.Method,
			"url":    target,
		})
	}
	defer httpRes.Body.Close()

	limit := responseLimit(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes)
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.TransportResponse{}, core.NewTransientError(err, "transport: read response body", map[string]any{
			"url":         target,
			"status_code": httpRes.StatusCode,
		})
	}
	if int64(len(body)) > limit {
		return core.TransportResponse{}, core.NewMalformedResponseError(nil,
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit),
			map[string]any{"url": target, "status_code": httpRes.StatusCode},
		)
	}

	return core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"kind":        KindREST,
		},
	}, nil
}

func (a *RESTAdapter) newRequest(ctx context.Context, req core.TransportRequest) (*http.Request, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, core.NewBadInputError("transport: request url is required", nil)
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, core.NewBadInputError("transport: invalid request url", map[string]any{
			"url":   rawURL,
			"cause": err.Error(),
		})
	}
	if len(req.Query) > 0 {
		query := target.Query()
		for key, value := range req.Query {
			if key = strings.TrimSpace(key); key != "" {
				query.Set(key, strings.TrimSpace(value))
			}
		}
		target.RawQuery = query.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, core.NewBadInputError("transport: build request", map[string]any{
			"method": method,
			"url":    target.String(),
			"cause":  err.Error(),
		})
	}

	setHeaders(httpReq.Header, a.DefaultHeaders)
	if a.Headers != nil {
		setHeaders(httpReq.Header, a.Headers(ctx))
	}
	setHeaders(httpReq.Header, req.Headers)
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// setHeaders writes values onto dst. Empty values are still sent; the
// backend expects its optional tags to be present.
func setHeaders(dst http.Header, values map[string]string) {
	for key, value := range values {
		if key = strings.TrimSpace(key); key != "" {
			dst.Set(key, strings.TrimSpace(value))
		}
	}
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func responseLimit(requestLimit int64, adapterLimit int64) int64 {
	switch {
	case requestLimit > 0:
		return requestLimit
	case adapterLimit > 0:
		return adapterLimit
	default:
		return defaultRESTResponseBodyLimit
	}
}

var _ core.TransportAdapter = (*RESTAdapter)(nil)
