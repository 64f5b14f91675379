package devkit

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-purchases/core"
)

// TransportScript is one canned backend answer.
type TransportScript struct {
	Response core.TransportResponse
	Err      error
}

// JSONResponse scripts a response carrying body with the given status.
func JSONResponse(status int, body string) TransportScript {
	return TransportScript{Response: core.TransportResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(body),
	}}
}

// FakeTransportAdapter replays scripts in order and records every request.
// Once the scripts run out the last one repeats.
type FakeTransportAdapter struct {
	mu       sync.Mutex
	scripts  []TransportScript
	routes   map[string][]TransportScript
	requests []core.TransportRequest
}

func NewFakeTransportAdapter(scripts ...TransportScript) *FakeTransportAdapter {
	return &FakeTransportAdapter{
		scripts: append([]TransportScript(nil), scripts...),
		routes:  map[string][]TransportScript{},
	}
}

// Route scripts answers for requests whose URL ends with path. Routed
// scripts take precedence over the positional ones.
func (a *FakeTransportAdapter) Route(path string, scripts ...TransportScript) *FakeTransportAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes[strings.TrimSpace(path)] = append(a.routes[strings.TrimSpace(path)], scripts...)
	return a
}

func (*FakeTransportAdapter) Kind() string {
	return "fake"
}

func (a *FakeTransportAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil {
		return core.TransportResponse{}, core.NewInternalError(nil, "devkit: fake transport adapter is nil")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return core.TransportResponse{}, core.NewTransientError(err, "devkit: request canceled", nil)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests = append(a.requests, cloneTransportRequest(req))
	for path, scripts := range a.routes {
		if len(scripts) == 0 || !strings.HasSuffix(req.URL, path) {
			continue
		}
		script := scripts[0]
		if len(scripts) > 1 {
			a.routes[path] = scripts[1:]
		}
		return cloneTransportResponse(script.Response), script.Err
	}

	index := len(a.requests) - 1
	if index < len(a.scripts) {
		script := a.scripts[index]
		return cloneTransportResponse(script.Response), script.Err
	}
	if len(a.scripts) > 0 {
		last := a.scripts[len(a.scripts)-1]
		return cloneTransportResponse(last.Response), last.Err
	}
	return core.TransportResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{},
		Body:       []byte(`{"data":{}}`),
	}, nil
}

func (a *FakeTransportAdapter) Requests() []core.TransportRequest {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]core.TransportRequest, len(a.requests))
	for i, item := range a.requests {
		out[i] = cloneTransportRequest(item)
	}
	return out
}

func cloneTransportRequest(in core.TransportRequest) core.TransportRequest {
	out := in
	out.Headers = maps.Clone(in.Headers)
	out.Query = maps.Clone(in.Query)
	out.Metadata = maps.Clone(in.Metadata)
	out.Body = slices.Clone(in.Body)
	return out
}

func cloneTransportResponse(in core.TransportResponse) core.TransportResponse {
	out := in
	out.Headers = maps.Clone(in.Headers)
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	out.Metadata = maps.Clone(in.Metadata)
	out.Body = slices.Clone(in.Body)
	return out
}

var _ core.TransportAdapter = (*FakeTransportAdapter)(nil)
