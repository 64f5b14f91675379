// Package prometheus exports engine metrics through client_golang.
package prometheus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/goliatone/go-purchases/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// DefaultBuckets covers operation durations in milliseconds.
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// DefaultLabels are the tag keys the engine attaches to operation metrics.
var DefaultLabels = []string{"operation", "status", "source", "error_kind"}

// Recorder implements core.MetricsRecorder. Collectors are created on first
// use, one per metric name, and every collector carries the same label
// names: tags outside the label set are dropped and absent ones are empty.
// Dots in engine metric names become underscores.
type Recorder struct {
	mu         sync.Mutex
	registerer prom.Registerer
	namespace  string
	buckets    []float64
	labels     []string
	counters   map[string]*prom.CounterVec
	histograms map[string]*prom.HistogramVec
	onError    func(name string, err error)
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = sanitize(namespace)
	}
}

func WithBuckets(buckets ...float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

func WithLabels(labels ...string) Option {
	return func(r *Recorder) {
		if len(labels) == 0 {
			return
		}
		r.labels = make([]string, 0, len(labels))
		for _, label := range labels {
			r.labels = append(r.labels, sanitize(label))
		}
	}
}

// WithErrorHandler receives registration failures, for example a name already
// taken by another collector. The sample is dropped.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(r *Recorder) {
		r.onError = fn
	}
}

func NewRecorder(registerer prom.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prom.DefaultRegisterer
	}
	recorder := &Recorder{
		registerer: registerer,
		buckets:    DefaultBuckets,
		labels:     DefaultLabels,
		counters:   map[string]*prom.CounterVec{},
		histograms: map[string]*prom.HistogramVec{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(recorder)
		}
	}
	return recorder
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	vec, ok := r.counter(sanitize(name))
	if !ok {
		return
	}
	vec.WithLabelValues(r.labelValues(tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec, ok := r.histogram(sanitize(name))
	if !ok {
		return
	}
	vec.WithLabelValues(r.labelValues(tags)...).Observe(value)
}

func (r *Recorder) counter(name string) (*prom.CounterVec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[name]; ok {
		return vec, true
	}
	vec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      "purchases counter " + name,
	}, r.labels)
	if err := r.registerer.Register(vec); err != nil {
		existing, ok := alreadyRegistered[*prom.CounterVec](err)
		if !ok {
			r.reportError(name, err)
			return nil, false
		}
		vec = existing
	}
	r.counters[name] = vec
	return vec, true
}

func (r *Recorder) histogram(name string) (*prom.HistogramVec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[name]; ok {
		return vec, true
	}
	vec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      "purchases histogram " + name,
		Buckets:   r.buckets,
	}, r.labels)
	if err := r.registerer.Register(vec); err != nil {
		existing, ok := alreadyRegistered[*prom.HistogramVec](err)
		if !ok {
			r.reportError(name, err)
			return nil, false
		}
		vec = existing
	}
	r.histograms[name] = vec
	return vec, true
}

func (r *Recorder) reportError(name string, err error) {
	if r.onError != nil {
		r.onError(name, err)
	}
}

func alreadyRegistered[T prom.Collector](err error) (T, bool) {
	var zero T
	var are prom.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return zero, false
	}
	existing, ok := are.ExistingCollector.(T)
	return existing, ok
}

func (r *Recorder) labelValues(tags map[string]string) []string {
	values := make([]string, len(r.labels))
	for key, value := range tags {
		key = sanitize(key)
		for i, label := range r.labels {
			if label == key {
				values[i] = value
				break
			}
		}
	}
	return values
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name))
	for i, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_', ch == ':':
			b.WriteRune(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
