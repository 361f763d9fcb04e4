// Package metrics exposes Prometheus collectors for store operations,
// write volume and permission cache behaviour.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mesh-intelligence/attic/internal/diff"
	"github.com/mesh-intelligence/attic/internal/permission"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Observer records the outcome of one operation.
type Observer interface {
	Observe(ctx context.Context, op string, success bool, duration time.Duration)
}

// Nop discards observations.
type Nop struct{}

// Observe implements Observer.
func (Nop) Observe(context.Context, string, bool, time.Duration) {}

// Recorder owns a registry and the attic collectors in it.
type Recorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	mutations  *prometheus.CounterVec
	cache      *prometheus.CounterVec
}

var _ Observer = (*Recorder)(nil)

// New returns a Recorder with a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attic",
			Name:      "operations_total",
			Help:      "Store operations by name and result.",
		}, []string{"op", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "attic",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attic",
			Name:      "mutations_total",
			Help:      "Value rows written by saves, by mutation kind.",
		}, []string{"kind"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attic",
			Name:      "permission_cache_total",
			Help:      "Permission cache lookups by outcome.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(r.operations, r.durations, r.mutations, r.cache)
	return r
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe implements Observer.
func (r *Recorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	if op == "" {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	r.operations.WithLabelValues(op, result).Inc()
	r.durations.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveError records an operation whose failure carries a typed kind.
// Permission and not-found failures are counted under their kind.
func (r *Recorder) ObserveError(ctx context.Context, op string, err error, duration time.Duration) {
	if err == nil {
		r.Observe(ctx, op, true, duration)
		return
	}
	var te *types.Error
	if errors.As(err, &te) {
		r.operations.WithLabelValues(op, string(te.Kind)).Inc()
		r.durations.WithLabelValues(op).Observe(duration.Seconds())
		return
	}
	r.Observe(ctx, op, false, duration)
}

// ObserveMutations counts the rows in ms by kind.
func (r *Recorder) ObserveMutations(ms *diff.MutationSet) {
	if ms == nil {
		return
	}
	for kind, n := range ms.Counts() {
		r.mutations.WithLabelValues(string(kind)).Add(float64(n))
	}
	if n := len(ms.NestedAdded) + len(ms.NestedRemoved); n > 0 {
		r.mutations.WithLabelValues("embedded").Add(float64(n))
	}
}

// ObserveCache counts one permission cache lookup.
func (r *Recorder) ObserveCache(o permission.Outcome) {
	r.cache.WithLabelValues(string(o)).Inc()
}

// WriteTextfile writes the current values in the text exposition format,
// for the node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

// Sample is one counter value with its labels rendered as k=v pairs.
type Sample struct {
	Name   string
	Labels string
	Value  float64
}

// Counters returns every counter sample sorted by name and labels.
// Histograms report their sample count.
func (r *Recorder) Counters() ([]Sample, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	var out []Sample
	for _, f := range families {
		for _, m := range f.GetMetric() {
			s := Sample{Name: f.GetName(), Labels: labels(m)}
			switch f.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = m.GetCounter().GetValue()
			case dto.MetricType_HISTOGRAM:
				s.Value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels < out[j].Labels
	})
	return out, nil
}

func labels(m *dto.Metric) string {
	var s string
	for i, lp := range m.GetLabel() {
		if i > 0 {
			s += ","
		}
		s += lp.GetName() + "=" + lp.GetValue()
	}
	return s
}
