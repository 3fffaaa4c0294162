// Package metrics exposes sync, compliance and use-case metrics to
// Prometheus.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/alexanderramin/dayplan/internal/service"
	"github.com/alexanderramin/dayplan/internal/syncq"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry implements syncq.Metrics, compliance.TransitionObserver and
// service.UseCaseObserver.
type Registry struct {
	flushDuration prometheus.Histogram
	ops           *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	retries       prometheus.Counter
	transitions   *prometheus.CounterVec
	useCases      *prometheus.HistogramVec
}

// New registers the collectors on reg, or on the default registerer when
// reg is nil. Collectors already registered are reused.
func New(reg prometheus.Registerer) (*Registry, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Registry{
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dayplan_sync_flush_seconds",
			Help:    "Duration of sync queue flushes",
			Buckets: prometheus.DefBuckets,
		}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dayplan_sync_operations_total",
			Help: "Sync operations by flush outcome",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayplan_sync_queue_depth",
			Help: "Operations waiting in the sync queue",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dayplan_sync_retries_total",
			Help: "Pushes scheduled for retry",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dayplan_compliance_transitions_total",
			Help: "Break compliance state transitions",
		}, []string{"from", "to"}),
		useCases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dayplan_use_case_seconds",
			Help:    "Day plan use case latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"use_case", "success"}),
	}

	var err error
	if r.flushDuration, err = register(reg, r.flushDuration); err != nil {
		return nil, err
	}
	if r.ops, err = register(reg, r.ops); err != nil {
		return nil, err
	}
	if r.queueDepth, err = register(reg, r.queueDepth); err != nil {
		return nil, err
	}
	if r.retries, err = register(reg, r.retries); err != nil {
		return nil, err
	}
	if r.transitions, err = register(reg, r.transitions); err != nil {
		return nil, err
	}
	if r.useCases, err = register(reg, r.useCases); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *Registry) ObserveFlush(d time.Duration, res *syncq.Result) {
	r.flushDuration.Observe(d.Seconds())
	if res == nil {
		return
	}
	r.ops.WithLabelValues("synced").Add(float64(res.Synced))
	r.ops.WithLabelValues("conflict").Add(float64(res.Conflicts))
	r.ops.WithLabelValues("retrying").Add(float64(res.Retrying))
	r.ops.WithLabelValues("failed").Add(float64(res.Failed))
	r.ops.WithLabelValues("review").Add(float64(res.Review))
}

func (r *Registry) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

func (r *Registry) IncRetry() {
	r.retries.Inc()
}

func (r *Registry) ComplianceTransition(from, to string) {
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Registry) ObserveUseCase(_ context.Context, e service.UseCaseEvent) {
	r.useCases.WithLabelValues(e.Name, strconv.FormatBool(e.Success)).Observe(e.Duration.Seconds())
}
