package syncq

import "time"

// Metrics receives flush statistics. *metrics.Registry implements it.
type Metrics interface {
	ObserveFlush(d time.Duration, r *Result)
	SetQueueDepth(n int)
	IncRetry()
}

type nopMetrics struct{}

func (nopMetrics) ObserveFlush(time.Duration, *Result) {}
func (nopMetrics) SetQueueDepth(int)                   {}
func (nopMetrics) IncRetry()                           {}
