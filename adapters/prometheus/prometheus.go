// Package prometheus provides Prometheus implementations of the engine and
// registry metrics interfaces.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/svcrt/core/metrics"
)

const namespace = "svcrt"

func newTimer(o prometheus.Observer) metrics.Timer {
	return metrics.NewTimer(o)
}

// Default histogram buckets for dispatch latency (in seconds). Dispatches
// are expected to be short, so the range starts below a millisecond.
var defaultBuckets = []float64{
	.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1,
}

// Metrics holds the Prometheus implementations for the whole runtime.
type Metrics struct {
	Engine *engineMetrics
	Actor  *actorMetrics
}

// NewMetrics registers engine and registry metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Engine: NewEngineMetrics(reg).(*engineMetrics),
		Actor:  NewActorMetrics(reg).(*actorMetrics),
	}
}
