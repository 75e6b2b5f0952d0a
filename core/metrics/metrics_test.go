package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordHistogram struct{ values []float64 }

func (r *recordHistogram) Observe(v float64) { r.values = append(r.values, v) }

func TestTimer_observesOnce(t *testing.T) {
	h := &recordHistogram{}
	tm := NewTimer(h)
	tm.ObserveDuration()
	assert.Len(t, h.values, 1)
	assert.GreaterOrEqual(t, h.values[0], 0.0)
}

func TestNop(t *testing.T) {
	NopCounter().Inc()
	NopGauge().Set(3)
	NopHistogram().Observe(1)
	NopTimer().ObserveDuration()
}
