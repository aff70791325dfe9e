package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestTimerMeasuresElapsedTime(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	require.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	require.Greater(t, timer.Duration(), first, "duration must keep growing across calls")
}

func TestTimerObservesHistogram(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "timer_test_duration_seconds",
		Help:    "scratch histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(histogram)

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timer_test_duration_vec_seconds",
		Help:    "scratch histogram vec",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	timer.ObserveDurationVec(vec, "compile")
}
