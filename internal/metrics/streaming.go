package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineStartTotal tracks pipeline start attempts by result.
	PipelineStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiocast_pipeline_start_total",
		Help: "Total number of pipeline start attempts by result",
	}, []string{"result"})

	// PipelineExitTotal tracks terminal pipeline outcomes by reason.
	PipelineExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiocast_pipeline_exit_total",
		Help: "Total number of pipeline exits by reason",
	}, []string{"reason"})

	// PipelineRetryTotal tracks scheduled retries by trigger.
	PipelineRetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiocast_pipeline_retry_total",
		Help: "Total number of pipeline retries by trigger",
	}, []string{"trigger"})

	// CacheTotal tracks cache gate outcomes (hit, miss, commit, commit_error).
	CacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiocast_cache_total",
		Help: "Total number of cache gate events",
	}, []string{"event"})

	// ActiveStreams tracks currently streaming responses by mode.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audiocast_active_streams",
		Help: "Number of currently active streams by mode",
	}, []string{"mode"})

	// StreamedBytesTotal counts bytes forwarded to response sinks.
	StreamedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiocast_streamed_bytes_total",
		Help: "Total bytes forwarded to response sinks",
	})

	// FirstByteSeconds tracks time from pipeline start to first forwarded byte.
	FirstByteSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audiocast_first_byte_seconds",
		Help:    "Time from pipeline start to first byte forwarded",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
	})

	// TranscodeSpeed reports the most recent transcoder speed factor.
	TranscodeSpeed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audiocast_transcode_speed",
		Help: "Most recently reported transcoder speed factor (1.0 = realtime)",
	})
)

// IncPipelineStart records a pipeline start attempt.
func IncPipelineStart(result string) {
	PipelineStartTotal.WithLabelValues(result).Inc()
}

// IncPipelineExit records a terminal pipeline outcome.
func IncPipelineExit(reason string) {
	PipelineExitTotal.WithLabelValues(reason).Inc()
}

// IncRetry records a scheduled retry.
func IncRetry(trigger string) {
	PipelineRetryTotal.WithLabelValues(trigger).Inc()
}

// IncCache records a cache gate event.
func IncCache(event string) {
	CacheTotal.WithLabelValues(event).Inc()
}

// IncActiveStreams increments the active stream gauge for a mode.
func IncActiveStreams(mode string) {
	ActiveStreams.WithLabelValues(mode).Inc()
}

// DecActiveStreams decrements the active stream gauge for a mode.
func DecActiveStreams(mode string) {
	ActiveStreams.WithLabelValues(mode).Dec()
}

// AddStreamedBytes accumulates forwarded byte counts.
func AddStreamedBytes(n int64) {
	if n > 0 {
		StreamedBytesTotal.Add(float64(n))
	}
}

// ObserveFirstByte records time to first forwarded byte.
func ObserveFirstByte(d time.Duration) {
	FirstByteSeconds.Observe(d.Seconds())
}

// SetTranscodeSpeed records the latest transcoder speed factor.
func SetTranscodeSpeed(speed float64) {
	if speed > 0 {
		TranscodeSpeed.Set(speed)
	}
}
