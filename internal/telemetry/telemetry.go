// Package telemetry exports per-generation PerfMetrics and admission
// outcomes as Prometheus series, alongside the HTTP-layer metrics
// internal/httpapi's metrics.go already registers. Grounded on the
// teacher's backpressureTotal counter in internal/httpapi/metrics.go,
// extended into a dedicated generation metric family per spec.md's
// PerfMetrics (TTFT, throughput, token counts).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/capi-project/capi-core/pkg/types"
)

var (
	ttftSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "capi",
			Subsystem: "generation",
			Name:      "ttft_seconds",
			Help:      "Time to first token, in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	throughputTPS = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "capi",
			Subsystem: "generation",
			Name:      "throughput_tokens_per_second",
			Help:      "Mean output tokens per second for a completed generation.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
		},
		[]string{"model"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capi",
			Subsystem: "generation",
			Name:      "tokens_total",
			Help:      "Total tokens processed, by direction.",
		},
		[]string{"model", "direction"},
	)

	admissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capi",
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Total load admission rejections, by resource mode.",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(ttftSeconds, throughputTPS, tokensTotal, admissionRejections)
}

// ObserveGeneration records one completed generation's PerfMetrics for
// modelID.
func ObserveGeneration(modelID string, m types.PerfMetrics) {
	ttftSeconds.WithLabelValues(modelID).Observe(float64(m.TTFTMs) / 1000)
	throughputTPS.WithLabelValues(modelID).Observe(m.ThroughputTPSMean)
	tokensTotal.WithLabelValues(modelID, "input").Add(float64(m.NumInputTokens))
	tokensTotal.WithLabelValues(modelID, "output").Add(float64(m.NumOutputTokens))
}

// ObserveAdmissionRejection records an EngineManager load rejected by
// ResourceAdmitter under mode.
func ObserveAdmissionRejection(mode types.ResourceMode) {
	admissionRejections.WithLabelValues(string(mode)).Inc()
}
