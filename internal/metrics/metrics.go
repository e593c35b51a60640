package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecore_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicecore_calls_total",
		Help: "Total calls processed",
	})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecore_webhooks_total",
		Help: "Webhook deliveries by outcome",
	}, []string{"result"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicecore_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecore_errors_total",
		Help: "Error counts by kind",
	}, []string{"kind"})

	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecore_streams_active",
		Help: "Currently open media streams",
	})
)
