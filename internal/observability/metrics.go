package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the replay Prometheus metrics.
type Metrics struct {
	RecordsTotal       *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	NextOffset         *prometheus.GaugeVec
	CheckpointsTotal   *prometheus.CounterVec
	TransformErrors    *prometheus.CounterVec
	DLQTotal           *prometheus.CounterVec
	SinkDeliveryErrors *prometheus.CounterVec
	ReplayComplete     *prometheus.GaugeVec
}

// NewMetrics creates and registers the replay metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_replay_records_total",
			Help: "Records replayed, by outcome.",
		}, []string{"replay", "status"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fiso_replay_stage_duration_seconds",
			Help:    "Time spent per record in each stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"replay", "stage"}),

		NextOffset: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiso_replay_next_offset",
			Help: "Offset of the next record to replay.",
		}, []string{"replay"}),

		CheckpointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_replay_checkpoints_total",
			Help: "Checkpoint writes, by outcome.",
		}, []string{"replay", "status"}),

		TransformErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_replay_transform_errors_total",
			Help: "Transform failures.",
		}, []string{"replay"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_replay_dlq_total",
			Help: "Records sent to the DLQ.",
		}, []string{"replay"}),

		SinkDeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_replay_sink_delivery_errors_total",
			Help: "Sink delivery failures.",
		}, []string{"replay"}),

		ReplayComplete: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiso_replay_complete",
			Help: "1 once the file has been replayed to the end.",
		}, []string{"replay"}),
	}
}
