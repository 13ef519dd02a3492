package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Metrics names.
	MetricNameBuildInfo        = "ping_server_build_info"
	MetricNameErrors           = "ping_server_errors_total"
	MetricNameBatchesSent      = "ping_server_prober_batches_sent_total"
	MetricNameBatchesAcked     = "ping_server_prober_batches_acked_total"
	MetricNameBatchesRequeued  = "ping_server_prober_batches_requeued_total"
	MetricNameConnectedProbers = "ping_server_collector_connected_probers"
	MetricNameWriteQueueLength = "ping_server_collector_write_queue_length"
	MetricNameRecordsWritten   = "ping_server_collector_records_written_total"

	// Labels.
	LabelVersion   = "version"
	LabelCommit    = "commit"
	LabelDate      = "date"
	LabelErrorType = "error_type"

	// Error types.
	ErrorTypeProberConnect          = "prober_connect"
	ErrorTypeProberTransmit         = "prober_transmit"
	ErrorTypeCollectorBadFrame      = "collector_bad_frame"
	ErrorTypeCollectorAuthRejected  = "collector_auth_rejected"
	ErrorTypeWriterRecordFailed     = "writer_record_failed"
	ErrorTypeWriterRetriesExhausted = "writer_retries_exhausted"
	ErrorTypeControlPoll            = "control_poll"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameErrors,
			Help: "Number of errors encountered",
		},
		[]string{LabelErrorType},
	)

	BatchesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameBatchesSent,
			Help: "Number of result batches transmitted to the collector",
		},
	)

	BatchesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameBatchesAcked,
			Help: "Number of result batches acknowledged by the collector",
		},
	)

	BatchesRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameBatchesRequeued,
			Help: "Number of result batches re-queued after a missing ack",
		},
	)

	ConnectedProbers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameConnectedProbers,
			Help: "Number of probers currently connected",
		},
	)

	WriteQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameWriteQueueLength,
			Help: "Number of result batches waiting for the writer",
		},
	)

	RecordsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameRecordsWritten,
			Help: "Number of samples written to the time-series store",
		},
	)
)
