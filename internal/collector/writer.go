package collector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jamesbtate/ping-server/internal/metrics"
	"github.com/jamesbtate/ping-server/internal/queue"
	"github.com/jamesbtate/ping-server/internal/tsdb"
	"github.com/jamesbtate/ping-server/internal/wire"
)

// popTimeout bounds each queue wait so the writer notices cancellation
// promptly.
const popTimeout = 500 * time.Millisecond

type WriterConfig struct {
	// Queue is the collector's write queue.
	Queue *queue.Queue[wire.Output]

	// DB is the time-series store samples are written into.
	DB tsdb.TSDB

	// MaxAttempts bounds the per-sample write attempts. Defaults to 2:
	// one retry before the sample is dropped.
	MaxAttempts uint
}

func (c *WriterConfig) Validate() error {
	if c.Queue == nil {
		return errors.New("write queue is required")
	}
	if c.DB == nil {
		return errors.New("tsdb is required")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 2
	}
	return nil
}

// Writer drains the write queue into the TSDB. One output message expands
// into one TSDB record per reply. The writer never blocks the websocket
// receive path: sessions enqueue and move on.
//
// Sessions ack a batch as soon as it is enqueued, before it is written, so
// the ack is no durability promise: batches still queued when the collector
// stops are lost.
type Writer struct {
	log *slog.Logger
	cfg *WriterConfig
}

func NewWriter(log *slog.Logger, cfg *WriterConfig) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{log: log, cfg: cfg}, nil
}

func (w *Writer) Run(ctx context.Context) error {
	w.log.Info("Started writer")
	for {
		if ctx.Err() != nil {
			w.log.Warn("Writer shutting down", "queued", w.cfg.Queue.Len())
			return nil
		}
		output, ok := w.cfg.Queue.Get(popTimeout)
		if !ok {
			continue
		}
		metrics.WriteQueueLength.Set(float64(w.cfg.Queue.Len()))
		w.store(ctx, output)
	}
}

// store writes every reply of one output message. A failed write is retried
// once with backoff; if it still fails the sample is dropped and the drop is
// recorded in the error log.
func (w *Writer) store(ctx context.Context, output wire.Output) {
	for _, reply := range output.Replies {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			if err := w.cfg.DB.Record(ctx, output.ProberName, reply.IP, output.SendTime, reply.ReceiveTime); err != nil {
				metrics.Errors.WithLabelValues(metrics.ErrorTypeWriterRecordFailed).Inc()
				return struct{}{}, err
			}
			return struct{}{}, nil
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(w.cfg.MaxAttempts))
		if err != nil {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeWriterRetriesExhausted).Inc()
			w.log.Error("Dropping sample after failed writes",
				"prober", output.ProberName, "target", reply.IP,
				"send_time", output.SendTime, "error", err)
			continue
		}
		metrics.RecordsWritten.Inc()
	}
}
