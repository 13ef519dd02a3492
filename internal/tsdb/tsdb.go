// Package tsdb abstracts the time-series store the collector writes into.
// Two backends exist: InfluxDB (the default) and the legacy binary datafile
// store. Selection happens at process start via TSDB_BACKEND.
package tsdb

import (
	"context"
	"time"
)

// TimeoutValue is the magic latency stored for a probe that got no reply.
// Kept at 127.0 seconds for compatibility with existing data.
const TimeoutValue = 127.0

// Point is one decoded sample. A nil Latency means the probe timed out.
type Point struct {
	Epoch   int64
	Latency *float64
}

// TSDB records and queries per-pair latency samples. Record is recommended
// to be idempotent on (proberName, dstIP, sendTime): the transport delivers
// at-least-once, so duplicates do arrive.
type TSDB interface {
	// Record stores one sample. A nil receiveTime records a timeout.
	Record(ctx context.Context, proberName, dstIP string, sendTime float64, receiveTime *float64) error

	// Query returns the samples for a pair with start <= epoch <= end,
	// ordered by time.
	Query(ctx context.Context, proberName, dstIP string, start, end int64) ([]Point, error)

	// LastTime returns the timestamp of the newest sample for a pair, or
	// ok=false if the pair has no samples.
	LastTime(ctx context.Context, proberName, dstIP string) (time.Time, bool, error)

	// Count returns the number of samples stored for a pair.
	Count(ctx context.Context, proberName, dstIP string) (uint64, error)

	Close() error
}
