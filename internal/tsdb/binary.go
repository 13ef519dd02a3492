package tsdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jamesbtate/ping-server/internal/datafile"
	"github.com/jamesbtate/ping-server/internal/latency"
)

// Binary stores samples in one ring-buffer datafile per (prober, dst) pair
// under a single directory. A datafile is created on the first sample for a
// new pair and this process is its only writer.
type Binary struct {
	log        *slog.Logger
	dir        string
	maxRecords uint64

	mu    sync.Mutex
	files map[string]*datafile.Datafile
}

func NewBinary(log *slog.Logger, dir string, maxRecords uint64) (*Binary, error) {
	if maxRecords == 0 {
		maxRecords = datafile.DefaultMaxRecords
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create datafile dir: %w", err)
	}
	return &Binary{
		log:        log,
		dir:        dir,
		maxRecords: maxRecords,
		files:      make(map[string]*datafile.Datafile),
	}, nil
}

// PairPath returns the datafile path for a pair.
func (b *Binary) PairPath(proberName, dstIP string) string {
	return filepath.Join(b.dir, fmt.Sprintf("%s_%s.ping", proberName, dstIP))
}

func (b *Binary) writer(proberName, dstIP string) (*datafile.Datafile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := proberName + "/" + dstIP
	if df, ok := b.files[key]; ok {
		return df, nil
	}
	path := b.PairPath(proberName, dstIP)
	df, err := datafile.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		b.log.Info("Creating datafile for new pair", "path", path)
		df, err = datafile.Create(path, b.maxRecords)
	}
	if err != nil {
		return nil, err
	}
	b.files[key] = df
	return df, nil
}

func (b *Binary) Record(_ context.Context, proberName, dstIP string, sendTime float64, receiveTime *float64) error {
	df, err := b.writer(proberName, dstIP)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return df.Append(uint32(sendTime), latency.Encode(&sendTime, receiveTime))
}

// reader opens a fresh handle so queries never disturb the writer's state.
func (b *Binary) reader(proberName, dstIP string) (*datafile.Datafile, error) {
	return datafile.Open(b.PairPath(proberName, dstIP))
}

func (b *Binary) Query(_ context.Context, proberName, dstIP string, start, end int64) ([]Point, error) {
	df, err := b.reader(proberName, dstIP)
	if err != nil {
		return nil, err
	}
	defer df.Close()
	records, err := df.ReadRange(start, end)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(records))
	for _, r := range records {
		points = append(points, Point{Epoch: int64(r.Epoch), Latency: r.Seconds()})
	}
	return points, nil
}

func (b *Binary) LastTime(_ context.Context, proberName, dstIP string) (time.Time, bool, error) {
	df, err := b.reader(proberName, dstIP)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	defer df.Close()
	records, err := df.ReadAll()
	if err != nil || len(records) == 0 {
		return time.Time{}, false, err
	}
	return time.Unix(int64(records[len(records)-1].Epoch), 0), true, nil
}

func (b *Binary) Count(_ context.Context, proberName, dstIP string) (uint64, error) {
	df, err := b.reader(proberName, dstIP)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer df.Close()
	return df.NumRecords(), nil
}

func (b *Binary) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for key, df := range b.files {
		if err := df.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.files, key)
	}
	return firstErr
}
