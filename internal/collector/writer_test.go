package collector_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamesbtate/ping-server/internal/collector"
	"github.com/jamesbtate/ping-server/internal/queue"
	"github.com/jamesbtate/ping-server/internal/tsdb"
	"github.com/jamesbtate/ping-server/internal/wire"
)

type recordedWrite struct {
	prober      string
	dstIP       string
	sendTime    float64
	receiveTime *float64
}

// fakeTSDB records writes and can be told to fail the first N attempts per
// (prober, destination) pair.
type fakeTSDB struct {
	mu        sync.Mutex
	writes    []recordedWrite
	attempts  map[string]int
	failFirst int
}

func newFakeTSDB(failFirst int) *fakeTSDB {
	return &fakeTSDB{attempts: make(map[string]int), failFirst: failFirst}
}

func (f *fakeTSDB) Record(_ context.Context, prober, dstIP string, sendTime float64, receiveTime *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := prober + "/" + dstIP
	f.attempts[key]++
	if f.attempts[key] <= f.failFirst {
		return errors.New("transient write failure")
	}
	f.writes = append(f.writes, recordedWrite{prober, dstIP, sendTime, receiveTime})
	return nil
}

func (f *fakeTSDB) Query(context.Context, string, string, int64, int64) ([]tsdb.Point, error) {
	return nil, nil
}

func (f *fakeTSDB) LastTime(context.Context, string, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (f *fakeTSDB) Count(context.Context, string, string) (uint64, error) { return 0, nil }
func (f *fakeTSDB) Close() error                                          { return nil }

func (f *fakeTSDB) recorded() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func runWriter(t *testing.T, q *queue.Queue[wire.Output], db tsdb.TSDB) {
	t.Helper()
	w, err := collector.NewWriter(testLogger(), &collector.WriterConfig{Queue: q, DB: db})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWriter(t *testing.T) {
	t.Parallel()

	t.Run("one batch expands to one write per reply", func(t *testing.T) {
		t.Parallel()
		db := newFakeTSDB(0)
		q := queue.New[wire.Output]()
		runWriter(t, q, db)

		rt := 500.01
		q.Put(wire.Output{
			Type:       wire.TypeOutput,
			ID:         1,
			ProberName: "probe-a",
			SendTime:   500.0,
			Replies: []wire.Reply{
				{IP: "8.8.8.8", ReceiveTime: &rt},
				{IP: "10.0.0.255"},
			},
		})

		require.Eventually(t, func() bool {
			return len(db.recorded()) == 2
		}, 2*time.Second, 10*time.Millisecond)

		writes := db.recorded()
		require.Equal(t, "probe-a", writes[0].prober)
		require.Equal(t, "8.8.8.8", writes[0].dstIP)
		require.Equal(t, 500.0, writes[0].sendTime)
		require.NotNil(t, writes[0].receiveTime)
		require.Equal(t, "10.0.0.255", writes[1].dstIP)
		require.Nil(t, writes[1].receiveTime, "timeout must be stored as a null receive time")
	})

	t.Run("a failed write is retried once and then succeeds", func(t *testing.T) {
		t.Parallel()
		db := newFakeTSDB(1)
		q := queue.New[wire.Output]()
		runWriter(t, q, db)

		q.Put(wire.Output{
			Type:       wire.TypeOutput,
			ID:         2,
			ProberName: "probe-a",
			SendTime:   501.0,
			Replies:    []wire.Reply{{IP: "8.8.8.8"}},
		})

		require.Eventually(t, func() bool {
			return len(db.recorded()) == 1
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("a persistently failing sample is dropped, later samples survive", func(t *testing.T) {
		t.Parallel()
		db := newFakeTSDB(2) // fails both of the writer's two attempts
		q := queue.New[wire.Output]()
		runWriter(t, q, db)

		q.Put(wire.Output{
			Type:       wire.TypeOutput,
			ID:         3,
			ProberName: "probe-a",
			SendTime:   502.0,
			Replies:    []wire.Reply{{IP: "10.9.9.9"}},
		})
		q.Put(wire.Output{
			Type:       wire.TypeOutput,
			ID:         4,
			ProberName: "probe-a",
			SendTime:   503.0,
			Replies:    []wire.Reply{{IP: "10.9.9.9"}},
		})

		// The first sample burns the two failures; the second one lands.
		require.Eventually(t, func() bool {
			writes := db.recorded()
			return len(writes) == 1 && writes[0].sendTime == 503.0
		}, 5*time.Second, 10*time.Millisecond)
	})
}
