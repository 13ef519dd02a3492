package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamesbtate/ping-server/internal/queue"
)

func TestQueue(t *testing.T) {
	t.Parallel()

	t.Run("FIFO order", func(t *testing.T) {
		t.Parallel()
		q := queue.New[int]()
		q.Put(1)
		q.Put(2)
		q.Put(3)
		for want := 1; want <= 3; want++ {
			got, ok := q.TryGet()
			require.True(t, ok)
			require.Equal(t, want, got)
		}
		_, ok := q.TryGet()
		require.False(t, ok)
	})

	t.Run("Get times out on an empty queue", func(t *testing.T) {
		t.Parallel()
		q := queue.New[int]()
		start := time.Now()
		_, ok := q.Get(20 * time.Millisecond)
		require.False(t, ok)
		require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("Get wakes up on Put", func(t *testing.T) {
		t.Parallel()
		q := queue.New[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			q.Put("hello")
		}()
		got, ok := q.Get(time.Second)
		require.True(t, ok)
		require.Equal(t, "hello", got)
	})

	t.Run("concurrent producers and consumers", func(t *testing.T) {
		t.Parallel()
		q := queue.New[int]()
		const producers, perProducer = 4, 250

		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perProducer; i++ {
					q.Put(i)
				}
			}()
		}
		wg.Wait()

		seen := 0
		for {
			if _, ok := q.TryGet(); !ok {
				break
			}
			seen++
		}
		require.Equal(t, producers*perProducer, seen)
		require.Equal(t, 0, q.Len())
	})
}
