package latency_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesbtate/ping-server/internal/latency"
)

func TestLatency_Encode(t *testing.T) {
	t.Parallel()

	t.Run("nil receive time encodes as timeout", func(t *testing.T) {
		t.Parallel()
		sent := 1000.0
		require.Equal(t, latency.Timeout, latency.Encode(&sent, nil))
		require.Equal(t, latency.Timeout, latency.Encode(nil, nil))
	})

	t.Run("difference above one second encodes as timeout", func(t *testing.T) {
		t.Parallel()
		sent, received := 1000.0, 1001.5
		require.Equal(t, latency.Timeout, latency.Encode(&sent, &received))
	})

	t.Run("negative difference encodes as timeout", func(t *testing.T) {
		t.Parallel()
		sent, received := 1000.0, 999.9
		require.Equal(t, latency.Timeout, latency.Encode(&sent, &received))
	})

	t.Run("12.3ms encodes to 806", func(t *testing.T) {
		t.Parallel()
		sent := 1000.0
		received := sent + 0.0123
		require.Equal(t, uint16(806), latency.Encode(&sent, &received))
	})

	t.Run("bounds", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, uint16(0), latency.EncodeSeconds(0))
		require.Equal(t, latency.Max, latency.EncodeSeconds(1.0))
	})
}

func TestLatency_Decode(t *testing.T) {
	t.Parallel()

	t.Run("timeout sentinel decodes to nothing", func(t *testing.T) {
		t.Parallel()
		_, ok := latency.Decode(latency.Timeout)
		require.False(t, ok)
		require.Nil(t, latency.DecodePtr(latency.Timeout))
	})

	t.Run("half scale decodes to 0.5", func(t *testing.T) {
		t.Parallel()
		seconds, ok := latency.Decode(32767)
		require.True(t, ok)
		require.InDelta(t, 0.5, seconds, 1.0/65534)
	})

	t.Run("max decodes to exactly one second", func(t *testing.T) {
		t.Parallel()
		seconds, ok := latency.Decode(latency.Max)
		require.True(t, ok)
		require.Equal(t, 1.0, seconds)
	})
}

func TestLatency_RoundTrip(t *testing.T) {
	t.Parallel()

	// |decode(encode(s)) - s| <= 1/65534 across the representable range.
	for s := 0.0; s <= 1.0; s += 0.000037 {
		decoded, ok := latency.Decode(latency.EncodeSeconds(s))
		require.True(t, ok, "s=%f", s)
		require.LessOrEqual(t, math.Abs(decoded-s), 1.0/65534, "s=%f", s)
	}
}
