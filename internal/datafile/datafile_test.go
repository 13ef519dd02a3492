package datafile_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesbtate/ping-server/internal/datafile"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "pair.ping")
}

func TestDatafile_CreateAndOpen(t *testing.T) {
	t.Parallel()

	t.Run("create writes a valid empty header and preallocates", func(t *testing.T) {
		t.Parallel()
		path := tempPath(t)
		df, err := datafile.Create(path, 10)
		require.NoError(t, err)
		require.NoError(t, df.Close())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Len(t, raw, datafile.HeaderLength+10*datafile.RecordLength)
		require.Equal(t, []byte("PING"), raw[0:4])
		require.Equal(t, byte(3), raw[4])
		require.Equal(t, byte(2), raw[5])
		require.Equal(t, uint64(24), binary.LittleEndian.Uint64(raw[8:16]))
		require.Equal(t, uint64(0), binary.LittleEndian.Uint64(raw[16:24]))
	})

	t.Run("open restores header state", func(t *testing.T) {
		t.Parallel()
		path := tempPath(t)
		df, err := datafile.Create(path, 5)
		require.NoError(t, err)
		require.NoError(t, df.Append(100, 1))
		require.NoError(t, df.Append(101, 2))
		require.NoError(t, df.Close())

		reopened, err := datafile.Open(path)
		require.NoError(t, err)
		defer reopened.Close()
		require.Equal(t, uint64(2), reopened.NumRecords())
		require.Equal(t, uint64(24), reopened.Offset())
		require.Equal(t, uint64(5), reopened.MaxRecords())

		// A non-saturated file keeps filling after a reopen.
		require.NoError(t, reopened.Append(102, 3))
		require.Equal(t, uint64(3), reopened.NumRecords())
		require.Equal(t, uint64(24), reopened.Offset())
	})

	t.Run("bad magic is refused", func(t *testing.T) {
		t.Parallel()
		path := tempPath(t)
		require.NoError(t, os.WriteFile(path, append([]byte("PONG"), make([]byte, 20)...), 0o644))
		_, err := datafile.Open(path)
		require.ErrorIs(t, err, datafile.ErrBadMagic)
	})

	t.Run("unsupported version is refused", func(t *testing.T) {
		t.Parallel()
		path := tempPath(t)
		hdr := append([]byte("PING"), make([]byte, 20)...)
		hdr[4] = 9
		require.NoError(t, os.WriteFile(path, hdr, 0o644))
		_, err := datafile.Open(path)
		require.ErrorIs(t, err, datafile.ErrUnsupportedVersion)
	})

	t.Run("short file is refused", func(t *testing.T) {
		t.Parallel()
		path := tempPath(t)
		require.NoError(t, os.WriteFile(path, []byte("PIN"), 0o644))
		_, err := datafile.Open(path)
		require.ErrorIs(t, err, datafile.ErrShortFile)
	})

	t.Run("torn data area is refused", func(t *testing.T) {
		t.Parallel()
		path := tempPath(t)
		df, err := datafile.Create(path, 3)
		require.NoError(t, err)
		require.NoError(t, df.Close())
		// chop the file mid-record
		require.NoError(t, os.Truncate(path, datafile.HeaderLength+datafile.RecordLength*3-1))
		_, err = datafile.Open(path)
		require.ErrorIs(t, err, datafile.ErrGeometryMismatch)
	})
}

func TestDatafile_Append(t *testing.T) {
	t.Parallel()

	t.Run("fill phase increments n_records only", func(t *testing.T) {
		t.Parallel()
		df, err := datafile.Create(tempPath(t), 3)
		require.NoError(t, err)
		defer df.Close()

		for i := uint32(0); i < 3; i++ {
			require.NoError(t, df.Append(100+i, uint16(i)))
			require.Equal(t, uint64(i+1), df.NumRecords())
			require.Equal(t, uint64(24), df.Offset())
		}
	})

	t.Run("rotation advances offset and wraps", func(t *testing.T) {
		t.Parallel()
		// Scenario: max_records=3, five appends.
		df, err := datafile.Create(tempPath(t), 3)
		require.NoError(t, err)
		defer df.Close()

		appends := []struct {
			epoch uint32
			lat   uint16
		}{
			{100, 0}, {101, 655}, {102, 32767}, {103, 65534}, {104, 65535},
		}
		for _, a := range appends {
			require.NoError(t, df.Append(a.epoch, a.lat))
		}
		require.Equal(t, uint64(3), df.NumRecords())
		require.Equal(t, uint64(24+2*6), df.Offset())

		records, err := df.ReadRange(0, 1<<31)
		require.NoError(t, err)
		require.Len(t, records, 3)
		require.Equal(t, uint32(102), records[0].Epoch)
		require.Equal(t, uint32(103), records[1].Epoch)
		require.Equal(t, uint32(104), records[2].Epoch)
		require.InDelta(t, 0.5, *records[0].Seconds(), 1.0/65534)
		require.Equal(t, 1.0, *records[1].Seconds())
		require.Nil(t, records[2].Seconds())
	})

	t.Run("offset wraps back to the header boundary", func(t *testing.T) {
		t.Parallel()
		df, err := datafile.Create(tempPath(t), 3)
		require.NoError(t, err)
		defer df.Close()

		// 3 fills + 3 rotations: offset returns to 24.
		for i := uint32(0); i < 6; i++ {
			require.NoError(t, df.Append(100+i, uint16(i)))
		}
		require.Equal(t, uint64(24), df.Offset())
		require.Equal(t, uint64(3), df.NumRecords())

		records, err := df.ReadAll()
		require.NoError(t, err)
		require.Equal(t, uint32(103), records[0].Epoch)
		require.Equal(t, uint32(105), records[2].Epoch)
	})

	t.Run("last records survive in write order after many wraps", func(t *testing.T) {
		t.Parallel()
		const max = 7
		df, err := datafile.Create(tempPath(t), max)
		require.NoError(t, err)
		defer df.Close()

		const n = 100
		for i := uint32(0); i < n; i++ {
			require.NoError(t, df.Append(1000+i, uint16(i)))
		}
		require.Equal(t, uint64(max), df.NumRecords())
		require.Equal(t, uint64(24+((n-max)%max)*6), df.Offset())

		records, err := df.ReadAll()
		require.NoError(t, err)
		require.Len(t, records, max)
		for i, r := range records {
			require.Equal(t, uint32(1000+n-max+uint32(i)), r.Epoch)
		}
	})
}

func TestDatafile_ReadRange(t *testing.T) {
	t.Parallel()

	df, err := datafile.Create(tempPath(t), 10)
	require.NoError(t, err)
	defer df.Close()

	for i := uint32(0); i < 5; i++ {
		require.NoError(t, df.Append(100+i, uint16(i)))
	}

	t.Run("bounds are inclusive", func(t *testing.T) {
		records, err := df.ReadRange(101, 103)
		require.NoError(t, err)
		require.Len(t, records, 3)
		require.Equal(t, uint32(101), records[0].Epoch)
		require.Equal(t, uint32(103), records[2].Epoch)
	})

	t.Run("empty window yields nothing", func(t *testing.T) {
		records, err := df.ReadRange(200, 300)
		require.NoError(t, err)
		require.Empty(t, records)
	})
}

func TestDatafile_OverwriteAll(t *testing.T) {
	t.Parallel()

	df, err := datafile.Create(tempPath(t), 5)
	require.NoError(t, err)
	defer df.Close()

	for i := uint32(0); i < 8; i++ {
		require.NoError(t, df.Append(100+i, uint16(i)))
	}
	require.NotEqual(t, uint64(24), df.Offset())

	replacement := []datafile.Record{
		{Epoch: 500, Latency: 1},
		{Epoch: 501, Latency: 2},
	}
	require.NoError(t, df.OverwriteAll(replacement))
	require.Equal(t, uint64(24), df.Offset())
	require.Equal(t, uint64(2), df.NumRecords())

	records, err := df.ReadAll()
	require.NoError(t, err)
	require.Equal(t, replacement, records)

	t.Run("rejects more records than capacity", func(t *testing.T) {
		tooMany := make([]datafile.Record, 6)
		require.Error(t, df.OverwriteAll(tooMany))
	})
}
