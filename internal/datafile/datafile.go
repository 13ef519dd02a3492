// Package datafile implements the fixed-size binary ring-buffer file used by
// the legacy binary storage backend. One datafile holds the samples for a
// single (prober, destination) pair.
//
// Layout (little-endian):
//
//	Header (24 bytes):
//	  [0..4)   magic "PING"
//	  [4]      version (currently 3)
//	  [5]      data_length (currently 2)
//	  [6..8)   reserved
//	  [8..16)  offset: byte offset of the oldest record
//	  [16..24) n_records: current count of valid records
//	Record (4 + data_length bytes):
//	  [0..4)   epoch (u32 UNIX seconds)
//	  [4..6)   latency (u16, see package latency)
//
// While the file is filling, offset stays at the header length and records
// are written sequentially. Once n_records reaches max_records the data area
// becomes a circular buffer: each append overwrites the oldest record and
// advances offset by one record, wrapping at the end of the file.
package datafile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jamesbtate/ping-server/internal/latency"
)

const (
	// HeaderLength is the size of the on-disk header in bytes.
	HeaderLength = 24

	// Version is the current format version.
	Version = 3

	// DataLength is the per-record payload size after the epoch.
	DataLength = 2

	// RecordLength is the total size of one record.
	RecordLength = 4 + DataLength

	// DefaultMaxRecords holds one week of one-second samples.
	DefaultMaxRecords = 86400 * 7

	offsetFieldPos   = 8
	nRecordsFieldPos = 16
)

var magic = [4]byte{'P', 'I', 'N', 'G'}

var (
	ErrBadMagic           = errors.New("datafile: bad magic")
	ErrUnsupportedVersion = errors.New("datafile: unsupported version")
	ErrShortFile          = errors.New("datafile: file shorter than header")
	ErrGeometryMismatch   = errors.New("datafile: file size does not match header geometry")
)

// Record is one decoded sample.
type Record struct {
	Epoch   uint32
	Latency uint16
}

// Seconds returns the decoded latency, or nil for a timeout.
func (r Record) Seconds() *float64 {
	return latency.DecodePtr(r.Latency)
}

// Datafile is an open ring-buffer file. A Datafile is owned by exactly one
// writer; concurrent readers must open their own handle.
type Datafile struct {
	file       *os.File
	version    uint8
	dataLength uint8
	offset     uint64
	nRecords   uint64
	maxRecords uint64
}

// Create truncates or creates the file at path, writes a fresh header, and
// preallocates the full data area. The file size encodes the capacity, so
// Open can derive max_records from it.
func Create(path string, maxRecords uint64) (*Datafile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	df := &Datafile{
		file:       f,
		version:    Version,
		dataLength: DataLength,
		offset:     HeaderLength,
		nRecords:   0,
		maxRecords: maxRecords,
	}
	if err := df.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(int64(df.fileSize())); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate %s: %w", path, err)
	}
	return df, nil
}

// Open reads and validates the header of an existing datafile. The maximum
// record count is derived from the file size, so a file created with a
// different max_records than the current default still opens correctly; a
// file whose size is not header + whole records is refused.
func Open(path string) (*Datafile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	df, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return df, nil
}

func readHeader(f *os.File) (*Datafile, error) {
	var hdr [HeaderLength]byte
	n, err := f.ReadAt(hdr[:], 0)
	if n < HeaderLength {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFile
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if [4]byte(hdr[0:4]) != magic {
		return nil, ErrBadMagic
	}
	version := hdr[4]
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	dataLength := hdr[5]
	if dataLength != DataLength {
		return nil, fmt.Errorf("%w: data_length %d", ErrUnsupportedVersion, dataLength)
	}
	df := &Datafile{
		file:       f,
		version:    version,
		dataLength: dataLength,
		offset:     binary.LittleEndian.Uint64(hdr[8:16]),
		nRecords:   binary.LittleEndian.Uint64(hdr[16:24]),
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	dataBytes := info.Size() - HeaderLength
	if dataBytes < 0 || dataBytes%RecordLength != 0 {
		return nil, fmt.Errorf("%w: size %d", ErrGeometryMismatch, info.Size())
	}
	df.maxRecords = uint64(dataBytes) / RecordLength
	if df.nRecords > df.maxRecords || df.offset < HeaderLength || (df.maxRecords > 0 && df.offset >= df.fileSize()) {
		return nil, fmt.Errorf("%w: offset=%d n_records=%d max_records=%d",
			ErrGeometryMismatch, df.offset, df.nRecords, df.maxRecords)
	}
	return df, nil
}

func (df *Datafile) fileSize() uint64 {
	return HeaderLength + df.maxRecords*RecordLength
}

// MaxRecords returns the capacity of the data area in records.
func (df *Datafile) MaxRecords() uint64 { return df.maxRecords }

// NumRecords returns the current count of valid records.
func (df *Datafile) NumRecords() uint64 { return df.nRecords }

// Offset returns the byte offset of the oldest record.
func (df *Datafile) Offset() uint64 { return df.offset }

func (df *Datafile) writeHeader() error {
	var hdr [HeaderLength]byte
	copy(hdr[0:4], magic[:])
	hdr[4] = df.version
	hdr[5] = df.dataLength
	binary.LittleEndian.PutUint64(hdr[8:16], df.offset)
	binary.LittleEndian.PutUint64(hdr[16:24], df.nRecords)
	if _, err := df.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func (df *Datafile) writeOffset() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], df.offset)
	if _, err := df.file.WriteAt(buf[:], offsetFieldPos); err != nil {
		return fmt.Errorf("write offset: %w", err)
	}
	return nil
}

func (df *Datafile) writeNumRecords() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], df.nRecords)
	if _, err := df.file.WriteAt(buf[:], nRecordsFieldPos); err != nil {
		return fmt.Errorf("write n_records: %w", err)
	}
	return nil
}

// Append writes one record after the newest record, overwriting the oldest
// once the file is saturated, and updates exactly one header field: while
// filling, n_records is incremented; once saturated, offset advances by one
// record, wrapping at the end of the file.
func (df *Datafile) Append(epoch uint32, lat uint16) error {
	pos := df.offset + df.nRecords*RecordLength
	if pos >= df.fileSize() {
		pos -= df.maxRecords * RecordLength
	}
	var rec [RecordLength]byte
	binary.LittleEndian.PutUint32(rec[0:4], epoch)
	binary.LittleEndian.PutUint16(rec[4:6], lat)
	if _, err := df.file.WriteAt(rec[:], int64(pos)); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if df.nRecords < df.maxRecords {
		df.nRecords++
		return df.writeNumRecords()
	}
	df.offset += RecordLength
	if df.offset >= df.fileSize() {
		df.offset = HeaderLength
	}
	return df.writeOffset()
}

// ReadAll returns every valid record in write order, starting at the oldest.
func (df *Datafile) ReadAll() ([]Record, error) {
	records := make([]Record, 0, df.nRecords)
	pos := df.offset
	var rec [RecordLength]byte
	for i := uint64(0); i < df.nRecords; i++ {
		if pos >= df.fileSize() {
			pos = HeaderLength
		}
		if _, err := df.file.ReadAt(rec[:], int64(pos)); err != nil {
			return nil, fmt.Errorf("read record at %d: %w", pos, err)
		}
		records = append(records, Record{
			Epoch:   binary.LittleEndian.Uint32(rec[0:4]),
			Latency: binary.LittleEndian.Uint16(rec[4:6]),
		})
		pos += RecordLength
	}
	return records, nil
}

// ReadRange returns the records with start <= epoch <= end, in write order.
func (df *Datafile) ReadRange(start, end int64) ([]Record, error) {
	all, err := df.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for _, r := range all {
		if int64(r.Epoch) >= start && int64(r.Epoch) <= end {
			out = append(out, r)
		}
	}
	return out, nil
}

// OverwriteAll atomically re-populates the data area with the given records,
// resetting the offset to the start of the data area. Used by repair tools.
// The record count must not exceed the file's capacity.
func (df *Datafile) OverwriteAll(records []Record) error {
	if uint64(len(records)) > df.maxRecords {
		return fmt.Errorf("datafile: %d records exceed capacity %d", len(records), df.maxRecords)
	}
	buf := make([]byte, len(records)*RecordLength)
	for i, r := range records {
		binary.LittleEndian.PutUint32(buf[i*RecordLength:], r.Epoch)
		binary.LittleEndian.PutUint16(buf[i*RecordLength+4:], r.Latency)
	}
	if _, err := df.file.WriteAt(buf, HeaderLength); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	df.offset = HeaderLength
	df.nRecords = uint64(len(records))
	return df.writeHeader()
}

// Close closes the underlying file.
func (df *Datafile) Close() error {
	return df.file.Close()
}
