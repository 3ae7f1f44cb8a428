package encoder

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is the little-endian length prefix of every buffer.
	HeaderSize = 2
	// MarkerSize is the separator written before each record.
	MarkerSize = 2
	// maxBufferSize is the largest length the header can carry.
	maxBufferSize = 0xffff
)

// Marker precedes every record.
var Marker = [MarkerSize]byte{0x69, 0x69}

// ErrOverflow is returned by Buffer.Append when the record does not fit.
var ErrOverflow = errors.New("encoder: buffer full")

// Buffer is a fixed-capacity record buffer. Its capacity is recomputed only
// when the number of records it must hold changes.
type Buffer struct {
	data       []byte
	pos        int
	recordSize int
	records    int
}

// Resize sizes the buffer for count records of recordSize bytes. It
// reallocates only when count or recordSize differ from the last call and
// reports whether it did.
func (b *Buffer) Resize(recordSize, count int) bool {
	if b.data != nil && recordSize == b.recordSize && count == b.records {
		return false
	}
	size := min(HeaderSize+(recordSize+MarkerSize)*count, maxBufferSize)
	b.data = make([]byte, size)
	b.recordSize = recordSize
	b.records = count
	b.pos = HeaderSize
	return true
}

// Cap returns the allocated size in bytes.
func (b *Buffer) Cap() int { return len(b.data) }

// Reset discards all records.
func (b *Buffer) Reset() {
	b.pos = HeaderSize
}

// Append writes a marker and record, or returns ErrOverflow and leaves the
// buffer unchanged.
func (b *Buffer) Append(record []byte) error {
	if b.pos+MarkerSize+len(record) > len(b.data) {
		return ErrOverflow
	}
	copy(b.data[b.pos:], Marker[:])
	copy(b.data[b.pos+MarkerSize:], record)
	b.pos += MarkerSize + len(record)
	return nil
}

// Bytes writes the total length into the header and returns the filled
// prefix. The slice is reused by the next cycle.
func (b *Buffer) Bytes() []byte {
	if len(b.data) < HeaderSize {
		b.Resize(b.recordSize, 0)
	}
	binary.LittleEndian.PutUint16(b.data, uint16(b.pos))
	return b.data[:b.pos]
}
