package shm

import "encoding/binary"

// Pixel formats written by the capture daemon
const (
	FormatJPEG = 0
	FormatNV12 = 1
	FormatRGB  = 2
	FormatH264 = 3
)

// Ring buffer geometry shared with the capture daemon. Offsets follow the C
// layout on 64-bit Linux.
const (
	RingBufferSize = 30
	MaxFrameSize   = 1920 * 1080 * 3 / 2

	ringHeaderSize  = 40 // write_index, frame_interval_ms, sem_t
	frameHeaderSize = 60
	frameSize       = (frameHeaderSize + MaxFrameSize + 7) &^ 7

	// TotalSize is the size of the whole mapping.
	TotalSize = ringHeaderSize + RingBufferSize*frameSize
)

// frameHeader precedes the pixel data of every ring slot.
type frameHeader struct {
	FrameNumber uint64
	Sec, Nsec   int64
	CameraID    int32
	Width       int32
	Height      int32
	Format      int32
	DataSize    uint64
	Brightness  float32 // Y-plane average, 0-255
	Lux         uint32
	Zone        uint8 // 0=dark, 1=dim, 2=normal, 3=bright
	Corrected   uint8
	_           [2]byte
}

// slotOffset returns the byte offset of ring slot i.
func slotOffset(i uint32) int {
	return ringHeaderSize + int(i%RingBufferSize)*frameSize
}

func parseHeader(b []byte) (frameHeader, error) {
	var h frameHeader
	_, err := binary.Decode(b[:frameHeaderSize], binary.LittleEndian, &h)
	return h, err
}
