package encoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// TagRecord is the wire form of one tag detection. The blank field keeps
// the natural alignment of the u32 timestamp.
type TagRecord struct {
	TagID      uint8
	CamID      uint8
	_          [2]byte
	CaptureMs  uint32
	TX, TY, TZ float64 // metres
	RX, RY, RZ float64 // degrees
}

// MLRecord is the wire form of one ML detection.
type MLRecord struct {
	Label      uint8
	CamID      uint8
	_          [2]byte
	CaptureMs  uint32
	X, Y, W, H float64
}

// Record sizes in bytes
var (
	TagRecordSize = binary.Size(TagRecord{})
	MLRecordSize  = binary.Size(MLRecord{})
)

// NewTagRecord converts a detection seen by camera cam at captureMs.
func NewTagRecord(cam uint8, captureMs uint32, d types.TagDetection) TagRecord {
	rx, ry, rz := d.Pose.RollPitchYaw()
	t := d.Pose.Translation
	return TagRecord{
		TagID:     d.ID,
		CamID:     cam,
		CaptureMs: captureMs,
		TX:        t.X,
		TY:        t.Y,
		TZ:        t.Z,
		RX:        rx,
		RY:        ry,
		RZ:        rz,
	}
}

// NewMLRecord converts a detection seen by camera cam at captureMs. Labels
// outside 0..255 are clamped.
func NewMLRecord(cam uint8, captureMs uint32, d types.MlDetection) MLRecord {
	label := max(0, min(d.Label, math.MaxUint8))
	return MLRecord{
		Label:     uint8(label),
		CamID:     cam,
		CaptureMs: captureMs,
		X:         d.Box.X,
		Y:         d.Box.Y,
		W:         d.Box.Width,
		H:         d.Box.Height,
	}
}

// marshal encodes a fixed-size record into dst.
func marshal(dst []byte, rec any) []byte {
	n, err := binary.Encode(dst, binary.LittleEndian, rec)
	if err != nil {
		// dst is always sized from binary.Size of the same type
		panic(err)
	}
	return dst[:n]
}

// DecodeTags parses a tag buffer.
func DecodeTags(buf []byte) ([]TagRecord, error) {
	return decode[TagRecord](buf, TagRecordSize)
}

// DecodeML parses an ML buffer.
func DecodeML(buf []byte) ([]MLRecord, error) {
	return decode[MLRecord](buf, MLRecordSize)
}

func decode[T any](buf []byte, size int) ([]T, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("buffer of %d bytes has no header", len(buf))
	}
	total := int(binary.LittleEndian.Uint16(buf))
	if total != len(buf) {
		return nil, fmt.Errorf("header length %d, buffer length %d", total, len(buf))
	}

	var out []T
	for pos := HeaderSize; pos < total; pos += MarkerSize + size {
		if pos+MarkerSize+size > total {
			return nil, fmt.Errorf("truncated record at offset %d", pos)
		}
		if !bytes.Equal(buf[pos:pos+MarkerSize], Marker[:]) {
			return nil, fmt.Errorf("missing marker at offset %d", pos)
		}
		var rec T
		if _, err := binary.Decode(buf[pos+MarkerSize:pos+MarkerSize+size], binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("record at offset %d: %w", pos, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
