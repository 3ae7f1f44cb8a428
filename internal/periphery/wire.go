// Package periphery implements the UDP protocol spoken with the remote
// inference server: discovery, command exchange, session management and
// chunked frame transfer.
package periphery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Signature prefixes every datagram in both directions.
var Signature = [4]byte{0x5b, 0x20, 0xc4, 0x10}

// Subcode selects the request kind.
type Subcode uint16

const (
	SubDiscover       Subcode = 0x8e96
	SubInfer          Subcode = 0xe24d
	SubListModels     Subcode = 0x4c4d // "LM"
	SubSwitchModel    Subcode = 0x534d // "SM"
	SubCreateSession  Subcode = 0x4353 // "CS"
	SubCheckSession   Subcode = 0x4b53 // "KS"
	SubReleaseSession Subcode = 0x5253 // "RS"
)

func (s Subcode) String() string {
	switch s {
	case SubDiscover:
		return "discover"
	case SubInfer:
		return "infer"
	case SubListModels:
		return "list-models"
	case SubSwitchModel:
		return "switch-model"
	case SubCreateSession:
		return "create-session"
	case SubCheckSession:
		return "check-session"
	case SubReleaseSession:
		return "release-session"
	default:
		return fmt.Sprintf("subcode(%#04x)", uint16(s))
	}
}

const (
	HeaderSize         = 6
	DefaultPort        = 5555
	DefaultMaxDatagram = 32768
	// lengthSize is the big-endian payload length of a final inference reply
	lengthSize = 2
)

// ErrMalformed marks a datagram that carries the signature but cannot be
// parsed.
var ErrMalformed = errors.New("malformed datagram")

// Header is the signature followed by a big-endian subcode.
type Header [HeaderSize]byte

// NewHeader builds the header for sub.
func NewHeader(sub Subcode) Header {
	var h Header
	copy(h[:4], Signature[:])
	binary.BigEndian.PutUint16(h[4:], uint16(sub))
	return h
}

// Subcode returns the request kind.
func (h Header) Subcode() Subcode {
	return Subcode(binary.BigEndian.Uint16(h[4:]))
}

// ParseHeader extracts the header of b. ok is false when b is too short or
// does not start with Signature.
func ParseHeader(b []byte) (Header, bool) {
	var h Header
	if len(b) < HeaderSize || !bytes.Equal(b[:4], Signature[:]) {
		return h, false
	}
	copy(h[:], b[:HeaderSize])
	return h, true
}

// EncodeCommand builds a command datagram with an ASCII body.
func EncodeCommand(sub Subcode, body []byte) []byte {
	h := NewHeader(sub)
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, h[:]...)
	return append(out, body...)
}

// MaxChunk is the largest frame chunk that fits one request datagram.
func MaxChunk(maxDatagram int) int {
	return maxDatagram - HeaderSize - 1
}

// Chunks splits data into pieces of at most maxChunk bytes. An empty
// payload still yields one (empty) chunk so the server sees a final marker.
func Chunks(data []byte, maxChunk int) [][]byte {
	if maxChunk <= 0 {
		return nil
	}
	n := (len(data) + maxChunk - 1) / maxChunk
	if n == 0 {
		return [][]byte{{}}
	}
	out := make([][]byte, 0, n)
	for off := 0; off < len(data); off += maxChunk {
		end := min(off+maxChunk, len(data))
		out = append(out, data[off:end])
	}
	return out
}

// EncodeInferChunk builds one frame-transfer request into dst (reused when
// large enough).
func EncodeInferChunk(dst []byte, final bool, chunk []byte) []byte {
	h := NewHeader(SubInfer)
	dst = append(dst[:0], h[:]...)
	if final {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return append(dst, chunk...)
}

// DecodeInferChunk splits a frame-transfer request.
func DecodeInferChunk(b []byte) (final bool, chunk []byte, err error) {
	h, ok := ParseHeader(b)
	if !ok || h.Subcode() != SubInfer || len(b) < HeaderSize+1 {
		return false, nil, ErrMalformed
	}
	return b[HeaderSize] != 0, b[HeaderSize+1:], nil
}

// EncodeInferResult builds the final-chunk reply carrying payload.
func EncodeInferResult(payload []byte) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("inference payload of %d bytes exceeds length prefix", len(payload))
	}
	h := NewHeader(SubInfer)
	out := make([]byte, HeaderSize+lengthSize+len(payload))
	copy(out, h[:])
	binary.BigEndian.PutUint16(out[HeaderSize:], uint16(len(payload)))
	copy(out[HeaderSize+lengthSize:], payload)
	return out, nil
}

// DecodeInferResult extracts the payload of a final-chunk reply. The
// header must already have been checked.
func DecodeInferResult(b []byte) ([]byte, error) {
	if len(b) < HeaderSize+lengthSize {
		return nil, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(b[HeaderSize:]))
	body := b[HeaderSize+lengthSize:]
	if n > len(body) {
		return nil, fmt.Errorf("%w: length %d exceeds %d received bytes", ErrMalformed, n, len(body))
	}
	return body[:n], nil
}
