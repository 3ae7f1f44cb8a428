package periphery

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

func TestHeaderBytes(t *testing.T) {
	h := NewHeader(SubDiscover)
	assert.Equal(t, []byte{0x5b, 0x20, 0xc4, 0x10, 0x8e, 0x96}, h[:])

	h = NewHeader(SubInfer)
	assert.Equal(t, []byte{0x5b, 0x20, 0xc4, 0x10, 0xe2, 0x4d}, h[:])

	parsed, ok := ParseHeader([]byte{0x5b, 0x20, 0xc4, 0x10, 0xe2, 0x4d, 1, 2})
	require.True(t, ok)
	assert.Equal(t, SubInfer, parsed.Subcode())

	_, ok = ParseHeader([]byte{0x5b, 0x20, 0xc4, 0x11, 0xe2, 0x4d})
	assert.False(t, ok)
	_, ok = ParseHeader([]byte{0x5b, 0x20})
	assert.False(t, ok)
}

func TestChunking(t *testing.T) {
	const maxDatagram = 100
	maxChunk := MaxChunk(maxDatagram)
	require.Equal(t, 93, maxChunk)

	for _, size := range []int{0, 1, 92, 93, 94, 186, 187, 1000} {
		data := bytes.Repeat([]byte{0xab}, size)
		chunks := Chunks(data, maxChunk)

		want := (size + maxChunk - 1) / maxChunk
		if want == 0 {
			want = 1
		}
		require.Len(t, chunks, want, "size %d", size)

		var joined []byte
		for i, c := range chunks {
			req := EncodeInferChunk(nil, i == len(chunks)-1, c)
			assert.LessOrEqual(t, len(req), maxDatagram)

			final, payload, err := DecodeInferChunk(req)
			require.NoError(t, err)
			assert.Equal(t, i == len(chunks)-1, final)
			joined = append(joined, payload...)
		}
		assert.Equal(t, len(data), len(joined))
		assert.True(t, bytes.Equal(data, joined))
	}
}

func TestInferResult(t *testing.T) {
	payload := []byte(`[{"label":1,"x":1,"y":2,"width":3,"height":4}]`)
	reply, err := EncodeInferResult(payload)
	require.NoError(t, err)
	assert.Equal(t, byte(0), reply[HeaderSize])
	assert.Equal(t, byte(len(payload)), reply[HeaderSize+1])

	got, err := DecodeInferResult(reply)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = DecodeInferResult(reply[:HeaderSize+4])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeDetections(t *testing.T) {
	payload := []byte(`[
		{"label":0,"x":10,"y":20,"width":30,"height":40},
		{"label":2,"x":1,"y":1,"width":2,"height":2,"kps":[5,6,0.9,7,8,0.2]}
	]`)
	dets, err := DecodeDetections(FormatJSON, payload, 2)
	require.NoError(t, err)

	want := []types.MlDetection{
		{Label: 0, Box: types.Box{X: 20, Y: 40, Width: 60, Height: 80}},
		{Label: 2, Box: types.Box{X: 2, Y: 2, Width: 4, Height: 4}, Keypoints: []types.Keypoint{
			{X: 10, Y: 12, Score: 0.9},
			{X: 14, Y: 16, Score: 0.2},
		}},
	}
	if diff := cmp.Diff(want, dets); diff != "" {
		t.Errorf("detections mismatch (-want +got):\n%s", diff)
	}

	_, err = DecodeDetections(FormatJSON, []byte("{oops"), 1)
	assert.ErrorIs(t, err, ErrMalformed)

	empty, err := DecodeDetections(FormatJSON, nil, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMsgpackPayload(t *testing.T) {
	dets := []types.MlDetection{{Label: 3, Box: types.Box{X: 1, Y: 2, Width: 3, Height: 4},
		Keypoints: []types.Keypoint{{X: 1, Y: 1, Score: 1}}}}
	payload, err := EncodeDetections(FormatMsgpack, dets)
	require.NoError(t, err)

	got, err := DecodeDetections(FormatMsgpack, payload, 1)
	require.NoError(t, err)
	if diff := cmp.Diff(dets, got); diff != "" {
		t.Errorf("msgpack mismatch (-want +got):\n%s", diff)
	}
}
