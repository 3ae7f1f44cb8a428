package encoder

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/telemetry"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

type fakeCamera struct {
	id      uint8
	tags    []types.TagDetection
	ml      []types.MlDetection
	stamp   types.CaptureStamp
	mu      sync.Mutex
	targets []uint8
}

func (c *fakeCamera) ID() uint8 { return c.id }
func (c *fakeCamera) Tags() ([]types.TagDetection, types.CaptureStamp) {
	return c.tags, c.stamp
}
func (c *fakeCamera) MlDetections() ([]types.MlDetection, types.CaptureStamp) {
	return c.ml, c.stamp
}
func (c *fakeCamera) SetTargetTags(ids []uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append([]uint8(nil), ids...)
}

func tag(id uint8, x float64) types.TagDetection {
	return types.TagDetection{
		ID: id,
		Pose: types.Transform3d{
			Translation: r3.Vec{X: x, Y: -1.5, Z: 3.25},
			Rotation:    types.RotationFromRollPitchYaw(0, 0, 0.5),
		},
	}
}

func TestRecordSizes(t *testing.T) {
	assert.Equal(t, 56, TagRecordSize)
	assert.Equal(t, 40, MLRecordSize)
}

func TestTagRecordLayout(t *testing.T) {
	rec := TagRecord{TagID: 7, CamID: 2, CaptureMs: 0x01020304, TX: 1.5}
	b := marshal(make([]byte, TagRecordSize), &rec)
	assert.Equal(t, []byte{7, 2, 0, 0, 4, 3, 2, 1}, b[:8])
	assert.Equal(t, 1.5, float64frombits(b[8:16]))
}

func float64frombits(b []byte) float64 {
	var f float64
	_, _ = binary.Decode(b, binary.LittleEndian, &f)
	return f
}

func TestEncodeTagsRoundTrip(t *testing.T) {
	cams := []Camera{
		&fakeCamera{id: 0, tags: []types.TagDetection{tag(22, 1), tag(18, 2)}, stamp: types.CaptureStamp{Millis: 1000}},
		&fakeCamera{id: 1},
		&fakeCamera{id: 2, tags: []types.TagDetection{tag(22, 4)}, stamp: types.CaptureStamp{Millis: 2000}},
	}
	e := New(telemetry.NewMemoryStore(), cams, DefaultOptions(), nil)

	buf := e.EncodeTags()
	assert.Equal(t, uint16(len(buf)), binary.LittleEndian.Uint16(buf))
	assert.Equal(t, HeaderSize+3*(MarkerSize+TagRecordSize), len(buf))

	got, err := DecodeTags(buf)
	require.NoError(t, err)

	want := []TagRecord{
		NewTagRecord(0, 1000, tag(22, 1)),
		NewTagRecord(0, 1000, tag(18, 2)),
		NewTagRecord(2, 2000, tag(22, 4)),
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(TagRecord{})); diff != "" {
		t.Errorf("decoded records mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 28.6479, got[0].RZ, 1e-3)
}

func TestEncodeSkipsOverflowingRecords(t *testing.T) {
	cam := &fakeCamera{id: 0, tags: []types.TagDetection{tag(1, 1), tag(2, 2), tag(3, 3)}, stamp: types.CaptureStamp{Millis: 5}}
	m := metrics.New()
	opts := DefaultOptions()
	opts.DefaultTargets = []uint8{1}
	e := New(telemetry.NewMemoryStore(), []Camera{cam}, opts, m)

	got, err := DecodeTags(e.EncodeTags())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint8(1), got[0].TagID)
	assert.Equal(t, uint64(2), m.RecordsSkipped.Load())
}

func TestEncodeIsIdempotent(t *testing.T) {
	cam := &fakeCamera{
		id:    3,
		tags:  []types.TagDetection{tag(22, 1)},
		ml:    []types.MlDetection{{Label: 1, Box: types.Box{X: 1, Y: 2, Width: 3, Height: 4}}},
		stamp: types.CaptureStamp{Millis: 42},
	}
	e := New(telemetry.NewMemoryStore(), []Camera{cam}, DefaultOptions(), nil)

	firstTags := bytes.Clone(e.EncodeTags())
	firstML := bytes.Clone(e.EncodeML())
	assert.Equal(t, firstTags, e.EncodeTags())
	assert.Equal(t, firstML, e.EncodeML())

	// only the timestamp bytes change when the capture time moves
	cam.stamp = types.CaptureStamp{Millis: 43}
	next := e.EncodeTags()
	require.Equal(t, len(firstTags), len(next))
	off := HeaderSize + MarkerSize + 4
	for i := range next {
		if i >= off && i < off+4 {
			continue
		}
		assert.Equal(t, firstTags[i], next[i], "byte %d", i)
	}
}

func TestEncodeML(t *testing.T) {
	cams := []Camera{
		&fakeCamera{id: 0, ml: []types.MlDetection{
			{Label: 0, Box: types.Box{X: 10, Y: 20, Width: 30, Height: 40}},
			{Label: 300, Box: types.Box{X: 1}},
		}, stamp: types.CaptureStamp{Millis: 100}},
	}
	opts := DefaultOptions()
	opts.MaxMLDetections = 1
	e := New(telemetry.NewMemoryStore(), cams, opts, nil)

	got, err := DecodeML(e.EncodeML())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, MLRecord{Label: 0, CamID: 0, CaptureMs: 100, X: 10, Y: 20, W: 30, H: 40}, got[0])

	assert.Equal(t, uint8(255), NewMLRecord(0, 0, types.MlDetection{Label: 300}).Label)
}

func TestBufferReallocatesOnlyOnCountChange(t *testing.T) {
	var b Buffer
	assert.True(t, b.Resize(TagRecordSize, 2))
	first := &b.data[0]
	assert.False(t, b.Resize(TagRecordSize, 2))
	assert.Same(t, first, &b.data[0])
	assert.True(t, b.Resize(TagRecordSize, 3))
	assert.Equal(t, HeaderSize+3*(MarkerSize+TagRecordSize), b.Cap())

	assert.True(t, b.Resize(TagRecordSize, 0))
	assert.ErrorIs(t, b.Append(make([]byte, TagRecordSize)), ErrOverflow)
	assert.Equal(t, []byte{2, 0}, b.Bytes())
}

func TestCycleSyncsTargetsAndPublishes(t *testing.T) {
	store := telemetry.NewMemoryStore()
	cam := &fakeCamera{id: 1, tags: []types.TagDetection{tag(7, 1)}}
	e := New(store, []Camera{cam}, DefaultOptions(), nil)

	require.NoError(t, e.Cycle())
	assert.Equal(t, []uint8{22, 18}, cam.targets, "defaults apply until the key is set")

	require.NoError(t, store.PutRaw("rqsted", []byte{7}))
	require.NoError(t, e.Cycle())
	assert.Equal(t, []uint8{7}, cam.targets)
	assert.Equal(t, []uint8{7}, e.Targets())

	raw, ok := store.GetRaw("tagBuf")
	require.True(t, ok)
	got, err := DecodeTags(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint8(7), got[0].TagID)

	_, ok = store.GetRaw("mlBuf")
	assert.True(t, ok)
	assert.Equal(t, 2, store.Writes("tagBuf"))
}

func TestDecodeRejectsCorruptBuffers(t *testing.T) {
	_, err := DecodeTags([]byte{1})
	assert.Error(t, err)
	_, err = DecodeTags([]byte{5, 0, 0x69, 0x69, 0})
	assert.Error(t, err)
	_, err = DecodeTags([]byte{4, 0, 0, 0})
	assert.Error(t, err)
}
