package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

type fakeSource struct {
	grabs atomic.Int64
	fail  atomic.Bool
}

func (s *fakeSource) Grab() (image.Image, bool) {
	s.grabs.Add(1)
	if s.fail.Load() {
		return nil, false
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	img.SetRGBA(1, 1, color.RGBA{R: 200, A: 255})
	return img, true
}

type fakeSink struct {
	mu     sync.Mutex
	frames []image.Image
}

func (s *fakeSink) Publish(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, img)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakeDetector struct {
	mu   sync.Mutex
	tags []RawTag
	err  error
	boom bool
}

func (d *fakeDetector) set(ids ...uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags = d.tags[:0]
	for _, id := range ids {
		d.tags = append(d.tags, RawTag{ID: id, Corners: [4]types.Point{{X: 1, Y: 1}, {X: 9, Y: 1}, {X: 9, Y: 9}, {X: 1, Y: 9}}})
	}
}

func (d *fakeDetector) Detect(*image.Gray) ([]RawTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.boom {
		panic("detector crashed")
	}
	return append([]RawTag(nil), d.tags...), d.err
}

type fakeEstimator struct{}

func (fakeEstimator) Estimate(t RawTag) (types.Transform3d, error) {
	return types.Transform3d{Translation: r3.Vec{X: float64(t.ID), Y: 0.5, Z: 2}}, nil
}

type fakeSession struct {
	id    uint32
	calls atomic.Int64
	miss  atomic.Bool
}

func (s *fakeSession) ID() uint32 { return s.id }

func (s *fakeSession) Infer(image.Image) ([]types.MlDetection, bool) {
	n := s.calls.Add(1)
	if s.miss.Load() {
		return nil, false
	}
	return []types.MlDetection{{Label: int(n), Box: types.Box{X: 2, Y: 2, Width: 10, Height: 10}}}, true
}

func newTestCamera(t *testing.T, det *fakeDetector) (*Camera, *fakeSource, *fakeSink) {
	t.Helper()
	src, sink := &fakeSource{}, &fakeSink{}
	opts := DefaultOptions()
	opts.GrabCooldown = time.Hour
	c := New(3, "", Deps{
		Source:    src,
		Sink:      sink,
		Detector:  det,
		Estimator: fakeEstimator{},
		Metrics:   metrics.New(),
	}, opts)
	return c, src, sink
}

// pass drives one full generation through the stages in order.
func pass(t *testing.T, c *Camera) {
	t.Helper()
	for _, step := range []stepFunc{c.collect, c.convert, c.processTags, c.label, c.post} {
		advanced, err := step()
		require.NoError(t, err)
		require.True(t, advanced)
		require.True(t, c.state.Flags().Ordered())
	}
}

func TestStagesRespectPhaseOrder(t *testing.T) {
	c, _, sink := newTestCamera(t, &fakeDetector{})

	for _, step := range []stepFunc{c.convert, c.processTags, c.label, c.post} {
		advanced, err := step()
		require.NoError(t, err)
		assert.False(t, advanced, "no stage may act before a frame is captured")
	}

	advanced, err := c.collect()
	require.NoError(t, err)
	require.True(t, advanced)
	assert.Equal(t, types.StageFlags{FrameValid: true}, c.state.Flags())

	advanced, _ = c.collect()
	assert.False(t, advanced, "collector must wait for the pending frame")
	advanced, _ = c.label()
	assert.False(t, advanced)

	for _, step := range []stepFunc{c.convert, c.processTags, c.label, c.post} {
		advanced, err := step()
		require.NoError(t, err)
		require.True(t, advanced)
	}
	assert.Equal(t, PhasePosted, c.state.Phase())
	assert.Equal(t, 1, sink.count())

	pass(t, c)
	assert.Equal(t, uint64(2), c.state.Generation())
}

func TestFlagsStayOrderedWhileRunning(t *testing.T) {
	det := &fakeDetector{}
	det.set(22)
	c, _, sink := newTestCamera(t, det)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		f := c.state.Flags()
		require.True(t, f.Ordered(), "flags out of order: %+v", f)
	}
	cancel()
	require.NoError(t, <-done)

	assert.Positive(t, sink.count())
	tags, _ := c.Tags()
	require.Len(t, tags, 1)
	assert.Equal(t, uint8(22), tags[0].ID)
}

func TestTargetTagFiltering(t *testing.T) {
	det := &fakeDetector{}
	det.set(7)
	c, _, _ := newTestCamera(t, det)

	c.SetTargetTags([]uint8{18, 22})
	pass(t, c)
	tags, _ := c.Tags()
	assert.Empty(t, tags)

	c.SetTargetTags([]uint8{7})
	pass(t, c)
	tags, _ = c.Tags()
	require.Len(t, tags, 1)
	assert.Equal(t, uint8(7), tags[0].ID)
	assert.Equal(t, 7.0, tags[0].Pose.Translation.X)
}

func TestPauseFreezesPublishedTags(t *testing.T) {
	det := &fakeDetector{}
	det.set(22)
	c, _, _ := newTestCamera(t, det)

	pass(t, c)
	before, stamp := c.Tags()
	require.Len(t, before, 1)

	c.PauseTagDetection()
	det.set(18, 22)
	for range 5 {
		pass(t, c)
		after, afterStamp := c.Tags()
		assert.Equal(t, before, after)
		assert.Equal(t, stamp, afterStamp)
	}

	c.ResumeTagDetection()
	pass(t, c)
	after, _ := c.Tags()
	assert.Len(t, after, 2)
}

func TestCollectorCooldown(t *testing.T) {
	c, src, _ := newTestCamera(t, &fakeDetector{})
	src.fail.Store(true)

	for range 3 {
		advanced, err := c.collect()
		require.NoError(t, err)
		assert.False(t, advanced)
	}
	assert.Equal(t, int64(3), src.grabs.Load())

	src.fail.Store(false)
	advanced, _ := c.collect()
	assert.False(t, advanced, "grabs are rejected during cooldown")
	assert.Equal(t, int64(3), src.grabs.Load())

	c.cooldownUntil = time.Time{}
	advanced, _ = c.collect()
	assert.True(t, advanced)
}

func TestSessionExclusivity(t *testing.T) {
	c, _, _ := newTestCamera(t, &fakeDetector{})
	a, b := &fakeSession{id: 1}, &fakeSession{id: 2}

	require.NoError(t, c.StartInferencing(a))
	assert.ErrorIs(t, c.StartInferencing(b), ErrSessionBound)
	assert.Equal(t, uint32(1), c.Session().ID())

	assert.Same(t, a, c.StopInferencing())
	assert.Nil(t, c.Session())
	assert.Nil(t, c.StopInferencing())

	require.NoError(t, c.StartInferencing(b))
	assert.Equal(t, uint32(2), c.Session().ID())
	c.StopInferencing()
}

func TestInferenceReplacesDetections(t *testing.T) {
	c, _, _ := newTestCamera(t, &fakeDetector{})
	s := &fakeSession{id: 9}
	require.NoError(t, c.StartInferencing(s))
	defer c.StopInferencing()

	pass(t, c)
	require.Eventually(t, func() bool {
		dets, _ := c.MlDetections()
		return len(dets) == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !c.snap.isPending() }, time.Second, time.Millisecond)

	// a missed inference keeps the previous result
	s.miss.Store(true)
	prev, _ := c.MlDetections()
	calls := s.calls.Load()
	pass(t, c)
	require.Eventually(t, func() bool { return s.calls.Load() > calls }, time.Second, time.Millisecond)
	cur, _ := c.MlDetections()
	assert.Equal(t, prev, cur)
}

func TestDetectorFaultStopsPipeline(t *testing.T) {
	det := &fakeDetector{err: errors.New("bad quad")}
	c, _, _ := newTestCamera(t, det)

	err := c.Run(context.Background())
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, uint8(3), fault.Camera)
	assert.Equal(t, "tag processor", fault.Stage)
	assert.ErrorContains(t, err, "bad quad")
	assert.False(t, c.Running())
}

func TestDetectorPanicBecomesFault(t *testing.T) {
	det := &fakeDetector{boom: true}
	c, _, _ := newTestCamera(t, det)

	err := c.Run(context.Background())
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.ErrorContains(t, err, "detector crashed")

	// the pipeline can be restarted after a fault
	det.mu.Lock()
	det.boom = false
	det.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx))
}

func TestRunRejectsSecondCaller(t *testing.T) {
	c, _, _ := newTestCamera(t, &fakeDetector{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.Running, time.Second, time.Millisecond)
	assert.ErrorIs(t, c.Run(ctx), ErrAlreadyRunning)
	cancel()
	assert.NoError(t, <-done)
}
