// Package camera runs the per-camera processing pipeline: Collector,
// Converter, Tag Processor, Labeller and Poster stages over one shared
// FrameState, plus the execution path of a bound inference session.
package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// Options tunes the stage loops.
type Options struct {
	PollDelay         time.Duration // Sleep when a stage precondition is unmet
	GrabCooldown      time.Duration // Window without grabs after repeated failures
	GrabFailThreshold int           // Consecutive grab failures before cooldown
	InferencePoll     time.Duration // Snapshot poll of the inference execution path
	TargetTags        []uint8       // Initial target-tag set
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		PollDelay:         time.Millisecond,
		GrabCooldown:      3 * time.Second,
		GrabFailThreshold: 3,
		InferencePoll:     time.Millisecond,
		TargetTags:        []uint8{22, 18},
	}
}

// Deps are the collaborators of one camera.
type Deps struct {
	Source    Source
	Sink      Sink
	Detector  TagDetector
	Estimator PoseEstimator
	Metrics   *metrics.Metrics
}

type tagBatch struct {
	dets  []types.TagDetection
	stamp types.CaptureStamp
}

type mlBatch struct {
	dets  []types.MlDetection
	stamp types.CaptureStamp
}

// Camera owns one capture device and its pipeline.
type Camera struct {
	id   uint8
	name string
	deps Deps
	opts Options
	log  logger.Module

	clock types.Clock
	state FrameState
	snap  snapshotSlot

	tags    atomic.Pointer[tagBatch]
	ml      atomic.Pointer[mlBatch]
	targets atomic.Pointer[types.TagSet]
	paused  atomic.Bool
	running atomic.Bool

	// Collector-owned
	grabFailures  int
	cooldownUntil time.Time

	sessMu  sync.Mutex
	session *binding
}

// New creates a camera. Detector and Estimator may be nil, in which case
// no tags are ever found.
func New(id uint8, name string, deps Deps, opts Options) *Camera {
	if name == "" {
		name = fmt.Sprintf("Camera%d", id)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = time.Millisecond
	}
	if opts.InferencePoll <= 0 {
		opts.InferencePoll = opts.PollDelay
	}
	if opts.GrabFailThreshold < 1 {
		opts.GrabFailThreshold = 1
	}

	c := &Camera{
		id:    id,
		name:  name,
		deps:  deps,
		opts:  opts,
		log:   logger.For(name),
		clock: types.NewClock(),
	}
	c.SetTargetTags(opts.TargetTags)
	c.tags.Store(&tagBatch{})
	c.ml.Store(&mlBatch{})
	return c
}

// ID returns the camera id used in telemetry records.
func (c *Camera) ID() uint8 { return c.id }

// Name returns the display name.
func (c *Camera) Name() string { return c.name }

// State exposes the frame-state machine for observation.
func (c *Camera) State() *FrameState { return &c.state }

// Running reports whether Run is active.
func (c *Camera) Running() bool { return c.running.Load() }

// SetTargetTags replaces the target-tag set. The next Tag Processor pass
// uses the new set in full.
func (c *Camera) SetTargetTags(ids []uint8) {
	s := types.NewTagSet(ids)
	c.targets.Store(&s)
}

// TargetTags returns the current target-tag set.
func (c *Camera) TargetTags() types.TagSet {
	return *c.targets.Load()
}

// PauseTagDetection freezes the published tag list.
func (c *Camera) PauseTagDetection() {
	if !c.paused.Swap(true) {
		c.log.Info("Tag buffer paused")
	}
}

// ResumeTagDetection lets the Tag Processor publish again.
func (c *Camera) ResumeTagDetection() {
	if c.paused.Swap(false) {
		c.log.Info("Tag buffer resumed")
	}
}

// Paused reports whether the tag buffer is paused.
func (c *Camera) Paused() bool { return c.paused.Load() }

// Tags returns the published tag detections and the capture stamp of the
// frame they came from. The slice must not be modified.
func (c *Camera) Tags() ([]types.TagDetection, types.CaptureStamp) {
	b := c.tags.Load()
	return b.dets, b.stamp
}

// MlDetections returns the latest inference result and the capture stamp of
// the snapshot it was computed on. The slice must not be modified.
func (c *Camera) MlDetections() ([]types.MlDetection, types.CaptureStamp) {
	b := c.ml.Load()
	return b.dets, b.stamp
}

// Status is a point-in-time view of a camera for the HTTP API.
type Status struct {
	ID         uint8            `json:"id"`
	Name       string           `json:"name"`
	Running    bool             `json:"running"`
	Phase      string           `json:"phase"`
	Flags      types.StageFlags `json:"flags"`
	Generation uint64           `json:"generation"`
	Paused     bool             `json:"paused"`
	TargetTags []uint8          `json:"target_tags"`
	Tags       int              `json:"tags"`
	Detections int              `json:"detections"`
	SessionID  *uint32          `json:"session_id"`
}

// Status returns a snapshot of the camera state.
func (c *Camera) Status() Status {
	tags, _ := c.Tags()
	ml, _ := c.MlDetections()
	phase := c.state.Phase()
	st := Status{
		ID:         c.id,
		Name:       c.name,
		Running:    c.Running(),
		Phase:      phase.String(),
		Flags:      phase.Flags(),
		Generation: c.state.Generation(),
		Paused:     c.Paused(),
		TargetTags: c.TargetTags().IDs(),
		Tags:       len(tags),
		Detections: len(ml),
	}
	if s := c.Session(); s != nil {
		id := s.ID()
		st.SessionID = &id
	}
	return st
}
