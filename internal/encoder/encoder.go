// Package encoder packs the detections of every camera into the fixed-layout
// binary buffers published to the telemetry store.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/telemetry"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// Camera is the detection surface of a camera pipeline.
type Camera interface {
	ID() uint8
	Tags() ([]types.TagDetection, types.CaptureStamp)
	MlDetections() ([]types.MlDetection, types.CaptureStamp)
	SetTargetTags(ids []uint8)
}

// Options configures the encoder loop.
type Options struct {
	Interval        time.Duration
	RequestedKey    string  // Store key holding the requested tag ids, one byte each
	TagKey          string  // Store key of the tag buffer
	MLKey           string  // Store key of the ML buffer
	MaxMLDetections int     // ML records reserved per camera
	DefaultTargets  []uint8 // Used until the requested key has a value
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		Interval:        20 * time.Millisecond,
		RequestedKey:    "rqsted",
		TagKey:          "tagBuf",
		MLKey:           "mlBuf",
		MaxMLDetections: 10,
		DefaultTargets:  []uint8{22, 18},
	}
}

// Encoder owns the two record buffers.
type Encoder struct {
	store   telemetry.Store
	cameras []Camera
	opts    Options
	metrics *metrics.Metrics
	log     logger.Module

	targets []uint8
	tagBuf  Buffer
	mlBuf   Buffer
	scratch []byte
}

// New creates an encoder publishing to store.
func New(store telemetry.Store, cams []Camera, opts Options, m *metrics.Metrics) *Encoder {
	if m == nil {
		m = metrics.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Millisecond
	}
	return &Encoder{
		store:   store,
		cameras: cams,
		opts:    opts,
		metrics: m,
		log:     logger.For("Encoder"),
		targets: append([]uint8(nil), opts.DefaultTargets...),
		scratch: make([]byte, max(TagRecordSize, MLRecordSize)),
	}
}

// Run encodes and publishes every interval until ctx is cancelled.
func (e *Encoder) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	var lastErr string
	for {
		if err := e.Cycle(); err != nil {
			// log each distinct failure once
			if msg := err.Error(); msg != lastErr {
				e.log.Warn("Publish failed: %v", err)
				lastErr = msg
			}
		} else if lastErr != "" {
			e.log.Info("Publishing again")
			lastErr = ""
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle refreshes the target tags, encodes both buffers and publishes them.
func (e *Encoder) Cycle() error {
	e.syncTargets()
	e.metrics.EncodeCycles.Add(1)

	var errs []error
	if err := e.store.PutRaw(e.opts.TagKey, e.EncodeTags()); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", e.opts.TagKey, err))
	}
	if err := e.store.PutRaw(e.opts.MLKey, e.EncodeML()); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", e.opts.MLKey, err))
	}
	if len(errs) > 0 {
		e.metrics.PublishErrors.Add(uint64(len(errs)))
	}
	return errors.Join(errs...)
}

// syncTargets reads the requested tag ids and pushes them to every camera.
func (e *Encoder) syncTargets() {
	if raw, ok := e.store.GetRaw(e.opts.RequestedKey); ok {
		e.targets = append(e.targets[:0], raw...)
	}
	for _, cam := range e.cameras {
		cam.SetTargetTags(e.targets)
	}
}

// Targets returns the tag ids used by the last cycle.
func (e *Encoder) Targets() []uint8 {
	return append([]uint8(nil), e.targets...)
}

// EncodeTags fills the tag buffer from every camera's published detections.
// The returned slice is valid until the next call.
func (e *Encoder) EncodeTags() []byte {
	if e.tagBuf.Resize(TagRecordSize, len(e.targets)*len(e.cameras)) {
		e.log.Debug("Tag buffer resized to %d bytes", e.tagBuf.Cap())
	}
	e.tagBuf.Reset()
	for _, cam := range e.cameras {
		dets, stamp := cam.Tags()
		for _, d := range dets {
			rec := NewTagRecord(cam.ID(), stamp.CapturedAt(), d)
			e.append(&e.tagBuf, marshal(e.scratch, &rec))
		}
	}
	return e.tagBuf.Bytes()
}

// EncodeML fills the ML buffer from every camera's latest inference.
// The returned slice is valid until the next call.
func (e *Encoder) EncodeML() []byte {
	if e.mlBuf.Resize(MLRecordSize, e.opts.MaxMLDetections*len(e.cameras)) {
		e.log.Debug("ML buffer resized to %d bytes", e.mlBuf.Cap())
	}
	e.mlBuf.Reset()
	for _, cam := range e.cameras {
		dets, stamp := cam.MlDetections()
		for _, d := range dets {
			rec := NewMLRecord(cam.ID(), stamp.CapturedAt(), d)
			e.append(&e.mlBuf, marshal(e.scratch, &rec))
		}
	}
	return e.mlBuf.Bytes()
}

func (e *Encoder) append(b *Buffer, record []byte) {
	if err := b.Append(record); err != nil {
		e.metrics.RecordsSkipped.Add(1)
	}
}
