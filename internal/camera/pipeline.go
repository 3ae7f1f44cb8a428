package camera

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/overlay"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// stepFunc performs one stage iteration. It reports whether the stage
// advanced; a non-nil error is fatal for the pipeline.
type stepFunc func() (bool, error)

// Run starts the five stage loops and blocks until ctx is cancelled or a
// stage faults. A fault is returned as *FaultError; cancellation returns nil.
func (c *Camera) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.state.reset()
	c.grabFailures = 0
	c.cooldownUntil = time.Time{}

	c.log.Info("Pipeline starting")
	g, gctx := errgroup.WithContext(ctx)
	stages := []struct {
		name string
		step stepFunc
	}{
		{"collector", c.collect},
		{"converter", c.convert},
		{"tag processor", c.processTags},
		{"labeller", c.label},
		{"poster", c.post},
	}
	for _, s := range stages {
		g.Go(func() error { return c.loop(gctx, s.name, s.step) })
	}

	err := g.Wait()
	if err != nil {
		c.deps.Metrics.PipelineFaults.Add(1)
		c.log.Error("Pipeline stopped: %v", err)
		return err
	}
	c.log.Info("Pipeline stopped")
	return nil
}

func (c *Camera) loop(ctx context.Context, stage string, step stepFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		advanced, err := c.guard(stage, step)
		if err != nil {
			return err
		}
		if advanced {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.PollDelay):
		}
	}
}

// guard turns step errors and panics into a FaultError.
func (c *Camera) guard(stage string, step stepFunc) (advanced bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FaultError{Camera: c.id, Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	advanced, err = step()
	if err != nil {
		err = &FaultError{Camera: c.id, Stage: stage, Err: err}
	}
	return advanced, err
}

// collect grabs a frame once the previous one has been posted.
func (c *Camera) collect() (bool, error) {
	if !c.state.collectable() {
		return false, nil
	}
	if time.Now().Before(c.cooldownUntil) {
		return false, nil
	}

	start := time.Now()
	img, ok := c.deps.Source.Grab()
	latency := time.Since(start)
	if !ok || img == nil || img.Bounds().Empty() {
		c.deps.Metrics.GrabFailures.Add(1)
		c.grabFailures++
		if c.grabFailures >= c.opts.GrabFailThreshold {
			c.grabFailures = 0
			c.cooldownUntil = time.Now().Add(c.opts.GrabCooldown)
			c.deps.Metrics.GrabCooldowns.Add(1)
			c.log.Warn("Grab failed %d times, cooling down for %v", c.opts.GrabFailThreshold, c.opts.GrabCooldown)
		}
		return false, nil
	}
	c.grabFailures = 0

	stamp := types.CaptureStamp{Millis: c.clock.Millis(), GrabLatency: latency}
	if !c.state.capture(img, stamp) {
		return false, nil
	}
	c.deps.Metrics.FramesGrabbed.Add(1)
	return true, nil
}

// convert derives the grayscale frame, the inference snapshot and the
// labelling copy once per generation.
func (c *Camera) convert() (bool, error) {
	f, ok := c.state.claim(PhaseCaptured)
	if !ok {
		return false, nil
	}
	gray := overlay.Gray(f.raw)
	// Captured frames are never drawn on, so the snapshot shares the raw image.
	c.snap.offer(f.raw, f.stamp)
	labelled := overlay.Clone(f.raw)
	return c.state.converted(gray, labelled), nil
}

// processTags detects target tags, estimates their pose and publishes the
// batch unless the tag buffer is paused.
func (c *Camera) processTags() (bool, error) {
	f, ok := c.state.claim(PhaseConverted)
	if !ok {
		return false, nil
	}

	var found []types.TagDetection
	if c.deps.Detector != nil {
		raws, err := c.deps.Detector.Detect(f.gray)
		if err != nil {
			return false, fmt.Errorf("tag detection: %w", err)
		}
		targets := c.TargetTags()
		for _, r := range raws {
			if !targets.Contains(r.ID) {
				continue
			}
			var pose types.Transform3d
			if c.deps.Estimator != nil {
				pose, err = c.deps.Estimator.Estimate(r)
				if err != nil {
					return false, fmt.Errorf("pose estimation of tag %d: %w", r.ID, err)
				}
			}
			found = append(found, types.TagDetection{ID: r.ID, Corners: r.Corners, Pose: pose})
		}
	}

	c.deps.Metrics.TagPasses.Add(1)
	if c.paused.Load() {
		c.deps.Metrics.PausedPasses.Add(1)
	} else {
		c.tags.Store(&tagBatch{dets: found, stamp: f.stamp})
		c.deps.Metrics.TagsPublished.Add(uint64(len(found)))
	}
	return c.state.advance(PhaseConverted, PhaseTagged), nil
}

// label draws the published tags and current ML detections.
func (c *Camera) label() (bool, error) {
	f, ok := c.state.claim(PhaseTagged)
	if !ok {
		return false, nil
	}
	tags, _ := c.Tags()
	ml, _ := c.MlDetections()
	dets := make([]types.Detection, 0, len(tags)+len(ml))
	for _, t := range tags {
		dets = append(dets, t)
	}
	for _, d := range ml {
		dets = append(dets, d)
	}
	overlay.Draw(f.labelled, dets)
	return c.state.advance(PhaseTagged, PhaseLabelled), nil
}

// post hands the labelled frame to the sink and releases the Collector.
func (c *Camera) post() (bool, error) {
	f, ok := c.state.claim(PhaseLabelled)
	if !ok {
		return false, nil
	}
	if c.deps.Sink != nil {
		c.deps.Sink.Publish(f.labelled)
	}
	c.deps.Metrics.FramesPosted.Add(1)
	c.deps.Metrics.UpdatePipelineLatency(time.Duration(c.clock.Millis()-f.stamp.CapturedAt()) * time.Millisecond)
	return c.state.advance(PhaseLabelled, PhasePosted), nil
}
