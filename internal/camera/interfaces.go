package camera

import (
	"errors"
	"fmt"
	"image"

	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

var (
	// ErrSessionBound is returned when a camera already holds an inference session.
	ErrSessionBound = errors.New("camera already has an inference session")
	// ErrAlreadyRunning is returned by Run while another Run is active.
	ErrAlreadyRunning = errors.New("camera pipeline already running")
)

// Source grabs frames from a capture device. Grab returns within a bounded
// time; ok is false when no frame could be obtained.
type Source interface {
	Grab() (img image.Image, ok bool)
}

// Sink receives labelled frames. The image is not modified after Publish.
type Sink interface {
	Publish(img image.Image)
}

// RawTag is a tag found by a TagDetector before pose estimation.
type RawTag struct {
	ID      uint8
	Corners [4]types.Point
}

// TagDetector finds fiducial tags in a grayscale frame. A returned error is
// treated as a fatal fault of the owning pipeline.
type TagDetector interface {
	Detect(gray *image.Gray) ([]RawTag, error)
}

// PoseEstimator computes the camera-to-tag transform of a detected tag.
// A returned error is treated as a fatal fault of the owning pipeline.
type PoseEstimator interface {
	Estimate(tag RawTag) (types.Transform3d, error)
}

// InferenceSession is a lease on a remote inference slot. Infer returns
// ok=false when no usable response arrived in time.
type InferenceSession interface {
	ID() uint32
	Infer(img image.Image) (dets []types.MlDetection, ok bool)
}

// FaultError reports a fatal detector or estimator failure that terminated
// a camera pipeline.
type FaultError struct {
	Camera uint8
	Stage  string
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("camera %d: %s stage fault: %v", e.Camera, e.Stage, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}
