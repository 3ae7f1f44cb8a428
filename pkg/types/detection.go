package types

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kind identifies a detection variant
type Kind uint8

const (
	KindTag Kind = iota + 1
	KindML
)

func (k Kind) String() string {
	switch k {
	case KindTag:
		return "tag"
	case KindML:
		return "ml"
	default:
		return "unknown"
	}
}

// Detection is the closed set of detection records shared by the overlay
// and encoding code paths: TagDetection and MlDetection.
type Detection interface {
	Kind() Kind
	isDetection()
}

// Point is an image-plane coordinate in pixels
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Transform3d is a rigid transform from the camera to a tag.
// Translation is in metres; Rotation is a 3x3 rotation matrix (nil = identity).
type Transform3d struct {
	Translation r3.Vec
	Rotation    *r3.Mat
}

// RollPitchYaw returns the extrinsic X, Y, Z rotation angles in degrees.
func (t Transform3d) RollPitchYaw() (rx, ry, rz float64) {
	if t.Rotation == nil {
		return 0, 0, 0
	}
	m := t.Rotation
	rx = math.Atan2(m.At(2, 1), m.At(2, 2))
	ry = math.Atan2(-m.At(2, 0), math.Hypot(m.At(2, 1), m.At(2, 2)))
	rz = math.Atan2(m.At(1, 0), m.At(0, 0))
	return rx * 180 / math.Pi, ry * 180 / math.Pi, rz * 180 / math.Pi
}

// RotationFromRollPitchYaw builds Rz(yaw)·Ry(pitch)·Rx(roll). Angles in radians.
func RotationFromRollPitchYaw(roll, pitch, yaw float64) *r3.Mat {
	cr, sr := math.Cos(roll), math.Sin(roll)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cy, sy := math.Cos(yaw), math.Sin(yaw)
	return r3.NewMat([]float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	})
}

// TagDetection is one fiducial tag seen by a camera with its estimated pose.
type TagDetection struct {
	ID      uint8
	Corners [4]Point
	Pose    Transform3d
}

func (TagDetection) Kind() Kind  { return KindTag }
func (TagDetection) isDetection() {}

// Box is an axis-aligned bounding box in pixels
type Box struct {
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Width  float64 `json:"width" msgpack:"width"`
	Height float64 `json:"height" msgpack:"height"`
}

// Keypoint is one (x, y, score) triple of a pose model
type Keypoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// MlDetection is one object reported by the remote inference server.
type MlDetection struct {
	Label     int        `json:"label"`
	Box       Box        `json:"box"`
	Keypoints []Keypoint `json:"keypoints,omitempty"`
}

func (MlDetection) Kind() Kind  { return KindML }
func (MlDetection) isDetection() {}

// TagSet is an immutable set of requested tag ids.
type TagSet struct {
	ids []uint8
}

// NewTagSet copies ids into a set, dropping duplicates while keeping order.
func NewTagSet(ids []uint8) TagSet {
	out := make([]uint8, 0, len(ids))
	var seen [256]bool
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return TagSet{ids: out}
}

// Contains reports whether id is requested.
func (s TagSet) Contains(id uint8) bool {
	for _, v := range s.ids {
		if v == id {
			return true
		}
	}
	return false
}

// Len returns the number of requested ids.
func (s TagSet) Len() int { return len(s.ids) }

// IDs returns a copy of the requested ids.
func (s TagSet) IDs() []uint8 {
	return append([]uint8(nil), s.ids...)
}
