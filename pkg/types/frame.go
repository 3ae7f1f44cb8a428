package types

import "time"

// CaptureStamp marks when a frame was grabbed.
type CaptureStamp struct {
	Millis      uint32        // Monotonic milliseconds at grab completion
	GrabLatency time.Duration // Time spent inside the grab call
}

// CapturedAt returns the millisecond timestamp at which the grab started,
// which is the closest estimate of the true exposure time.
func (s CaptureStamp) CapturedAt() uint32 {
	return s.Millis - uint32(s.GrabLatency.Milliseconds())
}

// Clock produces monotonic millisecond timestamps relative to its epoch.
type Clock struct {
	epoch time.Time
}

// NewClock starts a clock at the current instant.
func NewClock() Clock {
	return Clock{epoch: time.Now()}
}

// Millis returns the elapsed monotonic milliseconds, wrapping at 2^32.
func (c Clock) Millis() uint32 {
	if c.epoch.IsZero() {
		return 0
	}
	return uint32(time.Since(c.epoch).Milliseconds())
}

// Stage flags of one camera's frame generation
type StageFlags struct {
	FrameValid    bool `json:"frame_valid"`
	GrayReady     bool `json:"gray_ready"`
	TagsProcessed bool `json:"tags_processed"`
	LabelsDrawn   bool `json:"labels_drawn"`
	Posted        bool `json:"posted"`
}

// Ordered reports whether the flags form a prefix: no flag is set while an
// earlier one is clear.
func (f StageFlags) Ordered() bool {
	seq := [...]bool{f.FrameValid, f.GrayReady, f.TagsProcessed, f.LabelsDrawn, f.Posted}
	cleared := false
	for _, set := range seq {
		if set && cleared {
			return false
		}
		if !set {
			cleared = true
		}
	}
	return true
}
