package camera

import (
	"image"
	"sync"

	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// Phase is the progress of the current frame generation. Every phase is
// owned by exactly one stage: only that stage may act on the frame and
// advance it to the next phase.
type Phase uint8

const (
	PhaseIdle      Phase = iota // no frame yet (Collector)
	PhaseCaptured               // frame valid (Converter)
	PhaseConverted              // gray ready (Tag Processor)
	PhaseTagged                 // tags processed (Labeller)
	PhaseLabelled               // labels drawn (Poster)
	PhasePosted                 // generation complete (Collector)
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCaptured:
		return "captured"
	case PhaseConverted:
		return "converted"
	case PhaseTagged:
		return "tagged"
	case PhaseLabelled:
		return "labelled"
	case PhasePosted:
		return "posted"
	default:
		return "unknown"
	}
}

// Flags expands the phase into the stage-completion flags it implies.
func (p Phase) Flags() types.StageFlags {
	return types.StageFlags{
		FrameValid:    p >= PhaseCaptured,
		GrayReady:     p >= PhaseConverted,
		TagsProcessed: p >= PhaseTagged,
		LabelsDrawn:   p >= PhaseLabelled,
		Posted:        p >= PhasePosted,
	}
}

// frame is the per-generation data handed to a stage.
type frame struct {
	raw      image.Image
	gray     *image.Gray
	labelled *image.RGBA
	stamp    types.CaptureStamp
}

// FrameState is the lock-guarded state machine shared by one camera's stages.
type FrameState struct {
	mu         sync.Mutex
	phase      Phase
	generation uint64
	cur        frame
}

// Phase returns the current phase.
func (s *FrameState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Flags returns the stage flags of the current generation.
func (s *FrameState) Flags() types.StageFlags {
	return s.Phase().Flags()
}

// Generation counts successful captures.
func (s *FrameState) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Stamp returns the capture stamp of the current generation.
func (s *FrameState) Stamp() types.CaptureStamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.stamp
}

// collectable reports whether no unconsumed frame is pending.
func (s *FrameState) collectable() bool {
	p := s.Phase()
	return p == PhaseIdle || p == PhasePosted
}

// capture starts a new generation; all downstream work is reset.
func (s *FrameState) capture(img image.Image, stamp types.CaptureStamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle && s.phase != PhasePosted {
		return false
	}
	s.cur = frame{raw: img, stamp: stamp}
	s.generation++
	s.phase = PhaseCaptured
	return true
}

// claim returns the current frame if the state is in phase p.
func (s *FrameState) claim(p Phase) (frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != p {
		return frame{}, false
	}
	return s.cur, true
}

// converted stores the Converter's products and advances to PhaseConverted.
func (s *FrameState) converted(gray *image.Gray, labelled *image.RGBA) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseCaptured {
		return false
	}
	s.cur.gray = gray
	s.cur.labelled = labelled
	s.phase = PhaseConverted
	return true
}

// advance moves from phase from to phase to.
func (s *FrameState) advance(from, to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return false
	}
	s.phase = to
	return true
}

// reset drops the current generation.
func (s *FrameState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseIdle
	s.cur = frame{}
}

// snapshotSlot holds the frame reserved for the inference session. It is
// refilled only after the previous snapshot has been consumed.
type snapshotSlot struct {
	mu      sync.Mutex
	img     image.Image
	stamp   types.CaptureStamp
	pending bool
}

// offer stores img unless a snapshot is still pending.
func (s *snapshotSlot) offer(img image.Image, stamp types.CaptureStamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		return false
	}
	s.img = img
	s.stamp = stamp
	s.pending = true
	return true
}

// peek returns the pending snapshot without consuming it.
func (s *snapshotSlot) peek() (image.Image, types.CaptureStamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return nil, types.CaptureStamp{}, false
	}
	return s.img, s.stamp, true
}

// consume releases the snapshot for refresh.
func (s *snapshotSlot) consume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = nil
	s.pending = false
}

func (s *snapshotSlot) isPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
