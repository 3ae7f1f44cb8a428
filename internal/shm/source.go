// Package shm reads frames from a capture daemon's POSIX shared-memory ring
// buffer.
package shm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
)

var errUnsupported = errors.New("unsupported pixel format")

// Options configures a Source.
type Options struct {
	Dir          string        // Where POSIX shm names live; default /dev/shm
	GrabTimeout  time.Duration // Max wait for a frame newer than the last one
	PollInterval time.Duration // Write index polling period inside Grab
	OpenAttempts int           // Open retries while the daemon starts
	OpenInterval time.Duration
}

// DefaultOptions returns the options used for a real capture daemon.
func DefaultOptions() Options {
	return Options{
		Dir:          "/dev/shm",
		GrabTimeout:  100 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		OpenAttempts: 30,
		OpenInterval: time.Second,
	}
}

// Source is a read-only view of one ring buffer. It implements the camera
// frame source; Grab must not be called concurrently.
type Source struct {
	name string
	mem  []byte
	opts Options
	log  logger.Module

	last    uint32
	buf     []byte
	skipped map[int32]bool
}

// Open maps the ring buffer called name (e.g. "/ledvision_cam0"), retrying
// while it does not exist yet.
func Open(ctx context.Context, name string, opts Options) (*Source, error) {
	def := DefaultOptions()
	if opts.Dir == "" {
		opts.Dir = def.Dir
	}
	if opts.GrabTimeout <= 0 {
		opts.GrabTimeout = def.GrabTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.OpenAttempts < 1 {
		opts.OpenAttempts = 1
	}
	log := logger.For("Shm")
	path := filepath.Join(opts.Dir, strings.TrimPrefix(name, "/"))

	var lastErr error
	for i := 0; i < opts.OpenAttempts; i++ {
		mem, err := mapFile(path)
		if err == nil {
			log.Info("Opened shared memory %s", name)
			return &Source{
				name:    name,
				mem:     mem,
				opts:    opts,
				log:     log,
				skipped: make(map[int32]bool),
			}, nil
		}
		lastErr = err

		// Log waiting status every 5 attempts to reduce noise
		if i%5 == 0 {
			log.Info("Waiting for shared memory %s to appear... (%d/%d)", name, i+1, opts.OpenAttempts)
		}
		if i == opts.OpenAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.OpenInterval):
		}
	}
	return nil, fmt.Errorf("open shared memory %s: %w", name, lastErr)
}

func mapFile(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}
	if st.Size < TotalSize {
		return nil, fmt.Errorf("%s is %d bytes, want %d", path, st.Size, TotalSize)
	}
	return unix.Mmap(fd, 0, TotalSize, unix.PROT_READ, unix.MAP_SHARED)
}

// Name returns the shm name the source was opened with.
func (s *Source) Name() string { return s.name }

// Close unmaps the ring buffer.
func (s *Source) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

func (s *Source) writeIndex() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.mem[0])))
}

// FrameInterval returns the daemon's advertised frame period.
func (s *Source) FrameInterval() time.Duration {
	ms := atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.mem[4])))
	return time.Duration(ms) * time.Millisecond
}

// Grab returns the newest frame written since the previous Grab, waiting at
// most GrabTimeout for one to appear.
func (s *Source) Grab() (image.Image, bool) {
	if s.mem == nil {
		return nil, false
	}
	deadline := time.Now().Add(s.opts.GrabTimeout)
	for {
		if idx := s.writeIndex(); idx != 0 && idx != s.last {
			img, err := s.read(idx - 1)
			s.last = idx
			if err == nil {
				return img, true
			}
			if !errors.Is(err, errUnsupported) {
				s.log.Debug("Dropped frame %d: %v", idx, err)
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		time.Sleep(min(s.opts.PollInterval, remaining))
	}
}

// read copies slot i out of the mapping and decodes it. The frame is
// rejected when the writer reused the slot during the copy.
func (s *Source) read(i uint32) (image.Image, error) {
	off := slotOffset(i)
	h, err := parseHeader(s.mem[off:])
	if err != nil {
		return nil, err
	}
	if h.DataSize > MaxFrameSize || h.Width <= 0 || h.Height <= 0 {
		return nil, fmt.Errorf("bad header %dx%d, %d bytes", h.Width, h.Height, h.DataSize)
	}

	n := int(h.DataSize)
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	data := s.buf[:n]
	copy(data, s.mem[off+frameHeaderSize:])

	after, err := parseHeader(s.mem[off:])
	if err != nil || after.FrameNumber != h.FrameNumber {
		return nil, fmt.Errorf("slot %d overwritten during copy", i%RingBufferSize)
	}

	img, err := decode(h, data)
	if errors.Is(err, errUnsupported) && !s.skipped[h.Format] {
		s.skipped[h.Format] = true
		s.log.Warn("Skipping frames in format %d", h.Format)
	}
	return img, err
}

func decode(h frameHeader, data []byte) (image.Image, error) {
	w, ht := int(h.Width), int(h.Height)
	switch h.Format {
	case FormatJPEG:
		return jpeg.Decode(bytes.NewReader(data))
	case FormatNV12:
		return decodeNV12(w, ht, data)
	case FormatRGB:
		return decodeRGB(w, ht, data)
	default:
		return nil, fmt.Errorf("format %d: %w", h.Format, errUnsupported)
	}
}

// decodeNV12 splits the interleaved chroma plane into a 4:2:0 YCbCr image.
func decodeNV12(w, h int, data []byte) (image.Image, error) {
	cw, ch := (w+1)/2, (h+1)/2
	if len(data) < w*h+cw*ch*2 {
		return nil, fmt.Errorf("nv12 %dx%d needs %d bytes, got %d", w, h, w*h+cw*ch*2, len(data))
	}
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for y := 0; y < h; y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+w], data[y*w:])
	}
	uv := data[w*h:]
	for y := 0; y < ch; y++ {
		row := uv[y*cw*2:]
		for x := 0; x < cw; x++ {
			img.Cb[y*img.CStride+x] = row[2*x]
			img.Cr[y*img.CStride+x] = row[2*x+1]
		}
	}
	return img, nil
}

func decodeRGB(w, h int, data []byte) (image.Image, error) {
	if len(data) < w*h*3 {
		return nil, fmt.Errorf("rgb %dx%d needs %d bytes, got %d", w, h, w*h*3, len(data))
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < w*h; i, j = i+1, j+3 {
		p := img.Pix[i*4 : i*4+4 : i*4+4]
		p[0], p[1], p[2], p[3] = data[j], data[j+1], data[j+2], 0xff
	}
	return img, nil
}
