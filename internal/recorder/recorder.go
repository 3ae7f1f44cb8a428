// Package recorder writes a camera's labelled stream to disk as
// concatenated JPEG frames.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
)

// Feed is a subscribable source of JPEG frames for one camera.
type Feed interface {
	Camera() uint8
	Subscribe() (int, <-chan []byte)
	Unsubscribe(id int)
}

// Recorder records one feed at a time.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	camera       uint8
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	feed         Feed
	subID        int
	wg           sync.WaitGroup
	log          logger.Module
}

// New creates a recorder writing into basePath.
func New(basePath string) *Recorder {
	if basePath == "" {
		basePath = "./recordings"
	}
	return &Recorder{basePath: basePath, log: logger.For("Recorder")}
}

// Start begins recording feed and returns the output path.
func (r *Recorder) Start(feed Feed) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", fmt.Errorf("already recording camera %d", r.camera)
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", r.basePath, err)
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("recording_%d_%s.mjpeg", feed.Camera(), timestamp)
	path := filepath.Join(r.basePath, filename)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = path
	r.camera = feed.Camera()
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.feed = feed

	id, frames := feed.Subscribe()
	r.subID = id
	r.wg.Add(1)
	go r.writeFrames(frames)

	r.log.Info("Recording camera %d to %s", r.camera, path)
	return path, nil
}

// Stop ends the recording and returns its final status.
func (r *Recorder) Stop() (Status, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return Status{}, fmt.Errorf("not recording")
	}
	r.recording = false
	feed, id := r.feed, r.subID
	r.mu.Unlock()

	// closing the subscription ends writeFrames after the queued frames
	feed.Unsubscribe(id)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.statusLocked()
	if r.file != nil {
		defer func() { r.file = nil }()
		if err := r.file.Sync(); err != nil {
			r.file.Close()
			return st, fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return st, fmt.Errorf("failed to close file: %w", err)
		}
	}
	r.log.Info("Stopped recording %s (%d frames)", r.filename, st.FrameCount)
	return st, nil
}

func (r *Recorder) writeFrames(frames <-chan []byte) {
	defer r.wg.Done()
	for data := range frames {
		r.writeFrame(data)
	}
}

func (r *Recorder) writeFrame(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}
	n, err := r.file.Write(data)
	if err != nil {
		r.log.Warn("Write failed: %v", err)
		return
	}
	r.bytesWritten += uint64(n)
	r.frameCount++
}

// IsRecording returns true if currently recording.
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status.
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() Status {
	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return Status{
		Recording:    r.recording,
		Camera:       r.camera,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops any running recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// Status holds the current recording status.
type Status struct {
	Recording    bool      `json:"recording"`
	Camera       uint8     `json:"camera"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
