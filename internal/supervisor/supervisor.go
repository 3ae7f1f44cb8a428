// Package supervisor keeps every camera bound to a live inference session:
// it rediscovers the server when the link is lost, creates sessions for
// unbound cameras and unbinds sessions the server no longer lists.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/camera"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/periphery"
)

// Camera is the session surface of a camera pipeline.
type Camera interface {
	ID() uint8
	Session() camera.InferenceSession
	StartInferencing(s camera.InferenceSession) error
	StopInferencing() camera.InferenceSession
}

type releaser interface {
	Release() error
}

// Options tunes the supervision loop.
type Options struct {
	Interval          time.Duration // Cadence of supervision passes
	DiscoveryInterval time.Duration // Minimum spacing of discovery attempts
	Model             string        // Model selected after each discovery ("" = keep server default)
}

// Supervisor is the only place sessions are created or destroyed.
type Supervisor struct {
	client  *periphery.Client
	cameras []Camera
	opts    Options
	log     logger.Module

	nextDiscovery time.Time
}

// New creates a supervisor for cams.
func New(client *periphery.Client, cams []Camera, opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	return &Supervisor{
		client:  client,
		cameras: cams,
		opts:    opts,
		log:     logger.For("Supervisor"),
	}
}

// Run performs a pass every interval until ctx is cancelled, then releases
// all sessions.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	defer s.ReleaseAll()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one supervision pass.
func (s *Supervisor) Tick(ctx context.Context) {
	if !s.client.Connected() {
		if time.Now().Before(s.nextDiscovery) {
			return
		}
		if err := s.client.Discover(ctx); err != nil {
			s.nextDiscovery = time.Now().Add(s.opts.DiscoveryInterval)
			if !errors.Is(err, context.Canceled) {
				s.log.Debug("Discovery: %v", err)
			}
			return
		}
		if s.opts.Model != "" {
			if err := s.client.SwitchModel(s.opts.Model); err != nil {
				s.log.Warn("Could not select model %s: %v", s.opts.Model, err)
			}
		}
	}

	for _, cam := range s.cameras {
		if ctx.Err() != nil {
			return
		}
		sess := cam.Session()
		if sess == nil {
			s.bind(cam)
			continue
		}
		alive, err := s.client.CheckSession(sess.ID())
		if err == nil && alive {
			continue
		}
		if err != nil {
			s.log.Info("Session %d of camera %d unanswered (%v), unbinding", sess.ID(), cam.ID(), err)
		} else {
			s.log.Info("Session %d of camera %d no longer live, unbinding", sess.ID(), cam.ID())
		}
		s.unbind(cam)
	}
}

func (s *Supervisor) bind(cam Camera) {
	sess, err := s.client.NewSession(cam.ID())
	if err != nil {
		s.log.Debug("Session for camera %d: %v", cam.ID(), err)
		return
	}
	if err := cam.StartInferencing(sess); err != nil {
		s.log.Warn("Camera %d refused session %d: %v", cam.ID(), sess.ID(), err)
		_ = sess.Release()
	}
}

func (s *Supervisor) unbind(cam Camera) {
	released := cam.StopInferencing()
	if r, ok := released.(releaser); ok && s.client.Connected() {
		if err := r.Release(); err != nil {
			s.log.Debug("Release of session %d: %v", released.ID(), err)
		}
	}
}

// ReleaseAll unbinds every camera and releases its session on the server.
func (s *Supervisor) ReleaseAll() {
	for _, cam := range s.cameras {
		if cam.Session() != nil {
			s.unbind(cam)
		}
	}
}
