package periphery

import (
	"errors"
	"image"

	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// Session is a server-assigned inference slot bound to one camera.
type Session struct {
	id     uint32
	camera uint8
	client *Client
}

// NewSession creates a session for camera on the server.
func (c *Client) NewSession(camera uint8) (*Session, error) {
	id, err := c.CreateSession(camera)
	if err != nil {
		return nil, err
	}
	c.metrics.SessionsCreated.Add(1)
	c.log.Info("Session %d created for camera %d", id, camera)
	return &Session{id: id, camera: camera, client: c}, nil
}

// ID returns the server-assigned handle.
func (s *Session) ID() uint32 { return s.id }

// Camera returns the bound camera id.
func (s *Session) Camera() uint8 { return s.camera }

// Infer runs one remote inference. Timeouts and stale replies yield
// ok=false so the caller keeps its previous result.
func (s *Session) Infer(img image.Image) ([]types.MlDetection, bool) {
	dets, err := s.client.Infer(img)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			s.client.log.Debug("Session %d inference failed: %v", s.id, err)
		}
		return nil, false
	}
	return dets, true
}

// Alive asks the server whether the session is still listed. A missing
// reply counts as not alive.
func (s *Session) Alive() bool {
	ok, err := s.client.CheckSession(s.id)
	return err == nil && ok
}

// Release frees the slot on the server. The server also expires sessions
// on its own, so a failed release is harmless.
func (s *Session) Release() error {
	s.client.metrics.SessionsReleased.Add(1)
	return s.client.ReleaseSession(s.id)
}
