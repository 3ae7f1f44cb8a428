package camera

import "time"

type binding struct {
	sess   InferenceSession
	unbind chan struct{}
	done   chan struct{}
}

// StartInferencing binds s to the camera and starts its execution path.
// A camera holds at most one session; binding a second returns
// ErrSessionBound.
func (c *Camera) StartInferencing(s InferenceSession) error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.session != nil {
		return ErrSessionBound
	}
	b := &binding{
		sess:   s,
		unbind: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.session = b
	go c.inferLoop(b)
	c.log.Info("Inference session %d bound", s.ID())
	return nil
}

// StopInferencing unbinds the current session and waits for its execution
// path to exit. It returns the released session, or nil if none was bound.
func (c *Camera) StopInferencing() InferenceSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	b := c.session
	if b == nil {
		return nil
	}
	close(b.unbind)
	<-b.done
	c.session = nil
	c.log.Info("Inference session %d unbound", b.sess.ID())
	return b.sess
}

// Session returns the bound session, or nil.
func (c *Camera) Session() InferenceSession {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.sess
}

// HasSession reports whether a session is bound.
func (c *Camera) HasSession() bool {
	return c.Session() != nil
}

// inferLoop feeds snapshots to the session until unbound. Missed responses
// keep the previous detections.
func (c *Camera) inferLoop(b *binding) {
	defer close(b.done)
	for {
		select {
		case <-b.unbind:
			return
		default:
		}

		img, stamp, ok := c.snap.peek()
		if !ok {
			select {
			case <-b.unbind:
				return
			case <-time.After(c.opts.InferencePoll):
			}
			continue
		}

		if dets, ok := b.sess.Infer(img); ok {
			c.ml.Store(&mlBatch{dets: dets, stamp: stamp})
			c.deps.Metrics.Inferences.Add(1)
		} else {
			c.deps.Metrics.InferenceMisses.Add(1)
		}
		c.snap.consume()
	}
}
