// Package stream serves the labelled camera frames and live detections over
// HTTP.
package stream

import (
	"fmt"
	"image"
	"sync"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/overlay"
)

// Broadcaster fans out the labelled frames of one camera to MJPEG clients.
// It is the camera's frame sink.
type Broadcaster struct {
	camera  uint8
	quality int
	buffer  int
	metrics *metrics.Metrics
	log     logger.Module

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	latest  []byte
	closed  bool
}

// NewBroadcaster creates the broadcaster of camera cam. buffer is the number
// of frames queued per client before frames are dropped for it.
func NewBroadcaster(cam uint8, quality, buffer int, m *metrics.Metrics) *Broadcaster {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	if buffer < 1 {
		buffer = 2
	}
	if m == nil {
		m = metrics.New()
	}
	return &Broadcaster{
		camera:  cam,
		quality: quality,
		buffer:  buffer,
		metrics: m,
		log:     logger.For(fmt.Sprintf("Stream%d", cam)),
		clients: make(map[int]chan []byte),
	}
}

// Camera returns the camera id the broadcaster serves.
func (b *Broadcaster) Camera() uint8 { return b.camera }

// Subscribe adds a client and returns the channel it receives JPEGs on.
func (b *Broadcaster) Subscribe() (int, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan []byte, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch
	b.metrics.StreamClients.Add(1)

	b.log.Debug("Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.metrics.StreamClients.Add(-1)
		b.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))

		if len(b.clients) == 0 {
			b.log.Info("No clients remaining - frame encoding will be skipped")
		}
	}
}

// Clients returns the number of subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish encodes img once and hands it to every subscriber. Frames are
// not encoded when nobody is subscribed, and slow clients miss frames.
func (b *Broadcaster) Publish(img image.Image) {
	if b.Clients() == 0 {
		return
	}

	data, err := overlay.EncodeJPEG(img, b.quality)
	if err != nil {
		b.log.Warn("Dropping frame: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = data
	for _, ch := range b.clients {
		select {
		case ch <- data:
		default:
			// client too slow, it misses this frame
		}
	}
}

// Latest returns the most recent JPEG sent to clients, if any.
func (b *Broadcaster) Latest() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.latest != nil
}

// Close disconnects every client. Later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
		b.metrics.StreamClients.Add(-1)
	}
}
