package periphery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/overlay"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

var (
	// ErrTimeout is returned when no matching reply arrived in time.
	ErrTimeout = errors.New("periphery: no reply")
	// ErrNotConnected is returned when no server has been discovered.
	ErrNotConnected = errors.New("periphery: not connected")
	// ErrInvalidResponse is returned when a reply could not be parsed.
	ErrInvalidResponse = errors.New("periphery: invalid response")
	// ErrRejected is returned when the server refused a command.
	ErrRejected = errors.New("periphery: command rejected")
)

// discoveryPoll bounds each read while waiting for a discovery echo so
// cancellation is noticed.
const discoveryPoll = 100 * time.Millisecond

// Options configures a Client.
type Options struct {
	DiscoveryAddr    *net.UDPAddr
	MaxDatagram      int
	CommandTimeout   time.Duration // Wait for a command reply or chunk ack
	InferenceTimeout time.Duration // Wait for the final-chunk reply
	DiscoveryWait    time.Duration // Wait for a discovery echo (0 = until ctx is done)
	MaxMissedReplies int           // Consecutive timeouts before the server is considered lost
	JPEGQuality      int
	InferenceSize    int // Longest side of transferred frames (0 = native)
	Format           PayloadFormat
}

// DefaultOptions returns the protocol defaults.
func DefaultOptions() Options {
	return Options{
		DiscoveryAddr:    &net.UDPAddr{IP: net.IPv4bcast, Port: DefaultPort},
		MaxDatagram:      DefaultMaxDatagram,
		CommandTimeout:   50 * time.Millisecond,
		InferenceTimeout: 250 * time.Millisecond,
		DiscoveryWait:    2 * time.Second,
		MaxMissedReplies: 10,
		JPEGQuality:      80,
		Format:           FormatJSON,
	}
}

// Client talks to one inference server. All round trips are serialized:
// the protocol has no request correlation, so only one exchange may be in
// flight on the socket.
type Client struct {
	mu     sync.Mutex
	sock   Socket
	opts   Options
	buf    []byte
	req    []byte
	missed int

	server  atomic.Pointer[net.UDPAddr]
	metrics *metrics.Metrics
	log     logger.Module
}

// NewClient wraps an open socket.
func NewClient(sock Socket, opts Options, m *metrics.Metrics) *Client {
	if m == nil {
		m = metrics.New()
	}
	if opts.MaxDatagram <= HeaderSize+1 {
		opts.MaxDatagram = DefaultMaxDatagram
	}
	if opts.MaxMissedReplies < 1 {
		opts.MaxMissedReplies = 1
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 80
	}
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	return &Client{
		sock:    sock,
		opts:    opts,
		buf:     make([]byte, 65536),
		req:     make([]byte, 0, opts.MaxDatagram),
		metrics: m,
		log:     logger.For("Periphery"),
	}
}

// Dial opens a broadcast-capable UDP socket on listenAddr.
func Dial(ctx context.Context, listenAddr string, opts Options, m *metrics.Metrics) (*Client, error) {
	conn, err := Listen(ctx, listenAddr)
	if err != nil {
		return nil, fmt.Errorf("periphery socket: %w", err)
	}
	return NewClient(conn, opts, m), nil
}

// Close closes the socket.
func (c *Client) Close() error {
	return c.sock.Close()
}

// Connected reports whether a server endpoint is known.
func (c *Client) Connected() bool {
	return c.server.Load() != nil
}

// Server returns the discovered server address, or nil.
func (c *Client) Server() *net.UDPAddr {
	return c.server.Load()
}

// Disconnect forgets the server so the next supervision pass rediscovers it.
func (c *Client) Disconnect() {
	if c.server.Swap(nil) != nil {
		c.log.Warn("Disconnected from inference server")
	}
}

// Discover broadcasts the discovery request and waits for a datagram
// echoing it. The sender becomes the server endpoint.
func (c *Client) Discover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := NewHeader(SubDiscover)
	if _, err := c.sock.WriteToUDP(req[:], c.opts.DiscoveryAddr); err != nil {
		return fmt.Errorf("discovery broadcast: %w", err)
	}

	var deadline time.Time
	if c.opts.DiscoveryWait > 0 {
		deadline = time.Now().Add(c.opts.DiscoveryWait)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			return ErrTimeout
		}
		readDeadline := now.Add(discoveryPoll)
		if !deadline.IsZero() && deadline.Before(readDeadline) {
			readDeadline = deadline
		}
		if err := c.sock.SetReadDeadline(readDeadline); err != nil {
			return fmt.Errorf("discovery deadline: %w", err)
		}

		n, from, err := c.sock.ReadFromUDP(c.buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("discovery receive: %w", err)
		}
		if !bytes.Equal(c.buf[:n], req[:]) {
			c.metrics.InvalidResponses.Add(1)
			continue
		}

		c.server.Store(from)
		c.missed = 0
		c.metrics.Discoveries.Add(1)
		c.log.Info("Inference server found at %s", from)
		return nil
	}
}

// exchange sends req to the server and waits up to timeout for a reply
// with the same header that accept (when non-nil) agrees with. Replies from
// other hosts, with another header or rejected by accept are discarded as
// stale. Caller holds c.mu.
func (c *Client) exchange(req []byte, timeout time.Duration, accept func([]byte) bool) ([]byte, error) {
	server := c.server.Load()
	if server == nil {
		return nil, ErrNotConnected
	}
	want, _ := ParseHeader(req)

	if _, err := c.sock.WriteToUDP(req, server); err != nil {
		return nil, fmt.Errorf("send %s: %w", want.Subcode(), err)
	}
	if err := c.sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	for {
		n, from, err := c.sock.ReadFromUDP(c.buf)
		if err != nil {
			if isTimeout(err) {
				c.noteMissed(want.Subcode())
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("receive %s: %w", want.Subcode(), err)
		}
		reply := c.buf[:n]
		h, ok := ParseHeader(reply)
		if !sameAddr(from, server) || !ok || h != want || (accept != nil && !accept(reply)) {
			c.metrics.InvalidResponses.Add(1)
			c.log.Debug("Discarded %d-byte datagram from %s while waiting for %s", n, from, want.Subcode())
			continue
		}
		c.missed = 0
		return append([]byte(nil), reply...), nil
	}
}

func (c *Client) noteMissed(sub Subcode) {
	c.metrics.ProtocolTimeouts.Add(1)
	c.missed++
	c.log.Debug("No reply to %s (%d consecutive)", sub, c.missed)
	if c.missed >= c.opts.MaxMissedReplies {
		c.missed = 0
		c.Disconnect()
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

// command performs one command round trip and returns the reply body.
func (c *Client) command(sub Subcode, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, err := c.exchange(EncodeCommand(sub, []byte(body)), c.opts.CommandTimeout, nil)
	if err != nil {
		return "", err
	}
	resp := strings.TrimSpace(string(reply[HeaderSize:]))
	if rest, ok := strings.CutPrefix(resp, "err"); ok {
		return "", fmt.Errorf("%w: %s: %s", ErrRejected, sub, strings.TrimSpace(rest))
	}
	return resp, nil
}

// ListModels returns the models the server can run.
func (c *Client) ListModels() ([]string, error) {
	resp, err := c.command(SubListModels, "")
	if err != nil {
		return nil, err
	}
	var models []string
	for _, line := range strings.Split(resp, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			models = append(models, line)
		}
	}
	return models, nil
}

// SwitchModel makes name the active model.
func (c *Client) SwitchModel(name string) error {
	resp, err := c.command(SubSwitchModel, name)
	if err != nil {
		return err
	}
	if resp != "ok" {
		return fmt.Errorf("%w: switch-model reply %q", ErrInvalidResponse, resp)
	}
	c.log.Info("Switched model to %s", name)
	return nil
}

// CreateSession asks for an inference slot bound to camera.
func (c *Client) CreateSession(camera uint8) (uint32, error) {
	resp, err := c.command(SubCreateSession, strconv.Itoa(int(camera)))
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(resp, 10, 32)
	if err != nil {
		c.metrics.InvalidResponses.Add(1)
		return 0, fmt.Errorf("%w: session id %q", ErrInvalidResponse, resp)
	}
	return uint32(id), nil
}

// CheckSession reports whether the server still lists session id.
func (c *Client) CheckSession(id uint32) (bool, error) {
	want := strconv.FormatUint(uint64(id), 10)
	resp, err := c.command(SubCheckSession, want)
	if err != nil {
		return false, err
	}
	for _, live := range strings.Split(resp, ",") {
		if strings.TrimSpace(live) == want {
			return true, nil
		}
	}
	return false, nil
}

// ReleaseSession frees session id on the server.
func (c *Client) ReleaseSession(id uint32) error {
	_, err := c.command(SubReleaseSession, strconv.FormatUint(uint64(id), 10))
	return err
}

// Infer transfers img as JPEG chunks and returns the detections of the
// final reply, in img coordinates.
func (c *Client) Infer(img image.Image) ([]types.MlDetection, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}
	scaled, factor := overlay.Scale(img, c.opts.InferenceSize)
	data, err := overlay.EncodeJPEG(scaled, c.opts.JPEGQuality)
	if err != nil {
		return nil, err
	}
	chunks := Chunks(data, MaxChunk(c.opts.MaxDatagram))

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	var reply []byte
	for i, chunk := range chunks {
		final := i == len(chunks)-1
		c.req = EncodeInferChunk(c.req, final, chunk)
		timeout, accept := c.opts.CommandTimeout, isAck
		if final {
			timeout, accept = c.opts.InferenceTimeout, isResult
		}
		reply, err = c.exchange(c.req, timeout, accept)
		c.metrics.ChunksSent.Add(1)
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	payload, err := DecodeInferResult(reply)
	if err == nil {
		var dets []types.MlDetection
		if dets, err = DecodeDetections(c.opts.Format, payload, factor); err == nil {
			c.metrics.UpdateInferenceLatency(time.Since(start))
			return dets, nil
		}
	}
	c.metrics.InvalidResponses.Add(1)
	return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
}

func isAck(reply []byte) bool    { return len(reply) == HeaderSize }
func isResult(reply []byte) bool { return len(reply) >= HeaderSize+lengthSize }
