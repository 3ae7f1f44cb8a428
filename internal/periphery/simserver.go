package periphery

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// SimOptions configures a simulated inference server.
type SimOptions struct {
	Models     []string
	SessionTTL time.Duration // Sessions not checked for this long expire (0 = never)
	Format     PayloadFormat
}

type simSession struct {
	camera   uint8
	lastSeen time.Time
}

type transfer struct {
	data   bytes.Buffer
	finals []bool
}

// SimServer answers the periphery protocol like a real inference server:
// it echoes discovery, keeps a session table, reassembles frame chunks per
// peer and replies to the final chunk with a configurable detection list.
type SimServer struct {
	sock Socket
	opts SimOptions
	log  logger.Module

	mu         sync.Mutex
	model      string
	detections []types.MlDetection
	sessions   map[uint32]*simSession
	nextID     uint32
	transfers  map[string]*transfer
	lastFrame  []byte
	lastFinals []bool
	frames     int
}

// NewSimServer serves the protocol on sock.
func NewSimServer(sock Socket, opts SimOptions) *SimServer {
	if len(opts.Models) == 0 {
		opts.Models = []string{"yolov8n", "yolov8n-pose"}
	}
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	return &SimServer{
		sock:      sock,
		opts:      opts,
		log:       logger.For("PeripherySim"),
		model:     opts.Models[0],
		sessions:  make(map[uint32]*simSession),
		nextID:    1,
		transfers: make(map[string]*transfer),
	}
}

// ListenSim opens a simulated server on addr.
func ListenSim(ctx context.Context, addr string, opts SimOptions) (*SimServer, error) {
	conn, err := Listen(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("sim socket: %w", err)
	}
	return NewSimServer(conn, opts), nil
}

// Addr returns the local address of the server socket.
func (s *SimServer) Addr() *net.UDPAddr {
	addr, _ := s.sock.LocalAddr().(*net.UDPAddr)
	return addr
}

// Close closes the socket.
func (s *SimServer) Close() error {
	return s.sock.Close()
}

// Run serves requests until ctx is cancelled.
func (s *SimServer) Run(ctx context.Context) error {
	buf := make([]byte, 65536)
	s.log.Info("Serving on %s (models: %s)", s.sock.LocalAddr(), strings.Join(s.opts.Models, ", "))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sim receive: %w", err)
		}

		if reply := s.Handle(buf[:n], from); reply != nil {
			if _, err := s.sock.WriteToUDP(reply, from); err != nil {
				s.log.Warn("Reply to %s failed: %v", from, err)
			}
		}
	}
}

// Handle processes one request and returns the reply, or nil for none.
func (s *SimServer) Handle(req []byte, from *net.UDPAddr) []byte {
	h, ok := ParseHeader(req)
	if !ok {
		return nil
	}
	body := string(req[HeaderSize:])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	switch h.Subcode() {
	case SubDiscover:
		return append([]byte(nil), req[:HeaderSize]...)
	case SubListModels:
		return EncodeCommand(h.Subcode(), []byte(strings.Join(s.opts.Models, "\n")))
	case SubSwitchModel:
		if !slices.Contains(s.opts.Models, body) {
			return EncodeCommand(h.Subcode(), []byte("err unknown model "+body))
		}
		s.model = body
		return EncodeCommand(h.Subcode(), []byte("ok"))
	case SubCreateSession:
		cam, err := strconv.ParseUint(body, 10, 8)
		if err != nil {
			return EncodeCommand(h.Subcode(), []byte("err bad camera id"))
		}
		for id, sess := range s.sessions {
			if sess.camera == uint8(cam) {
				delete(s.sessions, id)
			}
		}
		id := s.nextID
		s.nextID++
		s.sessions[id] = &simSession{camera: uint8(cam), lastSeen: time.Now()}
		return EncodeCommand(h.Subcode(), []byte(strconv.FormatUint(uint64(id), 10)))
	case SubCheckSession:
		if id, err := strconv.ParseUint(body, 10, 32); err == nil {
			if sess, ok := s.sessions[uint32(id)]; ok {
				sess.lastSeen = time.Now()
			}
		}
		return EncodeCommand(h.Subcode(), []byte(s.liveListLocked()))
	case SubReleaseSession:
		if id, err := strconv.ParseUint(body, 10, 32); err == nil {
			delete(s.sessions, uint32(id))
		}
		return EncodeCommand(h.Subcode(), []byte("ok"))
	case SubInfer:
		return s.handleChunkLocked(req, from)
	default:
		return nil
	}
}

func (s *SimServer) handleChunkLocked(req []byte, from *net.UDPAddr) []byte {
	final, chunk, err := DecodeInferChunk(req)
	if err != nil {
		return nil
	}
	key := from.String()
	t := s.transfers[key]
	if t == nil {
		t = &transfer{}
		s.transfers[key] = t
	}
	t.data.Write(chunk)
	t.finals = append(t.finals, final)

	hdr := NewHeader(SubInfer)
	if !final {
		return hdr[:]
	}

	delete(s.transfers, key)
	s.lastFrame = bytes.Clone(t.data.Bytes())
	s.lastFinals = t.finals
	s.frames++

	dets := s.detections
	if _, err := jpeg.DecodeConfig(bytes.NewReader(s.lastFrame)); err != nil {
		s.log.Debug("Frame from %s is not a JPEG: %v", from, err)
		dets = nil
	}
	payload, err := EncodeDetections(s.opts.Format, dets)
	if err != nil {
		return nil
	}
	reply, err := EncodeInferResult(payload)
	if err != nil {
		return nil
	}
	return reply
}

func (s *SimServer) expireLocked(now time.Time) {
	if s.opts.SessionTTL <= 0 {
		return
	}
	for id, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.opts.SessionTTL {
			delete(s.sessions, id)
			s.log.Info("Session %d expired", id)
		}
	}
}

func (s *SimServer) liveListLocked() string {
	ids := make([]string, 0, len(s.sessions))
	for _, id := range s.sessionIDsLocked() {
		ids = append(ids, strconv.FormatUint(uint64(id), 10))
	}
	return strings.Join(ids, ",")
}

func (s *SimServer) sessionIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetDetections sets the list returned for every completed frame.
func (s *SimServer) SetDetections(dets []types.MlDetection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = dets
}

// Sessions returns the live session ids in ascending order.
func (s *SimServer) Sessions() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionIDsLocked()
}

// DropSessions forgets every session, as a restarted server would.
func (s *SimServer) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}

// Model returns the active model name.
func (s *SimServer) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// LastFrame returns the most recently reassembled frame and the final
// marker of each of its chunks.
func (s *SimServer) LastFrame() ([]byte, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame, s.lastFinals
}

// Frames counts completed transfers.
func (s *SimServer) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
