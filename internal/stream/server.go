package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/camera"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/recorder"
)

// Camera is the control and status surface the server needs from a pipeline.
type Camera interface {
	DetectionSource
	Status() camera.Status
	PauseTagDetection()
	ResumeTagDetection()
}

// Models is the inference server control surface.
type Models interface {
	Connected() bool
	Server() *net.UDPAddr
	ListModels() ([]string, error)
	SwitchModel(name string) error
}

// Options configures the HTTP server.
type Options struct {
	IdleFrame      time.Duration // Placeholder frame period on an idle stream
	StatusInterval time.Duration // Period of /api/status/stream
	EventInterval  time.Duration // Detection feed polling period
}

// DefaultOptions returns the stream defaults.
func DefaultOptions() Options {
	return Options{
		IdleFrame:      5 * time.Second,
		StatusInterval: 2 * time.Second,
		EventInterval:  50 * time.Millisecond,
	}
}

// Server serves the annotated streams, detections and control endpoints.
type Server struct {
	opts     Options
	cams     []Camera
	casts    map[uint8]*Broadcaster
	feed     *DetectionFeed
	recorder *recorder.Recorder
	models   Models // nil when the periphery is disabled
	metrics  *metrics.Metrics
}

// NewServer wires cams and their broadcasters. models may be nil.
func NewServer(opts Options, cams []Camera, casts []*Broadcaster, models Models, rec *recorder.Recorder, m *metrics.Metrics) *Server {
	def := DefaultOptions()
	if opts.IdleFrame <= 0 {
		opts.IdleFrame = def.IdleFrame
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = def.StatusInterval
	}
	if m == nil {
		m = metrics.New()
	}
	byID := make(map[uint8]*Broadcaster, len(casts))
	for _, b := range casts {
		byID[b.Camera()] = b
	}
	sources := make([]DetectionSource, len(cams))
	for i, c := range cams {
		sources[i] = c
	}
	return &Server{
		opts:     opts,
		cams:     cams,
		casts:    byID,
		feed:     NewDetectionFeed(sources, opts.EventInterval),
		recorder: rec,
		models:   models,
		metrics:  m,
	}
}

// Run drives the detection feed until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.feed.Run(ctx)
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/cameras/pause", s.handlePause)
	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/api/models/switch", s.handleModelSwitch)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if s.recorder != nil {
			_ = s.recorder.Close()
		}
		for _, b := range s.casts {
			b.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// cameraParam resolves ?camera=N, defaulting to the first camera.
func (s *Server) cameraParam(r *http.Request) (Camera, error) {
	if len(s.cams) == 0 {
		return nil, errors.New("no cameras configured")
	}
	raw := r.URL.Query().Get("camera")
	if raw == "" {
		return s.cams[0], nil
	}
	id, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid camera %q", raw)
	}
	for _, c := range s.cams {
		if c.ID() == uint8(id) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown camera %d", id)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTemplate.Execute(w, s.cams)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cam, err := s.cameraParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	b, ok := s.casts[cam.ID()]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("camera %d has no stream", cam.ID()))
		return
	}
	id, frames := b.Subscribe()
	defer b.Unsubscribe(id)
	streamMJPEG(r.Context(), w, frames, s.opts.IdleFrame)
}

// status is the /api/status payload.
func (s *Server) status() map[string]any {
	cams := make([]camera.Status, len(s.cams))
	for i, c := range s.cams {
		cams[i] = c.Status()
	}
	periph := map[string]any{"enabled": s.models != nil, "connected": false, "server": nil}
	if s.models != nil && s.models.Connected() {
		periph["connected"] = true
		if addr := s.models.Server(); addr != nil {
			periph["server"] = addr.String()
		}
	}
	var rec any
	if s.recorder != nil {
		rec = s.recorder.Status()
	}
	return map[string]any{
		"cameras":        cams,
		"periphery":      periph,
		"recording":      rec,
		"stream_clients": s.metrics.StreamClients.Load(),
		"timestamp":      float64(time.Now().Unix()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		if err := writeSSE(w, s.status()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, events := s.feed.Subscribe()
	defer s.feed.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
	streamEvents(r.Context(), w, events, useProtobuf)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cam, err := s.cameraParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	paused, err := strconv.ParseBool(r.URL.Query().Get("paused"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("paused must be true or false"))
		return
	}
	if paused {
		cam.PauseTagDetection()
	} else {
		cam.ResumeTagDetection()
	}
	writeJSON(w, map[string]any{"camera": cam.ID(), "paused": paused})
}

func (s *Server) periphery() (Models, error) {
	if s.models == nil {
		return nil, errors.New("periphery is disabled")
	}
	if !s.models.Connected() {
		return nil, errors.New("inference server not connected")
	}
	return s.models, nil
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	m, err := s.periphery()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	models, err := m.ListModels()
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]any{"models": models})
}

func (s *Server) handleModelSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeError(w, http.StatusBadRequest, errors.New("body must be {\"model\": \"<name>\"}"))
		return
	}
	m, err := s.periphery()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err := m.SwitchModel(req.Model); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]any{"model": req.Model, "status": "switched"})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("recording is disabled"))
		return
	}
	cam, err := s.cameraParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	b, ok := s.casts[cam.ID()]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("camera %d has no stream", cam.ID()))
		return
	}
	path, err := s.recorder.Start(b)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"camera":     cam.ID(),
		"file":       path,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("recording is disabled"))
		return
	}
	st, err := s.recorder.Stop()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       st.Filename,
		"stats":      st,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.Status{})
		return
	}
	writeJSON(w, s.recorder.Status())
}
