package stream

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/camera"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/recorder"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

type fakeCamera struct {
	id     uint8
	mu     sync.Mutex
	tags   []types.TagDetection
	ml     []types.MlDetection
	stamp  types.CaptureStamp
	paused bool
}

func (c *fakeCamera) ID() uint8 { return c.id }

func (c *fakeCamera) Tags() ([]types.TagDetection, types.CaptureStamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tags, c.stamp
}

func (c *fakeCamera) MlDetections() ([]types.MlDetection, types.CaptureStamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ml, c.stamp
}

func (c *fakeCamera) Status() camera.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return camera.Status{ID: c.id, Name: "Camera" + string(rune('0'+c.id)), Paused: c.paused}
}

func (c *fakeCamera) PauseTagDetection() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *fakeCamera) ResumeTagDetection() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

type fakeModels struct {
	connected bool
	switched  string
}

func (m *fakeModels) Connected() bool { return m.connected }
func (m *fakeModels) Server() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 5555}
}
func (m *fakeModels) ListModels() ([]string, error) { return []string{"yolov8n", "yolov8n-pose"}, nil }
func (m *fakeModels) SwitchModel(name string) error {
	m.switched = name
	return nil
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

func TestBroadcasterSkipsEncodingWithoutClients(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(1, 80, 1, m)
	b.Publish(testImage())
	_, ok := b.Latest()
	assert.False(t, ok)

	id, ch := b.Subscribe()
	assert.Equal(t, int64(1), m.StreamClients.Load())

	// a slow client misses frames instead of blocking the publisher
	for range 3 {
		b.Publish(testImage())
	}
	frame := <-ch
	assert.Equal(t, []byte{0xff, 0xd8}, frame[:2])
	assert.Empty(t, ch)

	b.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, int64(0), m.StreamClients.Load())
}

func TestBroadcasterClose(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(0, 0, 0, m)
	_, ch := b.Subscribe()
	b.Close()
	_, open := <-ch
	assert.False(t, open)

	_, late := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
	assert.Equal(t, int64(0), m.StreamClients.Load())
}

func TestDetectionFeedPublishesChangesOnce(t *testing.T) {
	cam := &fakeCamera{
		id:    1,
		tags:  []types.TagDetection{{ID: 22}},
		ml:    []types.MlDetection{{Label: 3, Box: types.Box{X: 1, Y: 2, Width: 3, Height: 4}}},
		stamp: types.CaptureStamp{Millis: 10},
	}
	feed := NewDetectionFeed([]DetectionSource{cam}, time.Millisecond)
	id, ch := feed.Subscribe()
	defer feed.Unsubscribe(id)

	feed.Poll()
	feed.Poll()
	require.Len(t, ch, 1)
	ev := <-ch

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ev.JSONData, &payload))
	assert.Equal(t, 1.0, payload["camera"])
	assert.Len(t, payload["tags"], 1)
	assert.Len(t, payload["ml"], 1)

	raw, err := base64.StdEncoding.DecodeString(string(ev.ProtobufData))
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	assert.Equal(t, 1.0, st.Fields["camera"].GetNumberValue())
	assert.Equal(t, 22.0, st.Fields["tags"].GetListValue().Values[0].GetStructValue().Fields["id"].GetNumberValue())

	cam.mu.Lock()
	cam.stamp = types.CaptureStamp{Millis: 11}
	cam.mu.Unlock()
	feed.Poll()
	assert.Len(t, ch, 1)
}

func newTestServer(t *testing.T, models Models) (*Server, *fakeCamera, *Broadcaster) {
	t.Helper()
	cam := &fakeCamera{id: 1}
	b := NewBroadcaster(1, 75, 2, nil)
	opts := DefaultOptions()
	opts.IdleFrame = 10 * time.Millisecond
	s := NewServer(opts, []Camera{cam}, []*Broadcaster{b}, models, recorder.New(t.TempDir()), nil)
	return s, cam, b
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAndHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Cameras   []camera.Status `json:"cameras"`
		Periphery struct {
			Enabled   bool `json:"enabled"`
			Connected bool `json:"connected"`
		} `json:"periphery"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Len(t, st.Cameras, 1)
	assert.Equal(t, "Camera1", st.Cameras[0].Name)
	assert.False(t, st.Periphery.Enabled)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope", "").Code)
	assert.Contains(t, do(t, h, http.MethodGet, "/", "").Body.String(), "/stream?camera=1")
}

func TestPauseEndpoint(t *testing.T) {
	s, cam, _ := newTestServer(t, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/cameras/pause?camera=1&paused=true", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/cameras/pause?camera=9&paused=true", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/cameras/pause?camera=1&paused=maybe", "").Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/cameras/pause?camera=1&paused=true", "").Code)
	assert.True(t, cam.Status().Paused)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/cameras/pause?paused=false", "").Code)
	assert.False(t, cam.Status().Paused)
}

func TestModelEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s.Handler(), http.MethodGet, "/api/models", "").Code)

	models := &fakeModels{}
	s, _, _ = newTestServer(t, models)
	h := s.Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/models", "").Code)

	models.connected = true
	rec := do(t, h, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"models":["yolov8n","yolov8n-pose"]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/models/switch", `{}`).Code)
	rec = do(t, h, http.MethodPost, "/api/models/switch", `{"model":"yolov8n-pose"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yolov8n-pose", models.switched)

	rec = do(t, h, http.MethodGet, "/api/status", "")
	assert.Contains(t, rec.Body.String(), `"server":"10.0.0.5:5555"`)
}

func TestRecordingEndpoints(t *testing.T) {
	s, _, b := newTestServer(t, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/recording/stop", "").Code)

	rec := do(t, h, http.MethodPost, "/api/recording/start?camera=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, b.Clients())
	assert.Contains(t, do(t, h, http.MethodGet, "/api/recording/status", "").Body.String(), `"recording":true`)

	b.Publish(testImage())
	rec = do(t, h, http.MethodPost, "/api/recording/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, b.Clients())
	assert.Contains(t, rec.Body.String(), `"frame_count":1`)
}

func TestMJPEGStream(t *testing.T) {
	s, _, b := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream?camera=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	assert.Equal(t, 1, b.Clients())

	resp2, err := http.Get(srv.URL + "/stream?camera=4")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestDetectionSSE(t *testing.T) {
	s, cam, _ := newTestServer(t, nil)
	cam.tags = []types.TagDetection{{ID: 18}}
	cam.stamp = types.CaptureStamp{Millis: 5}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/detections/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/protobuf")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	// headers arrive after the subscription exists
	s.feed.Poll()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, "data: ")))
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	assert.Equal(t, 1.0, st.Fields["camera"].GetNumberValue())
}
