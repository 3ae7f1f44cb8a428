package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// DetectionSource is what the detection feed reads from each camera.
type DetectionSource interface {
	ID() uint8
	Tags() ([]types.TagDetection, types.CaptureStamp)
	MlDetections() ([]types.MlDetection, types.CaptureStamp)
}

// SerializedEvent holds one detection event in both wire formats so it is
// serialized once regardless of the number of clients.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 of a google.protobuf.Struct
}

// DetectionFeed polls the cameras for newly published detections and fans
// them out to SSE clients.
type DetectionFeed struct {
	sources  []DetectionSource
	interval time.Duration
	log      logger.Module

	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int

	seen map[uint8][2]uint32 // last tag and ML capture millis per camera
}

// NewDetectionFeed creates a feed polling every interval.
func NewDetectionFeed(sources []DetectionSource, interval time.Duration) *DetectionFeed {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &DetectionFeed{
		sources:  sources,
		interval: interval,
		log:      logger.For("DetectionFeed"),
		clients:  make(map[int]chan *SerializedEvent),
		seen:     make(map[uint8][2]uint32),
	}
}

// Subscribe adds a client and returns its event channel.
func (f *DetectionFeed) Subscribe() (int, <-chan *SerializedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan *SerializedEvent, 2)
	f.clients[id] = ch
	f.log.Debug("Client #%d subscribed (total clients: %d)", id, len(f.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (f *DetectionFeed) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
		f.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(f.clients))
	}
}

func (f *DetectionFeed) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Run polls until ctx is cancelled.
func (f *DetectionFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		// skip serialization while nobody listens
		if f.clientCount() == 0 {
			continue
		}
		f.Poll()
	}
}

// Poll broadcasts one event per camera whose detections changed since the
// previous poll.
func (f *DetectionFeed) Poll() {
	for _, src := range f.sources {
		tags, tagStamp := src.Tags()
		ml, mlStamp := src.MlDetections()

		key := [2]uint32{tagStamp.Millis, mlStamp.Millis}
		if prev, ok := f.seen[src.ID()]; ok && prev == key {
			continue
		}
		f.seen[src.ID()] = key
		if len(tags) == 0 && len(ml) == 0 {
			continue
		}

		ev, err := Serialize(DetectionEvent(src.ID(), tags, tagStamp, ml, mlStamp))
		if err != nil {
			f.log.Error("Serialize error: %v", err)
			continue
		}
		f.broadcast(ev)
	}
}

func (f *DetectionFeed) broadcast(ev *SerializedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// DetectionEvent builds the event payload for one camera. Only JSON- and
// structpb-compatible values are used so both encodings share it.
func DetectionEvent(cam uint8, tags []types.TagDetection, tagStamp types.CaptureStamp,
	ml []types.MlDetection, mlStamp types.CaptureStamp) map[string]any {
	tagList := make([]any, 0, len(tags))
	for _, t := range tags {
		rx, ry, rz := t.Pose.RollPitchYaw()
		corners := make([]any, 0, len(t.Corners))
		for _, c := range t.Corners {
			corners = append(corners, map[string]any{"x": c.X, "y": c.Y})
		}
		tagList = append(tagList, map[string]any{
			"id":      float64(t.ID),
			"corners": corners,
			"translation": map[string]any{
				"x": t.Pose.Translation.X,
				"y": t.Pose.Translation.Y,
				"z": t.Pose.Translation.Z,
			},
			"rotation": map[string]any{"roll": rx, "pitch": ry, "yaw": rz},
		})
	}

	mlList := make([]any, 0, len(ml))
	for _, d := range ml {
		kps := make([]any, 0, len(d.Keypoints))
		for _, k := range d.Keypoints {
			kps = append(kps, map[string]any{"x": k.X, "y": k.Y, "score": k.Score})
		}
		mlList = append(mlList, map[string]any{
			"label": float64(d.Label),
			"box": map[string]any{
				"x": d.Box.X, "y": d.Box.Y, "width": d.Box.Width, "height": d.Box.Height,
			},
			"keypoints": kps,
		})
	}

	return map[string]any{
		"camera":         float64(cam),
		"tag_capture_ms": float64(tagStamp.CapturedAt()),
		"ml_capture_ms":  float64(mlStamp.CapturedAt()),
		"tags":           tagList,
		"ml":             mlList,
		"timestamp":      float64(time.Now().UnixMilli()) / 1000,
	}
}

// Serialize encodes payload as JSON and as a base64 protobuf Struct.
func Serialize(payload map[string]any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
