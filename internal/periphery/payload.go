package periphery

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

// PayloadFormat selects the encoding of the detection payload.
type PayloadFormat string

const (
	FormatJSON    PayloadFormat = "json"
	FormatMsgpack PayloadFormat = "msgpack"
)

// wireDetection is one detection as sent by the server. Keypoints are a
// flat list of (x, y, score) triples.
type wireDetection struct {
	Label  int       `json:"label" msgpack:"label"`
	X      float64   `json:"x" msgpack:"x"`
	Y      float64   `json:"y" msgpack:"y"`
	Width  float64   `json:"width" msgpack:"width"`
	Height float64   `json:"height" msgpack:"height"`
	Kps    []float64 `json:"kps,omitempty" msgpack:"kps,omitempty"`
}

// DecodeDetections parses a detection payload and scales coordinates by
// scale (1 = unchanged).
func DecodeDetections(format PayloadFormat, payload []byte, scale float64) ([]types.MlDetection, error) {
	if len(payload) == 0 {
		return []types.MlDetection{}, nil
	}
	var wire []wireDetection
	var err error
	switch format {
	case FormatMsgpack:
		err = msgpack.Unmarshal(payload, &wire)
	default:
		err = json.Unmarshal(payload, &wire)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, format, err)
	}

	out := make([]types.MlDetection, 0, len(wire))
	for _, w := range wire {
		d := types.MlDetection{
			Label: w.Label,
			Box: types.Box{
				X:      w.X * scale,
				Y:      w.Y * scale,
				Width:  w.Width * scale,
				Height: w.Height * scale,
			},
		}
		for i := 0; i+2 < len(w.Kps); i += 3 {
			d.Keypoints = append(d.Keypoints, types.Keypoint{
				X:     w.Kps[i] * scale,
				Y:     w.Kps[i+1] * scale,
				Score: w.Kps[i+2],
			})
		}
		out = append(out, d)
	}
	return out, nil
}

// EncodeDetections is the server-side inverse of DecodeDetections.
func EncodeDetections(format PayloadFormat, dets []types.MlDetection) ([]byte, error) {
	wire := make([]wireDetection, 0, len(dets))
	for _, d := range dets {
		w := wireDetection{
			Label:  d.Label,
			X:      d.Box.X,
			Y:      d.Box.Y,
			Width:  d.Box.Width,
			Height: d.Box.Height,
		}
		for _, kp := range d.Keypoints {
			w.Kps = append(w.Kps, kp.X, kp.Y, kp.Score)
		}
		wire = append(wire, w)
	}
	if format == FormatMsgpack {
		return msgpack.Marshal(wire)
	}
	return json.Marshal(wire)
}
