package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExportsCounters(t *testing.T) {
	m := New()
	m.FramesGrabbed.Add(3)
	m.RecordsSkipped.Add(1)
	m.StreamClients.Add(2)
	m.UpdateInferenceLatency(42 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "ledvision_frames_grabbed_total 3")
	assert.Contains(t, text, "ledvision_records_skipped_total 1")
	assert.Contains(t, text, "ledvision_stream_clients 2")
	assert.Contains(t, text, "ledvision_inference_latency_ms 42")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Inferences.Add(1)

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "ledvision_inferences_total" {
			assert.Zero(t, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
}
