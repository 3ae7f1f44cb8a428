package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Camera pipeline counters
	FramesGrabbed  atomic.Uint64
	GrabFailures   atomic.Uint64
	GrabCooldowns  atomic.Uint64
	FramesPosted   atomic.Uint64
	TagPasses      atomic.Uint64
	TagsPublished  atomic.Uint64
	PausedPasses   atomic.Uint64
	PipelineFaults atomic.Uint64

	// Inference counters
	Inferences       atomic.Uint64
	InferenceMisses  atomic.Uint64
	SessionsCreated  atomic.Uint64
	SessionsReleased atomic.Uint64

	// Periphery protocol counters
	Discoveries      atomic.Uint64
	ProtocolTimeouts atomic.Uint64
	InvalidResponses atomic.Uint64
	ChunksSent       atomic.Uint64

	// Telemetry encoder counters
	EncodeCycles   atomic.Uint64
	RecordsSkipped atomic.Uint64
	PublishErrors  atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // Last round-trip of a complete frame transfer
	PipelineLatencyMs  atomic.Uint64 // Last grab-to-post latency

	// Stream clients
	StreamClients atomic.Int64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type counter struct {
	name string
	help string
	v    *atomic.Uint64
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	counters := []counter{
		{"ledvision_frames_grabbed_total", "Total frames grabbed from camera sources", &m.FramesGrabbed},
		{"ledvision_grab_failures_total", "Total failed or empty frame grabs", &m.GrabFailures},
		{"ledvision_grab_cooldowns_total", "Total capture cooldown windows entered", &m.GrabCooldowns},
		{"ledvision_frames_posted_total", "Total labelled frames posted to the video sink", &m.FramesPosted},
		{"ledvision_tag_passes_total", "Total tag processor passes", &m.TagPasses},
		{"ledvision_tags_published_total", "Total tag detections published", &m.TagsPublished},
		{"ledvision_paused_passes_total", "Tag passes discarded while the tag buffer was paused", &m.PausedPasses},
		{"ledvision_pipeline_faults_total", "Camera pipelines terminated by a fatal fault", &m.PipelineFaults},
		{"ledvision_inferences_total", "Completed remote inferences", &m.Inferences},
		{"ledvision_inference_misses_total", "Remote inferences without a usable response", &m.InferenceMisses},
		{"ledvision_sessions_created_total", "Inference sessions created", &m.SessionsCreated},
		{"ledvision_sessions_released_total", "Inference sessions released", &m.SessionsReleased},
		{"ledvision_discoveries_total", "Successful inference server discoveries", &m.Discoveries},
		{"ledvision_protocol_timeouts_total", "Periphery round trips without a reply", &m.ProtocolTimeouts},
		{"ledvision_invalid_responses_total", "Periphery datagrams discarded as stale or malformed", &m.InvalidResponses},
		{"ledvision_chunks_sent_total", "Frame chunks sent to the inference server", &m.ChunksSent},
		{"ledvision_encode_cycles_total", "Telemetry encoder cycles", &m.EncodeCycles},
		{"ledvision_records_skipped_total", "Telemetry records skipped because the buffer was full", &m.RecordsSkipped},
		{"ledvision_publish_errors_total", "Telemetry store write errors", &m.PublishErrors},
		{"ledvision_inference_latency_ms", "Last frame transfer round trip in milliseconds", &m.InferenceLatencyMs},
		{"ledvision_pipeline_latency_ms", "Last grab-to-post latency in milliseconds", &m.PipelineLatencyMs},
	}

	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ledvision_stream_clients",
			Help: "Number of connected MJPEG clients",
		},
		func() float64 { return float64(m.StreamClients.Load()) },
	))
}

// UpdateInferenceLatency records the duration of one complete frame transfer
func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdatePipelineLatency records the time from grab to post
func (m *Metrics) UpdatePipelineLatency(d time.Duration) {
	m.PipelineLatencyMs.Store(uint64(d.Milliseconds()))
}

// Registry exposes the underlying registry (for tests and extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
