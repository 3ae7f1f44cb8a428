package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete ledvision runtime configuration.
type Config struct {
	LogLevel    string          `yaml:"log_level"`
	LogColor    bool            `yaml:"log_color"`
	HTTPAddr    string          `yaml:"http_addr"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Cameras     []CameraConfig  `yaml:"cameras"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Periphery   PeripheryConfig `yaml:"periphery"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Stream      StreamConfig    `yaml:"stream"`
	Recording   RecordingConfig `yaml:"recording"`
}

// CameraConfig describes one capture device.
type CameraConfig struct {
	ID          uint8         `yaml:"id"`
	Name        string        `yaml:"name"`
	ShmName     string        `yaml:"shm"`          // Capture daemon ring buffer, e.g. /ledvision_cam0
	GrabTimeout time.Duration `yaml:"grab_timeout"` // Max wait for a new frame inside one grab
}

// PipelineConfig tunes the per-camera stage loops.
type PipelineConfig struct {
	PollDelay         time.Duration `yaml:"poll_delay"`          // Sleep when a stage precondition is unmet
	GrabCooldown      time.Duration `yaml:"grab_cooldown"`       // Window without grabs after repeated failures
	GrabFailThreshold int           `yaml:"grab_fail_threshold"` // Consecutive failures before cooldown
	InferencePoll     time.Duration `yaml:"inference_poll"`      // Snapshot availability poll of a session
	RestartDelay      time.Duration `yaml:"restart_delay"`       // Delay before restarting a faulted pipeline
	TagFamily         string        `yaml:"tag_family"`
}

// PeripheryConfig configures the remote inference protocol client.
type PeripheryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DiscoveryAddr     string        `yaml:"discovery_addr"`     // Broadcast target
	ListenAddr        string        `yaml:"listen_addr"`        // Local socket address
	MaxDatagram       int           `yaml:"max_datagram"`       // Max request datagram size
	CommandTimeout    time.Duration `yaml:"command_timeout"`    // Inbound wait of one command round trip
	InferenceTimeout  time.Duration `yaml:"inference_timeout"`  // Inbound wait for the final chunk reply
	DiscoveryWait     time.Duration `yaml:"discovery_wait"`     // Wait per discovery broadcast (0 = until shutdown)
	DiscoveryInterval time.Duration `yaml:"discovery_interval"` // Delay between discovery attempts
	SuperviseInterval time.Duration `yaml:"supervise_interval"` // Session supervisor cadence
	MaxMissedReplies  int           `yaml:"max_missed_replies"` // Consecutive timeouts before rediscovery
	JPEGQuality       int           `yaml:"jpeg_quality"`
	InferenceSize     int           `yaml:"inference_size"` // Longest side of the snapshot sent (0 = native)
	PayloadFormat     string        `yaml:"payload_format"` // json or msgpack
	Model             string        `yaml:"model"`          // Model switched to after discovery ("" = server default)
}

// TelemetryConfig configures the shared telemetry store and the encoder.
type TelemetryConfig struct {
	Backend           string        `yaml:"backend"` // mqtt or memory
	Broker            string        `yaml:"broker"`
	ClientID          string        `yaml:"client_id"`
	Prefix            string        `yaml:"prefix"`
	QoS               byte          `yaml:"qos"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestedKey      string        `yaml:"requested_key"`
	TagKey            string        `yaml:"tag_key"`
	MLKey             string        `yaml:"ml_key"`
	PublishInterval   time.Duration `yaml:"publish_interval"`
	MaxMLDetections   int           `yaml:"max_ml_detections"`
	DefaultTargetTags []uint8       `yaml:"default_target_tags"`
}

// StreamConfig configures the outward MJPEG stream.
type StreamConfig struct {
	JPEGQuality    int           `yaml:"jpeg_quality"`
	ClientBuffer   int           `yaml:"client_buffer"`
	IdleFrame      time.Duration `yaml:"idle_frame"` // Send a placeholder after this long without frames
	StatusInterval time.Duration `yaml:"status_interval"`
}

// RecordingConfig configures MJPEG recordings of the labelled stream.
type RecordingConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:    "info",
		LogColor:    true,
		HTTPAddr:    ":8081",
		MetricsAddr: ":9090",
		Pipeline: PipelineConfig{
			PollDelay:         time.Millisecond,
			GrabCooldown:      3 * time.Second,
			GrabFailThreshold: 3,
			InferencePoll:     time.Millisecond,
			RestartDelay:      time.Second,
			TagFamily:         "tag36h11",
		},
		Periphery: PeripheryConfig{
			Enabled:           true,
			DiscoveryAddr:     "255.255.255.255:5555",
			ListenAddr:        ":0",
			MaxDatagram:       32768,
			CommandTimeout:    50 * time.Millisecond,
			InferenceTimeout:  250 * time.Millisecond,
			DiscoveryWait:     2 * time.Second,
			DiscoveryInterval: 200 * time.Millisecond,
			SuperviseInterval: 200 * time.Millisecond,
			MaxMissedReplies:  10,
			JPEGQuality:       80,
			PayloadFormat:     "json",
		},
		Telemetry: TelemetryConfig{
			Backend:           "mqtt",
			Broker:            "tcp://10.67.22.2:1883",
			Prefix:            "jetson",
			QoS:               0,
			ConnectTimeout:    5 * time.Second,
			RequestedKey:      "rqsted",
			TagKey:            "tagBuf",
			MLKey:             "mlBuf",
			PublishInterval:   20 * time.Millisecond,
			MaxMLDetections:   10,
			DefaultTargetTags: []uint8{22, 18},
		},
		Stream: StreamConfig{
			JPEGQuality:    75,
			ClientBuffer:   2,
			IdleFrame:      5 * time.Second,
			StatusInterval: 2 * time.Second,
		},
		Recording: RecordingConfig{
			Path: "./recordings",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, Validate(&cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
