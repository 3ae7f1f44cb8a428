package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledvision.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32768, cfg.Periphery.MaxDatagram)
	assert.Equal(t, 50*time.Millisecond, cfg.Periphery.CommandTimeout)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.GrabCooldown)
	assert.Equal(t, []uint8{22, 18}, cfg.Telemetry.DefaultTargetTags)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
cameras:
  - id: 0
    shm: /ledvision_cam0
  - id: 2
    shm: /ledvision_cam2
    grab_timeout: 40ms
periphery:
  command_timeout: 80ms
  payload_format: msgpack
telemetry:
  backend: memory
  max_ml_detections: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Cameras, 2)
	assert.Equal(t, uint8(2), cfg.Cameras[1].ID)
	assert.Equal(t, 40*time.Millisecond, cfg.Cameras[1].GrabTimeout)
	assert.Equal(t, 80*time.Millisecond, cfg.Periphery.CommandTimeout)
	assert.Equal(t, "msgpack", cfg.Periphery.PayloadFormat)
	assert.Equal(t, 4, cfg.Telemetry.MaxMLDetections)
	// untouched fields keep their defaults
	assert.Equal(t, 250*time.Millisecond, cfg.Periphery.InferenceTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"duplicate camera", func(c *Config) {
			c.Cameras = []CameraConfig{{ID: 1, ShmName: "/a"}, {ID: 1, ShmName: "/b"}}
		}, "duplicate id 1"},
		{"missing shm", func(c *Config) {
			c.Cameras = []CameraConfig{{ID: 0}}
		}, "shm name is required"},
		{"tiny datagram", func(c *Config) { c.Periphery.MaxDatagram = 7 }, "max_datagram"},
		{"bad payload", func(c *Config) { c.Periphery.PayloadFormat = "xml" }, "payload_format"},
		{"bad backend", func(c *Config) { c.Telemetry.Backend = "redis" }, "telemetry.backend"},
		{"same keys", func(c *Config) { c.Telemetry.MLKey = c.Telemetry.TagKey }, "must differ"},
		{"qos", func(c *Config) { c.Telemetry.QoS = 3 }, "qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateFillsZeroes(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.GrabFailThreshold = 0
	cfg.Pipeline.InferencePoll = 0
	cfg.Periphery.PayloadFormat = ""
	require.NoError(t, Validate(&cfg))
	assert.Equal(t, 1, cfg.Pipeline.GrabFailThreshold)
	assert.Equal(t, cfg.Pipeline.PollDelay, cfg.Pipeline.InferencePoll)
	assert.Equal(t, "json", cfg.Periphery.PayloadFormat)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
