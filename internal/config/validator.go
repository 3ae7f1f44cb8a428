package config

import (
	"errors"
	"fmt"
	"net"
)

// Validate checks cross-field constraints and fills zero values that have
// no meaningful zero.
func Validate(cfg *Config) error {
	var errs []error

	seen := make(map[uint8]bool)
	for i, cam := range cfg.Cameras {
		if seen[cam.ID] {
			errs = append(errs, fmt.Errorf("cameras[%d]: duplicate id %d", i, cam.ID))
		}
		seen[cam.ID] = true
		if cam.ShmName == "" {
			errs = append(errs, fmt.Errorf("cameras[%d]: shm name is required", i))
		}
	}

	p := &cfg.Pipeline
	if p.PollDelay <= 0 {
		errs = append(errs, errors.New("pipeline.poll_delay must be positive"))
	}
	if p.GrabFailThreshold < 1 {
		p.GrabFailThreshold = 1
	}
	if p.InferencePoll <= 0 {
		p.InferencePoll = p.PollDelay
	}

	per := &cfg.Periphery
	if per.Enabled {
		if _, err := net.ResolveUDPAddr("udp", per.DiscoveryAddr); err != nil {
			errs = append(errs, fmt.Errorf("periphery.discovery_addr: %w", err))
		}
		// header (6) + final byte (1) must leave room for payload
		if per.MaxDatagram <= 7 || per.MaxDatagram > 65507 {
			errs = append(errs, fmt.Errorf("periphery.max_datagram %d out of range (8..65507)", per.MaxDatagram))
		}
		if per.CommandTimeout <= 0 || per.InferenceTimeout <= 0 {
			errs = append(errs, errors.New("periphery timeouts must be positive"))
		}
		if per.JPEGQuality < 1 || per.JPEGQuality > 100 {
			errs = append(errs, fmt.Errorf("periphery.jpeg_quality %d out of range (1..100)", per.JPEGQuality))
		}
		switch per.PayloadFormat {
		case "json", "msgpack":
		case "":
			per.PayloadFormat = "json"
		default:
			errs = append(errs, fmt.Errorf("periphery.payload_format %q must be json or msgpack", per.PayloadFormat))
		}
		if per.MaxMissedReplies < 1 {
			per.MaxMissedReplies = 1
		}
	}

	tel := &cfg.Telemetry
	switch tel.Backend {
	case "mqtt":
		if tel.Broker == "" {
			errs = append(errs, errors.New("telemetry.broker is required for the mqtt backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("telemetry.backend %q must be mqtt or memory", tel.Backend))
	}
	if tel.QoS > 2 {
		errs = append(errs, fmt.Errorf("telemetry.qos %d out of range (0..2)", tel.QoS))
	}
	if tel.PublishInterval <= 0 {
		errs = append(errs, errors.New("telemetry.publish_interval must be positive"))
	}
	if tel.MaxMLDetections < 0 {
		errs = append(errs, errors.New("telemetry.max_ml_detections must not be negative"))
	}
	if tel.TagKey == tel.MLKey {
		errs = append(errs, fmt.Errorf("telemetry.tag_key and ml_key must differ (both %q)", tel.TagKey))
	}

	if cfg.Stream.JPEGQuality < 1 || cfg.Stream.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("stream.jpeg_quality %d out of range (1..100)", cfg.Stream.JPEGQuality))
	}
	if cfg.Stream.ClientBuffer < 1 {
		cfg.Stream.ClientBuffer = 1
	}

	return errors.Join(errs...)
}
