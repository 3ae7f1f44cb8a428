package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/camera"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/config"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/encoder"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/metrics"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/periphery"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/recorder"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/shm"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/stream"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/supervisor"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/telemetry"
)

var (
	// Command-line flags; set values override the config file
	configPath  = flag.String("config", "", "YAML configuration file")
	httpAddr    = flag.String("http", "", "HTTP server address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg)

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)
	logger.Info("Main", "LEDVision starting (%d cameras, log level %s)", len(cfg.Cameras), level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	err = app.run(ctx)
	app.close()
	if err != nil {
		logger.Error("Main", "Stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Stopped")
}

func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
}

// app holds every long-running component.
type app struct {
	cfg     *config.Config
	metrics *metrics.Metrics

	sources []*shm.Source
	cameras []*camera.Camera
	casts   []*stream.Broadcaster

	store      telemetry.Store
	mqtt       *telemetry.MQTTStore
	client     *periphery.Client
	supervisor *supervisor.Supervisor
	encoder    *encoder.Encoder
	server     *stream.Server
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	if err := a.openCameras(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openTelemetry(); err != nil {
		a.close()
		return nil, err
	}
	if cfg.Periphery.Enabled {
		if err := a.openPeriphery(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	encCams := make([]encoder.Camera, len(a.cameras))
	streamCams := make([]stream.Camera, len(a.cameras))
	for i, c := range a.cameras {
		encCams[i] = c
		streamCams[i] = c
	}
	t := cfg.Telemetry
	a.encoder = encoder.New(a.store, encCams, encoder.Options{
		Interval:        t.PublishInterval,
		RequestedKey:    t.RequestedKey,
		TagKey:          t.TagKey,
		MLKey:           t.MLKey,
		MaxMLDetections: t.MaxMLDetections,
		DefaultTargets:  t.DefaultTargetTags,
	}, a.metrics)

	var models stream.Models
	if a.client != nil {
		models = a.client
	}
	a.server = stream.NewServer(stream.Options{
		IdleFrame:      cfg.Stream.IdleFrame,
		StatusInterval: cfg.Stream.StatusInterval,
	}, streamCams, a.casts, models, recorder.New(cfg.Recording.Path), a.metrics)

	return a, nil
}

func (a *app) openCameras(ctx context.Context) error {
	p := a.cfg.Pipeline
	opts := camera.Options{
		PollDelay:         p.PollDelay,
		GrabCooldown:      p.GrabCooldown,
		GrabFailThreshold: p.GrabFailThreshold,
		InferencePoll:     p.InferencePoll,
		TargetTags:        a.cfg.Telemetry.DefaultTargetTags,
	}
	// No fiducial detector is linked into this binary.
	logger.Warn("Main", "No %s detector backend linked, tag lists stay empty", p.TagFamily)

	for _, cc := range a.cfg.Cameras {
		srcOpts := shm.DefaultOptions()
		srcOpts.GrabTimeout = cc.GrabTimeout
		src, err := shm.Open(ctx, cc.ShmName, srcOpts)
		if err != nil {
			return fmt.Errorf("camera %d: %w", cc.ID, err)
		}
		a.sources = append(a.sources, src)

		b := stream.NewBroadcaster(cc.ID, a.cfg.Stream.JPEGQuality, a.cfg.Stream.ClientBuffer, a.metrics)
		a.casts = append(a.casts, b)
		a.cameras = append(a.cameras, camera.New(cc.ID, cc.Name, camera.Deps{
			Source:  src,
			Sink:    b,
			Metrics: a.metrics,
		}, opts))
	}
	return nil
}

func (a *app) openTelemetry() error {
	t := a.cfg.Telemetry
	switch t.Backend {
	case "memory":
		a.store = telemetry.NewMemoryStore()
		logger.Warn("Main", "Telemetry uses the in-memory store, nothing leaves this process")
	default:
		s := telemetry.NewMQTTStore(telemetry.MQTTOptions{
			Broker:         t.Broker,
			ClientID:       t.ClientID,
			Prefix:         t.Prefix,
			QoS:            t.QoS,
			ConnectTimeout: t.ConnectTimeout,
		})
		// the client keeps retrying in the background
		if err := s.Connect(); err != nil {
			logger.Warn("Main", "Telemetry broker unavailable: %v", err)
		}
		a.mqtt = s
		a.store = s
	}
	return nil
}

func (a *app) openPeriphery(ctx context.Context) error {
	p := a.cfg.Periphery
	target, err := net.ResolveUDPAddr("udp4", p.DiscoveryAddr)
	if err != nil {
		return fmt.Errorf("discovery address: %w", err)
	}
	client, err := periphery.Dial(ctx, p.ListenAddr, periphery.Options{
		DiscoveryAddr:    target,
		MaxDatagram:      p.MaxDatagram,
		CommandTimeout:   p.CommandTimeout,
		InferenceTimeout: p.InferenceTimeout,
		DiscoveryWait:    p.DiscoveryWait,
		MaxMissedReplies: p.MaxMissedReplies,
		JPEGQuality:      p.JPEGQuality,
		InferenceSize:    p.InferenceSize,
		Format:           periphery.PayloadFormat(p.PayloadFormat),
	}, a.metrics)
	if err != nil {
		return err
	}
	a.client = client

	cams := make([]supervisor.Camera, len(a.cameras))
	for i, c := range a.cameras {
		cams[i] = c
	}
	a.supervisor = supervisor.New(client, cams, supervisor.Options{
		Interval:          p.SuperviseInterval,
		DiscoveryInterval: p.DiscoveryInterval,
		Model:             p.Model,
	})
	return nil
}

// run blocks until ctx is cancelled or a non-camera component fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, cam := range a.cameras {
		g.Go(func() error {
			superviseCamera(gctx, cam, a.cfg.Pipeline.RestartDelay)
			return nil
		})
	}
	if a.supervisor != nil {
		g.Go(func() error { return a.supervisor.Run(gctx) })
	}
	g.Go(func() error { return a.encoder.Run(gctx) })
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error {
		logger.Info("Main", "HTTP server on %s", a.cfg.HTTPAddr)
		return a.server.ListenAndServe(gctx, a.cfg.HTTPAddr)
	})
	if a.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Metrics server on %s", a.cfg.MetricsAddr)
			if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	logger.Info("Main", "Started")
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// superviseCamera restarts a camera pipeline after each fault until ctx is
// cancelled. One camera's fault never stops the others.
func superviseCamera(ctx context.Context, cam *camera.Camera, delay time.Duration) {
	for {
		err := cam.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		var fault *camera.FaultError
		if errors.As(err, &fault) {
			logger.Error(cam.Name(), "%s stage faulted: %v, restarting in %v", fault.Stage, fault.Err, delay)
		} else {
			logger.Error(cam.Name(), "Pipeline exited: %v, restarting in %v", err, delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (a *app) close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	for _, s := range a.sources {
		_ = s.Close()
	}
}
