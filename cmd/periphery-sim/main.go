package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
	"github.com/LED-Robotics/frc-ledvision-2025/internal/periphery"
	"github.com/LED-Robotics/frc-ledvision-2025/pkg/types"
)

func main() {
	var (
		listen     string
		models     string
		detections string
		opts       periphery.SimOptions
		format     string
		logLevel   string
		logColor   bool
	)
	flag.StringVar(&listen, "listen", fmt.Sprintf(":%d", periphery.DefaultPort), "UDP listen address")
	flag.StringVar(&models, "models", "yolov8n,yolov8n-pose", "Comma-separated model names, the first is active")
	flag.StringVar(&detections, "detections", "0:100,80,64,48", "Reported detections as label:x,y,w,h separated by ';'")
	flag.DurationVar(&opts.SessionTTL, "session-ttl", 0, "Expire sessions not checked for this long (0 = never)")
	flag.StringVar(&format, "format", string(periphery.FormatJSON), "Result payload format (json, msgpack)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	dets, err := parseDetections(detections)
	if err != nil {
		log.Fatalf("Invalid -detections: %v", err)
	}
	opts.Models = strings.Split(models, ",")
	opts.Format = periphery.PayloadFormat(format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim, err := periphery.ListenSim(ctx, listen, opts)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	defer sim.Close()
	sim.SetDetections(dets)

	if err := sim.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("Main", "Served %d frames", sim.Frames())
}

// parseDetections reads "label:x,y,w,h;label:x,y,w,h".
func parseDetections(s string) ([]types.MlDetection, error) {
	var out []types.MlDetection
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		label, box, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("%q: missing label", item)
		}
		l, err := strconv.Atoi(label)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", item, err)
		}
		parts := strings.Split(box, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("%q: want x,y,w,h", item)
		}
		var v [4]float64
		for i, p := range parts {
			if v[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
				return nil, fmt.Errorf("%q: %w", item, err)
			}
		}
		out = append(out, types.MlDetection{
			Label: l,
			Box:   types.Box{X: v[0], Y: v[1], Width: v[2], Height: v[3]},
		})
	}
	return out, nil
}
