package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/signlink/signlink-relay/internal/api"
	"github.com/signlink/signlink-relay/internal/capture"
	"github.com/signlink/signlink-relay/internal/config"
	"github.com/signlink/signlink-relay/internal/framerelay"
	"github.com/signlink/signlink-relay/internal/gateway"
	"github.com/signlink/signlink-relay/internal/httpserver"
	"github.com/signlink/signlink-relay/internal/metrics"
	"github.com/signlink/signlink-relay/internal/pipeline"
	"github.com/signlink/signlink-relay/internal/registry"
	"github.com/signlink/signlink-relay/internal/signaling"
	"github.com/signlink/signlink-relay/internal/stream"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signlink-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"model_manifest", cfg.ModelManifest,
		"detector_url_set", cfg.DetectorURL != "",
		"classifier_url_set", cfg.ClassifierURL != "",
		"capture_source", cfg.CaptureSource,
		"stream_fps", cfg.StreamFPS,
		"max_message_bytes", cfg.MaxMessageBytes,
		"messages_per_second", cfg.MessagesPerSecond,
	)
	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("signlink-relay exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	detector, classifier, err := buildModels(cfg)
	if err != nil {
		return fmt.Errorf("configure models: %w", err)
	}

	m := metrics.New()
	reg := registry.New()

	worker := pipeline.NewWorker(
		pipeline.New(detector, classifier, pipeline.Config{JPEGQuality: cfg.JPEGQuality}),
		cfg.PipelineQueueSize, logger, m,
	)
	latest := &pipeline.LatestPrediction{}

	src, err := capture.Parse(cfg.CaptureSource, cfg.CaptureTimeout)
	if err != nil {
		return err
	}
	hub := stream.NewHub(m)
	publisher, err := stream.NewPublisher(stream.PublisherConfig{
		Source:      src,
		Worker:      worker,
		Sink:        hub,
		Latest:      latest,
		FPS:         cfg.StreamFPS,
		JPEGQuality: cfg.JPEGQuality,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	gw := gateway.NewServer(gateway.Config{
		Registry:          reg,
		Router:            signaling.NewRouter(reg, logger, m),
		Frames:            framerelay.New(worker, reg, logger, m),
		Origin:            srv.Origin(),
		Logger:            logger,
		Metrics:           m,
		IdleTimeout:       cfg.WSIdleTimeout,
		PingInterval:      cfg.WSPingInterval,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: messagesPerSecond(cfg.MessagesPerSecond),
		SendQueueBytes:    cfg.SendQueueBytes,
	})
	srv.Mount(gw, api.New(api.Config{
		Worker: worker,
		Latest: latest,
		Hub:    hub,
		Logger: logger,
	}))

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m,
		metrics.Gauge{
			Name:  "signlink_relay_ws_connections",
			Help:  "Open WebSocket connections.",
			Value: func() float64 { return float64(gw.Connections()) },
		},
		metrics.Gauge{
			Name:  "signlink_relay_registered_identities",
			Help:  "Identities bound in the connection registry.",
			Value: func() float64 { return float64(reg.Len()) },
		},
		metrics.Gauge{
			Name:  "signlink_relay_stream_viewers",
			Help:  "Clients attached to /video_feed.",
			Value: func() float64 { return float64(hub.Viewers()) },
		},
	))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return publisher.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Long-lived streams end first so Shutdown only waits on plain requests.
		hub.Close()
		gw.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// messagesPerSecond maps the config's "0 = unlimited" onto the gateway's
// negative-disables convention.
func messagesPerSecond(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
