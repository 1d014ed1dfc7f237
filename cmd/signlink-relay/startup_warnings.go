package main

import (
	"log/slog"

	"github.com/signlink/signlink-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: SIGNLINK_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MessagesPerSecond <= 0 {
		logger.Warn("startup security warning: per-connection message rate limit is disabled while --mode=prod",
			"warning_code", "rate_limit_disabled_in_prod",
			"messages_per_second", cfg.MessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Frames travel as base64 data URLs, so a large cap lets one client
	// monopolize the single pipeline worker.
	if cfg.MaxMessageBytes > 16<<20 {
		logger.Warn("startup security warning: --max-message-bytes is very large",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.ModelManifest == "" && cfg.DetectorURL == "" {
		logger.Warn("startup warning: no hand detector configured; every frame yields an empty prediction",
			"warning_code", "detector_unconfigured",
			"mode", cfg.Mode,
		)
	}

	if cfg.CaptureSource == "" {
		logger.Warn("startup warning: no capture source configured; /video_feed serves blank frames",
			"warning_code", "capture_unconfigured",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
