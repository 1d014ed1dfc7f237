package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/signlink/signlink-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      sync.Mutex
	records []recordedLog
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

// Attributes added through With are not needed by these tests.
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) warningCodes() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string]bool{}
	for _, r := range h.records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = true
		}
	}
	return out
}

func TestStartupWarnings(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want []string
		not  []string
	}{
		{
			name: "unconfigured dev",
			cfg:  config.Config{Mode: config.ModeDev, MessagesPerSecond: 0},
			want: []string{"detector_unconfigured", "capture_unconfigured"},
			not:  []string{"rate_limit_disabled_in_prod", "allowed_origins_wildcard"},
		},
		{
			name: "wildcard origins",
			cfg: config.Config{
				Mode:           config.ModeDev,
				AllowedOrigins: []string{"https://a.example.com", "*"},
				DetectorURL:    "http://models/detect",
				CaptureSource:  "dir:/frames",
			},
			want: []string{"allowed_origins_wildcard"},
			not:  []string{"detector_unconfigured", "capture_unconfigured"},
		},
		{
			name: "prod without rate limit",
			cfg:  config.Config{Mode: config.ModeProd, ModelManifest: "models.yaml", CaptureSource: "dir:/frames"},
			want: []string{"rate_limit_disabled_in_prod"},
			not:  []string{"detector_unconfigured"},
		},
		{
			name: "large messages",
			cfg:  config.Config{Mode: config.ModeDev, MaxMessageBytes: 32 << 20, MessagesPerSecond: 10},
			want: []string{"max_message_bytes_large"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &recordingHandler{}
			logStartupWarnings(slog.New(h), tc.cfg)

			codes := h.warningCodes()
			for _, code := range tc.want {
				if !codes[code] {
					t.Fatalf("expected warning_code=%s, got %v", code, codes)
				}
			}
			for _, code := range tc.not {
				if codes[code] {
					t.Fatalf("unexpected warning_code=%s", code)
				}
			}
		})
	}
}
