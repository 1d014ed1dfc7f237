package main

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signlink/signlink-relay/internal/config"
	"github.com/signlink/signlink-relay/internal/model"
)

func TestBuildModels_Unconfigured(t *testing.T) {
	det, cls, err := buildModels(config.Config{})
	if err != nil {
		t.Fatalf("buildModels: %v", err)
	}
	if _, ok := det.(model.NopDetector); !ok {
		t.Fatalf("detector=%T, want NopDetector", det)
	}
	if _, ok := cls.(model.UnavailableClassifier); !ok {
		t.Fatalf("classifier=%T, want UnavailableClassifier", cls)
	}
}

func TestBuildModels_Manifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "labels.txt"), "A\nB\n")
	writeFile(t, filepath.Join(dir, "models.yaml"), `
detector:
  url: http://models:9000/detect
  max_hands: 2
  min_confidence: 0.5
classifier:
  url: http://models:9000/classify
  labels: labels.txt
timeout: 3s
`)

	det, cls, err := buildModels(config.Config{
		ModelManifest: filepath.Join(dir, "models.yaml"),
		ModelTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("buildModels: %v", err)
	}
	if _, ok := det.(*model.RemoteDetector); !ok {
		t.Fatalf("detector=%T, want *RemoteDetector", det)
	}
	if _, ok := cls.(*model.RemoteClassifier); !ok {
		t.Fatalf("classifier=%T, want *RemoteClassifier", cls)
	}
}

func TestBuildModels_ManifestWithoutMinConfidenceUsesFlag(t *testing.T) {
	got := make(chan string, 2)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Query().Get("min_confidence")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"hands":[]}`)
	}))
	defer ts.Close()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "models.yaml"), "detector:\n  url: "+ts.URL+"\n")

	det, _, err := buildModels(config.Config{
		ModelManifest: filepath.Join(dir, "models.yaml"),
		MinConfidence: 0,
	})
	if err != nil {
		t.Fatalf("buildModels: %v", err)
	}
	if _, err := det.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if q := <-got; q != "0" {
		t.Fatalf("min_confidence=%q, want %q", q, "0")
	}
}

func TestBuildModels_MissingLabels(t *testing.T) {
	_, _, err := buildModels(config.Config{
		ClassifierURL: "http://models:9000/classify",
		LabelsPath:    filepath.Join(t.TempDir(), "missing.txt"),
	})
	if err == nil {
		t.Fatalf("expected error for missing labels file")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
