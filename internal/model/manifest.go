package model

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes where the models live. Relative paths are resolved
// against the manifest's directory.
type Manifest struct {
	Detector struct {
		URL           string   `yaml:"url"`
		MaxHands      int      `yaml:"max_hands"`
		MinConfidence *float64 `yaml:"min_confidence"`
	} `yaml:"detector"`
	Classifier struct {
		URL    string `yaml:"url"`
		Labels string `yaml:"labels"`
	} `yaml:"classifier"`
	Timeout time.Duration `yaml:"timeout"`
}

func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read model manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse model manifest %s: %w", path, err)
	}
	if m.Classifier.Labels != "" && !filepath.IsAbs(m.Classifier.Labels) {
		m.Classifier.Labels = filepath.Join(filepath.Dir(path), m.Classifier.Labels)
	}
	return m, nil
}

// LoadLabels reads one class label per line. Blank trailing lines are
// ignored; interior blank lines keep their index.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		labels = append(labels, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}
