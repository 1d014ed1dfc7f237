package main

import (
	"github.com/signlink/signlink-relay/internal/config"
	"github.com/signlink/signlink-relay/internal/model"
	"github.com/signlink/signlink-relay/internal/pipeline"
)

// buildModels picks the detector and classifier. A manifest wins over the
// individual settings; a missing model degrades to "no hands" or to a
// classifier error instead of failing startup.
func buildModels(cfg config.Config) (pipeline.Detector, pipeline.Classifier, error) {
	detCfg := model.RemoteDetectorConfig{
		URL:           cfg.DetectorURL,
		MaxHands:      cfg.MaxHands,
		MinConfidence: cfg.MinConfidence,
		Timeout:       cfg.ModelTimeout,
	}
	clsURL, labelsPath := cfg.ClassifierURL, cfg.LabelsPath
	timeout := cfg.ModelTimeout

	if cfg.ModelManifest != "" {
		m, err := model.LoadManifest(cfg.ModelManifest)
		if err != nil {
			return nil, nil, err
		}
		if m.Timeout > 0 {
			timeout = m.Timeout
		}
		detCfg = model.RemoteDetectorConfig{
			URL:           m.Detector.URL,
			MaxHands:      m.Detector.MaxHands,
			MinConfidence: cfg.MinConfidence,
			Timeout:       timeout,
		}
		if m.Detector.MinConfidence != nil {
			detCfg.MinConfidence = *m.Detector.MinConfidence
		}
		clsURL, labelsPath = m.Classifier.URL, m.Classifier.Labels
	}

	var detector pipeline.Detector = model.NopDetector{}
	if detCfg.URL != "" {
		detector = model.NewRemoteDetector(detCfg)
	}

	var classifier pipeline.Classifier = model.UnavailableClassifier{}
	if clsURL != "" {
		labels, err := model.LoadLabels(labelsPath)
		if err != nil {
			return nil, nil, err
		}
		classifier = model.NewRemoteClassifier(model.RemoteClassifierConfig{
			URL:     clsURL,
			Labels:  labels,
			Timeout: timeout,
		})
	}
	return detector, classifier, nil
}
