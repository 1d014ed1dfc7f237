package pipeline

import "sync"

// LatestPrediction holds the most recently stored prediction. Readers never
// trigger processing.
type LatestPrediction struct {
	mu   sync.RWMutex
	pred Prediction
}

func (l *LatestPrediction) Store(p Prediction) {
	l.mu.Lock()
	l.pred = p
	l.mu.Unlock()
}

func (l *LatestPrediction) Load() Prediction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pred
}
