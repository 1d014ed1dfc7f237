package pipeline

import "errors"

var (
	ErrDecode        = errors.New("decode image")
	ErrEncode        = errors.New("encode image")
	ErrDetector      = errors.New("hand detector failed")
	ErrClassifier    = errors.New("classifier failed")
	ErrWorkerStopped = errors.New("pipeline worker stopped")
	ErrJobAborted    = errors.New("pipeline job aborted")
)
