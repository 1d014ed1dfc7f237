// Package capture provides the frame sources behind the continuous stream.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrCapture wraps every failure to produce a frame.
var ErrCapture = errors.New("capture failed")

// Source yields one encoded image per call.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
}

// Unavailable is the source used when no camera is configured.
type Unavailable struct{}

func (Unavailable) Read(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("%w: no capture source configured", ErrCapture)
}

// DirSource replays the JPEG and PNG files of a directory in name order,
// wrapping around at the end. The listing is refreshed on every wrap.
type DirSource struct {
	dir string

	mu    sync.Mutex
	files []string
	next  int
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.next >= len(s.files) {
		files, err := listImages(s.dir)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.files, s.next = files, 0
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	return data, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrCapture, dir)
	}
	slices.Sort(files)
	return files, nil
}

// SnapshotSource fetches a still image from an HTTP camera endpoint, such as
// an IP camera's snapshot URL.
type SnapshotSource struct {
	url    string
	client *resty.Client
}

const DefaultSnapshotTimeout = 2 * time.Second

func NewSnapshotSource(url string, timeout time.Duration) *SnapshotSource {
	if timeout <= 0 {
		timeout = DefaultSnapshotTimeout
	}
	return &SnapshotSource{
		url:    url,
		client: resty.New().SetTimeout(timeout),
	}
}

func (s *SnapshotSource) Read(ctx context.Context) ([]byte, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: snapshot status %d", ErrCapture, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot", ErrCapture)
	}
	return body, nil
}

// Parse builds a source from its configuration string:
//
//	""                  no capture
//	dir:<path>          DirSource
//	http(s)://...       SnapshotSource
func Parse(spec string, timeout time.Duration) (Source, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return Unavailable{}, nil
	case strings.HasPrefix(spec, "dir:"):
		dir := strings.TrimPrefix(spec, "dir:")
		if dir == "" {
			return nil, fmt.Errorf("capture source %q: empty directory", spec)
		}
		return NewDirSource(dir), nil
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		return NewSnapshotSource(spec, timeout), nil
	default:
		return nil, fmt.Errorf("capture source %q: want dir:<path> or an http(s) URL", spec)
	}
}
