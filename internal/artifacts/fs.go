package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// FSSink spools artifacts to the local filesystem, one directory per request.
// It is the default sink and the fallback when object storage is down.
// Writes go through a temp file and rename, so readers never see a torn
// artifact.
type FSSink struct {
	dir string
}

// safeName guards against path traversal in request ids and artifact names.
var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// NewFSSink creates the spool directory if needed.
func NewFSSink(dir string) (*FSSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create spool dir: %w", err)
	}
	return &FSSink{dir: dir}, nil
}

// Put writes one artifact atomically.
func (s *FSSink) Put(_ context.Context, requestID, name string, data []byte) error {
	if !safeName.MatchString(requestID) || !safeName.MatchString(name) {
		return fmt.Errorf("artifacts: unsafe artifact path %q/%q", requestID, name)
	}

	reqDir := filepath.Join(s.dir, requestID)
	if err := os.MkdirAll(reqDir, 0o755); err != nil {
		return fmt.Errorf("artifacts: create request dir: %w", err)
	}

	tmp, err := os.CreateTemp(reqDir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("artifacts: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("artifacts: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("artifacts: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifacts: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(reqDir, name)); err != nil {
		return fmt.Errorf("artifacts: rename into place: %w", err)
	}
	return nil
}

// Get reads one artifact.
func (s *FSSink) Get(_ context.Context, requestID, name string) ([]byte, error) {
	if !safeName.MatchString(requestID) || !safeName.MatchString(name) {
		return nil, fmt.Errorf("artifacts: unsafe artifact path %q/%q", requestID, name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, requestID, name))
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s/%s: %w", requestID, name, err)
	}
	return data, nil
}

// Close is a no-op for the filesystem sink.
func (s *FSSink) Close() error { return nil }
