// Package storage persists what outlives a worker: encoded result
// artifacts on disk, and terminal job snapshots in a history store so
// finished jobs survive a restart.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore keeps encoded results as files keyed by job id. The
// engine treats it as a black box: save returns an opaque reference,
// read and delete take that reference back.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore ensures the results directory exists.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// Save writes the artifact and returns its reference.
func (s *ArtifactStore) Save(jobID, format string, data []byte) (string, error) {
	ref := jobID + "." + format
	if err := os.WriteFile(filepath.Join(s.dir, ref), data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return ref, nil
}

// Read returns the artifact bytes for a reference.
func (s *ArtifactStore) Read(ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Delete removes the backing file. A missing file is not an error; the
// record is gone either way.
func (s *ArtifactStore) Delete(ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// path rejects references that would escape the results directory.
func (s *ArtifactStore) path(ref string) (string, error) {
	if ref == "" || strings.Contains(ref, "/") || strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid artifact reference: %q", ref)
	}
	return filepath.Join(s.dir, ref), nil
}
