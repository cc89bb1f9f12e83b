// Package memory stores artifact payloads in-memory for development.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), byteData...)
	return fmt.Sprintf("memory://%s", path), nil
}

// GetObject returns the content stored under a memory:// URI.
func (s *BlobStore) GetObject(_ context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, "memory://")
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, pipeline.ErrArtifactNotFound
	}
	return append([]byte(nil), data...), nil
}
