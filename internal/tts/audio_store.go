package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore writes synthesized audio under a directory that is served
// statically at urlPrefix
type FileStore struct {
	dir       string
	urlPrefix string
}

// NewFileStore creates dir if needed
func NewFileStore(dir, urlPrefix string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio dir: %w", err)
	}
	return &FileStore{dir: dir, urlPrefix: urlPrefix}, nil
}

// Dir returns the directory audio files are written to
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes data to a new uniquely named file. The file appears
// atomically so a client never fetches a partial asset.
func (s *FileStore) Save(data []byte, ext string) (AudioRef, error) {
	name := uuid.NewString() + "." + ext

	tmp, err := os.CreateTemp(s.dir, ".pending-*")
	if err != nil {
		return AudioRef{}, fmt.Errorf("failed to create audio file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return AudioRef{}, fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return AudioRef{}, fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return AudioRef{}, fmt.Errorf("failed to publish audio file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return AudioRef{}, fmt.Errorf("failed to publish audio file: %w", err)
	}

	return AudioRef{FileName: name, URL: s.URL(name)}, nil
}

// URL returns the public URL of a stored file
func (s *FileStore) URL(name string) string {
	return strings.TrimRight(s.urlPrefix, "/") + "/" + name
}

// Writable is a readiness check for the audio directory
func (s *FileStore) Writable(ctx context.Context) (bool, error) {
	f, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return false, err
	}
	name := f.Name()
	f.Close()
	return true, os.Remove(name)
}
