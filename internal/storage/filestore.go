// Package storage keeps uploaded answer attachments on disk, addressed by
// opaque ids so answer values can reference them without exposing paths.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/opencohort/cohortq/internal/services"
)

type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put writes the data under a fresh id and returns the id.
func (fs *FileStore) Put(data []byte) (string, error) {
	parts := strings.Split(uuid.NewString(), "-")
	id := parts[0] + parts[1] + parts[2]
	if err := os.WriteFile(filepath.Join(fs.dir, id), data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return id, nil
}

func (fs *FileStore) Get(id string) ([]byte, error) {
	if !validFileID(id) {
		return nil, services.NewInvalidError("invalid file id")
	}
	data, err := os.ReadFile(filepath.Join(fs.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.NewNotFoundError("file not found")
		}
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return data, nil
}

// validFileID rejects anything that could traverse out of the upload dir.
// Ids are hex fragments of a UUID, so only lowercase hex is legal.
func validFileID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
