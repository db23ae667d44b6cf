package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Uploads stores original images under random names in the upload directory.
type Uploads struct {
	dir       string
	urlPrefix string
}

func NewUploads(dir, urlPrefix string) *Uploads {
	return &Uploads{dir: dir, urlPrefix: urlPrefix}
}

// Save writes data as <uuid><ext> and returns the stored file name.
func (u *Uploads) Save(data []byte, ext string) (string, error) {
	if err := os.MkdirAll(u.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	filename := uuid.NewString() + strings.ToLower(ext)
	f, err := os.OpenFile(filepath.Join(u.dir, filename), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filename, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return filename, nil
}

// URL returns the public address of a stored file.
func (u *Uploads) URL(filename string) string {
	return path.Join(u.urlPrefix, filename)
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (u *Uploads) Remove(filename string) error {
	err := os.Remove(filepath.Join(u.dir, filepath.Base(filename)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", filename, err)
	}
	return nil
}
