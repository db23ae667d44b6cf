package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
	"time"

	"kaongassess/internal/logger"
	"kaongassess/internal/models"
	"kaongassess/internal/repository"
	"kaongassess/internal/services/annotate"
	"kaongassess/internal/services/storage"
)

// ErrUnsupportedImage is returned when the uploaded bytes are not a JPEG or PNG image.
var ErrUnsupportedImage = errors.New("unsupported image")

// Detector runs the detection model on one encoded image.
type Detector interface {
	Detect(ctx context.Context, image []byte, filename string) ([]models.Detection, error)
}

// Manager runs one image through detection, rendering and persistence.
type Manager struct {
	detector   Detector
	renderer   *annotate.Renderer
	uploads    *storage.Uploads
	repository repository.AssessmentRepository
	logger     *logger.Logger
	now        func() time.Time
}

func NewManager(detector Detector, renderer *annotate.Renderer, uploads *storage.Uploads, repo repository.AssessmentRepository, logger *logger.Logger) *Manager {
	return &Manager{
		detector:   detector,
		renderer:   renderer,
		uploads:    uploads,
		repository: repo,
		logger:     logger,
		now:        time.Now,
	}
}

// ProcessImage stores the original image, runs detection, writes the category images and
// saves the resulting assessment. Category images that fail to render are left without an
// address; detection and save failures abort the whole call.
func (m *Manager) ProcessImage(ctx context.Context, data []byte, filename, source string) (*models.Assessment, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	stored, err := m.uploads.Save(data, extensionFor(filename, format))
	if err != nil {
		return nil, err
	}

	detections, err := m.detector.Detect(ctx, data, stored)
	if err != nil {
		m.discard(stored)
		return nil, fmt.Errorf("failed to detect objects: %w", err)
	}
	m.logger.Info("Source %s: %d detection(s) in %s", source, len(detections), stored)

	urls, err := m.renderer.CreateCategoryImages(img, detections, stored)
	if err != nil {
		m.logger.Warning("Some category images for %s were not created: %v", stored, err)
	}

	label, confidence := models.Summarize(detections)
	a := &models.Assessment{
		ImageURL:      m.uploads.URL(stored),
		Assessment:    label,
		Confidence:    confidence,
		Source:        source,
		DetectionData: &models.DetectionPayload{Detections: detections},
		Timestamp:     m.now().UTC().Truncate(time.Microsecond),
	}
	a.SetCategoryImageURLs(urls)

	id, err := m.repository.Save(ctx, a)
	if err != nil {
		m.discard(stored)
		for _, u := range urls {
			m.discard(u)
		}
		return nil, err
	}
	a.ID = id
	return a, nil
}

// discard removes a file written for a request that did not complete.
func (m *Manager) discard(filename string) {
	if err := m.uploads.Remove(filename); err != nil {
		m.logger.Warning("Failed to remove %s: %v", filename, err)
	}
}

// extensionFor picks the stored extension from the decoded format, keeping ".jpeg" when the upload used it.
func extensionFor(filename, format string) string {
	if format == "png" {
		return ".png"
	}
	if strings.EqualFold(filepath.Ext(filename), ".jpeg") {
		return ".jpeg"
	}
	return ".jpg"
}
