package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaongassess/internal/config"
	"kaongassess/internal/logger"
	"kaongassess/internal/models"
	"kaongassess/internal/repository"
	"kaongassess/internal/repository/sqlstore"
	"kaongassess/internal/services/annotate"
	"kaongassess/internal/services/storage"
)

type fakeDetector struct {
	detections []models.Detection
	err        error
	calls      []string
}

func (f *fakeDetector) Detect(ctx context.Context, image []byte, filename string) ([]models.Detection, error) {
	f.calls = append(f.calls, filename)
	return f.detections, f.err
}

type testEnv struct {
	manager   *Manager
	repo      *sqlstore.AssessmentRepository
	uploadDir string
}

func setupManager(t *testing.T, detector Detector) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.DBDriver = "sqlite3"
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.UploadDirectory = filepath.Join(t.TempDir(), "uploads")
	cfg.FontPath = ""
	log := logger.Discard()

	db, err := sqlstore.Open(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	repo := sqlstore.NewAssessmentRepository(db)
	m := NewManager(
		detector,
		annotate.NewRenderer(cfg, log),
		storage.NewUploads(cfg.UploadDirectory, cfg.UploadURLPrefix),
		repo,
		log,
	)
	return &testEnv{manager: m, repo: repo, uploadDir: cfg.UploadDirectory}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 120, 90))
	for y := 0; y < 90; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 80, B: 40, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadedFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestProcessImage_StoresAssessment(t *testing.T) {
	detector := &fakeDetector{detections: []models.Detection{
		{Label: "Ripe", Score: 0.9, BoxRelative: models.RelativeBox{0.1, 0.1, 0.4, 0.5}},
		{Label: "Ripe", Score: 0.8, BoxRelative: models.RelativeBox{0.5, 0.1, 0.8, 0.5}},
		{Label: "Rotten", Score: 0.7, BoxRelative: models.RelativeBox{0.2, 0.6, 0.5, 0.9}},
	}}
	env := setupManager(t, detector)
	ctx := context.Background()

	a, err := env.manager.ProcessImage(ctx, pngBytes(t), "harvest.png", "upload")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, "2 Ripe, 1 Rotten", a.Assessment)
	assert.Equal(t, "0.8", a.Confidence.String())
	assert.Equal(t, "upload", a.Source)
	assert.True(t, strings.HasPrefix(a.ImageURL, "/static/uploads/"))
	assert.True(t, strings.HasSuffix(a.ImageURL, ".png"))

	require.Len(t, detector.calls, 1)
	assert.Equal(t, filepath.Base(a.ImageURL), detector.calls[0])

	for _, c := range models.Categories {
		require.NotNil(t, a.CategoryImageURL(c), c)
		_, err := os.Stat(filepath.Join(env.uploadDir, filepath.Base(*a.CategoryImageURL(c))))
		assert.NoError(t, err, c)
	}
	assert.Len(t, uploadedFiles(t, env.uploadDir), 4)

	stored, err := env.repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, a.Assessment, stored.Assessment)
	assert.True(t, a.Confidence.Equal(stored.Confidence))
	assert.Equal(t, a.ImageURL, stored.ImageURL)
	assert.Equal(t, *a.RipeImageURL, *stored.RipeImageURL)
	require.NotNil(t, stored.DetectionData)
	assert.Equal(t, detector.detections, stored.DetectionData.Detections)
}

func TestProcessImage_NoDetections(t *testing.T) {
	env := setupManager(t, &fakeDetector{})

	a, err := env.manager.ProcessImage(context.Background(), pngBytes(t), "empty.png", "camera")
	require.NoError(t, err)

	assert.Equal(t, "No detections", a.Assessment)
	assert.True(t, a.Confidence.IsZero())
	assert.NotNil(t, a.RipeImageURL)
}

func TestProcessImage_DetectorFailure(t *testing.T) {
	env := setupManager(t, &fakeDetector{err: errors.New("model offline")})
	ctx := context.Background()

	_, err := env.manager.ProcessImage(ctx, pngBytes(t), "harvest.png", "upload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model offline")

	assert.Empty(t, uploadedFiles(t, env.uploadDir), "original must be removed")
	all, err := env.repo.ListAll(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestProcessImage_UnsupportedImage(t *testing.T) {
	detector := &fakeDetector{}
	env := setupManager(t, detector)

	_, err := env.manager.ProcessImage(context.Background(), []byte("not an image"), "notes.txt", "upload")
	assert.ErrorIs(t, err, ErrUnsupportedImage)
	assert.Empty(t, detector.calls)
}

func TestProcessImage_SaveFailureCleansUp(t *testing.T) {
	env := setupManager(t, &fakeDetector{})

	_, err := env.manager.ProcessImage(context.Background(), pngBytes(t), "harvest.png", strings.Repeat("s", 51))
	assert.ErrorIs(t, err, repository.ErrInvalidAssessment)
	assert.Empty(t, uploadedFiles(t, env.uploadDir))
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".png", extensionFor("a.jpg", "png"))
	assert.Equal(t, ".jpeg", extensionFor("a.JPEG", "jpeg"))
	assert.Equal(t, ".jpg", extensionFor("a.jpg", "jpeg"))
	assert.Equal(t, ".jpg", extensionFor("upload", "jpeg"))
}
