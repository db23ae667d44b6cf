package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/goregular"

	"kaongassess/internal/config"
	"kaongassess/internal/logger"
	"kaongassess/internal/models"
)

var fixedNow = time.Date(2025, 6, 15, 14, 30, 5, 0, time.Local)

func newTestRenderer(t *testing.T) (*Renderer, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "uploads")
	cfg := config.Default()
	cfg.UploadDirectory = dir
	cfg.FontPath = ""

	r := NewRenderer(cfg, logger.Discard())
	r.now = func() time.Time { return fixedNow }
	return r, dir
}

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func decodeFile(t *testing.T, dir, url string) image.Image {
	t.Helper()

	f, err := os.Open(filepath.Join(dir, filepath.Base(url)))
	require.NoError(t, err)
	defer f.Close()

	img, _, err := image.Decode(f)
	require.NoError(t, err)
	return img
}

func samePixels(a, b image.Image) bool {
	if a.Bounds() != b.Bounds() {
		return false
	}
	for y := a.Bounds().Min.Y; y < a.Bounds().Max.Y; y++ {
		for x := a.Bounds().Min.X; x < a.Bounds().Max.X; x++ {
			r1, g1, b1, a1 := a.At(x, y).RGBA()
			r2, g2, b2, a2 := b.At(x, y).RGBA()
			if r1 != r2 || g1 != g2 || b1 != b2 || a1 != a2 {
				return false
			}
		}
	}
	return true
}

var ripeOnly = []models.Detection{
	{Label: "Ripe", Score: 0.934, BoxRelative: models.RelativeBox{0.2, 0.4, 0.6, 0.9}},
	{Label: "Ripe", Score: 0.71, BoxRelative: models.RelativeBox{0.65, 0.1, 0.95, 0.35}},
}

// ========================================
// CreateCategoryImages
// ========================================

func TestCreateCategoryImages_CategoryIsolation(t *testing.T) {
	r, dir := newTestRenderer(t)
	original := solidImage(200, 150, color.RGBA{R: 90, G: 60, B: 30, A: 255})

	urls, err := r.CreateCategoryImages(original, ripeOnly, "sample.png")
	require.NoError(t, err)
	require.Len(t, urls, 3)

	assert.Equal(t, "/static/uploads/sample_ripe_20250615_143005.png", urls[models.CategoryRipe])
	assert.Equal(t, "/static/uploads/sample_unripe_20250615_143005.png", urls[models.CategoryUnripe])
	assert.Equal(t, "/static/uploads/sample_rotten_20250615_143005.png", urls[models.CategoryRotten])

	assert.True(t, samePixels(original, decodeFile(t, dir, urls[models.CategoryUnripe])), "unripe image must match the original")
	assert.True(t, samePixels(original, decodeFile(t, dir, urls[models.CategoryRotten])), "rotten image must match the original")
	assert.False(t, samePixels(original, decodeFile(t, dir, urls[models.CategoryRipe])), "ripe image must be annotated")
}

func TestCreateCategoryImages_DistinctAddressesAcrossSeconds(t *testing.T) {
	r, _ := newTestRenderer(t)
	img := solidImage(64, 64, color.White)

	first, err := r.CreateCategoryImages(img, ripeOnly, "kaong.jpg")
	require.NoError(t, err)

	r.now = func() time.Time { return fixedNow.Add(time.Second) }
	second, err := r.CreateCategoryImages(img, ripeOnly, "kaong.jpg")
	require.NoError(t, err)

	for _, c := range models.Categories {
		assert.NotEqual(t, first[c], second[c], c)
	}
	assert.Equal(t, "/static/uploads/kaong_ripe_20250615_143006.jpg", second[models.CategoryRipe])
}

func TestCreateCategoryImages_SameSecondDoesNotOverwrite(t *testing.T) {
	r, dir := newTestRenderer(t)
	img := solidImage(32, 32, color.White)

	first, err := r.CreateCategoryImages(img, nil, "kaong.png")
	require.NoError(t, err)
	second, err := r.CreateCategoryImages(img, nil, "kaong.png")
	require.NoError(t, err)

	assert.Equal(t, "/static/uploads/kaong_ripe_20250615_143005.png", first[models.CategoryRipe])
	assert.Equal(t, "/static/uploads/kaong_ripe_20250615_143005_2.png", second[models.CategoryRipe])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestCreateCategoryImages_FailureIsolatedToCategory(t *testing.T) {
	r, dir := newTestRenderer(t)
	require.NoError(t, os.MkdirAll(dir, 0755))

	// occupy every candidate name for the unripe image
	for attempt := 1; attempt <= maxNameAttempts; attempt++ {
		name := "blocked_unripe_20250615_143005.png"
		if attempt > 1 {
			name = fmt.Sprintf("blocked_unripe_20250615_143005_%d.png", attempt)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	urls, err := r.CreateCategoryImages(solidImage(40, 40, color.Black), ripeOnly, "blocked.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unripe")

	assert.NotContains(t, urls, models.CategoryUnripe)
	assert.Equal(t, "/static/uploads/blocked_ripe_20250615_143005.png", urls[models.CategoryRipe])
	assert.Equal(t, "/static/uploads/blocked_rotten_20250615_143005.png", urls[models.CategoryRotten])
}

func TestCreateCategoryImages_UnwritableDirectory(t *testing.T) {
	r, dir := newTestRenderer(t)
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0644))

	urls, err := r.CreateCategoryImages(solidImage(10, 10, color.White), nil, "x.png")
	assert.Error(t, err)
	assert.Empty(t, urls)
}

func TestCreateCategoryImages_DefaultsToJPEG(t *testing.T) {
	r, dir := newTestRenderer(t)

	urls, err := r.CreateCategoryImages(solidImage(48, 48, color.White), ripeOnly, "../../etc/frame")
	require.NoError(t, err)

	u := urls[models.CategoryRipe]
	assert.Equal(t, "/static/uploads/frame_ripe_20250615_143005.jpg", u)

	f, err := os.Open(filepath.Join(dir, filepath.Base(u)))
	require.NoError(t, err)
	defer f.Close()
	_, err = jpeg.Decode(f)
	assert.NoError(t, err)
}

// ========================================
// Drawing
// ========================================

func annotate(t *testing.T, r *Renderer, img image.Image, detections []models.Detection) *image.RGBA {
	t.Helper()

	out, err := r.Annotate(img, detections)
	require.NoError(t, err)
	return out
}

func countColor(img *image.RGBA, c color.RGBA) int {
	n := 0
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		for x := img.Rect.Min.X; x < img.Rect.Max.X; x++ {
			if img.RGBAAt(x, y) == c {
				n++
			}
		}
	}
	return n
}

func TestAnnotate_DrawsBoxAndLabel(t *testing.T) {
	r, _ := newTestRenderer(t)
	original := solidImage(100, 100, color.Black)
	ripe := CategoryColors[models.CategoryRipe]

	out := annotate(t, r, original, []models.Detection{
		{Label: "Ripe", Score: 0.5, BoxRelative: models.RelativeBox{0.2, 0.5, 0.8, 0.9}},
	})

	// outline, three pixels wide and centred on the box edge
	assert.Equal(t, ripe, out.RGBAAt(20, 70))
	assert.Equal(t, ripe, out.RGBAAt(21, 70))
	assert.Equal(t, ripe, out.RGBAAt(80, 70))
	assert.Equal(t, ripe, out.RGBAAt(50, 90))
	// interior untouched
	assert.Equal(t, color.RGBA{A: 255}, out.RGBAAt(50, 70))
	// label background above the box, left padding area
	assert.Equal(t, ripe, out.RGBAAt(21, 50-labelGap))
	// label text
	assert.Positive(t, countColor(out, labelTextColor))

	// the source image is never modified
	assert.Equal(t, color.RGBA{A: 255}, original.RGBAAt(20, 70))
}

func TestAnnotate_LabelClampedToTop(t *testing.T) {
	r, _ := newTestRenderer(t)
	rotten := CategoryColors[models.CategoryRotten]

	out := annotate(t, r, solidImage(80, 80, color.Black), []models.Detection{
		{Label: "Rotten", Score: 1, BoxRelative: models.RelativeBox{0, 0, 1, 1}},
	})

	assert.Equal(t, rotten, out.RGBAAt(1, 0))
	assert.Equal(t, rotten, out.RGBAAt(79, 40))
	assert.Equal(t, rotten, out.RGBAAt(40, 79))
}

func TestAnnotate_UnknownLabelUsesFallbackColor(t *testing.T) {
	r, _ := newTestRenderer(t)

	out := annotate(t, r, solidImage(50, 50, color.Black), []models.Detection{
		{Label: "Leaf", Score: 0.4, BoxRelative: models.RelativeBox{0.4, 0.4, 0.8, 0.8}},
	})
	assert.Equal(t, fallbackColor, out.RGBAAt(20, 30))
}

func TestAnnotate_OffsetBoundsStartAtOrigin(t *testing.T) {
	r, _ := newTestRenderer(t)
	base := solidImage(120, 120, color.Black)
	sub := base.SubImage(image.Rect(20, 20, 120, 120))

	out := annotate(t, r, sub, []models.Detection{
		{Label: "Unripe", Score: 0.5, BoxRelative: models.RelativeBox{0.5, 0.5, 0.9, 0.9}},
	})
	assert.Equal(t, image.Rect(0, 0, 100, 100), out.Bounds())
	assert.Equal(t, CategoryColors[models.CategoryUnripe], out.RGBAAt(50, 70))
}

// ========================================
// Fonts and helpers
// ========================================

func TestNewRenderer_TrueTypeFont(t *testing.T) {
	fontPath := filepath.Join(t.TempDir(), "goregular.ttf")
	require.NoError(t, os.WriteFile(fontPath, goregular.TTF, 0644))

	cfg := config.Default()
	cfg.UploadDirectory = t.TempDir()
	cfg.FontPath = fontPath

	r := NewRenderer(cfg, logger.Discard())
	require.NotNil(t, r.font)

	out := annotate(t, r, solidImage(100, 100, color.Black), []models.Detection{
		{Label: "Ripe", Score: 0.5, BoxRelative: models.RelativeBox{0.2, 0.5, 0.8, 0.9}},
	})
	assert.Equal(t, CategoryColors[models.CategoryRipe], out.RGBAAt(21, 50-labelGap))
	assert.Positive(t, countColor(out, labelTextColor))
}

func TestNewRenderer_MissingFontFallsBack(t *testing.T) {
	cfg := config.Default()
	cfg.UploadDirectory = t.TempDir()
	cfg.FontPath = filepath.Join(t.TempDir(), "arial.ttf")

	r := NewRenderer(cfg, logger.Discard())
	assert.Nil(t, r.font, "built-in font expected")

	out := annotate(t, r, solidImage(60, 60, color.Black), ripeOnly)
	assert.Positive(t, countColor(out, labelTextColor))
}

func TestLoadFont_Unparsable(t *testing.T) {
	fontPath := filepath.Join(t.TempDir(), "broken.ttf")
	require.NoError(t, os.WriteFile(fontPath, []byte("not a font"), 0644))

	f, err := loadFont(fontPath)
	assert.Error(t, err)
	assert.Nil(t, f)
}

func TestLoadFont_EmptyPathIsBuiltIn(t *testing.T) {
	f, err := loadFont("")
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestSplitFilename(t *testing.T) {
	tests := []struct {
		input string
		name  string
		ext   string
	}{
		{"a.jpg", "a", ".jpg"},
		{"photo.JPEG", "photo", ".JPEG"},
		{"frame.png", "frame", ".png"},
		{"scan.bmp", "scan", ".jpg"},
		{"noext", "noext", ".jpg"},
		{"dir/sub/img.png", "img", ".png"},
		{"", "image", ".jpg"},
		{".png", "image", ".png"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			name, ext := splitFilename(tt.input)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.ext, ext)
		})
	}
}

func TestPNGOutputIsLossless(t *testing.T) {
	r, dir := newTestRenderer(t)
	original := solidImage(30, 30, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	urls, err := r.CreateCategoryImages(original, nil, "lossless.png")
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, filepath.Base(urls[models.CategoryRipe])))
	require.NoError(t, err)
	defer f.Close()

	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.True(t, samePixels(original, decoded))
	assert.True(t, strings.HasSuffix(urls[models.CategoryRipe], ".png"))
}
