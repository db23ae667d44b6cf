package annotate

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/image/font/opentype"

	"kaongassess/internal/config"
	"kaongassess/internal/logger"
	"kaongassess/internal/models"
)

const (
	boxLineWidth     = 3
	labelPaddingX    = 5
	labelPaddingY    = 2
	labelGap         = 5
	filled           = -1 // gocv.Rectangle thickness that fills the rectangle
	pngCompression   = 3
	timestampLayout  = "20060102_150405"
	maxNameAttempts  = 100
	defaultExtension = ".jpg"
)

// CategoryColors are the outline and label background colors per category.
var CategoryColors = map[models.Category]color.RGBA{
	models.CategoryRipe:   {R: 76, G: 175, B: 80, A: 255},
	models.CategoryUnripe: {R: 255, G: 152, B: 0, A: 255},
	models.CategoryRotten: {R: 244, G: 67, B: 54, A: 255},
}

var (
	fallbackColor  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	labelTextColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Renderer draws per-category bounding boxes onto copies of an image and stores them.
type Renderer struct {
	uploadDir string
	urlPrefix string
	quality   int
	font      *opentype.Font
	fontSize  float64
	logger    *logger.Logger
	now       func() time.Time
}

// NewRenderer creates a renderer writing under cfg.UploadDirectory.
// A missing or unreadable FontPath is not an error; the built-in Hershey font is used instead.
func NewRenderer(cfg *config.Config, log *logger.Logger) *Renderer {
	f, err := loadFont(cfg.FontPath)
	if err != nil {
		log.Warning("%v; using built-in font", err)
	}

	return &Renderer{
		uploadDir: cfg.UploadDirectory,
		urlPrefix: cfg.UploadURLPrefix,
		quality:   cfg.ImageQuality,
		font:      f,
		fontSize:  float64(cfg.FontSize),
		logger:    log,
		now:       time.Now,
	}
}

// CreateCategoryImages writes one annotated copy of img per category, each showing only
// that category's detections, and returns the public address of every image written.
// A category that fails is left out of the map and its error is included in the joined error;
// the other categories are unaffected.
func (r *Renderer) CreateCategoryImages(img image.Image, detections []models.Detection, baseFilename string) (map[models.Category]string, error) {
	name, ext := splitFilename(baseFilename)
	stamp := r.now().Format(timestampLayout)

	src, err := gocv.ImageToMatRGB(toRGBA(img))
	if err != nil {
		r.logger.Error("Failed to convert %s: %v", baseFilename, err)
		return map[models.Category]string{}, fmt.Errorf("failed to convert image: %w", err)
	}
	defer src.Close()

	result := make(map[models.Category]string, len(models.Categories))
	var failures []error
	for _, category := range models.Categories {
		filename := fmt.Sprintf("%s_%s_%s", name, strings.ToLower(string(category)), stamp)

		url, err := r.renderCategory(src, category, filterByLabel(detections, category), filename, ext)
		if err != nil {
			r.logger.Error("Failed to create %s image: %v", category, err)
			failures = append(failures, fmt.Errorf("%s: %w", category, err))
			continue
		}
		result[category] = url
	}
	return result, errors.Join(failures...)
}

func (r *Renderer) renderCategory(src gocv.Mat, category models.Category, detections []models.Detection, filename, ext string) (url string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	annotated, err := r.render(src, detections)
	if err != nil {
		return "", err
	}
	defer annotated.Close()

	stored, err := r.save(annotated, filename, ext)
	if err != nil {
		return "", err
	}

	r.logger.Info("Created %s image: %s", category, stored)
	return path.Join(r.urlPrefix, stored), nil
}

// Annotate returns a copy of img with every detection drawn on it. img itself is not modified
// and the result always starts at the origin.
func (r *Renderer) Annotate(img image.Image, detections []models.Detection) (*image.RGBA, error) {
	src, err := gocv.ImageToMatRGB(toRGBA(img))
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer src.Close()

	annotated, err := r.render(src, detections)
	if err != nil {
		return nil, err
	}
	defer annotated.Close()

	return matToRGBA(annotated)
}

// placedLabel is label text with the top-left corner of its text box.
type placedLabel struct {
	text   string
	at     image.Point
	ascent int
}

// render draws detections on a clone of src. The caller owns the returned Mat only when err is nil.
func (r *Renderer) render(src gocv.Mat, detections []models.Detection) (gocv.Mat, error) {
	mat := src.Clone()

	lf := r.newLabelFont()
	defer lf.Close()

	labels := make([]placedLabel, 0, len(detections))
	for _, d := range detections {
		label, err := drawDetection(&mat, d, lf)
		if err != nil {
			mat.Close()
			return gocv.Mat{}, err
		}
		labels = append(labels, label)
	}

	if lf.face == nil {
		if err := lf.drawHershey(&mat, labels); err != nil {
			mat.Close()
			return gocv.Mat{}, err
		}
		return mat, nil
	}
	if len(labels) == 0 {
		return mat, nil
	}

	// TrueType text goes through x/image on an RGBA copy.
	rgba, err := matToRGBA(mat)
	mat.Close()
	if err != nil {
		return gocv.Mat{}, err
	}
	lf.drawTrueType(rgba, labels)

	out, err := gocv.ImageToMatRGB(rgba)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to convert annotated image: %w", err)
	}
	return out, nil
}

// drawDetection draws the outline and the label background of d and returns where its text goes.
func drawDetection(mat *gocv.Mat, d models.Detection, lf *labelFont) (placedLabel, error) {
	c, ok := CategoryColors[models.Category(d.Label)]
	if !ok {
		c = fallbackColor
	}

	w, h := float64(mat.Cols()), float64(mat.Rows())
	box := image.Rect(
		int(d.BoxRelative.Left()*w), int(d.BoxRelative.Top()*h),
		int(d.BoxRelative.Right()*w), int(d.BoxRelative.Bottom()*h),
	)
	if err := gocv.Rectangle(mat, box, c, boxLineWidth); err != nil {
		return placedLabel{}, fmt.Errorf("failed to draw rectangle: %w", err)
	}

	text := fmt.Sprintf("%s (%.1f%%)", d.Label, d.Score*100)
	textWidth, textHeight, ascent := lf.measure(text)

	labelY := max(0, box.Min.Y-textHeight-labelGap)
	background := image.Rect(box.Min.X, labelY, box.Min.X+textWidth+2*labelPaddingX, labelY+textHeight+labelGap)
	if err := gocv.Rectangle(mat, background, c, filled); err != nil {
		return placedLabel{}, fmt.Errorf("failed to draw label background: %w", err)
	}

	return placedLabel{
		text:   text,
		at:     image.Pt(box.Min.X+labelPaddingX, labelY+labelPaddingY),
		ascent: ascent,
	}, nil
}

// toRGBA returns img as a tightly packed RGBA image starting at the origin, copying when needed.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*rgba.Rect.Dx() {
		return rgba
	}

	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func matToRGBA(mat gocv.Mat) (*image.RGBA, error) {
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert annotated image: %w", err)
	}
	return toRGBA(img), nil
}

func filterByLabel(detections []models.Detection, category models.Category) []models.Detection {
	var out []models.Detection
	for _, d := range detections {
		if d.Label == string(category) {
			out = append(out, d)
		}
	}
	return out
}

// splitFilename strips directories from base and normalizes the extension to one we can encode.
func splitFilename(base string) (string, string) {
	base = filepath.Base(filepath.ToSlash(base))
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if name == "" || name == "." || name == "/" {
		name = "image"
	}

	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg":
	default:
		ext = defaultExtension
	}
	return name, ext
}

// save writes mat to a new file in the upload directory and returns the file name used.
// If the name is already taken a numeric suffix is added rather than overwriting.
func (r *Renderer) save(mat gocv.Mat, filename, ext string) (string, error) {
	if err := os.MkdirAll(r.uploadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	stored, err := r.reserve(filename, ext)
	if err != nil {
		return "", err
	}

	fullPath := filepath.Join(r.uploadDir, stored)
	if !gocv.IMWriteWithParams(fullPath, mat, r.writeParams(ext)) {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to write %s", stored)
	}
	return stored, nil
}

// reserve claims a free file name by creating it exclusively.
func (r *Renderer) reserve(filename, ext string) (string, error) {
	for attempt := 1; attempt <= maxNameAttempts; attempt++ {
		stored := filename + ext
		if attempt > 1 {
			stored = fmt.Sprintf("%s_%d%s", filename, attempt, ext)
		}

		f, err := os.OpenFile(filepath.Join(r.uploadDir, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", stored, err)
		}
		f.Close()
		return stored, nil
	}
	return "", fmt.Errorf("no free file name for %s%s", filename, ext)
}

func (r *Renderer) writeParams(ext string) []int {
	if strings.EqualFold(ext, ".png") {
		return []int{int(gocv.IMWritePngCompression), pngCompression}
	}
	return []int{int(gocv.IMWriteJpegQuality), r.quality}
}
