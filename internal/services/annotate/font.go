package annotate

import (
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	hersheyFace      = gocv.FontHersheySimplex
	hersheyThickness = 1
	hersheyBaseSize  = 22.0 // pixel height of FontHersheySimplex at scale 1
)

// loadFont parses the preferred TrueType font. An empty path selects the built-in Hershey font.
func loadFont(path string) (*opentype.Font, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("font %s unavailable: %w", path, err)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("font %s unavailable: %w", path, err)
	}
	return f, nil
}

// labelFont measures and draws label text, either with a TrueType face
// or, when face is nil, with OpenCV's Hershey font.
type labelFont struct {
	face  font.Face
	scale float64
}

// newLabelFont returns a fresh font for one rendering pass. TrueType faces are not safe for concurrent use.
func (r *Renderer) newLabelFont() *labelFont {
	lf := &labelFont{scale: r.fontSize / hersheyBaseSize}
	if r.font == nil {
		return lf
	}

	face, err := opentype.NewFace(r.font, &opentype.FaceOptions{
		Size:    r.fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		r.logger.Warning("Failed to create font face, using built-in font: %v", err)
		return lf
	}
	lf.face = face
	return lf
}

func (f *labelFont) Close() {
	if f.face != nil {
		f.face.Close()
	}
}

// measure returns the rendered size of text and the distance from its top to the baseline.
func (f *labelFont) measure(text string) (width, height, ascent int) {
	if f.face == nil {
		size := gocv.GetTextSize(text, hersheyFace, f.scale, hersheyThickness)
		return size.X, size.Y, size.Y
	}

	m := f.face.Metrics()
	ascent = m.Ascent.Ceil()
	return font.MeasureString(f.face, text).Ceil(), ascent + m.Descent.Ceil(), ascent
}

// drawHershey writes every label onto mat with OpenCV.
func (f *labelFont) drawHershey(mat *gocv.Mat, labels []placedLabel) error {
	for _, l := range labels {
		org := image.Pt(l.at.X, l.at.Y+l.ascent)
		if err := gocv.PutText(mat, l.text, org, hersheyFace, f.scale, labelTextColor, hersheyThickness); err != nil {
			return fmt.Errorf("failed to draw text: %w", err)
		}
	}
	return nil
}

// drawTrueType writes every label onto dst with the TrueType face.
func (f *labelFont) drawTrueType(dst *image.RGBA, labels []placedLabel) {
	drawer := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelTextColor),
		Face: f.face,
	}
	for _, l := range labels {
		drawer.Dot = fixed.P(l.at.X, l.at.Y+l.ascent)
		drawer.DrawString(l.text)
	}
}
