package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConfidenceScale is the number of fractional digits kept for confidence values.
const ConfidenceScale = 3

// Assessment represents one evaluated image.
type Assessment struct {
	ID             int64             `json:"id"`
	ImageURL       string            `json:"image_url"`
	Assessment     string            `json:"assessment"`
	Confidence     decimal.Decimal   `json:"confidence"`
	Source         string            `json:"source"`
	DetectionData  *DetectionPayload `json:"detection_data"`
	RipeImageURL   *string           `json:"ripe_image_url"`
	UnripeImageURL *string           `json:"unripe_image_url"`
	RottenImageURL *string           `json:"rotten_image_url"`
	Timestamp      time.Time         `json:"timestamp"`

	// DetectionDataMalformed is set on read when the stored payload could not be decoded.
	DetectionDataMalformed bool `json:"detection_data_malformed,omitempty"`
}

// NewConfidence rounds a model score to the stored precision.
func NewConfidence(score float64) decimal.Decimal {
	return decimal.NewFromFloat(score).Round(ConfidenceScale)
}

// CategoryImageURL returns the annotated-image address stored for a category.
func (a *Assessment) CategoryImageURL(c Category) *string {
	switch c {
	case CategoryRipe:
		return a.RipeImageURL
	case CategoryUnripe:
		return a.UnripeImageURL
	case CategoryRotten:
		return a.RottenImageURL
	}
	return nil
}

// SetCategoryImageURLs copies renderer output onto the assessment; categories missing from urls stay nil.
func (a *Assessment) SetCategoryImageURLs(urls map[Category]string) {
	for c, u := range urls {
		u := u
		switch c {
		case CategoryRipe:
			a.RipeImageURL = &u
		case CategoryUnripe:
			a.UnripeImageURL = &u
		case CategoryRotten:
			a.RottenImageURL = &u
		}
	}
}

// LabelStats aggregates the confidence of all assessments sharing one label.
type LabelStats struct {
	Assessment    string          `json:"assessment"`
	Count         int             `json:"count"`
	AvgConfidence decimal.Decimal `json:"avg_confidence"`
	MinConfidence decimal.Decimal `json:"min_confidence"`
	MaxConfidence decimal.Decimal `json:"max_confidence"`
}

// AssessmentStats contains statistics about stored assessments.
type AssessmentStats struct {
	TotalAssessments int          `json:"total_assessments"`
	Breakdown        []LabelStats `json:"assessment_breakdown"`
}

// Summarize derives the assessment label and overall confidence from model detections.
// Only detections of the known categories are counted.
func Summarize(detections []Detection) (string, decimal.Decimal) {
	counts := make(map[Category]int, len(Categories))
	var total float64
	var n int

	for _, d := range detections {
		c := Category(d.Label)
		if !isCategory(c) {
			continue
		}
		counts[c]++
		total += d.Score
		n++
	}

	if n == 0 {
		return "No detections", decimal.Zero
	}

	parts := make([]string, 0, len(Categories))
	for _, c := range Categories {
		if counts[c] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[c], c))
		}
	}
	return strings.Join(parts, ", "), NewConfidence(total / float64(n))
}

func isCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
