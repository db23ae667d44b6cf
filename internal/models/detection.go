package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Category is one of the fixed fruit classes the annotation renderer knows.
type Category string

const (
	CategoryRipe   Category = "Ripe"
	CategoryUnripe Category = "Unripe"
	CategoryRotten Category = "Rotten"
)

// Categories lists the fixed category set in display order.
var Categories = []Category{CategoryRipe, CategoryUnripe, CategoryRotten}

// RelativeBox holds left, top, right, bottom as fractions of the image size.
type RelativeBox [4]float64

func (b RelativeBox) Left() float64   { return b[0] }
func (b RelativeBox) Top() float64    { return b[1] }
func (b RelativeBox) Right() float64  { return b[2] }
func (b RelativeBox) Bottom() float64 { return b[3] }

// UnmarshalJSON requires exactly four coordinates.
func (b *RelativeBox) UnmarshalJSON(data []byte) error {
	var coords []float64
	if err := json.Unmarshal(data, &coords); err != nil {
		return err
	}
	if len(coords) != 4 {
		return fmt.Errorf("box_relative must have 4 coordinates, got %d", len(coords))
	}
	copy(b[:], coords)
	return nil
}

// Validate checks that every coordinate lies in [0,1] and the box is not inverted.
func (b RelativeBox) Validate() error {
	for i, v := range b {
		if v < 0 || v > 1 {
			return fmt.Errorf("coordinate %d out of range: %v", i, v)
		}
	}
	if b.Left() > b.Right() || b.Top() > b.Bottom() {
		return fmt.Errorf("inverted box %v", [4]float64(b))
	}
	return nil
}

// Detection is a single localized finding produced by the external model.
type Detection struct {
	Label       string      `json:"label"`
	Score       float64     `json:"score"`
	BoxRelative RelativeBox `json:"box_relative"`
	Box         []int       `json:"box,omitempty"` // pixel coordinates, informational
}

// Validate checks the label, score and box of a detection.
func (d Detection) Validate() error {
	if d.Label == "" {
		return errors.New("empty label")
	}
	if d.Score < 0 || d.Score > 1 {
		return fmt.Errorf("score out of range: %v", d.Score)
	}
	if err := d.BoxRelative.Validate(); err != nil {
		return err
	}
	if d.Box != nil && len(d.Box) != 4 {
		return fmt.Errorf("box must have 4 coordinates, got %d", len(d.Box))
	}
	return nil
}

// DetectionPayload is the structured detection data stored alongside an assessment.
type DetectionPayload struct {
	Detections []Detection `json:"detections"`
}

// Validate checks every detection in the payload.
func (p *DetectionPayload) Validate() error {
	for i, d := range p.Detections {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("detection %d: %w", i, err)
		}
	}
	return nil
}

// EncodePayload serializes a payload to JSON text for storage. A nil payload encodes to nil.
func EncodePayload(p *DetectionPayload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection payload: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode detection payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses stored JSON text back into a payload and validates it.
// Empty input and JSON null decode to nil without error.
func DecodePayload(data []byte) (*DetectionPayload, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p DetectionPayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode detection payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection payload: %w", err)
	}
	return &p, nil
}
