package repository

import (
	"context"
	"errors"

	"kaongassess/internal/models"
)

// ErrInvalidAssessment is returned when an assessment fails validation before it reaches the database.
var ErrInvalidAssessment = errors.New("invalid assessment")

// AssessmentRepository defines the interface for assessment data operations.
type AssessmentRepository interface {
	// Create operations
	Save(ctx context.Context, a *models.Assessment) (int64, error)

	// Read operations
	ListAll(ctx context.Context, limit int) ([]models.Assessment, error)
	ListBySource(ctx context.Context, source string, limit int) ([]models.Assessment, error)
	GetByID(ctx context.Context, id int64) (*models.Assessment, error)
	Stats(ctx context.Context) (*models.AssessmentStats, error)

	// Delete operations
	Delete(ctx context.Context, id int64) (bool, error)
}
