package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"kaongassess/internal/models"
	"kaongassess/internal/repository"
)

const assessmentColumns = `id, image_url, assessment, confidence, source, detection_data,
	ripe_image_url, unripe_image_url, rotten_image_url, timestamp`

var (
	maxConfidence = decimal.NewFromInt(1)

	columnLimits = []struct {
		name  string
		limit int
		value func(a *models.Assessment) *string
	}{
		{"image_url", 255, func(a *models.Assessment) *string { return &a.ImageURL }},
		{"assessment", 100, func(a *models.Assessment) *string { return &a.Assessment }},
		{"source", 50, func(a *models.Assessment) *string { return &a.Source }},
		{"ripe_image_url", 255, func(a *models.Assessment) *string { return a.RipeImageURL }},
		{"unripe_image_url", 255, func(a *models.Assessment) *string { return a.UnripeImageURL }},
		{"rotten_image_url", 255, func(a *models.Assessment) *string { return a.RottenImageURL }},
	}
)

// AssessmentRepository implements repository.AssessmentRepository on a pooled SQL database.
type AssessmentRepository struct {
	db  *DB
	now func() time.Time
}

// NewAssessmentRepository creates a new assessment repository.
func NewAssessmentRepository(db *DB) *AssessmentRepository {
	return &AssessmentRepository{db: db, now: time.Now}
}

var _ repository.AssessmentRepository = (*AssessmentRepository)(nil)

// Save inserts a new assessment and returns its identifier.
// The current time is used when a.Timestamp is zero.
func (r *AssessmentRepository) Save(ctx context.Context, a *models.Assessment) (int64, error) {
	if err := validate(a); err != nil {
		return 0, err
	}

	payload, err := models.EncodePayload(a.DetectionData)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", repository.ErrInvalidAssessment, err)
	}
	var detectionJSON sql.NullString
	if payload != nil {
		detectionJSON = sql.NullString{String: string(payload), Valid: true}
	}

	timestamp := a.Timestamp
	if timestamp.IsZero() {
		timestamp = r.now()
	}
	timestamp = timestamp.UTC().Truncate(time.Microsecond)

	query := `
		INSERT INTO assessments (image_url, assessment, confidence, source, detection_data,
			ripe_image_url, unripe_image_url, rotten_image_url, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if r.db.dialect.returningID {
		query += " RETURNING id"
	}
	query = r.db.dialect.rebind(query)

	args := []interface{}{
		a.ImageURL, a.Assessment, a.Confidence.Round(models.ConfidenceScale), a.Source, detectionJSON,
		a.RipeImageURL, a.UnripeImageURL, a.RottenImageURL, timestamp,
	}

	var id int64
	err = r.db.withTx(ctx, func(tx *sql.Tx) error {
		if r.db.dialect.returningID {
			return tx.QueryRowContext(ctx, query, args...).Scan(&id)
		}

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		r.db.logger.Error("Failed to save assessment for %s: %v", a.ImageURL, err)
		return 0, fmt.Errorf("failed to save assessment: %w", err)
	}

	r.db.logger.Info("Assessment saved successfully with ID: %d", id)
	return id, nil
}

// ListAll returns assessments newest first. A limit <= 0 returns every row.
func (r *AssessmentRepository) ListAll(ctx context.Context, limit int) ([]models.Assessment, error) {
	query := "SELECT " + assessmentColumns + " FROM assessments"
	assessments, err := r.list(ctx, query, limit)
	if err != nil {
		r.db.logger.Error("Failed to retrieve assessments: %v", err)
		return nil, err
	}

	r.db.logger.Debug("Retrieved %d assessments", len(assessments))
	return assessments, nil
}

// ListBySource returns assessments whose source equals source, newest first.
func (r *AssessmentRepository) ListBySource(ctx context.Context, source string, limit int) ([]models.Assessment, error) {
	query := "SELECT " + assessmentColumns + " FROM assessments WHERE source = ?"
	assessments, err := r.list(ctx, query, limit, source)
	if err != nil {
		r.db.logger.Error("Failed to retrieve assessments for source %q: %v", source, err)
		return nil, err
	}

	r.db.logger.Debug("Retrieved %d assessments for source %q", len(assessments), source)
	return assessments, nil
}

func (r *AssessmentRepository) list(ctx context.Context, query string, limit int, args ...interface{}) ([]models.Assessment, error) {
	query += " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query = r.db.dialect.rebind(query)

	assessments := []models.Assessment{}
	err := r.db.withReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query assessments: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			a, err := r.scan(rows)
			if err != nil {
				return err
			}
			assessments = append(assessments, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return assessments, nil
}

// GetByID retrieves an assessment by its ID. A missing row yields nil, nil.
func (r *AssessmentRepository) GetByID(ctx context.Context, id int64) (*models.Assessment, error) {
	query := r.db.dialect.rebind("SELECT " + assessmentColumns + " FROM assessments WHERE id = ?")

	var a *models.Assessment
	err := r.db.withReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = r.scan(tx.QueryRowContext(ctx, query, id))
		return err
	})

	if errors.Is(err, sql.ErrNoRows) {
		r.db.logger.Warning("Assessment %d not found", id)
		return nil, nil
	}
	if err != nil {
		r.db.logger.Error("Failed to retrieve assessment %d: %v", id, err)
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

// Delete removes an assessment by its ID and reports whether a row was removed.
func (r *AssessmentRepository) Delete(ctx context.Context, id int64) (bool, error) {
	query := r.db.dialect.rebind("DELETE FROM assessments WHERE id = ?")

	var affected int64
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		r.db.logger.Error("Failed to delete assessment %d: %v", id, err)
		return false, fmt.Errorf("failed to delete assessment: %w", err)
	}

	if affected == 0 {
		r.db.logger.Warning("No assessment found with ID %d", id)
		return false, nil
	}

	r.db.logger.Info("Successfully deleted assessment %d", id)
	return true, nil
}

// Stats returns the total number of assessments and a per-label confidence breakdown.
func (r *AssessmentRepository) Stats(ctx context.Context) (*models.AssessmentStats, error) {
	query := `
		SELECT assessment, COUNT(*), AVG(confidence), MIN(confidence), MAX(confidence)
		FROM assessments
		GROUP BY assessment
		ORDER BY assessment`

	stats := &models.AssessmentStats{Breakdown: []models.LabelStats{}}
	err := r.db.withReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to query statistics: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var s models.LabelStats
			if err := rows.Scan(&s.Assessment, &s.Count, &s.AvgConfidence, &s.MinConfidence, &s.MaxConfidence); err != nil {
				return fmt.Errorf("failed to scan statistics: %w", err)
			}
			s.AvgConfidence = s.AvgConfidence.Round(models.ConfidenceScale)
			stats.Breakdown = append(stats.Breakdown, s)
			stats.TotalAssessments += s.Count
		}
		return rows.Err()
	})
	if err != nil {
		r.db.logger.Error("Failed to retrieve assessment statistics: %v", err)
		return nil, err
	}

	r.db.logger.Debug("Retrieved assessment statistics: %d total", stats.TotalAssessments)
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scan reads one row. A malformed detection payload is logged and flagged instead of failing the row.
func (r *AssessmentRepository) scan(row rowScanner) (*models.Assessment, error) {
	var a models.Assessment
	var detectionJSON []byte

	err := row.Scan(&a.ID, &a.ImageURL, &a.Assessment, &a.Confidence, &a.Source, &detectionJSON,
		&a.RipeImageURL, &a.UnripeImageURL, &a.RottenImageURL, &a.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan assessment: %w", err)
	}

	a.Confidence = a.Confidence.Round(models.ConfidenceScale)

	payload, err := models.DecodePayload(detectionJSON)
	if err != nil {
		r.db.logger.Warning("Failed to parse detection_data for assessment %d: %v", a.ID, err)
		a.DetectionDataMalformed = true
	} else {
		a.DetectionData = payload
	}

	return &a, nil
}

func validate(a *models.Assessment) error {
	if a == nil {
		return fmt.Errorf("%w: nil assessment", repository.ErrInvalidAssessment)
	}
	if a.ImageURL == "" {
		return fmt.Errorf("%w: image_url is required", repository.ErrInvalidAssessment)
	}
	if a.Assessment == "" {
		return fmt.Errorf("%w: assessment is required", repository.ErrInvalidAssessment)
	}
	if a.Confidence.IsNegative() || a.Confidence.GreaterThan(maxConfidence) {
		return fmt.Errorf("%w: confidence %s out of range [0,1]", repository.ErrInvalidAssessment, a.Confidence)
	}
	for _, c := range columnLimits {
		if v := c.value(a); v != nil && utf8.RuneCountInString(*v) > c.limit {
			return fmt.Errorf("%w: %s longer than %d characters", repository.ErrInvalidAssessment, c.name, c.limit)
		}
	}
	return nil
}
