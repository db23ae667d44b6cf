package app

import (
	"context"
	"fmt"

	"kaongassess/internal/config"
	"kaongassess/internal/logger"
	"kaongassess/internal/repository"
	"kaongassess/internal/repository/sqlstore"
	"kaongassess/internal/services"
	"kaongassess/internal/services/annotate"
	"kaongassess/internal/services/ml"
	"kaongassess/internal/services/storage"
)

// App wires the database, renderer, detector and pipeline from one configuration.
type App struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          *sqlstore.DB
	Assessments repository.AssessmentRepository
	Detector    *ml.Client
	Manager     *services.Manager
}

// New opens the database and builds every service. An unreachable database is an error.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := sqlstore.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	repo := sqlstore.NewAssessmentRepository(db)
	detector := ml.NewClient(cfg, log)
	renderer := annotate.NewRenderer(cfg, log)
	uploads := storage.NewUploads(cfg.UploadDirectory, cfg.UploadURLPrefix)

	return &App{
		Config:      cfg,
		Logger:      log,
		DB:          db,
		Assessments: repo,
		Detector:    detector,
		Manager:     services.NewManager(detector, renderer, uploads, repo, log),
	}, nil
}

// Close releases every pooled connection.
func (a *App) Close() error {
	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
