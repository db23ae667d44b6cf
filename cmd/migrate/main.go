package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"kaongassess/internal/config"
	"kaongassess/internal/logger"
	"kaongassess/internal/repository/sqlstore"
)

func main() {
	showStats := flag.Bool("stats", true, "Print table statistics after migrating")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Close()

	ctx := context.Background()
	fmt.Printf("Migrating %s database...\n", cfg.DBDriver)

	db, err := sqlstore.Open(ctx, cfg, lg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	fmt.Println("Schema is up to date")

	if !*showStats {
		return
	}

	stats, err := sqlstore.NewAssessmentRepository(db).Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to read statistics: %v", err)
	}

	fmt.Printf("\nDatabase Statistics:\n")
	fmt.Printf("   Total assessments: %d\n", stats.TotalAssessments)
	for _, s := range stats.Breakdown {
		fmt.Printf("      - %s: %d (avg %s, min %s, max %s)\n",
			s.Assessment, s.Count, s.AvgConfidence, s.MinConfidence, s.MaxConfidence)
	}
}
