package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"kaongassess/internal/app"
	"kaongassess/internal/config"
	"kaongassess/internal/logger"
	"kaongassess/internal/models"
)

const usage = `usage: assess <command> [flags]

commands:
  ingest [-source upload] <image>...  detect, annotate and store images
  list [-source S] [-limit N]         list assessments, newest first
  get <id>                            show one assessment
  delete <id>                         delete one assessment
  stats                               per-label statistics
  health                              check the detection service
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatalf("assess: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, logger.New(stderr, stderr))
	if err != nil {
		return err
	}
	defer a.Close()

	command, args := args[0], args[1:]
	switch command {
	case "ingest":
		return ingest(ctx, a, args, stdout)
	case "list":
		return list(ctx, a, args, stdout)
	case "get":
		return get(ctx, a, args, stdout)
	case "delete":
		return remove(ctx, a, args, stdout)
	case "stats":
		stats, err := a.Assessments.Stats(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, stats)
	case "health":
		if err := a.Detector.CheckHealth(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, command)
}

// ingest processes every image named in args. Images are processed concurrently, at most
// DBPoolSize at a time, and printed in argument order: one object for a single image, an array otherwise.
func ingest(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	source := fs.String("source", "upload", "Ingestion channel recorded with the assessment")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	paths := fs.Args()
	assessments := make([]*models.Assessment, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.Config.DBPoolSize)
	for i, path := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}

			assessment, err := a.Manager.ProcessImage(gctx, data, filepath.Base(path), *source)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			assessments[i] = assessment
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(assessments) == 1 {
		return writeJSON(stdout, assessments[0])
	}
	return writeJSON(stdout, assessments)
}

func list(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	source := fs.String("source", "", "Only list assessments from this source")
	limit := fs.Int("limit", 0, "Maximum number of assessments (0 = all)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *source != "" {
		assessments, err := a.Assessments.ListBySource(ctx, *source, *limit)
		if err != nil {
			return err
		}
		return writeJSON(stdout, assessments)
	}

	assessments, err := a.Assessments.ListAll(ctx, *limit)
	if err != nil {
		return err
	}
	return writeJSON(stdout, assessments)
}

func get(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}

	assessment, err := a.Assessments.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if assessment == nil {
		return fmt.Errorf("assessment %d not found", id)
	}
	return writeJSON(stdout, assessment)
}

func remove(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}

	deleted, err := a.Assessments.Delete(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]interface{}{"id": id, "deleted": deleted})
}

func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: invalid id %q", errUsage, args[0])
	}
	return id, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
