package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/go-faster/errors"

	"github.com/xenking/pos-checkout/internal/storage/postgres"
)

func main() {
	var (
		dataDir       string
		pattern       string
		databaseURL   string
		bloomCapacity uint
		dryRun        bool
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing gzipped campaign exports")
	flag.StringVar(&pattern, "pattern", "*.csv.gz", "glob selecting export files inside data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&bloomCapacity, "bloom-capacity", 10_000_000, "expected codes per export, sizes the bloom filters")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and report without writing to the database")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, pattern, databaseURL, bloomCapacity, dryRun); err != nil {
		slog.Error("promotion ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("promotion ingest completed successfully")
}

func run(ctx context.Context, dataDir, pattern, databaseURL string, capacity uint, dryRun bool) error {
	files, err := filepath.Glob(filepath.Join(dataDir, pattern))
	if err != nil {
		return errors.Wrap(err, "list exports")
	}
	if len(files) == 0 {
		return errors.Errorf("no exports matching %s in %s", pattern, dataDir)
	}
	sort.Strings(files)

	in := &ingester{files: files, capacity: capacity}

	rules, conflicts, err := in.collect(ctx)
	if err != nil {
		return err
	}

	slog.Info("exports parsed",
		slog.Int("files", len(files)),
		slog.Int("promotions", len(rules)),
		slog.Int("conflicting_codes", len(conflicts)),
	)

	if dryRun || len(rules) == 0 {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL, nil)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := writePromotions(ctx, postgres.NewPromotionRepository(pool), rules); err != nil {
		return errors.Wrap(err, "write promotions to database")
	}

	return nil
}
