// Package main provides the traceline compaction service.
//
// The compactor merges undersized event log segments inside closed monthly
// partitions and drops partitions past the retention horizon. Advisory locks
// make concurrent replicas safe.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/traceline-io/traceline/internal/compaction"
	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/eventstore"
	"github.com/traceline-io/traceline/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "compactor"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	onceFlag := flag.Bool("once", false, "run a single compaction pass and exit")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := config.NewLogger(name)

	logger.Info("Starting traceline compactor",
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	conn, err := storage.Connect(context.Background(), storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	store := eventstore.NewStore(conn, logger.With(slog.String("component", "store")))

	compactor, err := compaction.New(store, compaction.LoadConfig(), logger.With(slog.String("component", "compactor")))
	if err != nil {
		logger.Error("Failed to create compactor", slog.String("error", err.Error()))

		_ = conn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *onceFlag {
		report, err := compactor.RunOnce(ctx)
		if err != nil {
			logger.Error("Compaction pass failed", slog.String("error", err.Error()))

			_ = conn.Close()
			os.Exit(1)
		}

		logger.Info("Compaction pass complete",
			slog.Int("partitions_seen", report.PartitionsSeen),
			slog.Int("partitions_skipped", report.PartitionsSkipped),
			slog.Int64("rows_relabeled", report.RowsRelabeled),
			slog.Int("partitions_dropped", report.PartitionsDropped),
		)

		return
	}

	compactor.Start(ctx)

	<-ctx.Done()

	compactor.Close()

	logger.Info("Compactor stopped")
}
