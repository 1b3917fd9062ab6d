// Package main provides the traceline catalog sink service.
//
// The catalogsink consumes lineage events from Kafka and folds COMPLETE
// events into the dataset freshness catalog, applying governance rules from
// .traceline.yaml for datasets whose events carry no governance facet.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/traceline-io/traceline/internal/catalog"
	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/governance"
	"github.com/traceline-io/traceline/internal/storage"
	"github.com/traceline-io/traceline/internal/transport"
)

const (
	version = "1.0.0-dev"
	name    = "catalogsink"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := config.NewLogger(name)

	logger.Info("Starting traceline catalog sink",
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

	kafkaConfig := transport.LoadKafkaConfig()

	consumer, err := transport.NewConsumer(kafkaConfig, transport.GroupCatalog)
	if err != nil {
		logger.Error("Failed to create Kafka consumer", slog.String("error", err.Error()))

		_ = conn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	defer func() {
		_ = consumer.Close()
	}()

	logger.Info("Kafka consumer initialized",
		slog.Any("brokers", kafkaConfig.Brokers),
		slog.String("topic", kafkaConfig.Topic),
		slog.String("group", transport.GroupCatalog),
	)

	rulesPath := governance.ConfigPath()

	rulesConfig, err := governance.LoadConfig(rulesPath)
	if err != nil {
		logger.Error("Failed to load governance rules", slog.String("error", err.Error()))

		_ = consumer.Close()
		_ = conn.Close()
		os.Exit(1)
	}

	resolver := governance.NewResolver(rulesConfig)

	logger.Info("Governance rules loaded",
		slog.String("path", rulesPath),
		slog.Int("rules", resolver.RuleCount()),
	)

	store := catalog.NewStore(conn)
	sink := catalog.NewSink(consumer, store, resolver, logger.With(slog.String("component", "sink")))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sink.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Sink exited with error", slog.String("error", err.Error()))

		_ = consumer.Close()
		_ = conn.Close()
		os.Exit(1)
	}

	logger.Info("Catalog sink stopped")
}
