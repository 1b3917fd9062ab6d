// Package main provides the traceline query API service.
//
// The querier is the read side of the pipeline: dataset profiles, run
// status, event history, and backward lineage traversal over data the
// sinks have persisted.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/traceline-io/traceline/internal/api"
	"github.com/traceline-io/traceline/internal/api/middleware"
	"github.com/traceline-io/traceline/internal/catalog"
	"github.com/traceline-io/traceline/internal/config"
	"github.com/traceline-io/traceline/internal/eventstore"
	"github.com/traceline-io/traceline/internal/query"
	"github.com/traceline-io/traceline/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "querier"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting traceline query service",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
	)

	rateLimitConfig := middleware.LoadRateLimitConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", rateLimitConfig.GlobalRPS),
		slog.Int("client_rps", rateLimitConfig.ClientRPS),
		slog.Int("unauth_rps", rateLimitConfig.UnAuthRPS),
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
		slog.Int("max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("max_idle_conns", storageConfig.MaxIdleConns),
	)

	var keys storage.KeyStore

	if config.GetEnvBool("TRACELINE_AUTH_ENABLED", false) {
		apiKeys := config.ParseCommaSeparatedList(config.GetEnvStr("TRACELINE_API_KEYS", ""))

		keys, err = storage.NewMemoryKeyStore(apiKeys)
		if err != nil {
			logger.Error("Failed to initialize key store", slog.String("error", err.Error()))

			_ = conn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		logger.Info("API key authentication enabled", slog.Int("keys", len(apiKeys)))
	} else {
		logger.Warn("API key authentication disabled",
			slog.String("note", "Set TRACELINE_AUTH_ENABLED=true to require API keys"),
		)
	}

	eventStore := eventstore.NewStore(conn, logger.With(slog.String("component", "eventstore")))
	catalogStore := catalog.NewStore(conn)

	service := query.NewService(eventStore, catalogStore, logger.With(slog.String("component", "query")))

	server := api.NewServer(serverConfig, service, conn, keys, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server exited with error", slog.String("error", err.Error()))

		_ = conn.Close()
		os.Exit(1)
	}
}
