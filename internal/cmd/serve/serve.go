// Package serve implements the serve sub-command: it assembles the store,
// embedder and LLM plugins from config and runs the MCP server on stdio.
package serve

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/mcpserver"
	"github.com/recallhq/recall/internal/memory"
	"github.com/recallhq/recall/internal/plugin/embed/cached"
	registryembed "github.com/recallhq/recall/internal/registry/embed"
	registryllm "github.com/recallhq/recall/internal/registry/llm"
	registrymigrate "github.com/recallhq/recall/internal/registry/migrate"
	registrystore "github.com/recallhq/recall/internal/registry/store"

	// Import all plugins to trigger init() registration
	_ "github.com/recallhq/recall/internal/plugin/embed/local"
	_ "github.com/recallhq/recall/internal/plugin/embed/openai"
	_ "github.com/recallhq/recall/internal/plugin/llm/openai"
	_ "github.com/recallhq/recall/internal/plugin/store/memory"
	_ "github.com/recallhq/recall/internal/plugin/store/pgvector"
	_ "github.com/recallhq/recall/internal/plugin/store/qdrant"
	_ "github.com/recallhq/recall/internal/plugin/store/sqlite"
	_ "github.com/recallhq/recall/internal/plugin/store/sqlitevec"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the MCP memory server on stdio",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cfg.Verbose {
				log.SetLevel(log.DebugLevel)
			}
			return run(config.WithContext(ctx, &cfg), cfg, cmd.IsSet("management-port"))
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db",
			Category:    "Database:",
			Sources:     cli.EnvVars("RECALL_DB"),
			Destination: &cfg.DBPath,
			Value:       cfg.DBPath,
			Usage:       "SQLite database file, or \":memory:\" for an ephemeral store",
		},
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("RECALL_DB_KIND"),
			Destination: &cfg.StoreType,
			Value:       cfg.StoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("RECALL_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Postgres connection URL for the pgvector backend",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("RECALL_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("RECALL_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.StringFlag{
			Name:        "qdrant-host",
			Category:    "Database:",
			Sources:     cli.EnvVars("RECALL_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant host for the qdrant backend",
		},
		&cli.StringFlag{
			Name:        "qdrant-api-key",
			Category:    "Database:",
			Sources:     cli.EnvVars("RECALL_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},

		// ── Models ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "openai-key",
			Category:    "Models:",
			Sources:     cli.EnvVars("OPENAI_API_KEY", "RECALL_OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Models:",
			Sources:     cli.EnvVars("RECALL_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},
		&cli.StringFlag{
			Name:        "model",
			Category:    "Models:",
			Sources:     cli.EnvVars("RECALL_MODEL"),
			Destination: &cfg.ChatModel,
			Value:       cfg.ChatModel,
			Usage:       "Chat model for extraction and consolidation",
		},
		&cli.StringFlag{
			Name:        "embedding",
			Category:    "Models:",
			Sources:     cli.EnvVars("RECALL_EMBEDDING_MODEL"),
			Destination: &cfg.EmbeddingModel,
			Value:       cfg.EmbeddingModel,
			Usage:       "Embedding model",
		},
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Models:",
			Sources:     cli.EnvVars("RECALL_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.IntFlag{
			Name:        "embedding-dimensions",
			Category:    "Models:",
			Sources:     cli.EnvVars("RECALL_EMBEDDING_DIMENSIONS"),
			Destination: &cfg.EmbeddingDimensions,
			Usage:       "Override the embedding model's native dimension",
		},

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "user-id",
			Category:    "Server:",
			Sources:     cli.EnvVars("RECALL_USER_ID"),
			Destination: &cfg.DefaultUserID,
			Usage:       "Default user id for MCP tool calls that omit one",
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Category:    "Server:",
			Sources:     cli.EnvVars("RECALL_VERBOSE"),
			Destination: &cfg.Verbose,
			Usage:       "Enable debug logging",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Server:",
			Sources:     cli.EnvVars("RECALL_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementPort,
			Usage:       "Serve /health, /ready and /metrics over HTTP on this port",
		},
	}
}

func run(ctx context.Context, cfg config.Config, managementEnabled bool) error {
	if err := registrymigrate.RunAll(ctx); err != nil {
		return err
	}

	storeLoader, err := registrystore.Select(cfg.StoreType)
	if err != nil {
		return err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return err
	}
	embedder, err = cached.Wrap(embedder, cfg.EmbedCacheSize)
	if err != nil {
		return err
	}

	llmLoader, err := registryllm.Select("openai")
	if err != nil {
		return err
	}
	provider, err := llmLoader(ctx)
	if err != nil {
		return err
	}

	log.Info("Starting recall",
		"store", store.Name(),
		"embedder", embedder.ModelName(),
		"model", provider.ModelName())

	var stopManagement func(context.Context) error
	if managementEnabled {
		stopManagement, err = startManagementServer(cfg.ManagementPort)
		if err != nil {
			return err
		}
	}

	client := memory.NewClient(store, embedder, provider)
	srv := mcpserver.New(client, cfg.DefaultUserID, log.Default())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ServeStdio() }()

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err = <-serveErr:
		if err != nil {
			log.Error("MCP server failed", "err", err)
		}
	}
	if stopManagement != nil {
		if serr := stopManagement(context.Background()); serr != nil {
			log.Error("Management shutdown error", "err", serr)
		}
	}
	log.Info("Server stopped")
	return err
}
