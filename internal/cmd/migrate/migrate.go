// Package migrate implements the migrate sub-command.
package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/recallhq/recall/internal/config"
	registrymigrate "github.com/recallhq/recall/internal/registry/migrate"

	// Import plugins to trigger init() registration of their migrators.
	// Store plugins register their own migrators alongside their primary interface.
	_ "github.com/recallhq/recall/internal/plugin/store/pgvector"
	_ "github.com/recallhq/recall/internal/plugin/store/qdrant"
	_ "github.com/recallhq/recall/internal/plugin/store/sqlite"
	_ "github.com/recallhq/recall/internal/plugin/store/sqlitevec"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run store migrations and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Sources: cli.EnvVars("RECALL_DB"),
				Usage:   "SQLite database file",
				Value:   config.DefaultConfig().DBPath,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("RECALL_DB_KIND"),
				Usage:   "Backend store (sqlite|sqlite-vec|pgvector|qdrant)",
				Value:   "sqlite",
			},
			&cli.StringFlag{
				Name:    "db-url",
				Sources: cli.EnvVars("RECALL_DB_URL"),
				Usage:   "Postgres connection URL for the pgvector backend",
			},
			&cli.StringFlag{
				Name:    "qdrant-host",
				Sources: cli.EnvVars("RECALL_QDRANT_HOST"),
				Usage:   "Qdrant host for the qdrant backend",
				Value:   "localhost",
			},
			&cli.IntFlag{
				Name:    "embedding-dimensions",
				Sources: cli.EnvVars("RECALL_EMBEDDING_DIMENSIONS"),
				Usage:   "Vector dimension for dimension-fixed backends",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBPath = cmd.String("db")
			cfg.StoreType = cmd.String("db-kind")
			cfg.DBURL = cmd.String("db-url")
			cfg.QdrantHost = cmd.String("qdrant-host")
			cfg.EmbeddingDimensions = int(cmd.Int("embedding-dimensions"))
			cfg.MigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
