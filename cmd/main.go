package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nullcms/server/internal/auth"
	"github.com/nullcms/server/internal/cms"
	"github.com/nullcms/server/internal/config"
	"github.com/nullcms/server/internal/logger"
	"github.com/nullcms/server/internal/storage"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)
	logger.Info("starting cms server",
		"version", buildVersion,
		"date", buildDate,
		"commit", buildCommit,
	)

	backend, err := storage.New(cfg.Storage, logger.Named("storage"))
	if err != nil {
		logger.Fatal("failed to construct storage backend", "error", err)
	}

	hasher := auth.NewArgon2Hasher(cfg.Auth.KDF)
	authService := auth.New(backend, hasher, logger.Named("auth"))

	app := cms.New(defaultSchema(), backend, authService, logger.Named("cms"))
	if err := app.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize cms", "error", err)
	}
	logger.Info("cms ready", "storage", cfg.Storage.Type)

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down cleanly", "error", err)
	}
}

// defaultSchema is the built-in content model. Deployments embedding this
// server construct their own schema instead.
func defaultSchema() cms.Schema {
	return cms.Schema{
		Collections: map[string]cms.CollectionSchema{
			"articles": {Fields: map[string]cms.Field{
				"title":       {Type: "string", Label: "Title", Required: true},
				"body":        {Type: "text", Label: "Body"},
				"publishedAt": {Type: "date", Label: "Published"},
			}},
			"pages": {Fields: map[string]cms.Field{
				"slug":  {Type: "string", Label: "Slug", Required: true},
				"title": {Type: "string", Label: "Title", Required: true},
				"body":  {Type: "text", Label: "Body"},
			}},
		},
		Singletons: map[string]cms.SingletonSchema{
			"settings": {Fields: map[string]cms.Field{
				"siteName": {Type: "string", Label: "Site name"},
				"theme":    {Type: "string", Label: "Theme"},
			}},
		},
	}
}
