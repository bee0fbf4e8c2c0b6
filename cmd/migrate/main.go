package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/config"
	"github.com/yagpt-tgbot-go/internal/services/codec"
	"github.com/yagpt-tgbot-go/internal/services/migration"
	"github.com/yagpt-tgbot-go/internal/services/storage"
	"github.com/yagpt-tgbot-go/pkg/logger"
)

// migrate copies the JSON file state into the configured database. It can be
// re-run safely; the state file is only read.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Migration failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := storage.SnapshotSource{
		StatePath: cfg.Storage.StatePath(),
		AllowPath: cfg.Storage.UnlimitedPath(),
		Logger:    log,
	}

	c, err := codec.New(cfg.Storage.Database.EncryptionKey)
	if err != nil {
		return fmt.Errorf("DB_ENCRYPTION_KEY is required: %w", err)
	}
	target, err := storage.OpenDatabase(cfg.Storage.Database, c, cfg.Context.MaxHistoryTurns, log)
	if err != nil {
		if errors.Is(err, storage.ErrEncryptionKeyMismatch) {
			return fmt.Errorf("the database was written with a different key: %w", err)
		}
		return err
	}
	defer target.Close()

	report, err := migration.NewMigrator(source, target, log).Run(ctx)
	if errors.Is(err, storage.ErrStorageCorrupt) {
		return fmt.Errorf("state file cannot be parsed, nothing was migrated: %w", err)
	}
	if err != nil {
		return err
	}

	counts, err := target.Counts(ctx)
	if err != nil {
		return fmt.Errorf("verifying target: %w", err)
	}
	log.WithFields(logrus.Fields{
		"report": fmt.Sprintf("%+v", *report),
		"target": fmt.Sprintf("%+v", counts),
	}).Info("Database now holds")
	return nil
}
