package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/clock"
	"github.com/yagpt-tgbot-go/internal/config"
	"github.com/yagpt-tgbot-go/internal/handlers"
	"github.com/yagpt-tgbot-go/internal/i18n"
	"github.com/yagpt-tgbot-go/internal/middleware"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/access"
	"github.com/yagpt-tgbot-go/internal/services/admin"
	"github.com/yagpt-tgbot-go/internal/services/ai"
	"github.com/yagpt-tgbot-go/internal/services/conversation"
	"github.com/yagpt-tgbot-go/internal/services/quota"
	"github.com/yagpt-tgbot-go/internal/services/relay"
	"github.com/yagpt-tgbot-go/internal/services/settings"
	"github.com/yagpt-tgbot-go/internal/services/storage"
	"github.com/yagpt-tgbot-go/pkg/logger"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
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

	if cfg.Bot.Token == "" {
		log.Fatal("BOT_TOKEN is required")
	}

	log.Info("Starting YandexGPT Telegram Bot...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	metrics := middleware.NewMetrics()
	backend, err := storage.Open(cfg, log)
	if err != nil {
		if errors.Is(err, storage.ErrEncryptionKeyMismatch) {
			log.WithError(err).Fatal("DB_ENCRYPTION_KEY does not match the stored data")
		}
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer backend.Close()
	repo := middleware.Instrument(backend, metrics)
	log.WithField("backend", backend.Backend()).Info("Storage ready")

	location, err := cfg.Limits.Location()
	if err != nil {
		log.WithError(err).Fatal("Invalid timezone")
	}

	globalSettings, err := settings.Load(ctx, repo, models.Language(cfg.I18n.DefaultLanguage), log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load global settings")
	}

	localizer, err := i18n.NewLocalizer()
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	clk := clock.Real{}
	tracker := quota.NewTracker(repo, quota.Limits{
		Text:  cfg.Limits.DailyLimit,
		Image: cfg.Limits.ImageGenerationLimit,
	}, clk, location, log)
	history := conversation.NewHistory(repo, cfg.Context.MaxHistoryTurns, cfg.Context.DefaultSystemPrompt, clk)
	registry := access.NewRegistry(repo, log)

	sessions, err := admin.NewSessionStore(&cfg.Sessions, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize admin sessions")
	}
	if closer, ok := sessions.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	panel := admin.NewPanel(cfg.Bot.AdminIDs, registry, repo, globalSettings, sessions, localizer, tracker.Today, log)

	llm := ai.NewYandexGPT(&cfg.Models.Yandex, log)
	images := ai.NewYandexART(&cfg.Models.Art, &cfg.Models.Yandex, log)
	relaySvc := relay.NewService(tracker, history, registry, llm, images, cfg.Context.MaxQuestionLen, metrics, log)

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, metrics, log)
	stopCleanup := make(chan struct{})
	go rateLimiter.RunCleanup(10*time.Minute, stopCleanup)

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.Monitoring.Metrics.Enabled {
		metricsServer = middleware.NewMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path)
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}
	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	handler := handlers.NewHandler(bot, bot.Self.UserName, relaySvc, panel, rateLimiter, globalSettings, localizer, metrics, log)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = cfg.Bot.UpdateTimeout
	updates := bot.GetUpdatesChan(u)
	log.Info("Using long polling")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	d := dispatch(updates, func(update tgbotapi.Update) {
		handler.HandleUpdate(ctx, update)
	}, log)

	<-sigChan
	log.Info("Shutdown signal received")

	bot.StopReceivingUpdates()
	close(stopCleanup)

	// Let in-flight interactions persist their turns before storage closes.
	if !d.Wait(30 * time.Second) {
		log.Warn("Timed out waiting for in-flight updates")
	}
	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Failed to stop metrics server")
		}
	}

	log.Info("Bot stopped")
}
