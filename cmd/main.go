package main

import (
	"confidant/backend/internal/api/handler"
	"confidant/backend/internal/chathub"
	"confidant/backend/internal/config"
	"confidant/backend/internal/counselor"
	"confidant/backend/internal/localization"
	"confidant/backend/internal/pii"
	"confidant/backend/internal/storage"
	"confidant/backend/internal/telegram"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Конфігурація та логер
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	log.Info("Starting Confidant Backend...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Сховище (PostgreSQL + Redis/LISTEN-NOTIFY, або пам'ять)
	store, closeStore, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing storage...")
		if err := closeStore(); err != nil {
			log.Warn("Storage close failed", "error", err)
		}
	}()

	localizer, err := localization.NewDefaultLocalizer()
	if err != nil {
		return fmt.Errorf("localization failed: %w", err)
	}

	guard, err := pii.NewGuard()
	if err != nil {
		return fmt.Errorf("pii guard failed: %w", err)
	}

	completer, err := newCompleter(ctx, cfg, log)
	if err != nil {
		return err
	}

	// 3. Chat Hub та фонові сервіси
	teardown := chathub.NewTeardown(store, log)
	hub := chathub.NewManagerService(chathub.Services{
		Matcher:   chathub.NewMatcherService(store, log),
		Channel:   chathub.NewChannel(store, guard, log),
		Teardown:  teardown,
		Counselor: counselor.NewService(completer, localizer.GetString(cfg.DefaultLocale, localization.KeyFallbackReply), log),
	}, log)

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()
	go chathub.NewSweeper(teardown, cfg.WaitingRoomTTL, cfg.SweepInterval, log).Run(ctx)

	if cfg.TelegramBotToken != "" {
		botService, bot, err := telegram.NewBotService(cfg.TelegramBotToken, hub, localizer, cfg.DefaultLocale, log)
		if err != nil {
			return err
		}
		go botService.Run(ctx, bot)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set, Telegram transport disabled")
	}

	// 4. Gin та роутинг
	if log.Enabled(ctx, slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	handler.NewHandler(hub, cfg.JWTSecret, cfg.TokenTTL, log).RegisterRoutes(r)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			stop()
			<-hubDone
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", "error", err)
	}

	// Хаб закриває всі сесії перед закриттям сховища.
	stop()
	<-hubDone
	log.Info("Confidant Backend stopped")
	return nil
}

// newCompleter picks Gemini when an API key is configured and the local echo completer otherwise.
func newCompleter(ctx context.Context, cfg config.Config, log *slog.Logger) (counselor.Completer, error) {
	if cfg.GeminiAPIKey == "" {
		log.Warn("GEMINI_API_KEY not set, counselor replies use the echo completer")
		return counselor.NewEchoCompleter(), nil
	}
	g, err := counselor.NewGeminiCompleter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, fmt.Errorf("gemini client failed: %w", err)
	}
	return g, nil
}
