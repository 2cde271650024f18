package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modbridge/backend/internal/api/handler"
	"modbridge/backend/internal/bootstrap"
	"modbridge/backend/internal/config"
	"modbridge/backend/internal/engine"
	"modbridge/backend/internal/logger"
	"modbridge/backend/internal/moderation"
	"modbridge/backend/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("Starting moderation bridge...")

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}
	if err := config.Validate(cfg, policy); err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Store and gateways
	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	instance := bootstrap.NewInstance(cfg, log.WithField("component", "instance"))
	chat, err := bootstrap.NewChat(cfg)
	if err != nil {
		log.Fatalf("Failed to create guild gateway: %v", err)
	}

	// 2. Operator bot
	var (
		bot     *telegram.BotService
		alerter moderation.Alerter
	)
	if cfg.AlertsEnabled() {
		bot, err = telegram.NewBotService(telegram.Options{
			Token:    cfg.TelegramBotToken,
			ChatID:   cfg.TelegramAlertChatID,
			Language: cfg.TelegramLanguage,
			Cursors:  store,
			Logger:   log.WithField("component", "telegram"),
		})
		if err != nil {
			log.Fatalf("Failed to start Telegram bot: %v", err)
		}
		alerter = bot
	}

	// 3. Engine
	c := bootstrap.Build(cfg, policy, store, instance, chat, alerter, log)
	eng := engine.New(log.WithField("component", "engine"), c.Tasks...)
	if bot != nil {
		bot.SetEngine(eng)
		go bot.Run(ctx)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// 4. Admin HTTP
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	handler.NewHandler(c.Registry, store, store, eng, []byte(cfg.AdminJWTSecret), log.WithField("component", "http")).Register(r)

	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("ERROR: http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warnf("engine shutdown: %v", err)
	}
	log.Info("Stopped")
}
