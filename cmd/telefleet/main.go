package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telefleet/telefleet/internal/config"
	"github.com/telefleet/telefleet/internal/handlers"
	"github.com/telefleet/telefleet/internal/jobs"
	"github.com/telefleet/telefleet/internal/repository"
	"github.com/telefleet/telefleet/internal/service"
	"github.com/telefleet/telefleet/internal/telegram"
	"github.com/telefleet/telefleet/pkg/cache"
	"github.com/telefleet/telefleet/pkg/database"
	"github.com/telefleet/telefleet/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("Starting telefleet service")

	db, err := database.NewMongoDB(cfg.MongoURI, cfg.DatabaseName, 10*time.Second)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", logger.F("error", err.Error()))
	}

	redisCache, err := cache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", logger.F("error", err.Error()))
	}

	notifyBot, err := bot.New(cfg.BotToken, bot.WithSkipGetMe())
	if err != nil {
		log.Fatal("Failed to create notification bot", logger.F("error", err.Error()))
	}

	repo := repository.NewOwnerRepository(db.Database())
	metrics := service.NewMetrics()
	clock := service.SystemClock()
	loc := cfg.Location()

	dialer := telegram.NewMTProtoDialer(cfg.APIID, cfg.APIHash, telegram.DeviceConfig{
		Model:          cfg.DeviceModel,
		SystemVersion:  cfg.SystemVersion,
		AppVersion:     cfg.AppVersion,
		LangCode:       cfg.LangCode,
		SystemLangCode: cfg.SystemLangCode,
	}, cfg.Pacing.CallTimeout, log)

	notifier := service.NewBotNotifier(notifyBot, log)
	registry := service.NewSessionRegistry(repo, dialer, metrics, log)
	ledger := service.NewQuotaLedger(repo, cfg.Pacing, clock, loc, metrics, log)
	scraper := service.NewMemberScraper(cfg.Pacing, clock, metrics, log)
	adder := service.NewAddWorker(ledger, notifier, metrics, log)
	candidates := service.NewRedisCandidateStore(redisCache, cfg.Pacing)

	orchestrator := service.NewOrchestrator(repo, registry, ledger, scraper, adder,
		notifier, candidates, cfg.Pacing, clock, metrics, log)
	supervisor := service.NewSupervisor(repo, registry, orchestrator, notifier, candidates, metrics, log)

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	if err := supervisor.RecoverOnBoot(recoverCtx); err != nil {
		log.Error("Boot recovery failed", logger.F("error", err.Error()))
	}
	cancelRecover()

	scheduler := jobs.NewScheduler(repo, supervisor, loc, log)
	if err := scheduler.Start(); err != nil {
		log.Fatal("Failed to start scheduler", logger.F("error", err.Error()))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpHandler := handlers.NewHTTPHandler(supervisor, log)
	httpHandler.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	go func() {
		log.Info("Starting HTTP server", logger.F("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", logger.F("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Telefleet service started")
	<-sigChan

	log.Info("Shutting down telefleet service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown HTTP server", logger.F("error", err.Error()))
	}

	supervisor.Shutdown()
	scheduler.Stop()
	registry.CloseAll()

	if err := redisCache.Close(); err != nil {
		log.Error("Failed to close Redis", logger.F("error", err.Error()))
	}
	if err := db.Close(); err != nil {
		log.Error("Failed to close MongoDB", logger.F("error", err.Error()))
	}

	log.Info("Telefleet service stopped")
}
