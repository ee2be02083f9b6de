package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"genmarket/internal/api"
	"genmarket/internal/cache"
	"genmarket/internal/config"
	"genmarket/internal/mirror"
	"genmarket/internal/model"
	"genmarket/internal/service"
	"genmarket/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

func main() {
	// 初始化配置
	cfg, err := config.ParseConfig()
	if err != nil {
		logrus.WithError(err).Error("Failed to parse config")
		os.Exit(1)
	}

	// 初始化logger
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(cfg.Level())

	if err := run(cfg); err != nil {
		logrus.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := model.InitRepository(&cfg)
	if err != nil {
		return fmt.Errorf("initialise repository: %w", err)
	}
	if err := model.SeedDefaultProviders(ctx, repo, cfg); err != nil {
		logrus.WithError(err).Warn("failed to seed default providers")
	}
	if err := model.SeedDefaultPlans(ctx, repo); err != nil {
		logrus.WithError(err).Warn("failed to seed default plans")
	}

	store, err := storage.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("initialise storage: %w", err)
	}

	snapshotStore, err := cache.New(cfg.RedisURL, time.Duration(cfg.ProviderCacheTTLSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("initialise provider cache: %w", err)
	}
	if closer, ok := snapshotStore.(io.Closer); ok {
		defer closer.Close()
	}
	snapshots := cache.NewProviderConfigs(repo, snapshotStore)

	mirrorService := mirror.NewService(repo, store, mirror.Options{
		Attempts:     cfg.MirrorAttempts,
		Backoff:      time.Duration(cfg.MirrorBackoffSeconds) * time.Second,
		FetchTimeout: time.Duration(cfg.MirrorFetchTimeoutSeconds) * time.Second,
		MaxBytes:     cfg.MirrorMaxBytes,
	})

	location, err := time.LoadLocation(cfg.SchedulerTimezone)
	if err != nil {
		logrus.WithError(err).WithField("timezone", cfg.SchedulerTimezone).Warn("unknown scheduler timezone, using UTC")
		location = time.UTC
	}

	generation := service.NewGenerationService(repo, snapshots, mirrorService)
	billing := service.NewBillingService(repo, cfg.GrantHour, location)
	providers := service.NewProviderService(repo, snapshots)

	scheduler, err := service.NewScheduler(service.SchedulerConfig{
		Location:       location,
		GrantSpec:      cfg.GrantCron,
		SweepSpec:      cfg.SweepCron,
		SweepBatchSize: cfg.SweepBatchSize,
	}, billing, generation)
	if err != nil {
		return fmt.Errorf("initialise scheduler: %w", err)
	}

	httpHandler, err := api.NewHTTPHandler(cfg, repo, generation, billing, providers)
	if err != nil {
		return fmt.Errorf("initialise http handler: %w", err)
	}

	// 设置Gin模式
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(api.LoggingMiddleware())
	r.Use(gin.Recovery())
	httpHandler.RegisterRoutes(r)

	if localProvider, ok := store.(storage.LocalBaseDirProvider); ok {
		publicPrefix := strings.TrimSpace(cfg.StoragePublicBaseURL)
		if publicPrefix == "" {
			publicPrefix = "/files"
		}
		if !strings.HasPrefix(publicPrefix, "http://") && !strings.HasPrefix(publicPrefix, "https://") {
			if !strings.HasPrefix(publicPrefix, "/") {
				publicPrefix = "/" + publicPrefix
			}
			r.Static(publicPrefix, localProvider.LocalBaseDir())
		}
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With", api.PaymentSignatureHeader},
	})

	serverHost := fmt.Sprintf("0.0.0.0:%s", cfg.HTTPPort)
	// 创建HTTP服务器，WriteTimeout 需覆盖 SSE 长连接
	httpServer := &http.Server{
		Addr:         serverHost,
		Handler:      corsHandler.Handler(r),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  1200 * time.Second,
	}

	scheduler.Start()
	serveErr := make(chan error, 1)
	go func() {
		logrus.WithField("host", serverHost).Info("服务器启动")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logrus.Info("shutdown_requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http_shutdown_failed")
	}
	scheduler.Stop(shutdownCtx)
	generation.Wait()
	logrus.Info("服务器已停止")
	return nil
}
