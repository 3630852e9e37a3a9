package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"permitdesk/api/internal/app"
	"permitdesk/api/internal/config"
	"permitdesk/api/internal/email"
	"permitdesk/api/internal/files"
	"permitdesk/api/internal/notify"
	"permitdesk/api/internal/search"
	"permitdesk/api/internal/session"
	"permitdesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()

	var fileStore *files.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		fileStore, err = files.NewStore(ctx, files.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("object storage connection failed")
		}
		log.Info().Str("bucket", cfg.MinioBucket).Msg("object storage enabled")
	} else {
		log.Warn().Msg("object storage not configured, file endpoints disabled")
	}

	emailService := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		EnableTLS: true,
	})
	if !emailService.IsConfigured() {
		log.Warn().Msg("SMTP not configured, notifications stay queued")
	}

	dispatcher := notify.NewDispatcher(dataStore, emailService, log, cfg.OutboxBatchSize, cfg.OutboxMaxAttempts)
	worker, err := notify.NewWorker(dispatcher, cfg.OutboxSchedule, log)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.OutboxSchedule).Msg("invalid outbox schedule")
	}
	worker.Start()
	defer worker.Stop()

	service := app.New(cfg, dataStore, redisStore, searchService, fileStore, emailService, log)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("PermitDesk API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
