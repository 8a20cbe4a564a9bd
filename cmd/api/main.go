package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"murmur/api/internal/app"
	"murmur/api/internal/config"
	"murmur/api/internal/credential"
	"murmur/api/internal/email"
	"murmur/api/internal/notify"
	"murmur/api/internal/search"
	"murmur/api/internal/session"
	"murmur/api/internal/spam"
	"murmur/api/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "murmur-api").Logger()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}

	dataStore := store.NewPostgresStore(db)
	sessions := session.NewRedisStoreWithClient(redisClient)

	var checker spam.ReputationChecker
	if cfg.SpamDatabase == "remote" && strings.TrimSpace(cfg.SpamEndpoint) != "" {
		checker = spam.NewHTTPChecker(cfg.SpamEndpoint)
	}
	gate := spam.NewGate(redisClient, checker, cfg.SpamCheckMode, cfg.SpamDatabase, cfg.Blocklist, log)

	creds := credential.NewService(cfg.AdminPasswordHash)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	notifier := notify.NewDispatcher(mailer, creds, notify.Config{
		Domain:            cfg.Domain,
		DefaultName:       cfg.DefaultName,
		WebmasterEmail:    cfg.NotificationEmail,
		NoreplyEmail:      cfg.NoreplyEmail,
		AllowsUserReplies: cfg.AllowsUserReplies,
	}, log)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	}
	searchService := search.NewService(meiliClient, pgfts, log)

	service := app.NewService(cfg, dataStore, creds, gate, sessions, notifier, searchService, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigins, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("murmur api listening")
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
