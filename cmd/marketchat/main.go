package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"marketchat/internal/app/session"
	"marketchat/internal/infra/broker/kafka"
	"marketchat/internal/infra/config"
	"marketchat/internal/infra/db/mongo"
	ginserver "marketchat/internal/infra/http/gin"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/presence"
	"marketchat/internal/infra/storage/memory"
	"marketchat/internal/infra/storage/s3"
)

func main() {
	// Env files are a local convenience; absence is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("dev").Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	userID := os.Getenv("SESSION_USER_ID")
	if userID == "" {
		logger.Error("SESSION_USER_ID is required")
		os.Exit(1)
	}

	opts := session.Options{
		Identity:         session.StaticIdentity(userID),
		Logger:           logger,
		RefreshInterval:  cfg.RefreshInterval,
		PresenceInterval: cfg.PresenceInterval,
	}

	var closers []func()
	switch cfg.StoreMode {
	case "mongo":
		client, err := mongo.New(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			logger.Error("mongo connect failed", "error", err)
			os.Exit(1)
		}
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, nil, logger)
		if err != nil {
			logger.Error("kafka producer failed", "error", err)
			os.Exit(1)
		}
		closers = append(closers, func() { _ = producer.Close() })

		opts.Repo = mongo.NewConversationRepository(client.DB, producer)
		opts.Feed = kafka.NewFeed(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopicPrefix, nil, logger)

		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = redisClient.Close() })
		opts.Presence = presence.NewRedisSource(redisClient, cfg.PresenceTTL)

		uploader, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3PublicEndpoint, logger)
		if err != nil {
			logger.Warn("s3 unavailable, attachments disabled", "error", err)
		} else {
			opts.Uploader = uploader
		}
	default:
		repo := memory.NewChatRepository()
		feed := memory.NewChangeFeed()
		repo.SetPublisher(feed)
		opts.Repo = repo
		opts.Feed = feed
		opts.Presence = memory.NewPresenceSource(cfg.PresenceTTL)
	}

	sess, err := session.New(opts)
	if err != nil {
		logger.Error("session init failed", "error", err)
		os.Exit(1)
	}
	if err := sess.Start(ctx); err != nil {
		logger.Error("session start failed", "error", err)
		os.Exit(1)
	}
	sess.OpenPanel(ctx)

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{
		Ready: func() error {
			if !sess.Store().Loaded() {
				return session.ErrTransientFetch
			}
			return nil
		},
	}, ginserver.Handlers{
		Session: ginserver.SessionHandler{Session: sess, Logger: logger},
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("marketchat session started", "user_id", userID, "addr", cfg.HTTPAddr, "store", cfg.StoreMode)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}

	sess.Close()
	for _, closeFn := range closers {
		closeFn()
	}
	logger.Info("marketchat session stopped")
}
