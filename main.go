package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"restaurant-ordering/batch"
	"restaurant-ordering/cache"
	"restaurant-ordering/config"
	"restaurant-ordering/events"
	"restaurant-ordering/handlers"
	"restaurant-ordering/logging"
	"restaurant-ordering/middleware"
	"restaurant-ordering/routes"
	"restaurant-ordering/service"
	"restaurant-ordering/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	gin.SetMode(cfg.Server.GinMode)

	db, err := config.OpenDB(cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	if created, err := handlers.SeedAdmin(db, cfg.Admin.Username, cfg.Admin.Password); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed admin account")
	} else if created {
		logger.Info().Str("username", cfg.Admin.Username).Msg("Admin account created")
	}

	var orderCache cache.Cache = cache.Nop{}
	if cfg.Redis.Addr != "" {
		rc := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, order cache disabled")
			_ = rc.Close()
		} else {
			orderCache = rc
			defer rc.Close()
		}
		cancel()
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Publishing order events")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close event publisher")
		}
	}()

	queue := batch.NewQueue()
	ledger := store.NewLedger(db)
	flusher := batch.NewFlusher(queue, ledger, batch.Options{
		BatchSize:   cfg.Batch.Size,
		Interval:    cfg.Batch.FlushInterval,
		Timeout:     cfg.Batch.FlushTimeout,
		MaxAttempts: cfg.Batch.MaxAttempts,
		DeadLetter:  store.NewDeadLetters(db),
		OnCommit:    events.OnCommit(publisher, logger),
	}, logger)
	if err := flusher.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start flusher")
	}

	orders := service.NewOrderService(service.Deps{
		DB:      db,
		Queue:   queue,
		Flusher: flusher,
		Ledger:  ledger,
		Cache:   orderCache,
		Events:  publisher,
	}, service.Options{
		OrderTTL:   cfg.Cache.OrderTTL,
		ListingTTL: cfg.Cache.ListingTTL,
	}, logger)

	if err := middleware.RegisterValidators(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register validators")
	}
	auth := middleware.NewAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	r := gin.New()
	r.Use(gin.Recovery(), logging.RequestLogger(logger))

	// CORS middleware for frontend integration
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	routes.SetupRoutes(r, handlers.New(db, auth, orders, logger), auth)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	flusher.Stop(ctx)
	logger.Info().Msg("Server stopped")
}
