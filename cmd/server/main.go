package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carpool-relay/internal/config"
	"carpool-relay/internal/db"
	"carpool-relay/internal/logging"
	myMiddleware "carpool-relay/internal/middleware"
	"carpool-relay/internal/notify"
	"carpool-relay/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Config & Flags
	configName := flag.String("config", "config", "config file name (without extension) in the working directory")
	addr := flag.String("addr", "", "http service address (overrides server.address)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Error loading .env file", slog.Any("error", err))
	}

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, *configName)
	if err != nil {
		bootLogger.Error("❌ Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	logger := logging.New(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("❌ Relay stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Relay shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts := relay.Options{
		SweepInterval: cfg.Rooms.SweepInterval,
		Logger:        logger,
	}

	// 2. Connect to Database (optional archive + ride lookups)
	var (
		rideSource relay.RideSource
		repo       *relay.Repository
	)
	if cfg.Database.DSN != "" {
		database, err := db.NewDatabase(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer database.Close()
		logger.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		logger.Info("✅ Database Schema Initialized")

		repo = relay.NewRepository(database.Conn)
		opts.Archive = repo
		rideSource = repo
	}

	// 3. Connect to Redis (optional shared state + cross-instance fan-out)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info("✅ Connected to Redis")

		opts.Store = relay.NewRedisStore(redisClient, cfg.Redis.KeyPrefix)
		opts.Rides = relay.NewSharedRideBook(redisClient, cfg.Redis.KeyPrefix, rideSource)
		opts.Broker = relay.NewRedisBroker(redisClient, cfg.Redis.Channel, logger)
	} else {
		store := relay.NewMemoryStore()
		if repo != nil {
			msgs, reqs, err := relay.Restore(ctx, repo, store)
			if err != nil {
				return err
			}
			logger.Info("Restored archive", slog.Int("messages", msgs), slog.Int("requests", reqs))
		}
		opts.Store = store
		opts.Rides = relay.NewRideBook(rideSource)
	}

	// 4. Push notifications
	if cfg.RabbitMQ.URL != "" {
		notifier, err := notify.NewAMQPNotifier(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return err
		}
		defer notifier.Close()
		logger.Info("✅ Connected to RabbitMQ")
		opts.Notifier = notifier
	} else {
		opts.Notifier = notify.NewLogNotifier(logger)
	}

	// 5. Start the Hub engine
	hub := relay.NewHub(opts)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	transport := relay.TransportConfig{
		WriteWait:      cfg.Transport.WriteWait,
		PongWait:       cfg.Transport.PongWait,
		MaxMessageSize: cfg.Transport.MaxMessageSize,
		SendBuffer:     cfg.Transport.SendBuffer,
	}
	relayHandler := relay.NewHandler(hub, transport, cfg.Server.AllowedOrigins, logger)

	var validator myMiddleware.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator = myMiddleware.NewHMACValidator(cfg.Auth.JWTSecret)
	}
	authMiddleware := myMiddleware.NewAuthMiddleware(validator, cfg.Auth.Required, logger)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", relayHandler.Health)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		relayHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 Relay starting", slog.String("addr", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down relay...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Hijacked websocket connections are closed by the hub on ctx cancel.
	<-hubDone
	return nil
}
