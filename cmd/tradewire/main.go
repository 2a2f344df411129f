package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradewire/internal/bus"
	"tradewire/internal/config"
	"tradewire/internal/constants"
	"tradewire/internal/database"
	"tradewire/internal/gateway"
	"tradewire/internal/models"
	"tradewire/internal/queue"
	"tradewire/internal/registry"
	"tradewire/internal/retry"
	"tradewire/internal/service"
	"tradewire/internal/tracing"
	"tradewire/pkg/auth"
	"tradewire/pkg/email"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("TradeWire %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting TradeWire")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled")
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	tracingManager := tracing.NewManager(tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  cfg.Tracing.Environment,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		Enabled:      cfg.Tracing.Enabled,
		UseStdout:    cfg.Tracing.UseStdout,
	}, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Database with exponential backoff retry; sqlite can lose a race with a
	// previous instance still holding the WAL.
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	fanout, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}
	defer fanout.Close()

	presence, err := buildPresenceStore(cfg)
	if err != nil {
		return err
	}

	sessions, err := buildSessionStore(cfg)
	if err != nil {
		return err
	}

	reg := registry.New(cfg.InstanceID, presence, fanout, registry.Options{
		HeartbeatTimeout: time.Duration(cfg.Presence.HeartbeatTimeoutSec) * time.Second,
		SweepInterval:    time.Duration(cfg.Presence.SweepIntervalSec) * time.Second,
	}, logger)
	defer reg.Close()

	push := service.NewBusPusher(fanout)

	q := queue.New(db, queue.Config{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffBase:    time.Duration(cfg.Queue.BackoffBaseSec) * time.Second,
		PollInterval:   time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		WorkersPerKind: cfg.Queue.WorkersPerKind,
	}, logger)

	emailClient := email.NewClient(
		cfg.Email.APIBaseURL,
		cfg.Email.APIKey,
		cfg.Email.FromName,
		time.Duration(cfg.Email.TimeoutSec)*time.Second,
		logger,
	)

	processor := service.NewDeliveryProcessor(db, reg, q, push, emailClient, logger)
	q.Register(models.JobKindMessage, processor.HandleMessageJob)
	q.Register(models.JobKindNotification, processor.HandleNotificationJob)
	q.Register(models.JobKindEmail, processor.HandleEmailJob)

	orchestrator := service.NewOrchestrator(db, q, push, logger)

	coordinator := service.NewCallCoordinator(sessions, push,
		time.Duration(cfg.Calls.RingTimeoutSec)*time.Second, logger)

	// A user dropping fully offline tears down any call they are in.
	reg.OnStatusChange(func(userID string, online bool) {
		if !online {
			coordinator.HandlePeerDisconnect(userID)
		}
	})

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	gw := gateway.New(reg, orchestrator, coordinator, verifier, logger)

	go q.Start(ctx)
	defer q.Stop()

	monitor := service.NewDeliveryMonitor(db, 5*time.Minute, 10*time.Minute, logger)
	go monitor.Start(ctx)
	defer monitor.Stop()

	server := NewServer(cfg, gw, q, orchestrator, reg, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func buildBus(cfg *models.Config, logger *logrus.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return bus.NewMemoryBus(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr, DB: cfg.Bus.RedisDB})
		return bus.NewRedisBus(client, cfg.Bus.Channel, logger), nil
	case "kafka":
		return bus.NewKafkaBus(cfg.Bus.KafkaBrokers, cfg.Bus.Channel, cfg.InstanceID, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

func buildPresenceStore(cfg *models.Config) (registry.PresenceStore, error) {
	switch cfg.Presence.Driver {
	case "memory":
		return registry.NewMemoryPresenceStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Presence.RedisAddr, DB: cfg.Presence.RedisDB})
		return registry.NewRedisPresenceStore(client, cfg.Presence.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown presence driver %q", cfg.Presence.Driver)
	}
}

func buildSessionStore(cfg *models.Config) (service.SessionStore, error) {
	switch cfg.Calls.Driver {
	case "memory":
		return service.NewMemorySessionStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Calls.RedisAddr, DB: cfg.Calls.RedisDB})
		return service.NewRedisSessionStore(client, cfg.Calls.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown call session driver %q", cfg.Calls.Driver)
	}
}
