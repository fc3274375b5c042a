package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saaga0h/jeeves-synergy/internal/synergy"
	"github.com/saaga0h/jeeves-synergy/pkg/config"
	"github.com/saaga0h/jeeves-synergy/pkg/health"
	"github.com/saaga0h/jeeves-synergy/pkg/metrics"
	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
	"github.com/saaga0h/jeeves-synergy/pkg/postgres"
	"github.com/saaga0h/jeeves-synergy/pkg/redis"
)

func main() {
	// Load configuration with hierarchy: defaults → .env → env → flags
	cfg := config.NewConfig()
	cfg.LoadEnvFile()
	cfg.LoadFromEnv()
	cfg.LoadFromFlags()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting J.E.E.V.E.S. Synergy Agent",
		"service_name", cfg.ServiceName,
		"mqtt_broker", cfg.MQTTAddress(),
		"redis_host", cfg.RedisAddress(),
		"store", cfg.StoreBackend,
		"event_source", cfg.EventSource,
		"detection_interval", cfg.DetectionInterval,
		"calibration_interval", cfg.CalibrationInterval,
		"log_level", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mqttClient := mqtt.NewClient(cfg, logger)
	redisClient := redis.NewClient(cfg, logger)

	var pgClient postgres.Client
	if cfg.StoreBackend == "postgres" || cfg.EventSource == "postgres" {
		pgClient = postgres.NewClient(cfg, logger)
		if err := pgClient.Connect(ctx); err != nil {
			logger.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
	}

	m := metrics.NewMetrics(nil)

	agent, err := synergy.NewAgent(mqttClient, redisClient, pgClient, cfg, m, logger)
	if err != nil {
		logger.Error("Failed to create agent", "error", err)
		os.Exit(1)
	}

	healthChecker := health.NewChecker(mqttClient, redisClient, pgClient, logger)
	healthChecker.SetEngine(agent.Query(), func() interface{} { return agent.Query().Health() })
	httpServer := startHealthServer(cfg.HealthPort, healthChecker, m, logger)

	agentErr := make(chan error, 1)
	go func() {
		if err := agent.Start(ctx); err != nil {
			logger.Error("Agent error", "error", err)
			agentErr <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received (SIGTERM/SIGINT)")
	case err := <-agentErr:
		logger.Error("Agent failed", "error", err)
	}

	logger.Info("Initiating graceful shutdown")
	cancel()

	if err := agent.Stop(); err != nil {
		logger.Error("Error stopping agent", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down health server", "error", err)
	}

	logger.Info("Synergy agent shutdown complete")
}

func startHealthServer(port int, checker *health.Checker, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HandlerFunc())
	mux.HandleFunc("/health/detailed", checker.DetailedHandlerFunc())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting health check server", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server error", "error", err)
		}
	}()

	return server
}
