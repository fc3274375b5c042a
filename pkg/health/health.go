package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
	"github.com/saaga0h/jeeves-synergy/pkg/postgres"
	"github.com/saaga0h/jeeves-synergy/pkg/redis"
)

// probeTimeout bounds each dependency probe of the detailed check
const probeTimeout = time.Second

// Engine reports the health of the detection engine itself.
type Engine interface {
	Healthy() bool
}

// Checker provides health check functionality for the agent
type Checker struct {
	mqtt     mqtt.Client     // optional
	redis    redis.Client    // optional
	postgres postgres.Client // optional
	engine   Engine
	details  func() interface{}
	logger   *slog.Logger
}

// NewChecker creates a new health checker with the given dependencies.
// Any client may be nil when the agent runs without it.
func NewChecker(mqttClient mqtt.Client, redisClient redis.Client, pgClient postgres.Client, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		mqtt:     mqttClient,
		redis:    redisClient,
		postgres: pgClient,
		logger:   logger,
	}
}

// SetEngine attaches engine health. details is rendered into the detailed
// response as-is.
func (h *Checker) SetEngine(engine Engine, details func() interface{}) {
	h.engine = engine
	h.details = details
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Services  *Services   `json:"services,omitempty"`
	Engine    interface{} `json:"engine,omitempty"`
}

// Services represents the status of external dependencies
type Services struct {
	Redis    string `json:"redis"`
	MQTT     string `json:"mqtt"`
	Postgres string `json:"postgres"`
}

// HandlerFunc returns an HTTP handler function for liveness checks.
// Returns 200 if the process is alive without checking dependencies.
func (h *Checker) HandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.write(w, http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// DetailedHandlerFunc returns a handler that probes every configured
// dependency and includes engine health. A dependency that is not configured
// reports "disabled" and does not degrade the status.
func (h *Checker) DetailedHandlerFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		services := &Services{
			Redis:    "disabled",
			MQTT:     "disabled",
			Postgres: "disabled",
		}
		degraded := false

		if h.mqtt != nil {
			services.MQTT = "connected"
			if !h.mqtt.IsConnected() {
				services.MQTT = "disconnected"
				degraded = true
			}
		}

		if h.redis != nil {
			services.Redis = "connected"
			if err := h.redis.Ping(ctx); err != nil {
				h.logger.Warn("Redis health probe failed", "error", err)
				services.Redis = "disconnected"
				degraded = true
			}
		}

		if h.postgres != nil {
			services.Postgres = "connected"
			status, err := h.postgres.HealthCheck(ctx)
			if err != nil || status == nil || !status.Connected {
				h.logger.Warn("Postgres health probe failed", "error", err)
				services.Postgres = "disconnected"
				degraded = true
			}
		}

		response := HealthResponse{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Services:  services,
		}
		if h.engine != nil && !h.engine.Healthy() {
			degraded = true
		}
		if h.details != nil {
			response.Engine = h.details()
		}

		response.Status = "healthy"
		statusCode := http.StatusOK
		if degraded {
			response.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		h.write(w, statusCode, response)
	}
}

func (h *Checker) write(w http.ResponseWriter, statusCode int, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}
