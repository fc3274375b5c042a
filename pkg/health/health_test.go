package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaga0h/jeeves-synergy/pkg/mqtt"
	"github.com/saaga0h/jeeves-synergy/pkg/postgres"
	"github.com/saaga0h/jeeves-synergy/pkg/redis"
)

type stubMQTT struct {
	mqtt.Client
	connected bool
}

func (s stubMQTT) IsConnected() bool { return s.connected }

type stubRedis struct {
	redis.Client
	err error
}

func (s stubRedis) Ping(context.Context) error { return s.err }

type stubPostgres struct {
	postgres.Client
	connected bool
}

func (s stubPostgres) HealthCheck(context.Context) (*postgres.HealthStatus, error) {
	return &postgres.HealthStatus{Connected: s.connected}, nil
}

type stubEngine bool

func (s stubEngine) Healthy() bool { return bool(s) }

func detailed(t *testing.T, c *Checker) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	c.DetailedHandlerFunc()(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestLivenessAlwaysOK(t *testing.T) {
	c := NewChecker(stubMQTT{}, stubRedis{err: errors.New("down")}, nil, nil)
	rec := httptest.NewRecorder()
	c.HandlerFunc()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestDetailedHealthy(t *testing.T) {
	c := NewChecker(stubMQTT{connected: true}, stubRedis{}, stubPostgres{connected: true}, nil)
	c.SetEngine(stubEngine(true), func() interface{} { return map[string]int{"weight_version": 2} })

	code, resp := detailed(t, c)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Services.MQTT)
	assert.Equal(t, "connected", resp.Services.Redis)
	assert.Equal(t, "connected", resp.Services.Postgres)
	assert.Equal(t, map[string]interface{}{"weight_version": 2.0}, resp.Engine)
}

func TestDetailedDisabledDependencies(t *testing.T) {
	code, resp := detailed(t, NewChecker(nil, nil, nil, nil))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "disabled", resp.Services.MQTT)
	assert.Equal(t, "disabled", resp.Services.Redis)
	assert.Equal(t, "disabled", resp.Services.Postgres)
}

func TestDetailedDegraded(t *testing.T) {
	tests := []struct {
		name    string
		checker *Checker
	}{
		{"mqtt down", NewChecker(stubMQTT{connected: false}, nil, nil, nil)},
		{"redis down", NewChecker(nil, stubRedis{err: errors.New("refused")}, nil, nil)},
		{"postgres down", NewChecker(nil, nil, stubPostgres{connected: false}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := detailed(t, tt.checker)
			assert.Equal(t, http.StatusServiceUnavailable, code)
			assert.Equal(t, "degraded", resp.Status)
		})
	}

	c := NewChecker(nil, nil, nil, nil)
	c.SetEngine(stubEngine(false), nil)
	code, resp := detailed(t, c)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", resp.Status)
}
