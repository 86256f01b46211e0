package service_test

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWithEnv(t *testing.T) {
	t.Run("Defaults when no env vars are set", func(t *testing.T) {
		cfg := service.LoadConfigWithEnv()

		assert.Equal(t, ":8082", cfg.HTTPPort)
		assert.Equal(t, service.TransportStream, cfg.Transport)
		assert.Equal(t, "gcm.googleapis.com", cfg.Broker.Domain)
		assert.Equal(t, 30*time.Second, cfg.Broker.SendTimeout)
		assert.Equal(t, time.Second, cfg.Broker.BackoffBase)
		assert.Equal(t, 60*time.Second, cfg.Broker.BackoffCap)
		assert.Equal(t, 5, cfg.NumWorkers)
		assert.Equal(t, "badframes", cfg.ArchivePrefix)
	})

	t.Run("Env overrides are applied", func(t *testing.T) {
		t.Setenv(service.EnvHTTPPort, ":9999")
		t.Setenv(service.EnvProjectID, "test-project")
		t.Setenv(service.EnvBrokerAddr, "broker.test:5235")
		t.Setenv(service.EnvAPIKey, "secret-key")
		t.Setenv(service.EnvTransport, "pubsub")
		t.Setenv(service.EnvNumWorkers, "12")

		cfg := service.LoadConfigWithEnv()

		assert.Equal(t, ":9999", cfg.HTTPPort)
		assert.Equal(t, "test-project", cfg.ProjectID)
		assert.Equal(t, "broker.test:5235", cfg.Broker.Addr)
		assert.Equal(t, "secret-key", cfg.Broker.APIKey)
		assert.Equal(t, service.TransportPubSub, cfg.Transport)
		assert.Equal(t, 12, cfg.NumWorkers)
	})

	t.Run("Invalid worker count falls back to default", func(t *testing.T) {
		t.Setenv(service.EnvNumWorkers, "not-a-number")
		cfg := service.LoadConfigWithEnv()
		assert.Equal(t, 5, cfg.NumWorkers)
	})
}

func TestConfig_Credentials(t *testing.T) {
	cfg := service.LoadConfigWithEnv()
	cfg.ProjectID = "prj-1"
	cfg.Broker.APIKey = "key-1"

	creds := cfg.Credentials()
	assert.Equal(t, "prj-1@gcm.googleapis.com", creds.User())
	assert.Equal(t, "key-1", creds.APIKey)
}

func TestOpsServer_HealthAndReadiness(t *testing.T) {
	var ready atomic.Bool
	server := service.NewOpsServer(zerolog.Nop(), ":0", ready.Load)

	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	base := fmt.Sprintf("http://127.0.0.1%s", server.GetHTTPPort())

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "not ready until the broker connection is up")

	ready.Store(true)
	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
