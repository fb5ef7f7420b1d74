package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbol-optimizer/config"
)

func fakeVault(t *testing.T, reads *int32, data map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/symbol-optimizer" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		atomic.AddInt32(reads, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": data},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetServiceSecretsAppliesAndCaches(t *testing.T) {
	var reads int32
	srv := fakeVault(t, &reads, map[string]interface{}{
		"db_password": "pg-secret",
		"jwt_secret":  "jwt-secret-jwt-secret-jwt-secret",
	})

	client, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "test-token",
		MountPath:  "secret",
		SecretPath: "symbol-optimizer",
	})
	require.NoError(t, err)

	secrets, err := client.GetServiceSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pg-secret", secrets.DatabasePassword)

	cfg := config.Default()
	cfg.RedisConfig.Password = "from-env"
	secrets.ApplyTo(cfg)
	assert.Equal(t, "pg-secret", cfg.DatabaseConfig.Password)
	assert.Equal(t, "jwt-secret-jwt-secret-jwt-secret", cfg.AuthConfig.JWTSecret)
	assert.Equal(t, "from-env", cfg.RedisConfig.Password, "empty secrets leave config alone")

	_, err = client.GetServiceSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reads))

	client.ClearCache()
	_, err = client.GetServiceSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&reads))
}

func TestDisabledClient(t *testing.T) {
	client, err := NewClient(config.VaultConfig{})
	require.NoError(t, err)
	assert.False(t, client.IsEnabled())
	assert.NoError(t, client.Health(context.Background()))

	_, err = client.GetServiceSecrets(context.Background())
	assert.Error(t, err)
}
