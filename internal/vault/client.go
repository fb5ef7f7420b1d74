package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"symbol-optimizer/config"
)

// ErrSecretNotFound is returned when the service's secret path is empty
var ErrSecretNotFound = errors.New("secret not found")

// ServiceSecrets are the credentials the optimizer keeps out of its config file
type ServiceSecrets struct {
	DatabasePassword string `json:"db_password"`
	JWTSecret        string `json:"jwt_secret"`
	RedisPassword    string `json:"redis_password"`
	RabbitMQURL      string `json:"rabbitmq_url"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cached *ServiceSecrets
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// GetServiceSecrets reads the KV v2 secret at the configured path. The
// result is cached for the life of the process.
func (c *Client) GetServiceSecrets(ctx context.Context) (*ServiceSecrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return &s, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read service secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	secrets := &ServiceSecrets{
		DatabasePassword: getString(data, "db_password"),
		JWTSecret:        getString(data, "jwt_secret"),
		RedisPassword:    getString(data, "redis_password"),
		RabbitMQURL:      getString(data, "rabbitmq_url"),
	}

	c.mu.Lock()
	c.cached = secrets
	c.mu.Unlock()

	s := *secrets
	return &s, nil
}

// ApplyTo overwrites cfg's credentials with every non-empty secret
func (s *ServiceSecrets) ApplyTo(cfg *config.Config) {
	if s.DatabasePassword != "" {
		cfg.DatabaseConfig.Password = s.DatabasePassword
	}
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
	}
	if s.RedisPassword != "" {
		cfg.RedisConfig.Password = s.RedisPassword
	}
	if s.RabbitMQURL != "" {
		cfg.RabbitMQConfig.URL = s.RabbitMQURL
	}
}

// ClearCache forces the next read to go to Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path of the service secret
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
