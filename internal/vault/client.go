// Package vault stores the broker API key and daily access token in
// HashiCorp Vault. When Vault is disabled the credentials come from the
// config (environment) and the client degrades to an in-memory holder.
package vault

import (
	"context"
	"fmt"
	"sync"

	"trend-portfolio-bot/config"

	"github.com/hashicorp/vault/api"
)

// BrokerCredentials is the secret material for the broker session.
// AccessToken expires daily and is rotated by the login job.
type BrokerCredentials struct {
	APIKey      string `json:"api_key"`
	AccessToken string `json:"access_token"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *BrokerCredentials
}

// NewClient creates a Vault client. With Vault disabled the returned client
// only serves whatever credentials are set via SetCredentials.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// SetCredentials seeds the in-memory credentials, used when Vault is
// disabled and the broker key comes from the environment.
func (c *Client) SetCredentials(creds BrokerCredentials) {
	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
}

// GetCredentials returns the broker credentials, preferring the cache
func (c *Client) GetCredentials(ctx context.Context) (*BrokerCredentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return &creds, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("broker credentials not set and vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("read broker credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("broker credentials not found in vault")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %s", c.secretPath())
	}

	creds := &BrokerCredentials{
		APIKey:      getString(data, "api_key"),
		AccessToken: getString(data, "access_token"),
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("broker api_key missing from vault secret")
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()

	return creds, nil
}

// StoreAccessToken writes a fresh daily access token back to Vault and
// updates the cache.
func (c *Client) StoreAccessToken(ctx context.Context, token string) error {
	creds, err := c.GetCredentials(ctx)
	if err != nil {
		return err
	}
	creds.AccessToken = token

	if c.config.Enabled {
		payload := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":      creds.APIKey,
				"access_token": creds.AccessToken,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), payload); err != nil {
			return fmt.Errorf("store access token in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return nil
}

// InvalidateCache drops the cached credentials so the next read hits Vault
func (c *Client) InvalidateCache() {
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
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s/broker", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
