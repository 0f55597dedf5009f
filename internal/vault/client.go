// Package vault loads exchange credentials from HashiCorp Vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"futures-risk-engine/config"

	"github.com/hashicorp/vault/api"
)

// ErrNotFound is returned when no credentials are stored at the path.
var ErrNotFound = errors.New("credentials not found in vault")

// Credentials represents the exchange API key pair stored in Vault
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[bool]*Credentials // keyed by testnet
}

// NewClient creates a new Vault client. A disabled config yields a client
// that only serves credentials stored through it.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{config: cfg, cache: make(map[bool]*Credentials)}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled reports whether the client talks to a Vault server.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled && c.client != nil
}

// GetCredentials returns the exchange credentials for mainnet or testnet.
func (c *Client) GetCredentials(ctx context.Context, isTestnet bool) (*Credentials, error) {
	c.mu.RLock()
	cached, ok := c.cache[isTestnet]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if !c.IsEnabled() {
		return nil, fmt.Errorf("%w: vault is disabled", ErrNotFound)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(isTestnet))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c.secretPath(isTestnet))
	}
	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s has no data", ErrNotFound, c.secretPath(isTestnet))
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: isTestnet,
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("%w: %s is missing api_key or secret_key", ErrNotFound, c.secretPath(isTestnet))
	}

	c.mu.Lock()
	c.cache[isTestnet] = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreCredentials writes the credentials to Vault, or only to the local
// cache when Vault is disabled.
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	if c.IsEnabled() {
		payload := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    creds.APIKey,
				"secret_key": creds.SecretKey,
				"is_testnet": creds.IsTestnet,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(creds.IsTestnet), payload); err != nil {
			return fmt.Errorf("failed to store credentials in vault: %w", err)
		}
	}
	c.mu.Lock()
	c.cache[creds.IsTestnet] = &creds
	c.mu.Unlock()
	return nil
}

// ClearCache drops cached credentials so the next read hits Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[bool]*Credentials)
	c.mu.Unlock()
}

// Health checks the Vault server status.
func (c *Client) Health(ctx context.Context) error {
	if !c.IsEnabled() {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(isTestnet bool) string {
	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	if isTestnet {
		path += "-testnet"
	}
	return path
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
