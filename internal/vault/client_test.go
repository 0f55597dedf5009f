package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"futures-risk-engine/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Disabled(t *testing.T) {
	c, err := NewClient(config.VaultConfig{})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())
	assert.NoError(t, c.Health(context.Background()))

	_, err = c.GetCredentials(context.Background(), false)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.StoreCredentials(context.Background(), Credentials{APIKey: "k", SecretKey: "s"}))
	creds, err := c.GetCredentials(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "k", creds.APIKey)
}

func TestClient_ReadsKVv2(t *testing.T) {
	var reads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "root-token", r.Header.Get("X-Vault-Token"))
		switch r.URL.Path {
		case "/v1/secret/data/fre/binance-testnet":
			atomic.AddInt32(&reads, 1)
			_, _ = w.Write([]byte(`{"data":{"data":{"api_key":"tk","secret_key":"ts"},"metadata":{"version":1}}}`))
		case "/v1/secret/data/fre/binance":
			_, _ = w.Write([]byte(`{"data":{"data":{"api_key":"only-key"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root-token",
		MountPath:  "secret",
		SecretPath: "fre/binance",
	})
	require.NoError(t, err)
	ctx := context.Background()

	creds, err := c.GetCredentials(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "tk", creds.APIKey)
	assert.Equal(t, "ts", creds.SecretKey)
	assert.True(t, creds.IsTestnet)

	_, err = c.GetCredentials(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reads), "second read is cached")

	_, err = c.GetCredentials(ctx, false)
	assert.ErrorIs(t, err, ErrNotFound, "secret without secret_key")

	c.ClearCache()
	_, err = c.GetCredentials(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&reads))
}
