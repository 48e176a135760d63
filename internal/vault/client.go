// Package vault wraps the HashiCorp Vault API client for dynamic credential
// fetching and lease revocation.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/domain"
)

// ErrSecretNotFound is returned (wrapped in a FetchError) when the secret
// path does not exist or returned no data.
var ErrSecretNotFound = errors.New("secret not found")

// FetchError reports a failed secret fetch: network failure, missing path,
// or a server-side error. Callers branch on it with errors.As to map the
// failure to their own error surface.
type FetchError struct {
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching secret %q: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RevokeError reports a failed lease revocation. The broker never propagates
// it to the host; it is logged and handed to the notification dispatcher.
type RevokeError struct {
	LeaseID string
	Err     error
}

func (e *RevokeError) Error() string {
	return fmt.Sprintf("revoking lease %q: %v", e.LeaseID, e.Err)
}

func (e *RevokeError) Unwrap() error { return e.Err }

// Client fetches dynamic secrets and revokes their leases.
// Safe for concurrent use.
type Client struct {
	api     *api.Client
	auth    api.AuthMethod
	timeout time.Duration
	logger  *slog.Logger

	mu sync.Mutex // serializes login
}

// NewClient builds a Vault client from config. The client authenticates
// lazily: the first call that needs a token performs the login.
func NewClient(cfg *config.VaultConfig, logger *slog.Logger) (*Client, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.TLS != nil {
		tlsCfg := &api.TLSConfig{
			CACert:   cfg.TLS.CACert,
			Insecure: cfg.TLS.SkipVerify,
		}
		if err := apiCfg.ConfigureTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("configuring vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	auth, err := newAuthMethod(&cfg.Auth)
	if err != nil {
		return nil, err
	}

	return &Client{
		api:     client,
		auth:    auth,
		timeout: cfg.Timeout(),
		logger:  logger,
	}, nil
}

// ensureToken logs in through the configured auth method if the client has
// no token yet. Token refresh on expiry is handled the same way: callers that
// see a 403 clear the token and retry once.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.api.Token() != "" {
		return nil
	}
	secret, err := c.auth.Login(ctx, c.api)
	if err != nil {
		return fmt.Errorf("vault login: %w", err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return fmt.Errorf("vault login returned no client token")
	}
	c.api.SetToken(secret.Auth.ClientToken)
	return nil
}

// FetchSecret reads the secret at path and returns its values plus the lease
// ID. KV v2 response envelopes are unwrapped transparently; dynamic secrets
// engines (e.g. database/creds/*) return their data flat. Every failure is a
// *FetchError.
func (c *Client) FetchSecret(ctx context.Context, path string) (*domain.Secret, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.ensureToken(ctx); err != nil {
		return nil, &FetchError{Path: path, Err: err}
	}

	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		var respErr *api.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, &FetchError{Path: path, Err: ErrSecretNotFound}
		}
		return nil, &FetchError{Path: path, Err: err}
	}
	if secret == nil || len(secret.Data) == 0 {
		return nil, &FetchError{Path: path, Err: ErrSecretNotFound}
	}

	values := flattenSecretData(secret.Data)
	if len(values) == 0 {
		return nil, &FetchError{Path: path, Err: ErrSecretNotFound}
	}

	c.logger.Debug("fetched secret",
		slog.String("path", path),
		slog.String("lease_id", secret.LeaseID),
		slog.Int("fields", len(values)))

	return &domain.Secret{
		Values:  values,
		LeaseID: secret.LeaseID,
	}, nil
}

// RevokeLease revokes the lease at the secrets service. A failure is wrapped
// in *RevokeError; the caller decides how to report it.
func (c *Client) RevokeLease(ctx context.Context, leaseID string) error {
	if leaseID == "" {
		return nil // static secret, nothing to revoke
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.ensureToken(ctx); err != nil {
		return &RevokeError{LeaseID: leaseID, Err: err}
	}
	if err := c.api.Sys().RevokeWithContext(ctx, leaseID); err != nil {
		return &RevokeError{LeaseID: leaseID, Err: err}
	}
	return nil
}

// Ping checks Vault reachability for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.api.Sys().HealthWithContext(ctx); err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	return nil
}

// flattenSecretData extracts string fields from a secret's data, unwrapping
// the KV v2 {"data": {...}, "metadata": {...}} envelope when present.
func flattenSecretData(data map[string]interface{}) map[string]string {
	if inner, ok := data["data"].(map[string]interface{}); ok {
		if _, hasMeta := data["metadata"]; hasMeta {
			data = inner
		}
	}

	values := make(map[string]string, len(data))
	for k, v := range data {
		switch s := v.(type) {
		case string:
			values[k] = s
		case fmt.Stringer:
			values[k] = s.String()
		}
	}
	return values
}
