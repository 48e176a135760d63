package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/hashicorp/vault/api/auth/userpass"

	"github.com/nvx/dynsecrets/internal/config"
)

// newAuthMethod builds the api.AuthMethod for the configured method.
func newAuthMethod(cfg *config.AuthConfig) (api.AuthMethod, error) {
	switch cfg.AuthMethod() {
	case "token":
		return &tokenAuth{token: cfg.Token}, nil
	case "approle":
		opts := []approle.LoginOption{}
		if cfg.Mount != "" {
			opts = append(opts, approle.WithMountPath(cfg.Mount))
		}
		auth, err := approle.NewAppRoleAuth(cfg.RoleID, &approle.SecretID{FromString: cfg.SecretID}, opts...)
		if err != nil {
			return nil, fmt.Errorf("configuring approle auth: %w", err)
		}
		return auth, nil
	case "userpass":
		opts := []userpass.LoginOption{}
		if cfg.Mount != "" {
			opts = append(opts, userpass.WithMountPath(cfg.Mount))
		}
		auth, err := userpass.NewUserpassAuth(cfg.Username, &userpass.Password{FromString: cfg.Password}, opts...)
		if err != nil {
			return nil, fmt.Errorf("configuring userpass auth: %w", err)
		}
		return auth, nil
	default:
		return nil, fmt.Errorf("unsupported vault auth method %q", cfg.Method)
	}
}

// tokenAuth authenticates with a static token: the configured one, or
// $VAULT_TOKEN, or the $HOME/.vault-token file written by `vault login`.
// The token is not managed here and is never revoked on shutdown.
type tokenAuth struct {
	token string
}

func (a *tokenAuth) Login(_ context.Context, _ *api.Client) (*api.Secret, error) {
	if a.token != "" {
		return &api.Secret{Auth: &api.SecretAuth{ClientToken: a.token}}, nil
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		return &api.Secret{Auth: &api.SecretAuth{ClientToken: token}}, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("no vault token configured and no home directory: %w", err)
	}
	b, err := os.ReadFile(filepath.Join(home, ".vault-token"))
	if err != nil {
		return nil, fmt.Errorf("no vault token configured (set vault.auth.token, VAULT_TOKEN, or run `vault login`): %w", err)
	}
	return &api.Secret{Auth: &api.SecretAuth{ClientToken: string(b)}}, nil
}
