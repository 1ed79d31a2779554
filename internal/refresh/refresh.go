// Package refresh keeps OAuth access tokens fresh ahead of every tool call.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/crypto"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/monitoring"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBuffer  = 5 * time.Minute
	DefaultTimeout = 10 * time.Second
)

var errNoRefreshToken = errors.New("no refresh token stored")

// TokenStore persists refresh outcomes
type TokenStore interface {
	UpdateTokens(ctx context.Context, integration *model.Integration) error
	Deactivate(ctx context.Context, integration *model.Integration) error
}

// NeedsRefresh reports whether the access token must be refreshed before
// use: no recorded expiry, or expiry within buffer of now (inclusive).
func NeedsRefresh(integration *model.Integration, now time.Time, buffer time.Duration) bool {
	if integration.TokenExpiresAt == nil {
		return true
	}
	return !now.Add(buffer).Before(*integration.TokenExpiresAt)
}

// Config tunes the coordinator. Zero values take the defaults.
type Config struct {
	Buffer  time.Duration
	Timeout time.Duration
	// HTTPClient is used for token endpoint calls
	HTTPClient *http.Client
	Now        func() time.Time
}

// Coordinator refreshes tokens, at most one exchange per integration at a time
type Coordinator struct {
	vault     *crypto.Vault
	providers *provider.Registry
	store     TokenStore
	cfg       Config
	group     singleflight.Group
}

func NewCoordinator(vault *crypto.Vault, providers *provider.Registry, store TokenStore, cfg Config) *Coordinator {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{vault: vault, providers: providers, store: store, cfg: cfg}
}

// NeedsRefresh applies the configured buffer at the current time
func (c *Coordinator) NeedsRefresh(integration *model.Integration) bool {
	return NeedsRefresh(integration, c.cfg.Now(), c.cfg.Buffer)
}

// outcome is the row state after an exchange, applied to every waiting caller
type outcome struct {
	row   model.Integration
	token *oauth2.Token
}

// Refresh exchanges the refresh token for a new access token and persists it.
// When the token endpoint rejects the exchange or times out, or no refresh
// token is stored, the integration is deactivated and a
// *errs.RefreshFailedError is returned. Vault, provider and store failures are
// returned unchanged and leave the stored tokens alone.
func (c *Coordinator) Refresh(ctx context.Context, integration *model.Integration) (*oauth2.Token, error) {
	snapshot := *integration
	v, err, shared := c.group.Do(integration.ID.String(), func() (interface{}, error) {
		return c.exchange(ctx, snapshot)
	})

	out, _ := v.(*outcome)
	if out != nil {
		applyTokens(integration, &out.row)
	}
	if shared {
		log.Debug().Str("process_name", integration.ProcessName()).Msg("Joined in-flight token refresh")
	}
	if err != nil {
		return nil, err
	}
	return out.token, nil
}

func applyTokens(dst, src *model.Integration) {
	dst.IsActive = src.IsActive
	dst.AccessTokenEnc = src.AccessTokenEnc
	dst.RefreshTokenEnc = src.RefreshTokenEnc
	dst.TokenExpiresAt = src.TokenExpiresAt
	dst.LastSyncAt = src.LastSyncAt
	dst.WorkerPID = src.WorkerPID
	dst.UpdatedAt = src.UpdatedAt
}

func (c *Coordinator) exchange(ctx context.Context, row model.Integration) (*outcome, error) {
	p, err := c.providers.Lookup(row.IntegrationType)
	if err != nil {
		return nil, err
	}
	bundle, err := c.vault.OpenBundle(&row)
	if err != nil {
		return nil, err
	}

	// the exchange is shared, one caller giving up must not fail the others
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	logger := log.With().
		Str("process_name", row.ProcessName()).
		Str("integration_type", row.IntegrationType).
		Logger()

	token, err := c.requestToken(ctx, p, bundle)
	if err != nil {
		monitoring.TokenRefreshes.WithLabelValues(row.IntegrationType, "failed").Inc()
		logger.Error().Err(err).Msg("Token refresh failed, deactivating integration")

		row.Deactivate()
		// ctx may be the one that just timed out
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if dErr := c.store.Deactivate(dctx, &row); dErr != nil {
			logger.Error().Err(dErr).Msg("Failed to persist deactivation")
		}
		return &outcome{row: row}, &errs.RefreshFailedError{
			IntegrationType: row.IntegrationType,
			ProcessName:     row.ProcessName(),
			Err:             err,
		}
	}

	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		exp := token.Expiry.UTC()
		expiresAt = &exp
	}
	if err := c.vault.SealTokens(&row, token.AccessToken, token.RefreshToken, expiresAt, c.cfg.Now().UTC()); err != nil {
		return nil, err
	}
	if err := c.store.UpdateTokens(ctx, &row); err != nil {
		return nil, fmt.Errorf("persisting refreshed tokens: %w", err)
	}

	monitoring.TokenRefreshes.WithLabelValues(row.IntegrationType, "success").Inc()
	logger.Info().Msg("Refreshed access token")
	return &outcome{row: row, token: token}, nil
}

func (c *Coordinator) requestToken(ctx context.Context, p *provider.Provider, bundle *model.CredentialBundle) (*oauth2.Token, error) {
	if bundle.RefreshToken == "" {
		return nil, errNoRefreshToken
	}

	if c.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	// an empty access token forces the source to hit the token endpoint
	src := p.OAuthConfig(bundle).TokenSource(ctx, &oauth2.Token{RefreshToken: bundle.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}
	return token, nil
}
