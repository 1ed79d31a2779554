package crypto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teresa-solution/integration-isolation-service/internal/model"
)

// OpenBundle decrypts every secret column of the integration
func (v *Vault) OpenBundle(integration *model.Integration) (*model.CredentialBundle, error) {
	bundle := &model.CredentialBundle{
		RedirectURI: integration.RedirectURI,
		ExpiresAt:   integration.TokenExpiresAt,
	}

	fields := []struct {
		enc *string
		dst *string
	}{
		{integration.AccessTokenEnc, &bundle.AccessToken},
		{integration.RefreshTokenEnc, &bundle.RefreshToken},
		{integration.ClientIDEnc, &bundle.ClientID},
		{integration.ClientSecretEnc, &bundle.ClientSecret},
	}
	for _, f := range fields {
		plain, err := v.Decrypt(f.enc)
		if err != nil {
			return nil, err
		}
		if plain != nil {
			*f.dst = *plain
		}
	}

	config, err := v.Decrypt(integration.ConfigEnc)
	if err != nil {
		return nil, err
	}
	if config != nil {
		if err := json.Unmarshal([]byte(*config), &bundle.Config); err != nil {
			return nil, &CryptoError{Op: "decode config", Err: err}
		}
	}

	return bundle, nil
}

// SealClient encrypts the OAuth client pair and provider config onto the row
func (v *Vault) SealClient(integration *model.Integration, clientID, clientSecret string, config map[string]string) error {
	var err error
	if integration.ClientIDEnc, err = v.Encrypt(clientID); err != nil {
		return fmt.Errorf("encrypting client id: %w", err)
	}
	if integration.ClientSecretEnc, err = v.Encrypt(clientSecret); err != nil {
		return fmt.Errorf("encrypting client secret: %w", err)
	}

	integration.ConfigEnc = nil
	if len(config) > 0 {
		data, err := json.Marshal(config)
		if err != nil {
			return err
		}
		if integration.ConfigEnc, err = v.Encrypt(string(data)); err != nil {
			return fmt.Errorf("encrypting config: %w", err)
		}
	}
	return nil
}

// SealTokens encrypts a fresh token pair onto the row. An empty refresh token
// keeps the stored one since providers do not always rotate it.
func (v *Vault) SealTokens(integration *model.Integration, accessToken, refreshToken string, expiresAt *time.Time, now time.Time) error {
	access, err := v.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	integration.AccessTokenEnc = access

	if refreshToken != "" {
		refresh, err := v.Encrypt(refreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
		integration.RefreshTokenEnc = refresh
	}

	integration.TokenExpiresAt = expiresAt
	integration.LastSyncAt = &now
	return nil
}
