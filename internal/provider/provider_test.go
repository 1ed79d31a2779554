package provider

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
)

func testBundle() *model.CredentialBundle {
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.CredentialBundle{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/callback",
		ExpiresAt:    &exp,
	}
}

func TestGoogleFiles(t *testing.T) {
	p, err := Default().Lookup("gmail")
	require.NoError(t, err)

	files, err := p.Files(testBundle())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "gcp-oauth.keys.json", files[0].Name)
	assert.Equal(t, "credentials.json", files[1].Name)

	var client map[string]googleInstalled
	require.NoError(t, json.Unmarshal(files[0].Data, &client))
	assert.Equal(t, "client-id", client["installed"].ClientID)
	assert.Equal(t, []string{"https://app.example.com/callback"}, client["installed"].RedirectURIs)
	assert.Equal(t, "https://oauth2.googleapis.com/token", client["installed"].TokenURI)

	var tok googleToken
	require.NoError(t, json.Unmarshal(files[1].Data, &tok))
	assert.Equal(t, "authorized_user", tok.Type)
	assert.Equal(t, "1//refresh", tok.RefreshToken)
	assert.NotZero(t, tok.ExpiryDate)
}

func TestGoogleFiles_NoTokenYet(t *testing.T) {
	p, err := Default().Lookup("google_drive")
	require.NoError(t, err)

	b := testBundle()
	b.AccessToken = ""
	b.RedirectURI = ""
	files, err := p.Files(b)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, string(files[0].Data), "http://localhost")
}

func TestMicrosoftFiles(t *testing.T) {
	p, err := Default().Lookup("outlook")
	require.NoError(t, err)

	files, err := p.Files(testBundle())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, ".env", files[0].Name)

	env, err := godotenv.Unmarshal(string(files[0].Data))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"MS_CLIENT_ID": "client-id", "MS_CLIENT_SECRET": "client-secret"}, env)

	assert.Equal(t, ".outlook-mcp-tokens.json", files[1].Name)
	assert.Contains(t, string(files[1].Data), "ya29.access")
}

func TestOAuthConfig_Endpoints(t *testing.T) {
	reg := Default()

	gmail, _ := reg.Lookup("gmail")
	cfg := gmail.OAuthConfig(testBundle())
	assert.Equal(t, "https://oauth2.googleapis.com/token", cfg.Endpoint.TokenURL)
	assert.Equal(t, "client-secret", cfg.ClientSecret)

	outlook, _ := reg.Lookup("outlook")
	cfg = outlook.OAuthConfig(testBundle())
	assert.True(t, strings.Contains(cfg.Endpoint.TokenURL, "/common/"), cfg.Endpoint.TokenURL)

	b := testBundle()
	b.Config = map[string]string{MSTenantKey: "contoso"}
	cfg = outlook.OAuthConfig(b)
	assert.Contains(t, cfg.Endpoint.TokenURL, "/contoso/")
}

func TestWorkerEnv(t *testing.T) {
	p, _ := Default().Lookup("gmail")
	env := p.WorkerEnv("/creds/user/5/gmail")
	assert.Equal(t, "/creds/user/5/gmail/gcp-oauth.keys.json", env["GMAIL_OAUTH_PATH"])
	assert.Equal(t, "/creds/user/5/gmail/credentials.json", env["GMAIL_CREDENTIALS_PATH"])
}

func TestRegistry_LookupAndDefaults(t *testing.T) {
	reg := Default()
	assert.Equal(t, []string{"gmail", "google_calendar", "google_drive", "outlook"}, reg.Types())

	_, err := reg.Lookup("quickbooks")
	assert.Error(t, err)

	p, _ := reg.Lookup("outlook")
	assert.Equal(t, "outlook", p.WorkerType)
	tools := p.DefaultTools()
	require.Len(t, tools, 4)
	tools[0].Name = "mutated"
	assert.Equal(t, "outlook_list_emails", p.DefaultTools()[0].Name)
}

func TestApplyOverrides(t *testing.T) {
	reg := Default()
	err := reg.ApplyOverrides([]byte(`
providers:
  gmail:
    command: ["/opt/workers/gmail-mcp", "--stdio"]
    allowed_env: [GMAIL_MAX_RESULTS, GMAIL_LABEL]
`))
	require.NoError(t, err)

	p, _ := reg.Lookup("gmail")
	assert.Equal(t, []string{"/opt/workers/gmail-mcp", "--stdio"}, p.Command)
	assert.Equal(t, []string{"GMAIL_LABEL", "GMAIL_MAX_RESULTS"}, p.Schema.Keys())
	assert.Equal(t, "Default page size for list operations", p.Schema["GMAIL_MAX_RESULTS"].Description)

	// built-ins of other registries are untouched
	fresh, _ := Default().Lookup("gmail")
	assert.Equal(t, "npx", fresh.Command[0])

	err = reg.ApplyOverrides([]byte("providers:\n  quickbooks:\n    command: [x]\n"))
	assert.Error(t, err)

	err = reg.ApplyOverrides([]byte("providers: ["))
	assert.Error(t, err)
}
