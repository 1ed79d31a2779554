// Package provider describes each integration type: which worker to launch,
// which credential files it reads and which configuration keys it accepts.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/joho/godotenv"
	"github.com/teresa-solution/integration-isolation-service/internal/mcp"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Family groups providers sharing a credential file format and OAuth endpoint
type Family string

const (
	FamilyGoogle    Family = "google"
	FamilyMicrosoft Family = "microsoft"
)

const (
	googleClientFile = "gcp-oauth.keys.json"
	msEnvFile        = ".env"
	msTokenFile      = ".outlook-mcp-tokens.json"

	// MSTenantKey selects the Azure AD tenant; "common" when unset
	MSTenantKey = "MS_TENANT_ID"
)

// File is one credential file to materialize inside the owner directory
type File struct {
	Name string
	Data []byte
}

// EnvVar documents one configuration key a worker may receive
type EnvVar struct {
	Description string
	Required    bool
}

// EnvSchema lists the configuration keys a worker may receive. Anything not
// listed never reaches the worker environment.
type EnvSchema map[string]EnvVar

// Keys returns the schema keys in sorted order
func (s EnvSchema) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Provider is the static description of one integration type
type Provider struct {
	Type       string
	WorkerType string
	Family     Family
	Command    []string
	Scopes     []string
	Schema     EnvSchema

	// TokenURL replaces the family's token endpoint when set
	TokenURL string

	// TokenFile is the worker's token cache file name
	TokenFile string
	// PathEnv maps environment variable names to credential file names the
	// worker should be pointed at
	PathEnv map[string]string

	Tools []mcp.Tool
}

// Files renders the credential files for a bundle. The first file is the
// primary one whose path is reported back to callers.
func (p *Provider) Files(bundle *model.CredentialBundle) ([]File, error) {
	switch p.Family {
	case FamilyGoogle:
		return p.googleFiles(bundle)
	case FamilyMicrosoft:
		return p.microsoftFiles(bundle)
	}
	return nil, fmt.Errorf("provider %s has unknown family %q", p.Type, p.Family)
}

type googleInstalled struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
}

type googleToken struct {
	Type         string `json:"type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ExpiryDate   int64  `json:"expiry_date,omitempty"`
}

func (p *Provider) googleFiles(bundle *model.CredentialBundle) ([]File, error) {
	redirect := bundle.RedirectURI
	if redirect == "" {
		redirect = "http://localhost"
	}
	client, err := json.MarshalIndent(map[string]googleInstalled{
		"installed": {
			ClientID:     bundle.ClientID,
			ClientSecret: bundle.ClientSecret,
			RedirectURIs: []string{redirect},
			AuthURI:      endpoints.Google.AuthURL,
			TokenURI:     endpoints.Google.TokenURL,
		},
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	files := []File{{Name: googleClientFile, Data: client}}

	if bundle.AccessToken != "" && p.TokenFile != "" {
		tok := googleToken{
			Type:         "authorized_user",
			AccessToken:  bundle.AccessToken,
			RefreshToken: bundle.RefreshToken,
			ClientID:     bundle.ClientID,
			ClientSecret: bundle.ClientSecret,
		}
		if bundle.ExpiresAt != nil {
			tok.ExpiryDate = bundle.ExpiresAt.UnixMilli()
		}
		data, err := json.MarshalIndent(tok, "", "  ")
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: p.TokenFile, Data: data})
	}
	return files, nil
}

type msToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

func (p *Provider) microsoftFiles(bundle *model.CredentialBundle) ([]File, error) {
	env, err := godotenv.Marshal(map[string]string{
		"MS_CLIENT_ID":     bundle.ClientID,
		"MS_CLIENT_SECRET": bundle.ClientSecret,
	})
	if err != nil {
		return nil, err
	}
	files := []File{{Name: msEnvFile, Data: []byte(env + "\n")}}

	if bundle.AccessToken != "" {
		tok := msToken{AccessToken: bundle.AccessToken, RefreshToken: bundle.RefreshToken}
		if bundle.ExpiresAt != nil {
			tok.ExpiresAt = bundle.ExpiresAt.UnixMilli()
		}
		data, err := json.MarshalIndent(tok, "", "  ")
		if err != nil {
			return nil, err
		}
		name := p.TokenFile
		if name == "" {
			name = msTokenFile
		}
		files = append(files, File{Name: name, Data: data})
	}
	return files, nil
}

// WorkerEnv returns the variables pointing the worker at its credential files
func (p *Provider) WorkerEnv(dir string) map[string]string {
	env := make(map[string]string, len(p.PathEnv))
	for name, file := range p.PathEnv {
		env[name] = filepath.Join(dir, file)
	}
	return env
}

// OAuthConfig builds the oauth2 client configuration used for refreshes
func (p *Provider) OAuthConfig(bundle *model.CredentialBundle) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:     bundle.ClientID,
		ClientSecret: bundle.ClientSecret,
		RedirectURL:  bundle.RedirectURI,
		Scopes:       p.Scopes,
	}
	switch p.Family {
	case FamilyMicrosoft:
		tenant := bundle.Config[MSTenantKey]
		if tenant == "" {
			tenant = "common"
		}
		cfg.Endpoint = endpoints.AzureAD(tenant)
	default:
		cfg.Endpoint = endpoints.Google
	}
	if p.TokenURL != "" {
		cfg.Endpoint.TokenURL = p.TokenURL
	}
	return cfg
}

// DefaultTools is the catalogue advertised when the worker cannot list its own
func (p *Provider) DefaultTools() []mcp.Tool {
	return append([]mcp.Tool(nil), p.Tools...)
}

func (p *Provider) clone() *Provider {
	c := *p
	c.Command = append([]string(nil), p.Command...)
	c.Scopes = append([]string(nil), p.Scopes...)
	c.Schema = make(EnvSchema, len(p.Schema))
	for k, v := range p.Schema {
		c.Schema[k] = v
	}
	c.PathEnv = make(map[string]string, len(p.PathEnv))
	for k, v := range p.PathEnv {
		c.PathEnv[k] = v
	}
	return &c
}

// ErrUnknownType is returned for integration types without a provider
var ErrUnknownType = errors.New("unknown integration type")

// Registry resolves integration types to providers
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Default returns a registry holding the built-in providers
func Default() *Registry {
	r := NewRegistry()
	for _, p := range builtin() {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider
func (r *Registry) Register(p *Provider) {
	if p.WorkerType == "" {
		p.WorkerType = p.Type
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type] = p
}

// Lookup returns the provider for an integration type
func (r *Registry) Lookup(integrationType string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[integrationType]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, integrationType)
	}
	return p, nil
}

// Types lists registered integration types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func builtin() []*Provider {
	return []*Provider{
		{
			Type:      "gmail",
			Family:    FamilyGoogle,
			Command:   []string{"npx", "-y", "@gongrzhe/server-gmail-autoauth-mcp"},
			Scopes:    []string{"https://www.googleapis.com/auth/gmail.modify", "https://www.googleapis.com/auth/gmail.send"},
			TokenFile: "credentials.json",
			PathEnv: map[string]string{
				"GMAIL_OAUTH_PATH":       googleClientFile,
				"GMAIL_CREDENTIALS_PATH": "credentials.json",
			},
			Schema: EnvSchema{
				"GMAIL_MAX_RESULTS": {Description: "Default page size for list operations"},
			},
			Tools: gmailTools,
		},
		{
			Type:      "google_drive",
			Family:    FamilyGoogle,
			Command:   []string{"npx", "-y", "@piotr-agier/google-drive-mcp"},
			Scopes:    []string{"https://www.googleapis.com/auth/drive", "https://www.googleapis.com/auth/drive.file"},
			TokenFile: ".gdrive-server-credentials.json",
			PathEnv: map[string]string{
				"GOOGLE_DRIVE_OAUTH_CREDENTIALS": googleClientFile,
				"GOOGLE_DRIVE_MCP_TOKEN_PATH":    ".gdrive-server-credentials.json",
			},
			Schema: EnvSchema{
				"GOOGLE_DRIVE_ROOT_FOLDER_ID": {Description: "Folder the worker treats as root"},
			},
			Tools: driveTools,
		},
		{
			Type:      "google_calendar",
			Family:    FamilyGoogle,
			Command:   []string{"npx", "-y", "@cocal/google-calendar-mcp"},
			Scopes:    []string{"https://www.googleapis.com/auth/calendar"},
			TokenFile: "tokens.json",
			PathEnv: map[string]string{
				"GOOGLE_OAUTH_CREDENTIALS":       googleClientFile,
				"GOOGLE_CALENDAR_MCP_TOKEN_PATH": "tokens.json",
			},
			Schema: EnvSchema{
				"GOOGLE_CALENDAR_DEFAULT_ID": {Description: "Calendar used when a tool call names none"},
				"TZ":                         {Description: "Time zone for rendered event times"},
			},
		},
		{
			Type:      "outlook",
			Family:    FamilyMicrosoft,
			Command:   []string{"npx", "-y", "outlook-mcp"},
			Scopes:    []string{"https://graph.microsoft.com/Mail.ReadWrite", "https://graph.microsoft.com/Mail.Send", "offline_access"},
			TokenFile: msTokenFile,
			PathEnv: map[string]string{
				"OUTLOOK_ENV_FILE":    msEnvFile,
				"OUTLOOK_TOKENS_PATH": msTokenFile,
			},
			Schema: EnvSchema{
				MSTenantKey:       {Description: "Azure AD tenant, defaults to common"},
				"OUTLOOK_MAILBOX": {Description: "Shared mailbox address to act on"},
			},
			Tools: outlookTools,
		},
	}
}
