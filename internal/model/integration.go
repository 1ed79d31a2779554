package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OwnerType is the scope an integration belongs to
type OwnerType string

const (
	// OwnerTenant is a workspace integration shared by every tenant member
	OwnerTenant OwnerType = "tenant"
	// OwnerUser is a personal integration private to one member
	OwnerUser OwnerType = "user"
)

// Valid reports whether t is one of the known owner scopes
func (t OwnerType) Valid() bool {
	return t == OwnerTenant || t == OwnerUser
}

// ProcessMode selects how live data access happens for an integration
type ProcessMode string

const (
	ProcessModeDirectAPI ProcessMode = "direct_api"
	ProcessModeWorker    ProcessMode = "worker_process"
)

// Key identifies one connected account. It is unique across the integrations table.
type Key struct {
	TenantID        string
	OwnerType       OwnerType
	OwnerID         string
	IntegrationType string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.OwnerType, k.OwnerID, k.IntegrationType)
}

// Integration represents the integrations table. Secret columns only ever hold
// ciphertext produced by the credential vault.
type Integration struct {
	ID              uuid.UUID   `json:"id"`
	TenantID        string      `json:"tenant_id"`
	OwnerType       OwnerType   `json:"owner_type"`
	OwnerID         string      `json:"owner_id"`
	IntegrationType string      `json:"integration_type"`
	DisplayName     string      `json:"display_name"`
	RedirectURI     string      `json:"redirect_uri"`
	IsActive        bool        `json:"is_active"`
	ProcessMode     ProcessMode `json:"process_mode"`
	WorkerType      string      `json:"worker_type"`
	WorkerPID       *int        `json:"worker_pid,omitempty"` // advisory only

	AccessTokenEnc  *string `json:"-"`
	RefreshTokenEnc *string `json:"-"`
	ClientIDEnc     *string `json:"-"`
	ClientSecretEnc *string `json:"-"`
	ConfigEnc       *string `json:"-"`

	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	ConnectedAt    time.Time  `json:"connected_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Key returns the unique key of the integration
func (i *Integration) Key() Key {
	return Key{
		TenantID:        i.TenantID,
		OwnerType:       i.OwnerType,
		OwnerID:         i.OwnerID,
		IntegrationType: i.IntegrationType,
	}
}

// ProcessName is the deterministic registry key of the integration's worker:
// "{worker_type}-{owner_type}-{owner_id}".
func (i *Integration) ProcessName() string {
	workerType := i.WorkerType
	if workerType == "" {
		workerType = i.IntegrationType
	}
	return fmt.Sprintf("%s-%s-%s", workerType, i.OwnerType, i.OwnerID)
}

// UsesWorker reports whether live access is delegated to a worker process
func (i *Integration) UsesWorker() bool {
	return i.ProcessMode == ProcessModeWorker
}

// Deactivate flips the integration inactive and clears token material. Client
// id/secret, config and display name are kept so reconnecting does not require
// re-entering them.
func (i *Integration) Deactivate() {
	i.IsActive = false
	i.AccessTokenEnc = nil
	i.RefreshTokenEnc = nil
	i.TokenExpiresAt = nil
	i.WorkerPID = nil
}

// CredentialBundle is the decrypted view of an integration's secrets. It only
// lives in memory for the duration of a refresh or a worker start.
type CredentialBundle struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	ExpiresAt    *time.Time
	Config       map[string]string
}
