package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/credfile"
	"github.com/teresa-solution/integration-isolation-service/internal/crypto"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
	"github.com/teresa-solution/integration-isolation-service/internal/sandbox"
	"github.com/teresa-solution/integration-isolation-service/internal/store"
	"github.com/teresa-solution/integration-isolation-service/internal/supervisor"
)

// ConfigureRequest creates or updates the non-token side of an integration
type ConfigureRequest struct {
	TenantID        string
	OwnerType       model.OwnerType
	OwnerID         string
	IntegrationType string
	DisplayName     string
	RedirectURI     string
	ClientID        string
	ClientSecret    string
	Config          map[string]string
	ProcessMode     model.ProcessMode
}

// IntegrationService manages the lifecycle of integration rows around the
// OAuth flow handled by the web layer
type IntegrationService struct {
	store     store.IntegrationStore
	vault     *crypto.Vault
	providers *provider.Registry
	sup       *supervisor.Supervisor
	files     *credfile.Materializer
	stops     StopNotifier
	now       func() time.Time
}

func NewIntegrationService(st store.IntegrationStore, vault *crypto.Vault, providers *provider.Registry, sup *supervisor.Supervisor, files *credfile.Materializer, stops StopNotifier) *IntegrationService {
	return &IntegrationService{
		store:     st,
		vault:     vault,
		providers: providers,
		sup:       sup,
		files:     files,
		stops:     stops,
		now:       time.Now,
	}
}

// Configure stores client credentials and provider config. New rows start
// inactive until CompleteConnection; an empty client secret keeps the stored one.
func (s *IntegrationService) Configure(ctx context.Context, req ConfigureRequest) (*model.Integration, error) {
	if err := validateConfigureRequest(req); err != nil {
		return nil, &errs.ToolError{Kind: errs.KindInvalid, Message: err.Error(), Err: err}
	}
	p, err := s.providers.Lookup(req.IntegrationType)
	if err != nil {
		return nil, &errs.ToolError{Kind: errs.KindInvalid, Message: err.Error(), Err: err}
	}
	if err := sandbox.ValidateConfig(p.Schema, req.Config); err != nil {
		return nil, &errs.ToolError{Kind: errs.KindInvalid, Message: err.Error(), Err: err}
	}

	key := model.Key{TenantID: req.TenantID, OwnerType: req.OwnerType, OwnerID: req.OwnerID, IntegrationType: req.IntegrationType}
	in, err := s.store.GetByKey(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("integration", key.String()).Msg("Failed to load integration")
		return nil, err
	}

	clientID, clientSecret := req.ClientID, req.ClientSecret
	if in == nil {
		in = &model.Integration{
			TenantID:        req.TenantID,
			OwnerType:       req.OwnerType,
			OwnerID:         req.OwnerID,
			IntegrationType: req.IntegrationType,
		}
	} else if clientSecret == "" {
		current, err := s.vault.OpenBundle(in)
		if err != nil {
			return nil, err
		}
		clientSecret = current.ClientSecret
	}

	in.DisplayName = req.DisplayName
	if in.DisplayName == "" {
		in.DisplayName = defaultDisplayName(req.OwnerType, req.IntegrationType)
	}
	in.RedirectURI = req.RedirectURI
	in.ProcessMode = req.ProcessMode
	if in.ProcessMode == "" {
		in.ProcessMode = model.ProcessModeWorker
	}
	in.WorkerType = p.WorkerType

	if err := s.vault.SealClient(in, clientID, clientSecret, req.Config); err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ctx, in); err != nil {
		log.Error().Err(err).Str("integration", key.String()).Msg("Failed to save integration")
		return nil, err
	}

	log.Info().
		Str("tenant_id", in.TenantID).
		Str("owner_type", string(in.OwnerType)).
		Str("integration_type", in.IntegrationType).
		Msg("Configured integration")
	return in, nil
}

// CompleteConnection stores the tokens returned by the OAuth callback and
// activates the integration. A worker still running on older credentials is
// stopped so the next call starts it with the new ones.
func (s *IntegrationService) CompleteConnection(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) (*model.Integration, error) {
	if accessToken == "" {
		return nil, &errs.ToolError{Kind: errs.KindInvalid, Message: "access token is required"}
	}
	in, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, errs.ErrIntegrationNotConfigured
	}

	if err := s.sup.Stop(ctx, in); err != nil {
		return nil, err
	}
	if err := s.vault.SealTokens(in, accessToken, refreshToken, expiresAt, s.now().UTC()); err != nil {
		return nil, err
	}
	in.IsActive = true
	if err := s.store.UpdateTokens(ctx, in); err != nil {
		log.Error().Err(err).Str("integration_id", id.String()).Msg("Failed to store tokens")
		return nil, err
	}

	log.Info().Str("process_name", in.ProcessName()).Msg("Integration connected")
	return in, nil
}

// Disconnect stops the worker, removes its credential files and deactivates
// the integration. Client credentials and display name are kept.
func (s *IntegrationService) Disconnect(ctx context.Context, id uuid.UUID) error {
	in, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if in == nil {
		return errs.ErrIntegrationNotConfigured
	}

	name := in.ProcessName()
	if err := s.sup.Stop(ctx, in); err != nil {
		return err
	}
	s.files.Cleanup(in)
	if s.stops != nil {
		if err := s.stops.Publish(ctx, name); err != nil {
			log.Warn().Err(err).Str("process_name", name).Msg("Failed to broadcast worker stop")
		}
	}
	if err := s.store.Deactivate(ctx, in); err != nil {
		log.Error().Err(err).Str("process_name", name).Msg("Failed to deactivate integration")
		return err
	}

	log.Info().Str("process_name", name).Msg("Integration disconnected")
	return nil
}

// WorkerStatus reports the integration's worker as seen by this instance
func (s *IntegrationService) WorkerStatus(ctx context.Context, id uuid.UUID) (*supervisor.Status, error) {
	in, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, errs.ErrIntegrationNotConfigured
	}
	st := s.sup.Status(ctx, in)
	return &st, nil
}

// validateConfigureRequest validates the configure request
func validateConfigureRequest(req ConfigureRequest) error {
	if req.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if !req.OwnerType.Valid() {
		return fmt.Errorf("invalid owner type %q", req.OwnerType)
	}
	if req.OwnerID == "" {
		return errors.New("owner id is required")
	}
	if req.OwnerType == model.OwnerTenant && req.OwnerID != req.TenantID {
		return errors.New("workspace integrations are owned by their tenant")
	}
	if req.IntegrationType == "" {
		return errors.New("integration type is required")
	}
	if req.ProcessMode != "" && req.ProcessMode != model.ProcessModeWorker && req.ProcessMode != model.ProcessModeDirectAPI {
		return fmt.Errorf("invalid process mode %q", req.ProcessMode)
	}
	return nil
}

// defaultDisplayName renders e.g. "Workspace Google Drive" or "Personal Gmail"
func defaultDisplayName(ownerType model.OwnerType, integrationType string) string {
	scope := "Personal"
	if ownerType == model.OwnerTenant {
		scope = "Workspace"
	}
	words := strings.Split(integrationType, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return scope + " " + strings.Join(words, " ")
}
