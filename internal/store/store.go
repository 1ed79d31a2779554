package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
)

// ErrNotFound is returned by writes addressed at a row that does not exist
var ErrNotFound = errors.New("integration not found")

// IntegrationStore persists integration rows. Lookups return nil, nil when
// nothing matches.
type IntegrationStore interface {
	FindActive(ctx context.Context, tenantID string, ownerType model.OwnerType, ownerID, integrationType string) (*model.Integration, error)
	GetByKey(ctx context.Context, key model.Key) (*model.Integration, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Integration, error)
	Upsert(ctx context.Context, integration *model.Integration) error
	UpdateTokens(ctx context.Context, integration *model.Integration) error
	Deactivate(ctx context.Context, integration *model.Integration) error
	SetWorkerPID(ctx context.Context, id uuid.UUID, pid *int) error
	ListActiveKeys(ctx context.Context) ([]model.Key, error)
}

// IntegrationRepository is the Postgres IntegrationStore
type IntegrationRepository struct {
	pool *pgxpool.Pool
}

func NewIntegrationRepository(ctx context.Context, dsn string) (*IntegrationRepository, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &IntegrationRepository{pool: pool}, nil
}

func (r *IntegrationRepository) Close() {
	r.pool.Close()
}

// Ping reports database reachability for health checks
func (r *IntegrationRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const integrationColumns = `id, tenant_id, owner_type, owner_id, integration_type, display_name, redirect_uri,
	is_active, process_mode, worker_type, worker_pid,
	access_token_enc, refresh_token_enc, client_id_enc, client_secret_enc, config_enc,
	token_expires_at, last_sync_at, connected_at, updated_at`

func scanIntegration(row pgx.Row) (*model.Integration, error) {
	in := &model.Integration{}
	err := row.Scan(
		&in.ID, &in.TenantID, &in.OwnerType, &in.OwnerID, &in.IntegrationType, &in.DisplayName, &in.RedirectURI,
		&in.IsActive, &in.ProcessMode, &in.WorkerType, &in.WorkerPID,
		&in.AccessTokenEnc, &in.RefreshTokenEnc, &in.ClientIDEnc, &in.ClientSecretEnc, &in.ConfigEnc,
		&in.TokenExpiresAt, &in.LastSyncAt, &in.ConnectedAt, &in.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (r *IntegrationRepository) FindActive(ctx context.Context, tenantID string, ownerType model.OwnerType, ownerID, integrationType string) (*model.Integration, error) {
	query := `SELECT ` + integrationColumns + `
              FROM integrations
              WHERE tenant_id = $1 AND owner_type = $2 AND owner_id = $3 AND integration_type = $4 AND is_active`
	return scanIntegration(r.pool.QueryRow(ctx, query, tenantID, ownerType, ownerID, integrationType))
}

func (r *IntegrationRepository) GetByKey(ctx context.Context, key model.Key) (*model.Integration, error) {
	query := `SELECT ` + integrationColumns + `
              FROM integrations
              WHERE tenant_id = $1 AND owner_type = $2 AND owner_id = $3 AND integration_type = $4`
	return scanIntegration(r.pool.QueryRow(ctx, query, key.TenantID, key.OwnerType, key.OwnerID, key.IntegrationType))
}

func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`
	return scanIntegration(r.pool.QueryRow(ctx, query, id))
}

// Upsert inserts the row or updates the existing row with the same key. ID,
// ConnectedAt and UpdatedAt are set from the stored row.
func (r *IntegrationRepository) Upsert(ctx context.Context, in *model.Integration) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	query := `INSERT INTO integrations (` + integrationColumns + `)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
              ON CONFLICT ON CONSTRAINT integrations_key DO UPDATE SET
                  display_name = EXCLUDED.display_name,
                  redirect_uri = EXCLUDED.redirect_uri,
                  is_active = EXCLUDED.is_active,
                  process_mode = EXCLUDED.process_mode,
                  worker_type = EXCLUDED.worker_type,
                  worker_pid = EXCLUDED.worker_pid,
                  access_token_enc = EXCLUDED.access_token_enc,
                  refresh_token_enc = EXCLUDED.refresh_token_enc,
                  client_id_enc = EXCLUDED.client_id_enc,
                  client_secret_enc = EXCLUDED.client_secret_enc,
                  config_enc = EXCLUDED.config_enc,
                  token_expires_at = EXCLUDED.token_expires_at,
                  last_sync_at = EXCLUDED.last_sync_at,
                  updated_at = EXCLUDED.updated_at
              RETURNING id, connected_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		in.ID, in.TenantID, in.OwnerType, in.OwnerID, in.IntegrationType, in.DisplayName, in.RedirectURI,
		in.IsActive, in.ProcessMode, in.WorkerType, in.WorkerPID,
		in.AccessTokenEnc, in.RefreshTokenEnc, in.ClientIDEnc, in.ClientSecretEnc, in.ConfigEnc,
		in.TokenExpiresAt, in.LastSyncAt, now,
	).Scan(&in.ID, &in.ConnectedAt, &in.UpdatedAt)
}

func (r *IntegrationRepository) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *IntegrationRepository) UpdateTokens(ctx context.Context, in *model.Integration) error {
	in.UpdatedAt = time.Now().UTC()
	query := `UPDATE integrations
              SET access_token_enc = $2, refresh_token_enc = $3, token_expires_at = $4, last_sync_at = $5, is_active = $6, updated_at = $7
              WHERE id = $1`
	return r.exec(ctx, query, in.ID, in.AccessTokenEnc, in.RefreshTokenEnc, in.TokenExpiresAt, in.LastSyncAt, in.IsActive, in.UpdatedAt)
}

// Deactivate persists model.Integration.Deactivate: token material and PID
// are cleared, client credentials and display fields are kept
func (r *IntegrationRepository) Deactivate(ctx context.Context, in *model.Integration) error {
	in.Deactivate()
	in.UpdatedAt = time.Now().UTC()
	query := `UPDATE integrations
              SET is_active = FALSE, access_token_enc = NULL, refresh_token_enc = NULL, token_expires_at = NULL,
                  worker_pid = NULL, updated_at = $2
              WHERE id = $1`
	return r.exec(ctx, query, in.ID, in.UpdatedAt)
}

func (r *IntegrationRepository) SetWorkerPID(ctx context.Context, id uuid.UUID, pid *int) error {
	query := `UPDATE integrations SET worker_pid = $2 WHERE id = $1`
	return r.exec(ctx, query, id, pid)
}

func (r *IntegrationRepository) ListActiveKeys(ctx context.Context) ([]model.Key, error) {
	query := `SELECT tenant_id, owner_type, owner_id, integration_type FROM integrations WHERE is_active`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.Key
	for rows.Next() {
		var k model.Key
		if err := rows.Scan(&k.TenantID, &k.OwnerType, &k.OwnerID, &k.IntegrationType); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
