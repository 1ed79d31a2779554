package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
)

func sampleIntegration(ownerType model.OwnerType, ownerID string) *model.Integration {
	access := "enc-access"
	refresh := "enc-refresh"
	return &model.Integration{
		TenantID:        "tenant-1",
		OwnerType:       ownerType,
		OwnerID:         ownerID,
		IntegrationType: "gmail",
		DisplayName:     "Personal Gmail",
		IsActive:        true,
		ProcessMode:     model.ProcessModeWorker,
		WorkerType:      "gmail",
		AccessTokenEnc:  &access,
		RefreshTokenEnc: &refresh,
	}
}

func TestMemoryStore_UpsertKeepsOneRowPerKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := sampleIntegration(model.OwnerUser, "u1")
	require.NoError(t, s.Upsert(ctx, first))
	connectedAt := first.ConnectedAt

	second := sampleIntegration(model.OwnerUser, "u1")
	second.DisplayName = "Renamed"
	require.NoError(t, s.Upsert(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, connectedAt, second.ConnectedAt)

	got, err := s.GetByKey(ctx, first.Key())
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.DisplayName)

	keys, err := s.ListActiveKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestMemoryStore_FindActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	got, err := s.FindActive(ctx, "tenant-1", model.OwnerUser, "u1", "gmail")
	require.NoError(t, err)
	assert.Nil(t, got)

	in := sampleIntegration(model.OwnerUser, "u1")
	require.NoError(t, s.Upsert(ctx, in))

	got, err = s.FindActive(ctx, "tenant-1", model.OwnerUser, "u1", "gmail")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ID, got.ID)

	require.NoError(t, s.Deactivate(ctx, got))
	got, err = s.FindActive(ctx, "tenant-1", model.OwnerUser, "u1", "gmail")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := sampleIntegration(model.OwnerTenant, "tenant-1")
	require.NoError(t, s.Upsert(ctx, in))

	in.DisplayName = "mutated after write"
	got, err := s.GetByID(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "Personal Gmail", got.DisplayName)

	got.DisplayName = "mutated after read"
	again, err := s.GetByID(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "Personal Gmail", again.DisplayName)
}

func TestMemoryStore_DeactivateKeepsClient(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := sampleIntegration(model.OwnerUser, "u1")
	clientID := "enc-client"
	in.ClientIDEnc = &clientID
	pid := 4242
	in.WorkerPID = &pid
	require.NoError(t, s.Upsert(ctx, in))

	require.NoError(t, s.Deactivate(ctx, in))
	got, err := s.GetByID(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.AccessTokenEnc)
	assert.Nil(t, got.RefreshTokenEnc)
	assert.Nil(t, got.WorkerPID)
	require.NotNil(t, got.ClientIDEnc)
	assert.Equal(t, "enc-client", *got.ClientIDEnc)
}

func TestMemoryStore_UpdateTokensAndPID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := sampleIntegration(model.OwnerUser, "u1")
	require.NoError(t, s.Upsert(ctx, in))

	access := "enc-access-2"
	expires := time.Now().Add(time.Hour).UTC()
	in.AccessTokenEnc = &access
	in.TokenExpiresAt = &expires
	require.NoError(t, s.UpdateTokens(ctx, in))

	pid := 99
	require.NoError(t, s.SetWorkerPID(ctx, in.ID, &pid))

	got, err := s.GetByID(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc-access-2", *got.AccessTokenEnc)
	assert.True(t, expires.Equal(*got.TokenExpiresAt))
	assert.Equal(t, 99, *got.WorkerPID)

	require.NoError(t, s.SetWorkerPID(ctx, in.ID, nil))
	got, err = s.GetByID(ctx, in.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WorkerPID)
}

func TestMemoryStore_WritesToMissingRow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	in := sampleIntegration(model.OwnerUser, "ghost")

	assert.ErrorIs(t, s.UpdateTokens(ctx, in), ErrNotFound)
	assert.ErrorIs(t, s.SetWorkerPID(ctx, in.ID, nil), ErrNotFound)
}
