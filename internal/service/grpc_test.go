package service

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
	"github.com/teresa-solution/integration-isolation-service/internal/fakeworker"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newTestClient(t *testing.T, f *fixture) (*Client, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterToolBridgeServer(server, NewGRPCServer(f.bridge, f.integrations))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), conn
}

func TestGRPC_InvokeAndListTools(t *testing.T) {
	f := newFixture(t, 0)
	f.connect(t, model.OwnerTenant, "t1", "access-1", inAnHour(), nil)
	client, _ := newTestClient(t, f)
	ctx := context.Background()

	res, err := client.Invoke(ctx, ToolRequest{
		TenantID:        "t1",
		UserID:          "u1",
		IntegrationType: fakeworker.Type,
		Tool:            "echo",
		Arguments:       json.RawMessage(`{"text":"over grpc"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "over grpc", res.Text())
	assert.Equal(t, model.OwnerTenant, res.OwnerType)

	tools, err := client.ListTools(ctx, "t1", "u1", fakeworker.Type)
	require.NoError(t, err)
	assert.Len(t, tools, 5)
}

func TestGRPC_ErrorsKeepTheirKind(t *testing.T) {
	f := newFixture(t, 0)
	f.connect(t, model.OwnerUser, "u1", "access-1", inAnHour(), nil)
	client, conn := newTestClient(t, f)
	ctx := context.Background()

	_, err := client.Invoke(ctx, ToolRequest{TenantID: "t1", UserID: "u1", IntegrationType: "gmail", Tool: "search_emails"})
	te := toolErr(t, err)
	assert.Equal(t, errs.KindNotFound, te.Kind)
	assert.Equal(t, codes.NotFound, status.Code(te.Err))

	_, err = client.Invoke(ctx, ToolRequest{TenantID: "t1", UserID: "u1", IntegrationType: fakeworker.Type, Tool: "rate_limited"})
	te = toolErr(t, err)
	assert.Equal(t, errs.KindRateLimited, te.Kind)
	assert.True(t, te.Retryable)
	assert.Equal(t, "slow down", te.Message)

	// raw status code for callers without the client
	_, err = NewClient(conn).invoke(ctx, "WorkerStatus", map[string]any{"integration_id": "not-a-uuid"})
	assert.Equal(t, errs.KindInvalid, toolErr(t, err).Kind)
}

func TestGRPC_StatusAndDisconnect(t *testing.T) {
	f := newFixture(t, 0)
	in := f.connect(t, model.OwnerUser, "u1", "access-1", inAnHour(), nil)
	client, _ := newTestClient(t, f)
	ctx := context.Background()

	_, err := f.whoami(t, "u1")
	require.NoError(t, err)

	st, err := client.WorkerStatus(ctx, in.ID)
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.NotNil(t, st.PID)

	require.NoError(t, client.Disconnect(ctx, in.ID))
	st, err = client.WorkerStatus(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, st.Running)

	err = client.Disconnect(ctx, uuid.New())
	assert.Equal(t, errs.KindNotFound, toolErr(t, err).Kind)
}
