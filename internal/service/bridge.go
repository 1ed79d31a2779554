package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/credfile"
	"github.com/teresa-solution/integration-isolation-service/internal/crypto"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
	"github.com/teresa-solution/integration-isolation-service/internal/mcp"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/monitoring"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
	"github.com/teresa-solution/integration-isolation-service/internal/refresh"
	"github.com/teresa-solution/integration-isolation-service/internal/store"
	"github.com/teresa-solution/integration-isolation-service/internal/supervisor"
)

const DefaultCallTimeout = 60 * time.Second

// ToolRequest asks for one tool call on behalf of a tenant member
type ToolRequest struct {
	TenantID        string
	UserID          string
	IntegrationType string
	Tool            string
	Arguments       json.RawMessage
}

// ToolResult is a successful tool call. It never carries credentials.
type ToolResult struct {
	ProcessName string
	OwnerType   model.OwnerType
	Content     []mcp.ContentBlock
	Structured  json.RawMessage
}

// Text joins the text content blocks
func (r *ToolResult) Text() string {
	return (&mcp.CallResult{Content: r.Content}).Text()
}

// StopNotifier tells the other service instances to stop a worker
type StopNotifier interface {
	Publish(ctx context.Context, processName string) error
}

// ToolBridge is the only way the orchestration layer reaches a worker. It
// resolves the integration, keeps its token fresh, makes sure the worker runs
// and translates every failure into an *errs.ToolError.
type ToolBridge struct {
	store       store.IntegrationStore
	providers   *provider.Registry
	refresher   *refresh.Coordinator
	sup         *supervisor.Supervisor
	files       *credfile.Materializer
	stops       StopNotifier
	callTimeout time.Duration
}

func NewToolBridge(st store.IntegrationStore, providers *provider.Registry, refresher *refresh.Coordinator, sup *supervisor.Supervisor, files *credfile.Materializer, stops StopNotifier, callTimeout time.Duration) *ToolBridge {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &ToolBridge{
		store:       st,
		providers:   providers,
		refresher:   refresher,
		sup:         sup,
		files:       files,
		stops:       stops,
		callTimeout: callTimeout,
	}
}

// resolve picks the member's personal integration first and falls back to the
// tenant's workspace one
func (b *ToolBridge) resolve(ctx context.Context, tenantID, userID, integrationType string) (*model.Integration, error) {
	if userID != "" {
		in, err := b.store.FindActive(ctx, tenantID, model.OwnerUser, userID, integrationType)
		if err != nil {
			return nil, err
		}
		if in != nil {
			return in, nil
		}
	}
	in, err := b.store.FindActive(ctx, tenantID, model.OwnerTenant, tenantID, integrationType)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, errs.ErrIntegrationNotConfigured
	}
	return in, nil
}

// prepare refreshes the token when due (or when forced) and returns the client
// of a running worker. A worker already running on a replaced token is
// restarted so it reads the new credential files.
func (b *ToolBridge) prepare(ctx context.Context, in *model.Integration, force bool) (*mcp.Client, error) {
	if !in.UsesWorker() {
		return nil, errs.ErrNotWorkerMode
	}

	refreshed := false
	if force || b.refresher.NeedsRefresh(in) {
		if _, err := b.refresher.Refresh(ctx, in); err != nil {
			var rf *errs.RefreshFailedError
			if errors.As(err, &rf) {
				b.teardown(ctx, in)
			}
			return nil, err
		}
		refreshed = true
	}

	var (
		h   *supervisor.Handle
		err error
	)
	if refreshed && in.LastSyncAt != nil {
		h, err = b.sup.StartFresh(ctx, in, *in.LastSyncAt)
	} else {
		h, err = b.sup.Start(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	return h.Client(), nil
}

// teardown stops the worker of a deactivated integration everywhere and
// removes its credential files
func (b *ToolBridge) teardown(ctx context.Context, in *model.Integration) {
	name := in.ProcessName()
	if err := b.sup.Stop(ctx, in); err != nil {
		log.Error().Err(err).Str("process_name", name).Msg("Failed to stop worker of deactivated integration")
	}
	b.files.Cleanup(in)
	if b.stops != nil {
		if err := b.stops.Publish(ctx, name); err != nil {
			log.Warn().Err(err).Str("process_name", name).Msg("Failed to broadcast worker stop")
		}
	}
}

func (b *ToolBridge) call(ctx context.Context, in *model.Integration, client *mcp.Client, tool string, args json.RawMessage) (*mcp.CallResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	if err := client.EnsureInitialized(callCtx); err != nil {
		return nil, b.callFailed(ctx, in, "initialize", err)
	}
	res, err := client.CallTool(callCtx, tool, args)
	if err != nil {
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			return nil, err
		}
		return nil, b.callFailed(ctx, in, "tools/call", err)
	}
	return res, nil
}

// callFailed stops the worker only when it hung up or ran past the call
// timeout. Other requests share the worker, so a caller giving up leaves it
// running.
func (b *ToolBridge) callFailed(ctx context.Context, in *model.Integration, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, mcp.ErrWorkerClosed) {
		return fmt.Errorf("%s on %s: %w", op, in.ProcessName(), ctxErr)
	}
	return b.unresponsive(in, op, err)
}

// unresponsive stops a worker that timed out or hung up so the next call
// starts a fresh one
func (b *ToolBridge) unresponsive(in *model.Integration, op string, err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := b.sup.Stop(ctx, in); stopErr != nil {
		log.Error().Err(stopErr).Str("process_name", in.ProcessName()).Msg("Failed to stop unresponsive worker")
	}
	return &errs.WorkerUnresponsiveError{ProcessName: in.ProcessName(), Op: op, Err: err}
}

// Invoke runs one tool call. Errors are always *errs.ToolError.
func (b *ToolBridge) Invoke(ctx context.Context, req ToolRequest) (*ToolResult, error) {
	start := time.Now()
	res, err := b.invoke(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = string(errs.KindOf(err))
	}
	monitoring.ToolCalls.WithLabelValues(req.IntegrationType, outcome).Inc()
	monitoring.ToolCallDuration.WithLabelValues(req.IntegrationType).Observe(time.Since(start).Seconds())
	return res, err
}

func (b *ToolBridge) invoke(ctx context.Context, req ToolRequest) (*ToolResult, error) {
	if req.TenantID == "" || req.IntegrationType == "" || req.Tool == "" {
		return nil, &errs.ToolError{Kind: errs.KindInvalid, Message: "tenant, integration type and tool are required"}
	}

	in, err := b.resolve(ctx, req.TenantID, req.UserID, req.IntegrationType)
	if err != nil {
		return nil, toToolError(err)
	}
	logger := log.With().
		Str("tenant_id", req.TenantID).
		Str("process_name", in.ProcessName()).
		Str("tool", req.Tool).
		Logger()

	client, err := b.prepare(ctx, in, false)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to prepare worker")
		return nil, toToolError(err)
	}
	res, err := b.call(ctx, in, client, req.Tool, req.Arguments)
	if err != nil {
		logger.Error().Err(err).Msg("Tool call failed")
		return nil, toToolError(err)
	}

	if isAuthFailure(res) {
		logger.Warn().Msg("Worker reported an auth failure, refreshing token and retrying once")
		client, err = b.prepare(ctx, in, true)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to recover from auth failure")
			return nil, toToolError(err)
		}
		if res, err = b.call(ctx, in, client, req.Tool, req.Arguments); err != nil {
			logger.Error().Err(err).Msg("Tool call failed after token refresh")
			return nil, toToolError(err)
		}
	}

	if res.IsError {
		return nil, resultError(res)
	}
	return &ToolResult{
		ProcessName: in.ProcessName(),
		OwnerType:   in.OwnerType,
		Content:     res.Content,
		Structured:  res.StructuredContent,
	}, nil
}

// ListTools returns the tools of the resolved integration's worker, or the
// provider's catalogue when the worker does not answer tools/list
func (b *ToolBridge) ListTools(ctx context.Context, tenantID, userID, integrationType string) ([]mcp.Tool, error) {
	in, err := b.resolve(ctx, tenantID, userID, integrationType)
	if err != nil {
		return nil, toToolError(err)
	}
	p, err := b.providers.Lookup(in.IntegrationType)
	if err != nil {
		return nil, toToolError(err)
	}

	client, err := b.prepare(ctx, in, false)
	if err != nil {
		return nil, toToolError(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	if err := client.EnsureInitialized(callCtx); err != nil {
		log.Warn().Err(err).Str("process_name", in.ProcessName()).Msg("Worker did not initialize, using default tools")
		return p.DefaultTools(), nil
	}
	tools, err := client.ListTools(callCtx)
	if err != nil || len(tools) == 0 {
		log.Warn().Err(err).Str("process_name", in.ProcessName()).Msg("Worker did not list tools, using default tools")
		return p.DefaultTools(), nil
	}
	return tools, nil
}

var authMarkers = []string{"invalid_grant", "invalid_token", "unauthorized", "unauthenticated", "401"}

// isAuthFailure reports a result failing because the worker's token was
// rejected. Workers without errorInfo are matched on their message. A
// forbidden result is not one: a refreshed token has the same scopes.
func isAuthFailure(res *mcp.CallResult) bool {
	if !res.IsError {
		return false
	}
	if res.ErrorInfo != nil {
		return res.ErrorInfo.Category == "auth"
	}
	text := strings.ToLower(res.Text())
	for _, marker := range authMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func resultError(res *mcp.CallResult) *errs.ToolError {
	message := res.Text()
	if res.ErrorInfo == nil {
		if isAuthFailure(res) {
			return &errs.ToolError{Kind: errs.KindReconnect, Message: message}
		}
		return &errs.ToolError{Kind: errs.KindInternal, Message: message}
	}

	info := res.ErrorInfo
	switch info.Category {
	case "auth", "forbidden":
		return &errs.ToolError{Kind: errs.KindReconnect, Message: message}
	case "rate_limited":
		return &errs.ToolError{Kind: errs.KindRateLimited, Message: message, Retryable: true}
	case "transient":
		return &errs.ToolError{Kind: errs.KindTransient, Message: message, Retryable: true}
	case "validation", "not_found":
		return &errs.ToolError{Kind: errs.KindInvalid, Message: message}
	default:
		return &errs.ToolError{Kind: errs.KindInternal, Message: message, Retryable: info.Retryable}
	}
}

// toToolError translates supervisor, refresh, store and protocol failures
func toToolError(err error) *errs.ToolError {
	var (
		te         *errs.ToolError
		refreshErr *errs.RefreshFailedError
		startErr   *errs.WorkerStartFailedError
		unrespErr  *errs.WorkerUnresponsiveError
		rpcErr     *mcp.RPCError
	)
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, errs.ErrIntegrationNotConfigured):
		return &errs.ToolError{Kind: errs.KindNotFound, Message: "no active integration of this type", Err: err}
	case errors.As(err, &refreshErr):
		return &errs.ToolError{Kind: errs.KindReconnect, Message: "token refresh failed, integration deactivated", Err: err}
	case errors.As(err, &startErr):
		return &errs.ToolError{Kind: errs.KindUnavailable, Message: "worker failed to start", Retryable: true, Err: err}
	case errors.Is(err, errs.ErrLeaseHeld):
		return &errs.ToolError{Kind: errs.KindUnavailable, Message: "worker is owned by another instance", Retryable: true, Err: err}
	case errors.As(err, &unrespErr):
		return &errs.ToolError{Kind: errs.KindUnavailable, Message: "worker did not respond", Retryable: true, Err: err}
	case errors.Is(err, errs.ErrNotWorkerMode), errors.Is(err, provider.ErrUnknownType):
		return &errs.ToolError{Kind: errs.KindInvalid, Message: "integration does not support tool calls", Err: err}
	case errors.As(err, &rpcErr):
		if rpcErr.Code == mcp.CodeMethodNotFound || rpcErr.Code == mcp.CodeInvalidParams {
			return &errs.ToolError{Kind: errs.KindInvalid, Message: rpcErr.Message, Err: err}
		}
		return &errs.ToolError{Kind: errs.KindInternal, Message: rpcErr.Message, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &errs.ToolError{Kind: errs.KindTransient, Message: "request timed out", Retryable: true, Err: err}
	case errors.Is(err, crypto.ErrCrypto):
		return &errs.ToolError{Kind: errs.KindInternal, Message: "stored credentials could not be decrypted", Err: err}
	default:
		return &errs.ToolError{Kind: errs.KindInternal, Message: "internal error", Err: err}
	}
}
