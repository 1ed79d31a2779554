package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
	"github.com/teresa-solution/integration-isolation-service/internal/mcp"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/supervisor"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service web workers call into
const ServiceName = "integration.v1.ToolBridge"

const errorDomain = "integration.v1"

// ToolBridgeServer is the server side of integration.v1.ToolBridge. Every
// message is a google.protobuf.Struct.
type ToolBridgeServer interface {
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WorkerStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(ToolBridgeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ToolBridgeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ToolBridgeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ToolBridgeServiceDesc describes integration.v1.ToolBridge for grpc.Server
var ToolBridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolBridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: unaryHandler("Invoke", ToolBridgeServer.Invoke)},
		{MethodName: "ListTools", Handler: unaryHandler("ListTools", ToolBridgeServer.ListTools)},
		{MethodName: "WorkerStatus", Handler: unaryHandler("WorkerStatus", ToolBridgeServer.WorkerStatus)},
		{MethodName: "Disconnect", Handler: unaryHandler("Disconnect", ToolBridgeServer.Disconnect)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "integration/v1/tool_bridge.proto",
}

// RegisterToolBridgeServer registers srv on s
func RegisterToolBridgeServer(s grpc.ServiceRegistrar, srv ToolBridgeServer) {
	s.RegisterService(&ToolBridgeServiceDesc, srv)
}

// GRPCServer exposes the tool bridge and integration lifecycle over gRPC
type GRPCServer struct {
	bridge       *ToolBridge
	integrations *IntegrationService
}

func NewGRPCServer(bridge *ToolBridge, integrations *IntegrationService) *GRPCServer {
	return &GRPCServer{bridge: bridge, integrations: integrations}
}

func stringField(in *structpb.Struct, name string) string {
	if v, ok := in.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

func idField(in *structpb.Struct) (uuid.UUID, error) {
	id, err := uuid.Parse(stringField(in, "integration_id"))
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "Invalid integration ID")
	}
	return id, nil
}

func (g *GRPCServer) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := ToolRequest{
		TenantID:        stringField(in, "tenant_id"),
		UserID:          stringField(in, "user_id"),
		IntegrationType: stringField(in, "integration_type"),
		Tool:            stringField(in, "tool"),
	}
	if args := in.GetFields()["arguments"].GetStructValue(); args != nil {
		data, err := args.MarshalJSON()
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "Invalid tool arguments")
		}
		req.Arguments = data
	}

	res, err := g.bridge.Invoke(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}

	out := map[string]any{
		"process_name": res.ProcessName,
		"owner_type":   string(res.OwnerType),
		"text":         res.Text(),
	}
	content := make([]any, 0, len(res.Content))
	for _, block := range res.Content {
		content = append(content, map[string]any{"type": block.Type, "text": block.Text})
	}
	out["content"] = content
	if len(res.Structured) > 0 {
		var structured any
		if err := json.Unmarshal(res.Structured, &structured); err == nil {
			out["structured"] = structured
		}
	}
	return newStruct(out)
}

func (g *GRPCServer) ListTools(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tools, err := g.bridge.ListTools(ctx, stringField(in, "tenant_id"), stringField(in, "user_id"), stringField(in, "integration_type"))
	if err != nil {
		return nil, toStatus(err)
	}

	list := make([]any, 0, len(tools))
	for _, tool := range tools {
		entry := map[string]any{"name": tool.Name, "description": tool.Description}
		if len(tool.InputSchema) > 0 {
			var schema any
			if err := json.Unmarshal(tool.InputSchema, &schema); err == nil {
				entry["input_schema"] = schema
			}
		}
		list = append(list, entry)
	}
	return newStruct(map[string]any{"tools": list})
}

func (g *GRPCServer) WorkerStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in)
	if err != nil {
		return nil, err
	}
	st, err := g.integrations.WorkerStatus(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return nil, status.Error(codes.Internal, "Internal server error")
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Error(codes.Internal, "Internal server error")
	}
	return out, nil
}

func (g *GRPCServer) Disconnect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(in)
	if err != nil {
		return nil, err
	}
	if err := g.integrations.Disconnect(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"success": true})
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		return nil, status.Error(codes.Internal, "Internal server error")
	}
	return out, nil
}

var kindCodes = map[errs.Kind]codes.Code{
	errs.KindReconnect:   codes.FailedPrecondition,
	errs.KindUnavailable: codes.Unavailable,
	errs.KindRateLimited: codes.ResourceExhausted,
	errs.KindTransient:   codes.Unavailable,
	errs.KindInvalid:     codes.InvalidArgument,
	errs.KindNotFound:    codes.NotFound,
	errs.KindInternal:    codes.Internal,
}

// toStatus converts a bridge or lifecycle error into a gRPC status carrying
// the tool error kind as ErrorInfo
func toStatus(err error) error {
	te := toToolError(err)
	code, ok := kindCodes[te.Kind]
	if !ok {
		code = codes.Internal
	}
	if code == codes.Internal {
		log.Error().Err(err).Msg("Request failed")
	}

	st := status.New(code, te.UserMessage())
	detailed, dErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(te.Kind),
		Domain:   errorDomain,
		Metadata: map[string]string{"retryable": strconv.FormatBool(te.Retryable), "message": te.Message},
	})
	if dErr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// fromStatus rebuilds the *errs.ToolError behind a gRPC status
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == errorDomain {
			retryable, _ := strconv.ParseBool(info.GetMetadata()["retryable"])
			return &errs.ToolError{
				Kind:      errs.Kind(info.GetReason()),
				Message:   info.GetMetadata()["message"],
				Retryable: retryable,
				Err:       err,
			}
		}
	}
	kind := errs.KindInternal
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		kind = errs.KindTransient
	case codes.InvalidArgument:
		kind = errs.KindInvalid
	}
	return &errs.ToolError{Kind: kind, Message: st.Message(), Retryable: kind == errs.KindTransient, Err: err}
}

// Client calls integration.v1.ToolBridge on behalf of a web worker
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// Invoke runs a tool call. Errors are *errs.ToolError when the server answered.
func (c *Client) Invoke(ctx context.Context, req ToolRequest) (*ToolResult, error) {
	in := map[string]any{
		"tenant_id":        req.TenantID,
		"user_id":          req.UserID,
		"integration_type": req.IntegrationType,
		"tool":             req.Tool,
	}
	if len(req.Arguments) > 0 {
		var args map[string]any
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return nil, &errs.ToolError{Kind: errs.KindInvalid, Message: "arguments must be a JSON object", Err: err}
		}
		in["arguments"] = args
	}

	out, err := c.invoke(ctx, "Invoke", in)
	if err != nil {
		return nil, err
	}
	res := &ToolResult{
		ProcessName: stringField(out, "process_name"),
		OwnerType:   model.OwnerType(stringField(out, "owner_type")),
	}
	for _, v := range out.GetFields()["content"].GetListValue().GetValues() {
		block := v.GetStructValue()
		res.Content = append(res.Content, mcp.ContentBlock{Type: stringField(block, "type"), Text: stringField(block, "text")})
	}
	if structured, ok := out.GetFields()["structured"]; ok {
		if data, err := structured.MarshalJSON(); err == nil {
			res.Structured = data
		}
	}
	return res, nil
}

// ListTools returns the tools available to the member for integrationType
func (c *Client) ListTools(ctx context.Context, tenantID, userID, integrationType string) ([]mcp.Tool, error) {
	out, err := c.invoke(ctx, "ListTools", map[string]any{
		"tenant_id":        tenantID,
		"user_id":          userID,
		"integration_type": integrationType,
	})
	if err != nil {
		return nil, err
	}

	var tools []mcp.Tool
	for _, v := range out.GetFields()["tools"].GetListValue().GetValues() {
		entry := v.GetStructValue()
		tool := mcp.Tool{Name: stringField(entry, "name"), Description: stringField(entry, "description")}
		if schema, ok := entry.GetFields()["input_schema"]; ok {
			if data, err := schema.MarshalJSON(); err == nil {
				tool.InputSchema = data
			}
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// WorkerStatus reports the worker of an integration
func (c *Client) WorkerStatus(ctx context.Context, id uuid.UUID) (*supervisor.Status, error) {
	out, err := c.invoke(ctx, "WorkerStatus", map[string]any{"integration_id": id.String()})
	if err != nil {
		return nil, err
	}
	data, err := out.MarshalJSON()
	if err != nil {
		return nil, err
	}
	st := &supervisor.Status{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decoding worker status: %w", err)
	}
	return st, nil
}

// Disconnect deactivates an integration and stops its worker
func (c *Client) Disconnect(ctx context.Context, id uuid.UUID) error {
	out, err := c.invoke(ctx, "Disconnect", map[string]any{"integration_id": id.String()})
	if err != nil {
		return err
	}
	if !out.GetFields()["success"].GetBoolValue() {
		return errors.New("disconnect was not acknowledged")
	}
	return nil
}
