package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Handler is the worker side of the protocol
type Handler interface {
	Tools() []Tool
	Call(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error)
}

// Server answers requests from one client over stdio. It is what a worker
// binary embeds; the service itself only ever acts as a client.
type Server struct {
	info    ClientInfo
	handler Handler

	mu  sync.Mutex
	out io.Writer
}

// NewServer builds a server reporting info as its serverInfo
func NewServer(info ClientInfo, handler Handler) *Server {
	return &Server{info: info, handler: handler}
}

// Serve reads requests from in until EOF or ctx is cancelled
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(nil, CodeParseError, "parse error: "+err.Error())
			continue
		}
		if req.JSONRPC != "2.0" {
			if !req.isNotification() {
				s.writeError(req.ID, CodeInvalidRequest, "jsonrpc must be 2.0")
			}
			continue
		}
		if req.isNotification() {
			continue
		}
		s.dispatch(ctx, &req)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *request) {
	switch req.Method {
	case "initialize":
		var params initializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				s.writeError(req.ID, CodeInvalidParams, err.Error())
				return
			}
		}
		s.writeResult(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    json.RawMessage(`{"tools":{}}`),
			ServerInfo:      s.info,
		})
	case "ping":
		s.writeResult(req.ID, struct{}{})
	case "tools/list":
		tools := s.handler.Tools()
		if tools == nil {
			tools = []Tool{}
		}
		s.writeResult(req.ID, toolsListResult{Tools: tools})
	case "tools/call":
		var params toolsCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			s.writeError(req.ID, CodeInvalidParams, "tools/call requires a name")
			return
		}
		result, err := s.handler.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			s.writeError(req.ID, CodeInternalError, err.Error())
			return
		}
		s.writeResult(req.ID, result)
	default:
		s.writeError(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, msg string) {
	if id == nil {
		id = json.RawMessage("null")
	}
	s.write(response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}})
}

func (s *Server) write(resp response) {
	line, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(append(line, '\n'))
}
