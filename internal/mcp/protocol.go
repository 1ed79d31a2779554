// Package mcp speaks the worker tool protocol: JSON-RPC 2.0 over
// newline-delimited stdio with initialize, tools/list and tools/call.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the version offered during initialize. Workers answer
// with their own version and the client accepts it.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *request) isNotification() bool {
	return len(r.ID) == 0
}

// message is anything a peer writes on the wire: a response, or a request
// and notification when Method is set.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ClientInfo identifies the calling side during initialize
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// InitializeResult is the worker's answer to initialize
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ClientInfo      `json:"serverInfo"`
}

// Tool describes one callable tool
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one block of a tool result
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ErrorInfo carries structured failure metadata when IsError is set.
// Category is one of validation, not_found, forbidden, auth, rate_limited,
// transient, internal.
type ErrorInfo struct {
	Category  string `json:"category"`
	Retryable bool   `json:"retryable"`
}

// CallResult is the result of tools/call
type CallResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	ErrorInfo         *ErrorInfo      `json:"errorInfo,omitempty"`
}

// Text joins the text content blocks
func (r *CallResult) Text() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// TextResult builds a successful single-block result
func TextResult(text string) *CallResult {
	return &CallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds a failed single-block result
func ErrorResult(category string, retryable bool, text string) *CallResult {
	return &CallResult{
		Content:   []ContentBlock{{Type: "text", Text: text}},
		IsError:   true,
		ErrorInfo: &ErrorInfo{Category: category, Retryable: retryable},
	}
}
