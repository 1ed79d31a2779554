package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrWorkerClosed is returned for calls pending or issued after the worker
// closed its stdout
var ErrWorkerClosed = errors.New("worker closed its stdout")

const maxLineSize = 4 * 1024 * 1024

// Client issues requests to one worker. Responses are matched to requests by
// id on a reader goroutine, so a call abandoned on timeout never desyncs the
// stream for the next caller.
type Client struct {
	name string
	info ClientInfo

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan message
	closed  bool

	initMu      sync.Mutex
	initialized *InitializeResult

	done chan struct{}
}

// NewClient starts reading responses from stdout. name is used for log
// correlation only.
func NewClient(name string, stdin io.WriteCloser, stdout io.Reader, info ClientInfo) *Client {
	c := &Client{
		name:    name,
		info:    info,
		stdin:   stdin,
		pending: make(map[int64]chan message),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			// workers launched through package runners sometimes print banners
			log.Debug().Str("process_name", c.name).Msg("Ignoring non JSON-RPC line from worker")
			continue
		}
		if msg.Method != "" {
			log.Debug().Str("process_name", c.name).Str("method", msg.Method).Msg("Ignoring worker-initiated message")
			continue
		}

		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			log.Warn().Str("process_name", c.name).Msg("Worker response with unexpected id")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("process_name", c.name).Msg("Worker stdout read failed")
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

// Done is closed once the worker's stdout reaches EOF
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the worker's stdin, which well-behaved workers treat as shutdown
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stdin.Close()
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrWorkerClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{JSONRPC: "2.0", ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.forget(id)
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}

	if err := c.write(req); err != nil {
		c.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return ErrWorkerClosed
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) notify(method string) error {
	return c.write(request{JSONRPC: "2.0", Method: method})
}

func (c *Client) write(req request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("writing %s to worker: %w", req.Method, err)
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Initialize performs the protocol handshake
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	var result InitializeResult
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"roots": map[string]bool{"listChanged": false}},
		ClientInfo:      c.info,
	}, &result)
	if err != nil {
		return nil, err
	}
	if err := c.notify("notifications/initialized"); err != nil {
		return nil, err
	}
	return &result, nil
}

// EnsureInitialized runs the handshake once per worker
func (c *Client) EnsureInitialized(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initialized != nil {
		return nil
	}
	result, err := c.Initialize(ctx)
	if err != nil {
		return err
	}
	c.initialized = result
	return nil
}

// Ping checks the worker answers at all
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// ListTools returns every tool, following pagination cursors
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		var page toolsListResult
		if err := c.call(ctx, "tools/list", params, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool. A tool-level failure is a result with IsError set,
// not an error.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	var result CallResult
	if err := c.call(ctx, "tools/call", toolsCallParams{Name: name, Arguments: arguments}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
