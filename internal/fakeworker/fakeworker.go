// Package fakeworker is a stand-in worker for tests. A test binary calls
// MaybeRun from TestMain and registers Provider; the supervisor then re-execs
// the test binary, which serves the tool protocol instead of running tests.
package fakeworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/teresa-solution/integration-isolation-service/internal/mcp"
	"github.com/teresa-solution/integration-isolation-service/internal/provider"
	"github.com/teresa-solution/integration-isolation-service/internal/sandbox"
)

const (
	// Type is the integration type served by the fake worker
	Type = "fake"

	// ModeKey selects a behaviour: "" serves normally, "crash" exits during
	// startup, "ignore_term" ignores SIGTERM, "silent" never answers
	ModeKey = "FAKE_WORKER_MODE"

	tokenPathEnv = "FAKE_TOKEN_PATH"

	// RevokedToken makes whoami report an auth failure
	RevokedToken = "revoked"
)

// Provider describes the fake worker, launched from the running test binary
func Provider() *provider.Provider {
	return &provider.Provider{
		Type:      Type,
		Family:    provider.FamilyGoogle,
		Command:   []string{os.Args[0]},
		TokenFile: "credentials.json",
		PathEnv:   map[string]string{tokenPathEnv: "credentials.json"},
		Schema:    provider.EnvSchema{ModeKey: {Description: "fake worker behaviour"}},
		Tools:     []mcp.Tool{{Name: "echo", Description: "fallback echo"}},
	}
}

// MaybeRun serves the tool protocol and exits when the process was launched
// as a fake worker. It returns immediately otherwise.
func MaybeRun() {
	if os.Getenv(sandbox.TypeEnv) != Type {
		return
	}
	os.Exit(run())
}

func run() int {
	switch os.Getenv(ModeKey) {
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: missing client configuration")
		return 3
	case "ignore_term":
		signal.Ignore(syscall.SIGTERM)
	case "silent":
		buf := make([]byte, 4096)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				// keep running after stdin closes so only a signal stops us
				blockForever()
			}
		}
	}

	srv := mcp.NewServer(mcp.ClientInfo{Name: "fake-worker", Version: "0.0.1"}, handler{})
	if err := srv.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if os.Getenv(ModeKey) == "ignore_term" {
		blockForever()
	}
	return 0
}

func blockForever() {
	for {
		time.Sleep(time.Hour)
	}
}

type handler struct{}

func (handler) Tools() []mcp.Tool {
	return []mcp.Tool{
		{Name: "echo", Description: "Echo the text argument"},
		{Name: "whoami", Description: "Report the access token the worker was given"},
		{Name: "env", Description: "List the worker environment"},
		{Name: "sleep", Description: "Sleep for ms milliseconds"},
		{Name: "rate_limited", Description: "Always rate limited"},
	}
}

func (handler) Call(ctx context.Context, name string, arguments json.RawMessage) (*mcp.CallResult, error) {
	var args struct {
		Text string `json:"text"`
		MS   int    `json:"ms"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return mcp.ErrorResult("validation", false, "arguments must be an object"), nil
		}
	}

	switch name {
	case "echo":
		return mcp.TextResult(args.Text), nil
	case "whoami":
		data, err := os.ReadFile(os.Getenv(tokenPathEnv))
		if err != nil {
			return mcp.ErrorResult("auth", false, "no token file"), nil
		}
		var tok struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(data, &tok); err != nil {
			return nil, err
		}
		if tok.AccessToken == RevokedToken {
			return mcp.ErrorResult("auth", false, "invalid_grant: token revoked"), nil
		}
		return mcp.TextResult(tok.AccessToken), nil
	case "env":
		environ := os.Environ()
		sort.Strings(environ)
		return mcp.TextResult(strings.Join(environ, "\n")), nil
	case "sleep":
		select {
		case <-time.After(time.Duration(args.MS) * time.Millisecond):
		case <-ctx.Done():
		}
		return mcp.TextResult("awake"), nil
	case "rate_limited":
		return mcp.ErrorResult("rate_limited", true, "slow down"), nil
	}
	return mcp.ErrorResult("not_found", false, "unknown tool "+name), nil
}
