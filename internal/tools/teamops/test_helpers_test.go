package teamops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/claude-teams/internal/inbox"
	"github.com/jaakkos/claude-teams/internal/registry"
	"github.com/jaakkos/claude-teams/internal/spawn"
	"github.com/jaakkos/claude-teams/internal/taskboard"
)

// newTestService builds a Service over a temp base dir with a fake
// tmux runner and all tools registered.
func newTestService(t *testing.T) (*Service, *server.MCPServer) {
	t.Helper()
	base := t.TempDir()
	teams := registry.NewStore(base)
	inboxes := inbox.NewStore(base)
	tasks := taskboard.NewStore(base)
	sess := NewSession("test-session", nil, false)
	sess.ClaudeBinary = "/usr/local/bin/claude"
	svc := &Service{
		Teams:   teams,
		Inboxes: inboxes,
		Tasks:   tasks,
		Session: sess,
		Spawner: &spawn.Spawner{
			Teams:        teams,
			Inboxes:      inboxes,
			Tasks:        tasks,
			ClaudeBinary: "/usr/local/bin/claude",
			Run: func(args []string) (string, error) {
				return "%1", nil
			},
		},
	}
	s := server.NewMCPServer("test", "0.0.0")
	Register(s, svc, log.New(io.Discard, "", 0))
	return svc, s
}

// callTool invokes a registered tool through the server's JSON-RPC
// entry point.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// callOK fails the test unless the tool call succeeds, and returns
// the result decoded into a generic map.
func callOK(t *testing.T, s *server.MCPServer, name string, args map[string]any) map[string]any {
	t.Helper()
	result, err := callTool(t, s, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if result.IsError {
		t.Fatalf("%s returned tool error: %s", name, resultText(t, result))
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(resultText(t, result)), &out); err != nil {
		t.Fatalf("%s: decode result: %v", name, err)
	}
	return out
}

// callErrText invokes a tool expecting a failure and returns the
// error text.
func callErrText(t *testing.T, s *server.MCPServer, name string, args map[string]any) string {
	t.Helper()
	result, err := callTool(t, s, name, args)
	if err != nil {
		return err.Error()
	}
	if !result.IsError {
		t.Fatalf("%s should have failed, got: %s", name, resultText(t, result))
	}
	return resultText(t, result)
}
