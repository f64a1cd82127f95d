// Package opencode is a thin HTTP client for a local opencode server.
// Every call carries a short timeout and maps HTTP failures onto a
// small error taxonomy so callers can report them without inspecting
// status codes themselves.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrKind classifies an APIError.
type ErrKind string

const (
	KindRejected    ErrKind = "rejected"
	KindNotFound    ErrKind = "not-found"
	KindServerError ErrKind = "server-error"
	KindUnexpected  ErrKind = "unexpected"
	KindUnreachable ErrKind = "unreachable"
)

// APIError is any failure talking to the opencode server. Body holds
// at most the first 200 bytes of the response body.
type APIError struct {
	Kind       ErrKind
	Msg        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string { return e.Msg }

const requestTimeout = 15 * time.Second

// snippetLimit bounds how much of an error response body is kept.
const snippetLimit = 200

// Client talks to one opencode server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for the server at baseURL. A trailing
// slash on baseURL is tolerated.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// BaseURL reports the server URL the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	url := c.baseURL + path
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &APIError{Kind: KindUnexpected, Msg: fmt.Sprintf("encode request for %s: %v", path, err)}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &APIError{Kind: KindUnexpected, Msg: fmt.Sprintf("build request for %s: %v", path, err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &APIError{
				Kind: KindUnreachable,
				Msg:  fmt.Sprintf("opencode server at %s timed out after %s", url, requestTimeout),
			}
		}
		return nil, &APIError{
			Kind: KindUnreachable,
			Msg:  fmt.Sprintf("cannot reach opencode server at %s: %v", url, err),
		}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if readErr != nil {
			return nil, &APIError{Kind: KindUnexpected, Msg: fmt.Sprintf("read response from %s: %v", path, readErr)}
		}
		return data, nil
	}

	snippet := string(data)
	if len(snippet) > snippetLimit {
		snippet = snippet[:snippetLimit]
	}
	endpoint := path[strings.LastIndex(path, "/")+1:]
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: snippet}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		apiErr.Kind = KindRejected
		detail := snippet
		if detail == "" {
			detail = fmt.Sprint(resp.StatusCode)
		}
		apiErr.Msg = fmt.Sprintf("opencode rejected request to %s: %s", endpoint, detail)
	case resp.StatusCode == http.StatusNotFound:
		apiErr.Kind = KindNotFound
		apiErr.Msg = fmt.Sprintf("opencode resource not found at %s", endpoint)
	case resp.StatusCode >= 500:
		apiErr.Kind = KindServerError
		apiErr.Msg = fmt.Sprintf("opencode server error (%d) on %s: %s", resp.StatusCode, endpoint, snippet)
	default:
		apiErr.Kind = KindUnexpected
		apiErr.Msg = fmt.Sprintf("unexpected response from opencode (%d) on %s: %s", resp.StatusCode, endpoint, snippet)
	}
	return nil, apiErr
}

const mcpNotConfiguredMsg = `Cannot spawn opencode teammate: the 'claude-teams' MCP server is not configured (or not connected) in the opencode instance at %s.

Add a 'claude-teams' entry to your opencode MCP config (~/.config/opencode/opencode.json) pointing at this server, enable it, then restart the opencode server and try again.`

// VerifyMCPConfigured confirms the server reports a connected
// claude-teams MCP integration. Spawning an opencode teammate without
// it would produce an agent with no messaging tools.
func (c *Client) VerifyMCPConfigured(ctx context.Context) error {
	raw, err := c.do(ctx, http.MethodGet, "/mcp", nil)
	if err != nil {
		return err
	}
	var data map[string]struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return &APIError{Kind: KindUnexpected, Msg: "opencode returned invalid JSON from /mcp"}
	}
	if entry, ok := data["claude-teams"]; !ok || entry.Status != "connected" {
		return &APIError{Kind: KindRejected, Msg: fmt.Sprintf(mcpNotConfiguredMsg, c.baseURL)}
	}
	return nil
}

// Permission is one permission grant attached to a new session.
type Permission struct {
	Permission string `json:"permission"`
	Pattern    string `json:"pattern"`
	Action     string `json:"action"`
}

// AllowAll grants everything; teammates run unattended.
var AllowAll = []Permission{{Permission: "*", Pattern: "*", Action: "allow"}}

// CreateSession creates a session and returns its id.
func (c *Client) CreateSession(ctx context.Context, title string, permissions []Permission) (string, error) {
	body := map[string]any{"title": title}
	if permissions != nil {
		body["permission"] = permissions
	}
	raw, err := c.do(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return "", err
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", &APIError{Kind: KindUnexpected, Msg: "opencode returned invalid JSON from /session"}
	}
	if data.ID == "" {
		return "", &APIError{Kind: KindUnexpected, Msg: "opencode session creation returned no session ID"}
	}
	return data.ID, nil
}

// SendPromptAsync pushes text into a session without waiting for the
// agent's reply. agent selects the opencode agent; empty leaves the
// server default.
func (c *Client) SendPromptAsync(ctx context.Context, sessionID, text, agent string) error {
	body := map[string]any{
		"parts": []map[string]string{{"type": "text", "text": text}},
	}
	if agent != "" {
		body["agent"] = agent
	}
	_, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body)
	return err
}

// AbortSession interrupts whatever the session is doing.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	return err
}

// DeleteSession removes the session from the server.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/session/"+sessionID, nil)
	return err
}

// Agent is one selectable opencode agent.
type Agent struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// internalAgents are opencode housekeeping agents that must not be
// offered as spawn targets.
var internalAgents = map[string]bool{"title": true, "summary": true, "compaction": true}

// ListAgents returns the user-selectable agents the server offers.
// Internal agents and agents without a description are dropped. A
// malformed response yields an empty list rather than an error.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	raw, err := c.do(ctx, http.MethodGet, "/agent", nil)
	if err != nil {
		return nil, err
	}
	var data []Agent
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, nil
	}
	agents := make([]Agent, 0, len(data))
	for _, a := range data {
		if a.Name == "" || a.Description == "" || internalAgents[a.Name] {
			continue
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// SessionStatus reports the server's status string for sessionID, or
// "unknown" when the server does not list it.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (string, error) {
	raw, err := c.do(ctx, http.MethodGet, "/session/status", nil)
	if err != nil {
		return "", err
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", &APIError{Kind: KindUnexpected, Msg: "opencode returned invalid JSON from /session/status"}
	}
	status, ok := data[sessionID]
	if !ok {
		return "unknown", nil
	}
	return status, nil
}
