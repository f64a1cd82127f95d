package teamops

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/mark3labs/mcp-go/server"
)

// setupTeamWithWorker creates team alpha with one claude teammate.
func setupTeamWithWorker(t *testing.T) (*Service, *server.MCPServer) {
	t.Helper()
	svc, s := newTestService(t)
	callOK(t, s, "team_create", map[string]any{"team_name": "alpha"})
	callOK(t, s, "spawn_teammate", map[string]any{
		"team_name": "alpha", "name": "worker", "prompt": "do things",
	})
	return svc, s
}

func inboxList(t *testing.T, s *server.MCPServer, agent string, args map[string]any) []map[string]any {
	t.Helper()
	full := map[string]any{"team_name": "alpha", "agent_name": agent}
	for k, v := range args {
		full[k] = v
	}
	result, err := callTool(t, s, "read_inbox", full)
	if err != nil {
		t.Fatalf("read_inbox: %v", err)
	}
	if result.IsError {
		t.Fatalf("read_inbox error: %s", resultText(t, result))
	}
	var msgs []map[string]any
	if err := json.Unmarshal([]byte(resultText(t, result)), &msgs); err != nil {
		t.Fatalf("decode inbox: %v", err)
	}
	return msgs
}

func TestDirectMessageDelivery(t *testing.T) {
	_, s := setupTeamWithWorker(t)

	out := callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "message",
		"recipient": "worker", "content": "please review", "summary": "review request",
	})
	if out["success"] != true {
		t.Errorf("result = %v", out)
	}
	routing := out["routing"].(map[string]any)
	if routing["sender"] != "team-lead" || routing["target"] != "worker" {
		t.Errorf("routing = %v", routing)
	}
	// The teammate's palette color travels with the message.
	if routing["targetColor"] == "" {
		t.Error("targetColor missing")
	}

	msgs := inboxList(t, s, "worker", map[string]any{"unread_only": true})
	// The spawn prompt is message one, the direct message is two.
	if len(msgs) != 2 {
		t.Fatalf("inbox = %v", msgs)
	}
	last := msgs[1]
	if last["from"] != "team-lead" || last["text"] != "please review" || last["summary"] != "review request" {
		t.Errorf("message = %v", last)
	}
}

func TestDirectMessageValidation(t *testing.T) {
	_, s := setupTeamWithWorker(t)
	callOK(t, s, "spawn_teammate", map[string]any{
		"team_name": "alpha", "name": "helper", "prompt": "assist",
	})

	cases := []struct {
		name   string
		args   map[string]any
		substr string
	}{
		{"empty content", map[string]any{"recipient": "worker", "summary": "s"}, "content"},
		{"empty summary", map[string]any{"recipient": "worker", "content": "c"}, "summary"},
		{"empty recipient", map[string]any{"content": "c", "summary": "s"}, "recipient"},
		{"unknown recipient", map[string]any{"recipient": "ghost", "content": "c", "summary": "s"}, "not a member"},
		{"unknown sender", map[string]any{"sender": "ghost", "recipient": "worker", "content": "c", "summary": "s"}, "not a member"},
		{"self send", map[string]any{"sender": "worker", "recipient": "worker", "content": "c", "summary": "s"}, "yourself"},
		{"peer to peer", map[string]any{"sender": "worker", "recipient": "helper", "content": "c", "summary": "s"}, "team-lead"},
	}
	for _, tc := range cases {
		args := map[string]any{"team_name": "alpha", "type": "message"}
		for k, v := range tc.args {
			args[k] = v
		}
		msg := callErrText(t, s, "send_message", args)
		if !strings.Contains(msg, tc.substr) {
			t.Errorf("%s: error %q should mention %q", tc.name, msg, tc.substr)
		}
	}
}

func TestBroadcast(t *testing.T) {
	_, s := setupTeamWithWorker(t)
	callOK(t, s, "spawn_teammate", map[string]any{
		"team_name": "alpha", "name": "helper", "prompt": "assist",
	})

	msg := callErrText(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "broadcast", "sender": "worker", "summary": "s", "content": "c",
	})
	if !strings.Contains(msg, "team-lead") {
		t.Errorf("non-lead broadcast error = %q", msg)
	}

	out := callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "broadcast", "summary": "standup", "content": "status?",
	})
	if !strings.Contains(out["message"].(string), "2 teammate(s)") {
		t.Errorf("message = %v", out["message"])
	}
	for _, agent := range []string{"worker", "helper"} {
		msgs := inboxList(t, s, agent, nil)
		last := msgs[len(msgs)-1]
		if last["text"] != "status?" || last["summary"] != "standup" {
			t.Errorf("%s inbox = %v", agent, last)
		}
	}
}

func TestShutdownHandshake(t *testing.T) {
	_, s := setupTeamWithWorker(t)

	// team-lead cannot be asked to shut down.
	msg := callErrText(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "shutdown_request", "recipient": "team-lead",
	})
	if !strings.Contains(msg, "team-lead") {
		t.Errorf("error = %q", msg)
	}

	out := callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "shutdown_request",
		"recipient": "worker", "content": "work complete",
	})
	requestID := out["request_id"].(string)
	if !strings.HasPrefix(requestID, "shutdown-") || !strings.HasSuffix(requestID, "@worker") {
		t.Errorf("request_id = %q", requestID)
	}
	if out["target"] != "worker" {
		t.Errorf("target = %v", out["target"])
	}

	// The worker sees the structured request.
	msgs := inboxList(t, s, "worker", map[string]any{"unread_only": true})
	var payload map[string]any
	if err := json.Unmarshal([]byte(msgs[len(msgs)-1]["text"].(string)), &payload); err != nil {
		t.Fatalf("decode shutdown request: %v", err)
	}
	if payload["type"] != "shutdown_request" || payload["requestId"] != requestID || payload["reason"] != "work complete" {
		t.Errorf("payload = %v", payload)
	}

	// Worker approves; the lead receives shutdown_approved with the
	// pane id and backend kind.
	callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "shutdown_response",
		"sender": "worker", "request_id": requestID, "approve": true,
	})
	leadMsgs := inboxList(t, s, "team-lead", map[string]any{"unread_only": true})
	var approved map[string]any
	if err := json.Unmarshal([]byte(leadMsgs[len(leadMsgs)-1]["text"].(string)), &approved); err != nil {
		t.Fatalf("decode shutdown_approved: %v", err)
	}
	if approved["type"] != "shutdown_approved" || approved["requestId"] != requestID {
		t.Errorf("approved = %v", approved)
	}
	if approved["paneId"] != "%1" || approved["backendType"] != "claude" {
		t.Errorf("approved = %v", approved)
	}
	if _, ok := approved["sessionId"]; ok {
		t.Errorf("claude shutdown must not carry sessionId: %v", approved)
	}

	// The lead finalizes; the worker is gone and the pane was killed.
	callOK(t, s, "process_shutdown_approved", map[string]any{
		"team_name": "alpha", "agent_name": "worker",
	})
	cfg := callOK(t, s, "read_config", map[string]any{"team_name": "alpha"})
	if n := len(cfg["members"].([]any)); n != 1 {
		t.Errorf("members after shutdown = %d", n)
	}
}

func TestShutdownApprovedCarriesOpencodeSession(t *testing.T) {
	svc, s := setupTeamWithWorker(t)
	err := svc.Teams.UpdateTeammate("alpha", "worker", func(m *domain.TeammateMember) {
		m.BackendType = "opencode"
		m.OpencodeSessionID = "ses_oc1"
	})
	if err != nil {
		t.Fatalf("update teammate: %v", err)
	}

	out := callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "shutdown_request", "recipient": "worker",
	})
	callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "shutdown_response",
		"sender": "worker", "request_id": out["request_id"].(string), "approve": true,
	})
	leadMsgs := inboxList(t, s, "team-lead", map[string]any{"unread_only": true})
	var approved map[string]any
	if err := json.Unmarshal([]byte(leadMsgs[len(leadMsgs)-1]["text"].(string)), &approved); err != nil {
		t.Fatalf("decode shutdown_approved: %v", err)
	}
	if approved["backendType"] != "opencode" || approved["sessionId"] != "ses_oc1" {
		t.Errorf("approved = %v", approved)
	}
}

func TestShutdownRejection(t *testing.T) {
	_, s := setupTeamWithWorker(t)
	out := callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "shutdown_request", "recipient": "worker",
	})
	requestID := out["request_id"].(string)

	callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "shutdown_response",
		"sender": "worker", "request_id": requestID, "approve": false,
		"content": "still finishing task 3",
	})
	leadMsgs := inboxList(t, s, "team-lead", map[string]any{"unread_only": true})
	last := leadMsgs[len(leadMsgs)-1]
	if last["summary"] != "shutdown_rejected" || last["text"] != "still finishing task 3" {
		t.Errorf("rejection = %v", last)
	}
}

func TestPlanApprovalResponse(t *testing.T) {
	_, s := setupTeamWithWorker(t)

	callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "plan_approval_response",
		"recipient": "worker", "approve": true,
	})
	msgs := inboxList(t, s, "worker", nil)
	last := msgs[len(msgs)-1]
	if last["summary"] != "plan_approved" {
		t.Errorf("approval = %v", last)
	}
	var payload map[string]any
	json.Unmarshal([]byte(last["text"].(string)), &payload)
	if payload["approved"] != true {
		t.Errorf("payload = %v", payload)
	}

	callOK(t, s, "send_message", map[string]any{
		"team_name": "alpha", "type": "plan_approval_response",
		"recipient": "worker", "approve": false,
	})
	msgs = inboxList(t, s, "worker", nil)
	last = msgs[len(msgs)-1]
	if last["summary"] != "plan_rejected" || last["text"] != "Plan rejected" {
		t.Errorf("rejection = %v", last)
	}
}

func TestReadInboxMembershipGuard(t *testing.T) {
	_, s := setupTeamWithWorker(t)
	msg := callErrText(t, s, "read_inbox", map[string]any{
		"team_name": "alpha", "agent_name": "ghost",
	})
	if !strings.Contains(msg, "not a member") {
		t.Errorf("error = %q", msg)
	}
}

func TestReadInboxMarksRead(t *testing.T) {
	_, s := setupTeamWithWorker(t)

	first := inboxList(t, s, "worker", map[string]any{"unread_only": true})
	if len(first) != 1 {
		t.Fatalf("first read = %v", first)
	}
	if first[0]["read"] != false {
		t.Error("returned message should show pre-flip state")
	}
	second := inboxList(t, s, "worker", map[string]any{"unread_only": true})
	if len(second) != 0 {
		t.Errorf("second read = %v", second)
	}
}

func TestPollInboxReturnsWaitingMessage(t *testing.T) {
	_, s := setupTeamWithWorker(t)
	result, err := callTool(t, s, "poll_inbox", map[string]any{
		"team_name": "alpha", "agent_name": "worker", "timeout_ms": float64(100),
	})
	if err != nil {
		t.Fatalf("poll_inbox: %v", err)
	}
	var msgs []map[string]any
	json.Unmarshal([]byte(resultText(t, result)), &msgs)
	if len(msgs) != 1 || msgs[0]["text"] != "do things" {
		t.Errorf("msgs = %v", msgs)
	}

	// Nothing left: poll times out empty.
	result, err = callTool(t, s, "poll_inbox", map[string]any{
		"team_name": "alpha", "agent_name": "worker", "timeout_ms": float64(50),
	})
	if err != nil {
		t.Fatalf("poll_inbox: %v", err)
	}
	json.Unmarshal([]byte(resultText(t, result)), &msgs)
	if len(msgs) != 0 {
		t.Errorf("msgs = %v", msgs)
	}
}

func TestSendMessageUnknownTeam(t *testing.T) {
	_, s := newTestService(t)
	msg := callErrText(t, s, "send_message", map[string]any{
		"team_name": "ghost", "type": "message",
		"recipient": "x", "content": "c", "summary": "s",
	})
	if !strings.Contains(msg, "not found") {
		t.Errorf("error = %q", msg)
	}
}
