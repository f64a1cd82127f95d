package teamops

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/claude-teams/internal/domain"
)

// registerSendMessage registers the send_message tool.
func registerSendMessage(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to a teammate or respond to a protocol request. "+
				"Type 'message' sends a direct message (requires recipient, summary). "+
				"Type 'broadcast' sends to all teammates (requires summary). "+
				"Type 'shutdown_request' asks a teammate to shut down (requires recipient; content used as reason). "+
				"Type 'shutdown_response' responds to a shutdown request (requires sender, request_id, approve). "+
				"Type 'plan_approval_response' responds to a plan approval request (requires recipient, request_id, approve)."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
			mcp.WithString("type", mcp.Required(),
				mcp.Enum("message", "broadcast", "shutdown_request", "shutdown_response", "plan_approval_response"),
				mcp.Description("Message type")),
			mcp.WithString("recipient", mcp.Description("Recipient agent name")),
			mcp.WithString("content", mcp.Description("Message content")),
			mcp.WithString("summary", mcp.Description("One-line summary shown in inbox listings")),
			mcp.WithString("request_id", mcp.Description("Protocol request id being responded to")),
			mcp.WithBoolean("approve", mcp.Description("Approval decision for response types")),
			mcp.WithString("sender", mcp.Description("Sender agent name (default: team-lead)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			teamName, err := requireString(args, "team_name")
			if err != nil {
				return nil, err
			}
			msgType, err := requireString(args, "type")
			if err != nil {
				return nil, err
			}
			if _, err := svc.Teams.ReadConfig(teamName); err != nil {
				return nil, err
			}

			in := messageInput{
				team:      teamName,
				recipient: optionalString(args, "recipient", ""),
				content:   optionalString(args, "content", ""),
				summary:   optionalString(args, "summary", ""),
				requestID: optionalString(args, "request_id", ""),
				approve:   optionalBool(args, "approve", false),
				sender:    optionalString(args, "sender", domain.LeadName),
			}

			var result *domain.SendMessageResult
			switch msgType {
			case "message":
				result, err = svc.sendDirectMessage(ctx, logger, in)
			case "broadcast":
				result, err = svc.sendBroadcast(ctx, logger, in)
			case "shutdown_request":
				result, err = svc.sendShutdownRequest(ctx, logger, in)
			case "shutdown_response":
				result, err = svc.sendShutdownResponse(in)
			case "plan_approval_response":
				result, err = svc.sendPlanApprovalResponse(in)
			default:
				err = domain.Invalidf("unknown message type: %q", msgType)
			}
			if err != nil {
				return nil, err
			}

			logger.Printf("send_message type=%s team=%s sender=%s recipient=%s",
				msgType, teamName, in.sender, in.recipient)
			return jsonResult(result)
		},
	)
}

type messageInput struct {
	team      string
	recipient string
	content   string
	summary   string
	requestID string
	approve   bool
	sender    string
}

func (svc *Service) sendDirectMessage(ctx context.Context, logger *log.Logger, in messageInput) (*domain.SendMessageResult, error) {
	if in.content == "" {
		return nil, domain.Invalidf("message content must not be empty")
	}
	if in.summary == "" {
		return nil, domain.Invalidf("message summary must not be empty")
	}
	if in.recipient == "" {
		return nil, domain.Invalidf("message recipient must not be empty")
	}
	cfg, err := svc.Teams.ReadConfig(in.team)
	if err != nil {
		return nil, err
	}
	names := cfg.MemberNames()
	if !names[in.sender] {
		return nil, domain.Invalidf("sender %q is not a member of team %q", in.sender, in.team)
	}
	if !names[in.recipient] {
		return nil, domain.Invalidf("recipient %q is not a member of team %q", in.recipient, in.team)
	}
	if in.sender == in.recipient {
		return nil, domain.Invalidf("cannot send a message to yourself")
	}
	if in.sender != domain.LeadName && in.recipient != domain.LeadName {
		return nil, domain.Invalidf("teammates can only send direct messages to %s", domain.LeadName)
	}

	var targetColor string
	target := cfg.FindTeammate(in.recipient)
	if target != nil {
		targetColor = target.Color
	}
	if err := svc.Inboxes.SendPlain(in.team, in.sender, in.recipient, in.content, in.summary, targetColor); err != nil {
		return nil, err
	}
	if target != nil {
		svc.pushToOpencodeSession(ctx, logger, target, in.content)
	}
	return &domain.SendMessageResult{
		Success: true,
		Message: fmt.Sprintf("Message sent to %s", in.recipient),
		Routing: map[string]any{
			"sender":      in.sender,
			"target":      in.recipient,
			"targetColor": targetColor,
			"summary":     in.summary,
			"content":     in.content,
		},
	}, nil
}

func (svc *Service) sendBroadcast(ctx context.Context, logger *log.Logger, in messageInput) (*domain.SendMessageResult, error) {
	if in.sender != domain.LeadName {
		return nil, domain.Invalidf("only %s can send broadcasts", domain.LeadName)
	}
	if in.summary == "" {
		return nil, domain.Invalidf("broadcast summary must not be empty")
	}
	cfg, err := svc.Teams.ReadConfig(in.team)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, tm := range cfg.Teammates() {
		if err := svc.Inboxes.SendPlain(in.team, domain.LeadName, tm.Name, in.content, in.summary, ""); err != nil {
			return nil, err
		}
		svc.pushToOpencodeSession(ctx, logger, tm, in.content)
		count++
	}
	return &domain.SendMessageResult{
		Success: true,
		Message: fmt.Sprintf("Broadcast sent to %d teammate(s)", count),
	}, nil
}

func (svc *Service) sendShutdownRequest(ctx context.Context, logger *log.Logger, in messageInput) (*domain.SendMessageResult, error) {
	if in.recipient == "" {
		return nil, domain.Invalidf("shutdown request recipient must not be empty")
	}
	if in.recipient == domain.LeadName {
		return nil, domain.Invalidf("cannot send shutdown request to %s", domain.LeadName)
	}
	cfg, err := svc.Teams.ReadConfig(in.team)
	if err != nil {
		return nil, err
	}
	if !cfg.MemberNames()[in.recipient] {
		return nil, domain.Invalidf("recipient %q is not a member of team %q", in.recipient, in.team)
	}

	requestID, err := svc.Inboxes.SendShutdownRequest(in.team, in.recipient, in.content)
	if err != nil {
		return nil, err
	}
	if target := cfg.FindTeammate(in.recipient); target != nil {
		payload, _ := json.Marshal(map[string]string{
			"type":      "shutdown_request",
			"requestId": requestID,
			"reason":    in.content,
		})
		svc.pushToOpencodeSession(ctx, logger, target, string(payload))
	}
	return &domain.SendMessageResult{
		Success:   true,
		Message:   fmt.Sprintf("Shutdown request sent to %s", in.recipient),
		RequestID: requestID,
		Target:    in.recipient,
	}, nil
}

func (svc *Service) sendShutdownResponse(in messageInput) (*domain.SendMessageResult, error) {
	cfg, err := svc.Teams.ReadConfig(in.team)
	if err != nil {
		return nil, err
	}
	member := cfg.FindTeammate(in.sender)
	if member == nil {
		return nil, domain.Invalidf("sender %q is not a teammate in team %q", in.sender, in.team)
	}

	if in.approve {
		payload := domain.ShutdownApproved{
			Type:        "shutdown_approved",
			RequestID:   in.requestID,
			From:        in.sender,
			Timestamp:   domain.NowISO(),
			PaneID:      member.TmuxPaneID,
			BackendType: member.BackendType,
			SessionID:   member.OpencodeSessionID,
		}
		if err := svc.Inboxes.SendStructured(in.team, in.sender, domain.LeadName, payload, ""); err != nil {
			return nil, err
		}
		return &domain.SendMessageResult{
			Success: true,
			Message: fmt.Sprintf("Shutdown approved for request %s", in.requestID),
		}, nil
	}

	content := in.content
	if content == "" {
		content = "Shutdown rejected"
	}
	if err := svc.Inboxes.SendPlain(in.team, in.sender, domain.LeadName, content, "shutdown_rejected", ""); err != nil {
		return nil, err
	}
	return &domain.SendMessageResult{
		Success: true,
		Message: fmt.Sprintf("Shutdown rejected for request %s", in.requestID),
	}, nil
}

func (svc *Service) sendPlanApprovalResponse(in messageInput) (*domain.SendMessageResult, error) {
	if in.recipient == "" {
		return nil, domain.Invalidf("plan approval recipient must not be empty")
	}
	cfg, err := svc.Teams.ReadConfig(in.team)
	if err != nil {
		return nil, err
	}
	if !cfg.MemberNames()[in.recipient] {
		return nil, domain.Invalidf("recipient %q is not a member of team %q", in.recipient, in.team)
	}

	verdict := "rejected"
	if in.approve {
		verdict = "approved"
		if err := svc.Inboxes.SendPlain(in.team, in.sender, in.recipient,
			`{"type":"plan_approval","approved":true}`, "plan_approved", ""); err != nil {
			return nil, err
		}
	} else {
		content := in.content
		if content == "" {
			content = "Plan rejected"
		}
		if err := svc.Inboxes.SendPlain(in.team, in.sender, in.recipient, content, "plan_rejected", ""); err != nil {
			return nil, err
		}
	}
	return &domain.SendMessageResult{
		Success: true,
		Message: fmt.Sprintf("Plan %s for %s", verdict, in.recipient),
	}, nil
}

// registerReadInbox registers the read_inbox tool.
func registerReadInbox(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("read_inbox",
			mcp.WithDescription("Read messages from an agent's inbox. Returns all messages by default. Set unread_only=true to get only unprocessed messages. IMPORTANT: Only read your own inbox (agent_name=\"team-lead\"). Reading another agent's inbox marks their messages as read and hides them from that agent."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
			mcp.WithString("agent_name", mcp.Required(), mcp.Description("Inbox owner")),
			mcp.WithBoolean("unread_only", mcp.Description("Only return unread messages (default: false)")),
			mcp.WithBoolean("mark_as_read", mcp.Description("Mark returned messages as read (default: true)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			teamName, err := requireString(args, "team_name")
			if err != nil {
				return nil, err
			}
			agentName, err := requireString(args, "agent_name")
			if err != nil {
				return nil, err
			}
			cfg, err := svc.Teams.ReadConfig(teamName)
			if err != nil {
				return nil, err
			}
			if !cfg.MemberNames()[agentName] {
				return nil, domain.Invalidf("agent %q is not a member of team %q", agentName, teamName)
			}

			msgs, err := svc.Inboxes.Read(teamName, agentName,
				optionalBool(args, "unread_only", false),
				optionalBool(args, "mark_as_read", true))
			if err != nil {
				return nil, err
			}
			return jsonResult(msgs)
		},
	)
}

// registerPollInbox registers the poll_inbox tool.
func registerPollInbox(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("poll_inbox",
			mcp.WithDescription("Poll an agent's inbox for new unread messages, waiting up to timeout_ms. Returns unread messages and marks them as read. Convenience tool for MCP clients that cannot watch the filesystem. IMPORTANT: Only poll your own inbox (agent_name=\"team-lead\"). Polling another agent's inbox marks their messages as read and hides them from that agent."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
			mcp.WithString("agent_name", mcp.Required(), mcp.Description("Inbox owner")),
			mcp.WithNumber("timeout_ms", mcp.Description("How long to wait for messages (default: 30000)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			teamName, err := requireString(args, "team_name")
			if err != nil {
				return nil, err
			}
			agentName, err := requireString(args, "agent_name")
			if err != nil {
				return nil, err
			}
			timeout := time.Duration(optionalFloat64(args, "timeout_ms", 30000)) * time.Millisecond

			msgs, err := svc.Inboxes.Wait(ctx, teamName, agentName, timeout)
			if err != nil {
				return nil, err
			}
			return jsonResult(msgs)
		},
	)
}
