package teamops

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/spawn"
)

const spawnBaseDescription = "Spawn a new teammate in a tmux %s. The teammate receives its initial prompt via inbox and begins working autonomously. Names must be unique within the team."

// SpawnDescription renders the spawn_teammate tool description with
// the backends and models discovered at startup.
func (s *Session) SpawnDescription(useWindows bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := "pane"
	if useWindows {
		target = "window"
	}
	parts := []string{fmt.Sprintf(spawnBaseDescription, target)}

	showClaude := s.ClaudeBinary != ""
	showOpencode := s.OpencodeBinary != "" && s.OpencodeConfigured
	if len(s.enabledBackends) > 0 {
		showClaude = showClaude && containsStr(s.enabledBackends, domain.BackendClaude)
		showOpencode = showOpencode && containsStr(s.enabledBackends, domain.BackendOpencode)
	}

	var defaultBackend string
	switch {
	case len(s.enabledBackends) > 0:
		defaultBackend = s.enabledBackends[0]
	case showClaude:
		defaultBackend = domain.BackendClaude
	case showOpencode:
		defaultBackend = domain.BackendOpencode
	}

	var backends []string
	if showClaude {
		desc := "'claude' (models: sonnet, opus, haiku)"
		if defaultBackend == domain.BackendClaude {
			desc = "'claude' (default, models: sonnet, opus, haiku)"
		}
		backends = append(backends, desc)
	}
	if showOpencode {
		modelList := "none discovered"
		if len(s.OpencodeModels) > 0 {
			modelList = strings.Join(s.OpencodeModels, ", ")
		}
		desc := fmt.Sprintf("'opencode' (models: %s)", modelList)
		if defaultBackend == domain.BackendOpencode {
			desc = fmt.Sprintf("'opencode' (default, models: %s)", modelList)
		}
		backends = append(backends, desc)
	}

	if len(backends) > 0 {
		parts = append(parts, fmt.Sprintf("Available backends: %s.", strings.Join(backends, "; ")))
	} else {
		parts = append(parts, "No backends available.")
	}
	if showOpencode && len(s.OpencodeAgents) > 0 {
		var lines []string
		for _, a := range s.OpencodeAgents {
			lines = append(lines, fmt.Sprintf("  - %s: %s", a.Name, a.Description))
		}
		parts = append(parts,
			"Available opencode agents (pass as subagent_type when backend_type='opencode'):\n"+
				strings.Join(lines, "\n"))
	}
	return strings.Join(parts, " ")
}

// registerSpawnTeammate registers the spawn_teammate tool. The
// description reflects the backends discovered at registration time.
func registerSpawnTeammate(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("spawn_teammate",
			mcp.WithDescription(svc.Session.SpawnDescription(svc.Spawner.UseWindows)),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Team the new teammate joins")),
			mcp.WithString("name", mcp.Required(), mcp.Description("Unique teammate name (letters, numbers, hyphens, underscores)")),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("Initial prompt delivered to the teammate's inbox")),
			mcp.WithString("model", mcp.Description("Model for the teammate; backend-specific default when omitted")),
			mcp.WithString("subagent_type", mcp.Description("Agent type (default: general-purpose)")),
			mcp.WithBoolean("plan_mode_required", mcp.Description("Require the teammate to get plan approval before acting")),
			mcp.WithString("backend_type", mcp.Enum(domain.BackendClaude, domain.BackendOpencode),
				mcp.Description("Backend that hosts the teammate; defaults to the session's native backend")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			teamName, err := requireString(args, "team_name")
			if err != nil {
				return nil, err
			}
			name, err := requireString(args, "name")
			if err != nil {
				return nil, err
			}
			prompt, err := requireString(args, "prompt")
			if err != nil {
				return nil, err
			}

			backend := optionalString(args, "backend_type", "")
			if backend == "" {
				backend = svc.Session.DefaultBackend()
			}
			if !svc.Session.BackendEnabled(backend) {
				return nil, domain.Preconditionf("backend %q is not enabled. Enabled: %v",
					backend, svc.Session.EnabledBackends())
			}

			subagentType := optionalString(args, "subagent_type", "general-purpose")
			model := svc.Session.ResolveModel(backend, optionalString(args, "model", ""))
			var opencodeAgent string
			if backend == domain.BackendOpencode {
				opencodeAgent = svc.Session.ResolveOpencodeAgent(subagentType)
			}

			member, err := svc.Spawner.Spawn(ctx, spawn.Request{
				Team:             teamName,
				Name:             name,
				Prompt:           prompt,
				Model:            model,
				SubagentType:     subagentType,
				PlanModeRequired: optionalBool(args, "plan_mode_required", false),
				Backend:          backend,
				OpencodeAgent:    opencodeAgent,
				LeadSessionID:    svc.Session.ID,
			})
			if err != nil {
				return nil, err
			}

			svc.record(teamName, "teammate_spawned", name, "backend="+backend)
			logger.Printf("Spawned teammate %s (%s, %s) in team %s", name, backend, model, teamName)
			return jsonResult(domain.SpawnResult{
				AgentID:  member.AgentID,
				Name:     member.Name,
				TeamName: teamName,
				Message:  fmt.Sprintf("Teammate %s spawned in %s", name, member.TmuxPaneID),
			})
		},
	)
}

// registerForceKillTeammate registers the force_kill_teammate tool.
func registerForceKillTeammate(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("force_kill_teammate",
			mcp.WithDescription("Forcibly kill a teammate's tmux target. Use when graceful shutdown via send_message(type='shutdown_request') is not possible or not responding. Kills the tmux pane/window, removes member from config, and resets their tasks."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
			mcp.WithString("agent_name", mcp.Required(), mcp.Description("Name of the teammate to kill")),
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

			if err := svc.Spawner.Kill(ctx, teamName, agentName); err != nil {
				return nil, err
			}

			svc.record(teamName, "teammate_killed", agentName, "forced")
			logger.Printf("Force-killed teammate %s in team %s", agentName, teamName)
			return jsonResult(map[string]any{
				"success": true,
				"message": fmt.Sprintf("%s has been stopped.", agentName),
			})
		},
	)
}

// registerProcessShutdownApproved registers the
// process_shutdown_approved tool.
func registerProcessShutdownApproved(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("process_shutdown_approved",
			mcp.WithDescription("Process a teammate's shutdown by removing them from config and resetting their tasks. Call this after confirming shutdown_approved in the lead inbox."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
			mcp.WithString("agent_name", mcp.Required(), mcp.Description("Name of the teammate that approved shutdown")),
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
			if agentName == domain.LeadName {
				return nil, domain.Invalidf("cannot process shutdown for %s", domain.LeadName)
			}

			if err := svc.Spawner.Kill(ctx, teamName, agentName); err != nil {
				return nil, err
			}

			svc.record(teamName, "teammate_shutdown", agentName, "approved")
			logger.Printf("Processed shutdown for teammate %s in team %s", agentName, teamName)
			return jsonResult(map[string]any{
				"success": true,
				"message": fmt.Sprintf("%s removed from team.", agentName),
			})
		},
	)
}
