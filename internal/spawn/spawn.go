// Package spawn launches teammate processes inside a terminal
// multiplexer and tears them down again. Spawning is transactional
// against the team config: if any step after registration fails the
// member is removed and any remote session is cleaned up.
package spawn

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/inbox"
	"github.com/jaakkos/claude-teams/internal/opencode"
	"github.com/jaakkos/claude-teams/internal/registry"
	"github.com/jaakkos/claude-teams/internal/taskboard"
)

// Runner executes one external command and returns its trimmed
// stdout. Tests inject fakes here; production uses ExecRunner.
type Runner func(args []string) (string, error)

// ExecRunner runs args[0] with the remaining arguments.
func ExecRunner(args []string) (string, error) {
	out, err := exec.Command(args[0], args[1:]...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Spawner creates and kills teammate processes for one server.
type Spawner struct {
	Teams   *registry.Store
	Inboxes *inbox.Store
	Tasks   *taskboard.Store
	Run     Runner

	ClaudeBinary   string
	OpencodeBinary string
	Opencode       *opencode.Client
	UseWindows     bool

	Logger *log.Logger
}

func (s *Spawner) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Spawner) run(args []string) (string, error) {
	if s.Run != nil {
		return s.Run(args)
	}
	return ExecRunner(args)
}

// Request describes one teammate to spawn.
type Request struct {
	Team   string
	Name   string
	Prompt string

	Model            string // defaults to sonnet
	SubagentType     string // defaults to general-purpose
	Cwd              string // defaults to the server's working directory
	PlanModeRequired bool
	Backend          string // defaults to claude
	OpencodeAgent    string // defaults to build
	LeadSessionID    string
}

const opencodePromptWrapper = `You are team member '%[1]s' on team '%[2]s'.

You have MCP tools from the claude-teams server for team coordination:
- poll_inbox(team_name="%[2]s", agent_name="%[1]s") - Check for new messages
- send_message(team_name="%[2]s", type="message", sender="%[1]s", recipient="team-lead", content="...", summary="...") - Message teammates
- task_list(team_name="%[2]s") - View team tasks
- task_update(team_name="%[2]s", task_id="...", status="...") - Update task status
- task_get(team_name="%[2]s", task_id="...") - Get task details

IMPORTANT: Only read your own inbox (agent_name="%[1]s"). Reading another agent's inbox marks their messages as read and effectively hides them from the intended recipient.

Start by reading your inbox for instructions.

---

%[3]s`

// Spawn registers a teammate, delivers its initial prompt, and starts
// its process in the multiplexer. The returned member carries the
// multiplexer target id.
func (s *Spawner) Spawn(ctx context.Context, req Request) (*domain.TeammateMember, error) {
	if err := registry.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if req.Name == domain.LeadName {
		return nil, domain.Invalidf("agent name %q is reserved", domain.LeadName)
	}
	if req.Backend == "" {
		req.Backend = domain.BackendClaude
	}
	switch req.Backend {
	case domain.BackendClaude:
		if s.ClaudeBinary == "" {
			return nil, domain.Preconditionf(
				"cannot spawn claude teammate: 'claude' binary not found on PATH")
		}
	case domain.BackendOpencode:
		if s.OpencodeBinary == "" {
			return nil, domain.Preconditionf(
				"cannot spawn opencode teammate: 'opencode' binary not found on PATH")
		}
		if s.Opencode == nil {
			return nil, domain.Preconditionf(
				"cannot spawn opencode teammate: OPENCODE_SERVER_URL is not set")
		}
	default:
		return nil, domain.Invalidf("unknown backend type: %q", req.Backend)
	}
	if req.Model == "" {
		req.Model = "sonnet"
	}
	if req.SubagentType == "" {
		req.SubagentType = "general-purpose"
	}
	if req.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, domain.IOf(err, "resolve working directory")
		}
		req.Cwd = cwd
	}

	var sessionID string
	if req.Backend == domain.BackendOpencode {
		if err := s.Opencode.VerifyMCPConfigured(ctx); err != nil {
			return nil, domain.Externalf(err, "verify opencode MCP integration")
		}
		id, err := s.Opencode.CreateSession(ctx, req.Name+"@"+req.Team, opencode.AllowAll)
		if err != nil {
			return nil, domain.Externalf(err, "create opencode session")
		}
		sessionID = id
	}

	color, err := s.assignColor(req.Team)
	if err != nil {
		s.cleanupSession(ctx, sessionID)
		return nil, err
	}

	member := &domain.TeammateMember{
		AgentID:          req.Name + "@" + req.Team,
		Name:             req.Name,
		AgentType:        req.SubagentType,
		Model:            req.Model,
		Prompt:           req.Prompt,
		Color:            color,
		PlanModeRequired: req.PlanModeRequired,
		JoinedAt:         domain.NowMillis(),
		Cwd:              req.Cwd,
		BackendType:      req.Backend,
	}
	member.OpencodeSessionID = sessionID

	if err := s.Teams.AddMember(req.Team, member); err != nil {
		s.cleanupSession(ctx, sessionID)
		return nil, err
	}

	rollback := func(cause error) error {
		if rmErr := s.Teams.RemoveMember(req.Team, req.Name); rmErr != nil {
			s.logf("spawn rollback: remove member %s: %v", req.Name, rmErr)
		}
		s.cleanupSession(ctx, sessionID)
		return cause
	}

	targetID, err := s.launch(ctx, req, member, sessionID)
	if err != nil {
		return nil, rollback(err)
	}

	err = s.Teams.UpdateTeammate(req.Team, req.Name, func(m *domain.TeammateMember) {
		m.TmuxPaneID = targetID
	})
	if err != nil {
		return nil, rollback(err)
	}
	member.TmuxPaneID = targetID
	return member, nil
}

// launch delivers the initial prompt and starts the process,
// returning the multiplexer target id.
func (s *Spawner) launch(ctx context.Context, req Request, member *domain.TeammateMember, sessionID string) (string, error) {
	if _, err := s.Inboxes.Ensure(req.Team, req.Name); err != nil {
		return "", err
	}
	if err := s.Inboxes.SendPlain(req.Team, domain.LeadName, req.Name, req.Prompt, "", ""); err != nil {
		return "", err
	}

	var cmd string
	if req.Backend == domain.BackendOpencode {
		wrapped := fmt.Sprintf(opencodePromptWrapper, req.Name, req.Team, req.Prompt)
		agent := req.OpencodeAgent
		if agent == "" {
			agent = "build"
		}
		if err := s.Opencode.SendPromptAsync(ctx, sessionID, wrapped, agent); err != nil {
			return "", domain.Externalf(err, "push prompt to opencode session")
		}
		cmd = BuildOpencodeAttachCommand(s.OpencodeBinary, s.Opencode.BaseURL(), sessionID, req.Cwd)
	} else {
		cmd = BuildClaudeCommand(member, s.ClaudeBinary, req.LeadSessionID)
	}

	out, err := s.run(BuildTmuxArgs(cmd, req.Name, s.UseWindows))
	if err != nil {
		return "", domain.Externalf(err, "launch tmux target for %s", req.Name)
	}
	targetID := strings.TrimSpace(out)
	if targetID == "" {
		return "", domain.Externalf(nil, "tmux returned no target id for %s", req.Name)
	}
	return targetID, nil
}

// cleanupSession aborts and deletes an opencode session, best effort.
func (s *Spawner) cleanupSession(ctx context.Context, sessionID string) {
	if sessionID == "" || s.Opencode == nil {
		return
	}
	if err := s.Opencode.AbortSession(ctx, sessionID); err != nil {
		s.logf("cleanup: abort session %s: %v", sessionID, err)
	}
	if err := s.Opencode.DeleteSession(ctx, sessionID); err != nil {
		s.logf("cleanup: delete session %s: %v", sessionID, err)
	}
}

// assignColor picks the palette entry indexed by the current teammate
// count, wrapping around.
func (s *Spawner) assignColor(team string) (string, error) {
	cfg, err := s.Teams.ReadConfig(team)
	if err != nil {
		return "", err
	}
	count := len(cfg.Teammates())
	return domain.ColorPalette[count%len(domain.ColorPalette)], nil
}

// Kill tears down a teammate: remote session cleanup when opencode
// backed, multiplexer target kill, member removal, and task
// ownership reset. Remote and multiplexer failures are logged, not
// returned.
func (s *Spawner) Kill(ctx context.Context, team, agent string) error {
	cfg, err := s.Teams.ReadConfig(team)
	if err != nil {
		return err
	}
	member := cfg.FindTeammate(agent)
	if member == nil {
		return domain.NotFoundf("agent %q not found in team %q", agent, team)
	}

	if member.BackendType == domain.BackendOpencode && member.OpencodeSessionID != "" {
		s.cleanupSession(ctx, member.OpencodeSessionID)
	}
	if member.TmuxPaneID != "" {
		s.KillTarget(member.TmuxPaneID)
	}
	if err := s.Teams.RemoveMember(team, agent); err != nil {
		return err
	}
	if err := s.Tasks.ResetOwnerTasks(team, agent); err != nil {
		s.logf("kill %s: reset tasks: %v", agent, err)
	}
	return nil
}

// KillTarget kills a multiplexer target: window ids start with "@",
// pane ids with "%". Failures are ignored.
func (s *Spawner) KillTarget(id string) {
	sub := "kill-pane"
	if strings.HasPrefix(id, "@") {
		sub = "kill-window"
	}
	if _, err := s.run([]string{"tmux", sub, "-t", id}); err != nil {
		s.logf("tmux %s %s: %v", sub, id, err)
	}
}

// BuildClaudeCommand builds the shell command that starts a claude
// teammate in its working directory.
func BuildClaudeCommand(member *domain.TeammateMember, claudeBinary, leadSessionID string) string {
	team := member.AgentID[strings.Index(member.AgentID, "@")+1:]
	cmd := fmt.Sprintf(
		"cd %s && CLAUDECODE=1 CLAUDE_CODE_EXPERIMENTAL_AGENT_TEAMS=1 %s --agent-id %s --agent-name %s --team-name %s --agent-color %s --parent-session-id %s --agent-type %s --model %s",
		shellQuote(member.Cwd),
		shellQuote(claudeBinary),
		shellQuote(member.AgentID),
		shellQuote(member.Name),
		shellQuote(team),
		shellQuote(member.Color),
		shellQuote(leadSessionID),
		shellQuote(member.AgentType),
		shellQuote(member.Model),
	)
	if member.PlanModeRequired {
		cmd += " --plan-mode-required"
	}
	return cmd
}

// BuildOpencodeAttachCommand builds the shell command that attaches a
// terminal to an existing opencode session.
func BuildOpencodeAttachCommand(opencodeBinary, serverURL, sessionID, cwd string) string {
	return fmt.Sprintf("%s attach %s -s %s --dir %s",
		shellQuote(opencodeBinary),
		shellQuote(serverURL),
		shellQuote(sessionID),
		shellQuote(cwd),
	)
}

// BuildTmuxArgs builds the tmux invocation that runs command in a
// detached split pane, or a detached window when useWindows is set,
// printing the created target id.
func BuildTmuxArgs(command, name string, useWindows bool) []string {
	if useWindows {
		return []string{
			"tmux", "new-window", "-dP", "-F", "#{window_id}",
			"-n", "@claude-team | " + name,
			command,
		}
	}
	return []string{"tmux", "split-window", "-dP", "-F", "#{pane_id}", command}
}

// DiscoverBinary resolves name on PATH, returning "" when absent.
func DiscoverBinary(name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}

// DiscoverOpencodeModels runs "opencode models --refresh" and returns
// the model names it prints. The first output line is a status
// message and is dropped. Any failure yields an empty list.
func DiscoverOpencodeModels(opencodeBinary string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, opencodeBinary, "models", "--refresh").Output()
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return nil
	}
	var models []string
	for _, line := range lines[1:] {
		if m := strings.TrimSpace(line); m != "" {
			models = append(models, m)
		}
	}
	return models
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>()*?[]#~%{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
