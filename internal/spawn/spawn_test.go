package spawn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/inbox"
	"github.com/jaakkos/claude-teams/internal/opencode"
	"github.com/jaakkos/claude-teams/internal/registry"
	"github.com/jaakkos/claude-teams/internal/taskboard"
)

func newTestSpawner(t *testing.T) (*Spawner, *[][]string) {
	t.Helper()
	base := t.TempDir()
	teams := registry.NewStore(base)
	if _, err := teams.CreateTeam("alpha", "lead-session", "", ""); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	var calls [][]string
	sp := &Spawner{
		Teams:        teams,
		Inboxes:      inbox.NewStore(base),
		Tasks:        taskboard.NewStore(base),
		ClaudeBinary: "/usr/local/bin/claude",
		Run: func(args []string) (string, error) {
			calls = append(calls, args)
			return "%42", nil
		},
	}
	return sp, &calls
}

func TestSpawnClaudeTeammate(t *testing.T) {
	sp, calls := newTestSpawner(t)
	member, err := sp.Spawn(context.Background(), Request{
		Team:          "alpha",
		Name:          "worker",
		Prompt:        "fix the bug",
		Cwd:           "/work",
		LeadSessionID: "lead-session",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if member.AgentID != "worker@alpha" {
		t.Errorf("agentId = %q", member.AgentID)
	}
	if member.Model != "sonnet" || member.AgentType != "general-purpose" {
		t.Errorf("defaults: model=%q type=%q", member.Model, member.AgentType)
	}
	if member.Color != domain.ColorPalette[0] {
		t.Errorf("color = %q", member.Color)
	}
	if member.TmuxPaneID != "%42" {
		t.Errorf("pane = %q", member.TmuxPaneID)
	}

	// The pane id must be persisted, not only returned.
	cfg, _ := sp.Teams.ReadConfig("alpha")
	got := cfg.FindTeammate("worker")
	if got == nil || got.TmuxPaneID != "%42" {
		t.Errorf("persisted teammate = %+v", got)
	}

	// The prompt lands in the inbox before the process starts.
	msgs, err := sp.Inboxes.Read("alpha", "worker", false, false)
	if err != nil {
		t.Fatalf("Read inbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].From != domain.LeadName || msgs[0].Text != "fix the bug" {
		t.Errorf("inbox = %+v", msgs)
	}

	if len(*calls) != 1 {
		t.Fatalf("runner calls = %d", len(*calls))
	}
	args := (*calls)[0]
	if args[0] != "tmux" || args[1] != "split-window" {
		t.Errorf("tmux args = %v", args)
	}
	cmd := args[len(args)-1]
	for _, want := range []string{"cd /work &&", "--agent-id worker@alpha", "--model sonnet", "--parent-session-id lead-session", "CLAUDECODE=1"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command missing %q: %s", want, cmd)
		}
	}
	if strings.Contains(cmd, "--plan-mode-required") {
		t.Errorf("plan mode flag should be absent: %s", cmd)
	}
}

func TestSpawnValidation(t *testing.T) {
	sp, _ := newTestSpawner(t)
	cases := []struct {
		name string
		req  Request
		kind domain.ErrKind
	}{
		{"bad name", Request{Team: "alpha", Name: "bad name!"}, domain.KindInvalidInput},
		{"reserved", Request{Team: "alpha", Name: "team-lead"}, domain.KindInvalidInput},
		{"unknown backend", Request{Team: "alpha", Name: "w", Backend: "codex"}, domain.KindInvalidInput},
		{"opencode unconfigured", Request{Team: "alpha", Name: "w", Backend: "opencode"}, domain.KindPrecondition},
	}
	for _, tc := range cases {
		_, err := sp.Spawn(context.Background(), tc.req)
		if domain.KindOf(err) != tc.kind {
			t.Errorf("%s: kind = %v, want %v", tc.name, domain.KindOf(err), tc.kind)
		}
	}

	sp.ClaudeBinary = ""
	_, err := sp.Spawn(context.Background(), Request{Team: "alpha", Name: "w"})
	if domain.KindOf(err) != domain.KindPrecondition {
		t.Errorf("missing claude binary: kind = %v", domain.KindOf(err))
	}
}

func TestColorAssignmentWraps(t *testing.T) {
	sp, _ := newTestSpawner(t)
	n := len(domain.ColorPalette)
	for i := 0; i < n+1; i++ {
		name := "w" + strings.Repeat("x", i)
		m, err := sp.Spawn(context.Background(), Request{Team: "alpha", Name: name, Cwd: "/w"})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		if m.Color != domain.ColorPalette[i%n] {
			t.Errorf("spawn %d: color = %q, want %q", i, m.Color, domain.ColorPalette[i%n])
		}
	}
}

func TestSpawnRollbackOnLaunchFailure(t *testing.T) {
	sp, _ := newTestSpawner(t)
	sp.Run = func(args []string) (string, error) {
		return "", domain.Externalf(nil, "tmux exploded")
	}
	_, err := sp.Spawn(context.Background(), Request{Team: "alpha", Name: "broken", Cwd: "/w"})
	if err == nil {
		t.Fatal("spawn should fail")
	}
	cfg, _ := sp.Teams.ReadConfig("alpha")
	if cfg.FindTeammate("broken") != nil {
		t.Error("member should have been rolled back")
	}
}

func TestSpawnOpencodeRollbackCleansSession(t *testing.T) {
	var aborted, deleted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/mcp":
			json.NewEncoder(w).Encode(map[string]any{
				"claude-teams": map[string]string{"status": "connected"},
			})
		case r.URL.Path == "/session" && r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"id": "ses_oc1"})
		case r.URL.Path == "/session/ses_oc1/abort":
			aborted = true
		case r.URL.Path == "/session/ses_oc1" && r.Method == http.MethodDelete:
			deleted = true
		case strings.HasSuffix(r.URL.Path, "/prompt_async"):
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	sp, _ := newTestSpawner(t)
	sp.OpencodeBinary = "/usr/local/bin/opencode"
	sp.Opencode = opencode.NewClient(srv.URL)
	sp.Run = func(args []string) (string, error) {
		return "", domain.Externalf(nil, "tmux exploded")
	}

	_, err := sp.Spawn(context.Background(), Request{
		Team: "alpha", Name: "broken", Backend: "opencode", Cwd: "/w",
	})
	if err == nil {
		t.Fatal("spawn should fail")
	}
	if !aborted || !deleted {
		t.Errorf("remote cleanup: aborted=%v deleted=%v", aborted, deleted)
	}
	cfg, _ := sp.Teams.ReadConfig("alpha")
	if cfg.FindTeammate("broken") != nil {
		t.Error("member should have been rolled back")
	}
}

func TestSpawnRollbackOnPersistFailure(t *testing.T) {
	var aborted, deleted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/mcp":
			json.NewEncoder(w).Encode(map[string]any{
				"claude-teams": map[string]string{"status": "connected"},
			})
		case r.URL.Path == "/session" && r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"id": "ses_oc2"})
		case r.URL.Path == "/session/ses_oc2/abort":
			aborted = true
		case r.URL.Path == "/session/ses_oc2" && r.Method == http.MethodDelete:
			deleted = true
		case strings.HasSuffix(r.URL.Path, "/prompt_async"):
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	sp, _ := newTestSpawner(t)
	sp.OpencodeBinary = "/usr/local/bin/opencode"
	sp.Opencode = opencode.NewClient(srv.URL)
	// The launch succeeds, but the member disappears from the config
	// before the target id is persisted (a concurrent force-kill), so
	// the persist step fails after the process has started.
	sp.Run = func(args []string) (string, error) {
		if err := sp.Teams.RemoveMember("alpha", "broken"); err != nil {
			t.Fatalf("RemoveMember: %v", err)
		}
		return "%42", nil
	}

	_, err := sp.Spawn(context.Background(), Request{
		Team: "alpha", Name: "broken", Backend: "opencode", Cwd: "/w",
	})
	if err == nil {
		t.Fatal("spawn should fail")
	}
	if !aborted || !deleted {
		t.Errorf("remote cleanup: aborted=%v deleted=%v", aborted, deleted)
	}
	cfg, _ := sp.Teams.ReadConfig("alpha")
	if cfg.FindTeammate("broken") != nil {
		t.Error("member should have been rolled back")
	}
}

func TestSpawnOpencodeWrapsPrompt(t *testing.T) {
	var promptBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/mcp":
			json.NewEncoder(w).Encode(map[string]any{
				"claude-teams": map[string]string{"status": "connected"},
			})
		case r.URL.Path == "/session":
			json.NewEncoder(w).Encode(map[string]string{"id": "ses_1"})
		case strings.HasSuffix(r.URL.Path, "/prompt_async"):
			json.NewDecoder(r.Body).Decode(&promptBody)
		}
	}))
	defer srv.Close()

	sp, calls := newTestSpawner(t)
	sp.OpencodeBinary = "/usr/local/bin/opencode"
	sp.Opencode = opencode.NewClient(srv.URL)

	member, err := sp.Spawn(context.Background(), Request{
		Team: "alpha", Name: "worker", Prompt: "review the PR", Backend: "opencode", Cwd: "/w",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if member.OpencodeSessionID != "ses_1" {
		t.Errorf("sessionId = %q", member.OpencodeSessionID)
	}
	if promptBody["agent"] != "build" {
		t.Errorf("agent = %v", promptBody["agent"])
	}
	text := promptBody["parts"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, "team member 'worker' on team 'alpha'") {
		t.Errorf("wrapper missing identity: %s", text)
	}
	if !strings.HasSuffix(text, "review the PR") {
		t.Errorf("wrapper should end with the prompt: %s", text)
	}

	cmd := (*calls)[0][len((*calls)[0])-1]
	if !strings.Contains(cmd, "attach") || !strings.Contains(cmd, "-s ses_1") {
		t.Errorf("attach command = %s", cmd)
	}
}

func TestBuildTmuxArgsWindows(t *testing.T) {
	args := BuildTmuxArgs("echo hi", "worker", true)
	if args[1] != "new-window" {
		t.Errorf("args = %v", args)
	}
	found := false
	for i, a := range args {
		if a == "-n" && i+1 < len(args) && args[i+1] == "@claude-team | worker" {
			found = true
		}
	}
	if !found {
		t.Errorf("window name missing: %v", args)
	}
	if args[len(args)-1] != "echo hi" {
		t.Errorf("command not last: %v", args)
	}
}

func TestKillTargetPicksSubcommand(t *testing.T) {
	var calls [][]string
	sp := &Spawner{Run: func(args []string) (string, error) {
		calls = append(calls, args)
		return "", nil
	}}
	sp.KillTarget("%7")
	sp.KillTarget("@3")
	if calls[0][1] != "kill-pane" || calls[0][3] != "%7" {
		t.Errorf("pane call = %v", calls[0])
	}
	if calls[1][1] != "kill-window" || calls[1][3] != "@3" {
		t.Errorf("window call = %v", calls[1])
	}
}

func TestKillRemovesMemberAndResetsTasks(t *testing.T) {
	sp, calls := newTestSpawner(t)
	if _, err := sp.Spawn(context.Background(), Request{Team: "alpha", Name: "worker", Cwd: "/w"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	task, err := sp.Tasks.Create("alpha", "job", "", "", nil)
	if err != nil {
		t.Fatalf("Create task: %v", err)
	}
	owner := "worker"
	if _, err := sp.Tasks.Update("alpha", task.ID, taskboard.UpdateRequest{Owner: &owner, Status: domain.StatusInProgress}); err != nil {
		t.Fatalf("Update task: %v", err)
	}

	if err := sp.Kill(context.Background(), "alpha", "worker"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	cfg, _ := sp.Teams.ReadConfig("alpha")
	if cfg.FindTeammate("worker") != nil {
		t.Error("member still present")
	}
	got, _ := sp.Tasks.Get("alpha", task.ID)
	if got.Owner != nil || got.Status != domain.StatusPending {
		t.Errorf("task not reset: %+v", got)
	}

	last := (*calls)[len(*calls)-1]
	if last[1] != "kill-pane" || last[3] != "%42" {
		t.Errorf("kill call = %v", last)
	}
}

func TestKillUnknownAgent(t *testing.T) {
	sp, _ := newTestSpawner(t)
	err := sp.Kill(context.Background(), "alpha", "ghost")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("kind = %v", domain.KindOf(err))
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "plain",
		"":             "''",
		"with space":   "'with space'",
		"it's":         `'it'\''s'`,
		"$HOME":        "'$HOME'",
		"/usr/bin/cli": "/usr/bin/cli",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
