// MCP claude-teams server.
// Stdio transport for the team lead; teammates live in tmux and share
// state through files under the base directory.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/claude-teams/internal/audit"
	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/inbox"
	"github.com/jaakkos/claude-teams/internal/opencode"
	"github.com/jaakkos/claude-teams/internal/policy"
	"github.com/jaakkos/claude-teams/internal/registry"
	"github.com/jaakkos/claude-teams/internal/spawn"
	"github.com/jaakkos/claude-teams/internal/taskboard"
	"github.com/jaakkos/claude-teams/internal/tools/teamops"
)

// Version is set by -ldflags at build time.
var Version = "dev"

const instructionsText = "MCP server for orchestrating Claude Code agent teams. " +
	"Manages team creation, teammate spawning, messaging, and task tracking."

func main() {
	// Handle CLI subcommands before starting the MCP server.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("claude-teams " + Version)
			return
		}
	}

	pol := loadPolicy()
	logger := setupLogger(pol)
	logger.Println("Starting claude-teams server...")
	logger.Printf("Base dir: %s", pol.BaseDir())

	baseDir := pol.BaseDir()
	teams := registry.NewStore(baseDir)
	inboxes := inbox.NewStore(baseDir)
	inboxes.PollSlice = pol.PollSlice()
	tasks := taskboard.NewStore(baseDir)

	auditLog, err := audit.Open(pol.AuditDBPath())
	if err != nil {
		logger.Printf("Warning: audit log unavailable: %v", err)
		auditLog = nil
	} else {
		defer auditLog.Close()
	}

	// Backend discovery. The server refuses to start when no harness
	// binary is on PATH; there would be nothing to spawn teammates on.
	claudeBinary := spawn.DiscoverBinary("claude")
	opencodeBinary := spawn.DiscoverBinary("opencode")
	if claudeBinary == "" && opencodeBinary == "" {
		logger.Fatal("no agent harness found: neither claude nor opencode is on PATH")
	}

	var ocClient *opencode.Client
	var ocModels []string
	var ocAgents []opencode.Agent
	serverURL := pol.OpencodeServerURL()
	opencodeUsable := opencodeBinary != "" && serverURL != ""
	if opencodeUsable {
		ocClient = opencode.NewClient(serverURL)
		ocModels = spawn.DiscoverOpencodeModels(opencodeBinary)
		if agents, err := ocClient.ListAgents(context.Background()); err != nil {
			logger.Printf("Warning: opencode agent discovery failed: %v", err)
		} else {
			ocAgents = agents
		}
		logger.Printf("opencode backend: url=%s models=%d agents=%d",
			serverURL, len(ocModels), len(ocAgents))
	}

	envRestricted := os.Getenv("CLAUDE_TEAMS_BACKENDS") != ""
	enabled := pol.EnabledBackends()
	if len(enabled) == 0 {
		if claudeBinary != "" {
			enabled = append(enabled, domain.BackendClaude)
		}
		if opencodeUsable {
			enabled = append(enabled, domain.BackendOpencode)
		}
	} else {
		// Drop configured backends the environment cannot actually host.
		kept := enabled[:0]
		for _, kind := range enabled {
			switch kind {
			case domain.BackendClaude:
				if claudeBinary != "" {
					kept = append(kept, kind)
				}
			case domain.BackendOpencode:
				if opencodeUsable {
					kept = append(kept, kind)
				}
			}
		}
		enabled = kept
	}
	logger.Printf("Enabled backends: %v", enabled)

	session := teamops.NewSession(uuid.NewString(), enabled, envRestricted)
	session.ClaudeBinary = claudeBinary
	session.OpencodeBinary = opencodeBinary
	session.OpencodeConfigured = opencodeUsable
	session.OpencodeModels = ocModels
	session.OpencodeAgents = ocAgents
	session.OpencodeDefaultModel = pol.OpencodeDefaultModel()

	spawner := &spawn.Spawner{
		Teams:          teams,
		Inboxes:        inboxes,
		Tasks:          tasks,
		Run:            spawn.ExecRunner,
		ClaudeBinary:   claudeBinary,
		OpencodeBinary: opencodeBinary,
		Opencode:       ocClient,
		UseWindows:     pol.UseTmuxWindows(),
		Logger:         logger,
	}

	svc := &teamops.Service{
		Teams:    teams,
		Inboxes:  inboxes,
		Tasks:    tasks,
		Spawner:  spawner,
		Opencode: ocClient,
		Audit:    auditLog,
		Session:  session,
	}

	hooks := &server.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		if message == nil {
			return
		}
		ci := message.Params.ClientInfo
		session.PromoteClient(ci.Name, ci.Version)
		logger.Printf("Client: %s %s, Protocol: %s, backends now %v",
			ci.Name, ci.Version, message.Params.ProtocolVersion, session.EnabledBackends())
	})
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, clientSession server.ClientSession) {
		logger.Printf("Client session unregistered: %s", clientSession.SessionID())
	})

	mcpServer := server.NewMCPServer(
		"claude-teams",
		Version,
		server.WithInstructions(instructionsText),
		server.WithHooks(hooks),
	)
	teamops.Register(mcpServer, svc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep running when the spawning terminal goes away.
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	logger.Printf("Stdio ready (session %s)", session.ID)
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}
	logger.Println("Server stopped")
}

// loadPolicy reads the YAML config, falling back to defaults when the
// file is missing or malformed.
func loadPolicy() *policy.Policy {
	pol, err := policy.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[claude-teams] Warning: %v, using defaults\n", err)
		return policy.New(nil)
	}
	return pol
}

// setupLogger creates a logger that writes to the configured log file
// and, when stderr is an interactive terminal, to stderr as well.
// Stdout is the MCP transport and must stay clean.
func setupLogger(pol *policy.Policy) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	if !pol.LoggingDisabled() {
		logFilePath := pol.LogFile()
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[claude-teams] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[claude-teams] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	return log.New(io.MultiWriter(writers...), "[claude-teams] ", log.LstdFlags|log.Lshortfile)
}

// runStatusCommand implements "claude-teams status [team]": a quick
// look at recent orchestration events without starting the server.
func runStatusCommand() {
	team := ""
	if len(os.Args) > 2 {
		team = os.Args[2]
	}

	pol := loadPolicy()
	auditLog, err := audit.Open(pol.AuditDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	events, err := auditLog.Recent(team, 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("no recent events")
		return
	}
	for _, e := range events {
		detail := e.Detail
		if detail != "" {
			detail = " " + detail
		}
		fmt.Printf("%s %s %s agent=%s%s\n",
			e.TS.Format("2006-01-02 15:04:05"), e.Team, e.Kind, e.Agent, detail)
	}
}
