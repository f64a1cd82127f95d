// Package teamops registers the MCP tools for team orchestration:
// team lifecycle, teammate spawning, messaging, and the shared task
// board. Handlers validate arguments, delegate to the stores, and
// serialize results as JSON text.
package teamops

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/claude-teams/internal/audit"
	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/inbox"
	"github.com/jaakkos/claude-teams/internal/opencode"
	"github.com/jaakkos/claude-teams/internal/registry"
	"github.com/jaakkos/claude-teams/internal/spawn"
	"github.com/jaakkos/claude-teams/internal/taskboard"
)

// Service bundles the stores and clients the tool handlers work
// against.
type Service struct {
	Teams   *registry.Store
	Inboxes *inbox.Store
	Tasks   *taskboard.Store
	Spawner *spawn.Spawner
	// Opencode is nil when no server URL is configured.
	Opencode *opencode.Client
	// Audit may be nil; recording then no-ops.
	Audit   *audit.Log
	Session *Session
}

func (svc *Service) record(team, kind, agent, detail string) {
	_ = svc.Audit.Record(team, kind, agent, detail)
}

// pushToOpencodeSession forwards text into an opencode teammate's
// remote session. Best effort: failures are logged, never returned.
func (svc *Service) pushToOpencodeSession(ctx context.Context, logger *log.Logger, member *domain.TeammateMember, text string) {
	if svc.Opencode == nil || member.BackendType != domain.BackendOpencode || member.OpencodeSessionID == "" {
		return
	}
	if err := svc.Opencode.SendPromptAsync(ctx, member.OpencodeSessionID, text, ""); err != nil {
		logger.Printf("Failed to push message to opencode session %s: %v", member.OpencodeSessionID, err)
	}
}

// Register registers every team orchestration tool with the mcp-go
// server.
func Register(s *server.MCPServer, svc *Service, logger *log.Logger) {
	// Team lifecycle (3)
	registerTeamCreate(s, svc, logger)
	registerTeamDelete(s, svc, logger)
	registerReadConfig(s, svc, logger)

	// Spawning and teardown (3)
	registerSpawnTeammate(s, svc, logger)
	registerForceKillTeammate(s, svc, logger)
	registerProcessShutdownApproved(s, svc, logger)

	// Messaging (3)
	registerSendMessage(s, svc, logger)
	registerReadInbox(s, svc, logger)
	registerPollInbox(s, svc, logger)

	// Task board (4)
	registerTaskCreate(s, svc, logger)
	registerTaskUpdate(s, svc, logger)
	registerTaskList(s, svc, logger)
	registerTaskGet(s, svc, logger)
}
