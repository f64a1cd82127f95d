package teamops

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerTeamCreate registers the team_create tool.
func registerTeamCreate(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("team_create",
			mcp.WithDescription("Create a new agent team. One team per server session. Team names must be filesystem-safe (letters, numbers, hyphens, underscores)."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team to create")),
			mcp.WithString("description", mcp.Description("Optional human-readable team description")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			teamName, err := requireString(args, "team_name")
			if err != nil {
				return nil, err
			}
			description := optionalString(args, "description", "")

			if err := svc.Session.BindTeam(teamName); err != nil {
				return nil, err
			}
			result, err := svc.Teams.CreateTeam(teamName, svc.Session.ID, description, "")
			if err != nil {
				svc.Session.UnbindTeam()
				return nil, err
			}

			svc.record(teamName, "team_created", "", "")
			logger.Printf("Team %s created", teamName)
			return jsonResult(result)
		},
	)
}

// registerTeamDelete registers the team_delete tool.
func registerTeamDelete(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("team_delete",
			mcp.WithDescription("Delete a team and all its data. Fails if any teammates are still active. Removes both team config and task directories."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team to delete")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			teamName, err := requireString(req.GetArguments(), "team_name")
			if err != nil {
				return nil, err
			}

			result, err := svc.Teams.DeleteTeam(teamName)
			if err != nil {
				return nil, err
			}
			if svc.Session.ActiveTeam() == teamName {
				svc.Session.UnbindTeam()
			}

			svc.record(teamName, "team_deleted", "", "")
			logger.Printf("Team %s deleted", teamName)
			return jsonResult(result)
		},
	)
}

// registerReadConfig registers the read_config tool.
func registerReadConfig(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("read_config",
			mcp.WithDescription("Read the current team configuration including all members."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			teamName, err := requireString(req.GetArguments(), "team_name")
			if err != nil {
				return nil, err
			}
			cfg, err := svc.Teams.ReadConfig(teamName)
			if err != nil {
				return nil, err
			}
			return jsonResult(cfg)
		},
	)
}
