package teamops

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/taskboard"
)

// registerTaskCreate registers the task_create tool.
func registerTaskCreate(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("task_create",
			mcp.WithDescription("Create a new task for the team. Tasks are auto-assigned incrementing IDs. Optional metadata object is stored alongside the task."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
			mcp.WithString("subject", mcp.Required(), mcp.Description("Short task title")),
			mcp.WithString("description", mcp.Required(), mcp.Description("Full task description")),
			mcp.WithString("active_form", mcp.Description("Present-continuous form shown while in progress")),
			mcp.WithObject("metadata", mcp.Description("Arbitrary key/value metadata")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			teamName, err := requireString(args, "team_name")
			if err != nil {
				return nil, err
			}
			subject, err := requireString(args, "subject")
			if err != nil {
				return nil, err
			}
			description, err := requireString(args, "description")
			if err != nil {
				return nil, err
			}
			activeForm := optionalString(args, "active_form", "")
			metadata, err := optionalMap(args, "metadata")
			if err != nil {
				return nil, err
			}

			task, err := svc.Tasks.Create(teamName, subject, description, activeForm, metadata)
			if err != nil {
				return nil, err
			}
			logger.Printf("Task %s created in team %s", task.ID, teamName)
			return jsonResult(task)
		},
	)
}

// registerTaskUpdate registers the task_update tool.
func registerTaskUpdate(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("task_update",
			mcp.WithDescription("Update a task's fields. Setting owner auto-notifies the assignee via inbox. Setting status to 'deleted' removes the task file from disk. Metadata keys are merged into existing metadata (set a key to null to delete it)."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
			mcp.WithString("status", mcp.Enum(domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted, domain.StatusDeleted),
				mcp.Description("New status; ranks only increase (pending < in_progress < completed)")),
			mcp.WithString("owner", mcp.Description("Assign the task to this team member")),
			mcp.WithString("subject", mcp.Description("New subject")),
			mcp.WithString("description", mcp.Description("New description")),
			mcp.WithString("active_form", mcp.Description("New active form")),
			mcp.WithArray("add_blocks", mcp.Description("Task ids this task blocks")),
			mcp.WithArray("add_blocked_by", mcp.Description("Task ids this task is blocked by")),
			mcp.WithObject("metadata", mcp.Description("Metadata keys to merge; null values delete keys")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			teamName, err := requireString(args, "team_name")
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return nil, err
			}

			var update taskboard.UpdateRequest
			if v, ok := args["subject"].(string); ok {
				update.Subject = &v
			}
			if v, ok := args["description"].(string); ok {
				update.Description = &v
			}
			if v, ok := args["active_form"].(string); ok {
				update.ActiveForm = &v
			}
			update.Status = optionalString(args, "status", "")
			if update.AddBlocks, err = optionalStringSlice(args, "add_blocks"); err != nil {
				return nil, err
			}
			if update.AddBlockedBy, err = optionalStringSlice(args, "add_blocked_by"); err != nil {
				return nil, err
			}
			if update.Metadata, err = optionalMap(args, "metadata"); err != nil {
				return nil, err
			}

			if v, ok := args["owner"].(string); ok {
				cfg, err := svc.Teams.ReadConfig(teamName)
				if err != nil {
					return nil, err
				}
				if !cfg.MemberNames()[v] {
					return nil, domain.Invalidf("owner %q is not a member of team %q", v, teamName)
				}
				update.Owner = &v
			}

			task, err := svc.Tasks.Update(teamName, taskID, update)
			if err != nil {
				return nil, err
			}

			if update.Owner != nil && task.Owner != nil && task.Status != domain.StatusDeleted {
				if err := svc.Inboxes.SendTaskAssignment(teamName, task, domain.LeadName); err != nil {
					logger.Printf("Failed to notify %s of task %s: %v", *task.Owner, task.ID, err)
				}
			}
			logger.Printf("Task %s updated in team %s", taskID, teamName)
			return jsonResult(task)
		},
	)
}

// registerTaskList registers the task_list tool.
func registerTaskList(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("task_list",
			mcp.WithDescription("List all tasks for a team with their current status and assignments."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			teamName, err := requireString(req.GetArguments(), "team_name")
			if err != nil {
				return nil, err
			}
			tasks, err := svc.Tasks.List(teamName)
			if err != nil {
				return nil, err
			}
			return jsonResult(tasks)
		},
	)
}

// registerTaskGet registers the task_get tool.
func registerTaskGet(s *server.MCPServer, svc *Service, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("task_get",
			mcp.WithDescription("Get full details of a specific task by ID."),
			mcp.WithString("team_name", mcp.Required(), mcp.Description("Name of the team")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			teamName, err := requireString(args, "team_name")
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return nil, err
			}
			task, err := svc.Tasks.Get(teamName, taskID)
			if err != nil {
				return nil, err
			}
			return jsonResult(task)
		},
	)
}
