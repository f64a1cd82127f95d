package domain

// Structured payloads carried as JSON inside InboxMessage.Text.

// TaskAssignment notifies an agent that a task has been assigned to it.
type TaskAssignment struct {
	Type        string `json:"type"` // "task_assignment"
	TaskID      string `json:"taskId"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
	AssignedBy  string `json:"assignedBy"`
	Timestamp   string `json:"timestamp"`
}

// ShutdownRequest asks a teammate to shut down gracefully.
type ShutdownRequest struct {
	Type      string `json:"type"` // "shutdown_request"
	RequestID string `json:"requestId"`
	From      string `json:"from"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// ShutdownApproved is a teammate's approval of a shutdown request. It
// carries everything the lead needs to clean up: the tmux target, the
// backend kind, and the opencode session if one exists.
type ShutdownApproved struct {
	Type        string `json:"type"` // "shutdown_approved"
	RequestID   string `json:"requestId"`
	From        string `json:"from"`
	Timestamp   string `json:"timestamp"`
	PaneID      string `json:"paneId"`
	BackendType string `json:"backendType"`
	SessionID   string `json:"sessionId,omitempty"`
}

// IdleNotification tells the lead a teammate has gone idle.
type IdleNotification struct {
	Type       string `json:"type"` // "idle_notification"
	From       string `json:"from"`
	Timestamp  string `json:"timestamp"`
	IdleReason string `json:"idleReason"`
}

// Result types returned by the tool boundary.

// TeamCreateResult describes a freshly created team.
type TeamCreateResult struct {
	TeamName     string `json:"team_name"`
	TeamFilePath string `json:"team_file_path"`
	LeadAgentID  string `json:"lead_agent_id"`
}

// TeamDeleteResult describes the outcome of a team deletion.
type TeamDeleteResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	TeamName string `json:"team_name"`
}

// SpawnResult describes a successfully spawned teammate.
type SpawnResult struct {
	AgentID  string `json:"agent_id"`
	Name     string `json:"name"`
	TeamName string `json:"team_name"`
	Message  string `json:"message"`
}

// SendMessageResult is the uniform response of the send_message tool.
type SendMessageResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Routing   map[string]any `json:"routing,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Target    string         `json:"target,omitempty"`
}
