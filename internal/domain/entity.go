// Package domain holds the team, task, and messaging entities shared by
// every store. It has no dependencies on other packages.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ColorPalette is the teammate color rotation, in assignment order.
var ColorPalette = []string{
	"blue", "green", "yellow", "purple",
	"orange", "pink", "cyan", "red",
}

// Backend kinds a teammate can run on.
const (
	BackendClaude   = "claude"
	BackendOpencode = "opencode"
)

// LeadName is the reserved member name of the controlling agent.
const LeadName = "team-lead"

// NowISO returns the current UTC time as ISO-8601 with millisecond
// precision and a trailing "Z", the wire format for message timestamps.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// NowMillis returns the current time as a ms-epoch integer, the format
// for durable timestamps (createdAt, joinedAt).
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// LeadMember is the controlling agent of a team. There is exactly one
// per team and it is never removed.
type LeadMember struct {
	AgentID       string   `json:"agentId"`
	Name          string   `json:"name"`
	AgentType     string   `json:"agentType"`
	Model         string   `json:"model"`
	JoinedAt      int64    `json:"joinedAt"`
	TmuxPaneID    string   `json:"tmuxPaneId"`
	Cwd           string   `json:"cwd"`
	Subscriptions []string `json:"subscriptions"`
}

// TeammateMember is a worker agent spawned into a tmux pane or window.
type TeammateMember struct {
	AgentID           string   `json:"agentId"`
	Name              string   `json:"name"`
	AgentType         string   `json:"agentType"`
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	Color             string   `json:"color"`
	PlanModeRequired  bool     `json:"planModeRequired"`
	JoinedAt          int64    `json:"joinedAt"`
	TmuxPaneID        string   `json:"tmuxPaneId"`
	Cwd               string   `json:"cwd"`
	Subscriptions     []string `json:"subscriptions"`
	BackendType       string   `json:"backendType"`
	OpencodeSessionID string   `json:"opencodeSessionId,omitempty"`
	IsActive          bool     `json:"isActive"`
}

// Member is the tagged union of LeadMember and TeammateMember. Exactly
// one of the two fields is non-nil.
//
// On disk the variants are distinguished by the presence of a "prompt"
// key (the historical implicit form). Encoding always writes an explicit
// "kind" discriminant alongside the member fields; decoding accepts
// either form.
type Member struct {
	Lead     *LeadMember
	Teammate *TeammateMember
}

// Name returns the member name regardless of variant.
func (m Member) Name() string {
	if m.Teammate != nil {
		return m.Teammate.Name
	}
	if m.Lead != nil {
		return m.Lead.Name
	}
	return ""
}

// IsLead reports whether the member is the lead variant.
func (m Member) IsLead() bool { return m.Lead != nil }

func (m Member) MarshalJSON() ([]byte, error) {
	switch {
	case m.Teammate != nil:
		type alias TeammateMember
		return json.Marshal(struct {
			Kind string `json:"kind"`
			alias
		}{Kind: "teammate", alias: alias(*m.Teammate)})
	case m.Lead != nil:
		type alias LeadMember
		return json.Marshal(struct {
			Kind string `json:"kind"`
			alias
		}{Kind: "lead", alias: alias(*m.Lead)})
	default:
		return nil, fmt.Errorf("member has no variant set")
	}
}

func (m *Member) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind   string          `json:"kind"`
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	isTeammate := probe.Kind == "teammate" || (probe.Kind == "" && probe.Prompt != nil)
	if isTeammate {
		var tm TeammateMember
		if err := json.Unmarshal(data, &tm); err != nil {
			return err
		}
		if tm.BackendType == "" {
			tm.BackendType = BackendClaude
		}
		if tm.Subscriptions == nil {
			tm.Subscriptions = []string{}
		}
		m.Teammate = &tm
		m.Lead = nil
		return nil
	}
	var lm LeadMember
	if err := json.Unmarshal(data, &lm); err != nil {
		return err
	}
	if lm.Subscriptions == nil {
		lm.Subscriptions = []string{}
	}
	m.Lead = &lm
	m.Teammate = nil
	return nil
}

// TeamConfig is the durable state of one team.
type TeamConfig struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	CreatedAt     int64    `json:"createdAt"`
	LeadAgentID   string   `json:"leadAgentId"`
	LeadSessionID string   `json:"leadSessionId"`
	Members       []Member `json:"members"`
}

// MemberNames returns the set of member names in the config.
func (c *TeamConfig) MemberNames() map[string]bool {
	names := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		names[m.Name()] = true
	}
	return names
}

// FindTeammate returns the teammate with the given name, or nil.
func (c *TeamConfig) FindTeammate(name string) *TeammateMember {
	for i := range c.Members {
		if tm := c.Members[i].Teammate; tm != nil && tm.Name == name {
			return tm
		}
	}
	return nil
}

// Teammates returns all teammate members in config order.
func (c *TeamConfig) Teammates() []*TeammateMember {
	var out []*TeammateMember
	for i := range c.Members {
		if tm := c.Members[i].Teammate; tm != nil {
			out = append(out, tm)
		}
	}
	return out
}

// Task statuses in rank order. Rank never decreases across updates;
// "deleted" is terminal and reachable from any status.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusDeleted    = "deleted"
)

// StatusRank returns the monotone rank of a non-deleted status, or -1
// for unknown statuses.
func StatusRank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

// TaskFile is one task as persisted under tasks/<team>/<id>.json.
// IDs are decimal strings; gaps reflect deletions and are never reused.
type TaskFile struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	ActiveForm  string         `json:"activeForm"`
	Status      string         `json:"status"`
	Blocks      []string       `json:"blocks"`
	BlockedBy   []string       `json:"blockedBy"`
	Owner       *string        `json:"owner,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// InboxMessage is one entry in a per-agent inbox. Messages are appended
// and only ever mutated to flip Read from false to true.
type InboxMessage struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
	Summary   string `json:"summary,omitempty"`
	Color     string `json:"color,omitempty"`
}
