package teamops

import (
	"sync"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/opencode"
)

// KnownClients maps MCP client names to their native backend kind.
// A connecting client's backend is promoted to the default so that
// teammates spawn on the same harness as the lead by default.
var KnownClients = map[string]string{
	"claude-code": domain.BackendClaude,
	"claude":      domain.BackendClaude,
	"opencode":    domain.BackendOpencode,
}

// Session holds the per-server-session state shared by the tool
// handlers. stdio serves one client, but hook callbacks and tool
// handlers run on different goroutines, so access is locked.
type Session struct {
	mu sync.Mutex

	ID         string
	activeTeam string

	ClaudeBinary   string
	OpencodeBinary string
	// OpencodeConfigured means a server URL is known, independent of
	// whether the server is currently reachable.
	OpencodeConfigured   bool
	OpencodeModels       []string
	OpencodeAgents       []opencode.Agent
	OpencodeDefaultModel string

	// envRestricted is set when CLAUDE_TEAMS_BACKENDS restricted the
	// backend list explicitly; client detection then only promotes,
	// never widens.
	envRestricted   bool
	enabledBackends []string

	clientName    string
	clientVersion string
}

// NewSession builds the session state discovered at startup.
func NewSession(id string, enabledBackends []string, envRestricted bool) *Session {
	return &Session{
		ID:              id,
		enabledBackends: enabledBackends,
		envRestricted:   envRestricted,
		clientName:      "unknown",
		clientVersion:   "unknown",
	}
}

// ActiveTeam returns the team bound to this session, empty when none.
func (s *Session) ActiveTeam() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTeam
}

// BindTeam marks team as this session's active team. One team per
// session.
func (s *Session) BindTeam(team string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTeam != "" {
		return domain.Preconditionf(
			"session already has active team: %s. One team per session.", s.activeTeam)
	}
	s.activeTeam = team
	return nil
}

// UnbindTeam clears the active team.
func (s *Session) UnbindTeam() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTeam = ""
}

// EnabledBackends returns a copy of the current backend list. The
// first entry is the default.
func (s *Session) EnabledBackends() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.enabledBackends))
	copy(out, s.enabledBackends)
	return out
}

// DefaultBackend returns the first enabled backend, falling back to
// claude.
func (s *Session) DefaultBackend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.enabledBackends) > 0 {
		return s.enabledBackends[0]
	}
	return domain.BackendClaude
}

// BackendEnabled reports whether kind may be used for spawning. An
// empty list means no restriction.
func (s *Session) BackendEnabled(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.enabledBackends) == 0 {
		return true
	}
	for _, b := range s.enabledBackends {
		if b == kind {
			return true
		}
	}
	return false
}

// Client returns the detected client name and version.
func (s *Session) Client() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientName, s.clientVersion
}

// PromoteClient records the connected client and moves its native
// backend to the front of the enabled list. Without an explicit
// environment restriction, every discovered backend is (re)added.
func (s *Session) PromoteClient(name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = "unknown"
	}
	if version == "" {
		version = "unknown"
	}
	s.clientName = name
	s.clientVersion = version

	native := KnownClients[name]
	if native != "" && !containsStr(s.enabledBackends, native) {
		if native == domain.BackendClaude || s.OpencodeConfigured {
			s.enabledBackends = append([]string{native}, s.enabledBackends...)
		}
	}
	if !s.envRestricted {
		if s.ClaudeBinary != "" && !containsStr(s.enabledBackends, domain.BackendClaude) {
			s.enabledBackends = append(s.enabledBackends, domain.BackendClaude)
		}
		if s.OpencodeConfigured && !containsStr(s.enabledBackends, domain.BackendOpencode) {
			s.enabledBackends = append(s.enabledBackends, domain.BackendOpencode)
		}
	}
}

// ResolveModel applies the backend-specific model defaults. For
// opencode, "sonnet" counts as unset unless it was actually
// discovered, because clients echo the schema default back.
func (s *Session) ResolveModel(backend, model string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if backend == domain.BackendOpencode {
		if model == "" || (model == "sonnet" && !containsStr(s.OpencodeModels, "sonnet")) {
			if s.OpencodeDefaultModel != "" {
				return s.OpencodeDefaultModel
			}
			if len(s.OpencodeModels) > 0 {
				return s.OpencodeModels[0]
			}
			return "sonnet"
		}
		return model
	}
	if model == "" {
		return "sonnet"
	}
	return model
}

// ResolveOpencodeAgent maps subagentType onto a known opencode agent,
// defaulting to build.
func (s *Session) ResolveOpencodeAgent(subagentType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.OpencodeAgents {
		if a.Name == subagentType {
			return subagentType
		}
	}
	return "build"
}

func containsStr(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
