// Package registry persists team configurations under
// <base>/teams/<team>/config.json and owns the directory layout shared
// with the task and inbox stores.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jaakkos/claude-teams/internal/domain"
	"github.com/jaakkos/claude-teams/internal/fslock"
)

var validNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DefaultLeadModel is recorded for the lead member when the caller
// does not name one.
const DefaultLeadModel = "claude-opus-4-6"

// ValidateName checks a team or agent name against the filesystem-safe
// naming rule: ^[A-Za-z0-9_-]+$, at most 64 characters.
func ValidateName(name string) error {
	if !validNameRe.MatchString(name) {
		return domain.Invalidf("invalid name %q: use only letters, numbers, hyphens, underscores", name)
	}
	if len(name) > 64 {
		return domain.Invalidf("name too long (%d chars, max 64): %q...", len(name), name[:20])
	}
	return nil
}

// Store reads and writes team configs rooted at BaseDir
// (default <user-home>/.claude).
type Store struct {
	BaseDir string
}

// NewStore returns a Store rooted at baseDir. An empty baseDir resolves
// to <user-home>/.claude.
func NewStore(baseDir string) *Store {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		baseDir = filepath.Join(home, ".claude")
	}
	return &Store{BaseDir: baseDir}
}

// TeamsDir returns <base>/teams.
func (s *Store) TeamsDir() string { return filepath.Join(s.BaseDir, "teams") }

// TasksDir returns <base>/tasks.
func (s *Store) TasksDir() string { return filepath.Join(s.BaseDir, "tasks") }

// TeamDir returns <base>/teams/<team>.
func (s *Store) TeamDir(team string) string { return filepath.Join(s.TeamsDir(), team) }

// ConfigPath returns the team's config.json path.
func (s *Store) ConfigPath(team string) string {
	return filepath.Join(s.TeamDir(team), "config.json")
}

// InboxDir returns the team's inbox directory.
func (s *Store) InboxDir(team string) string {
	return filepath.Join(s.TeamDir(team), "inboxes")
}

// lockPath is the dedicated config lock. Inbox pollers use the inboxes
// lock, so config writers never contend with them.
func (s *Store) lockPath(team string) string {
	return filepath.Join(s.TeamDir(team), ".lock")
}

// TeamExists reports whether the team has a config on disk.
func (s *Store) TeamExists(team string) bool {
	_, err := os.Stat(s.ConfigPath(team))
	return err == nil
}

// CreateTeam creates the team and task directories and writes a fresh
// config containing only the lead. Directory creation is idempotent but
// an existing config is never overwritten.
func (s *Store) CreateTeam(name, sessionID, description, leadModel string) (*domain.TeamCreateResult, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if s.TeamExists(name) {
		return nil, domain.Conflictf("team %q already exists", name)
	}
	if leadModel == "" {
		leadModel = DefaultLeadModel
	}

	if err := os.MkdirAll(s.TeamDir(name), 0o755); err != nil {
		return nil, domain.IOf(err, "create team dir for %q", name)
	}
	taskDir := filepath.Join(s.TasksDir(), name)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, domain.IOf(err, "create task dir for %q", name)
	}
	// Touch the task lock so lock acquisition never races dir creation.
	f, err := os.OpenFile(filepath.Join(taskDir, ".lock"), os.O_CREATE, 0o644)
	if err != nil {
		return nil, domain.IOf(err, "create task lock for %q", name)
	}
	f.Close()

	nowMS := domain.NowMillis()
	cwd, err := os.Getwd()
	if err != nil {
		cwd = s.BaseDir
	}
	leadID := domain.LeadName + "@" + name
	cfg := &domain.TeamConfig{
		Name:          name,
		Description:   description,
		CreatedAt:     nowMS,
		LeadAgentID:   leadID,
		LeadSessionID: sessionID,
		Members: []domain.Member{{Lead: &domain.LeadMember{
			AgentID:       leadID,
			Name:          domain.LeadName,
			AgentType:     domain.LeadName,
			Model:         leadModel,
			JoinedAt:      nowMS,
			TmuxPaneID:    "",
			Cwd:           cwd,
			Subscriptions: []string{},
		}}},
	}
	if err := s.WriteConfig(name, cfg); err != nil {
		return nil, err
	}
	return &domain.TeamCreateResult{
		TeamName:     name,
		TeamFilePath: s.ConfigPath(name),
		LeadAgentID:  leadID,
	}, nil
}

// ReadConfig loads and parses the team config.
func (s *Store) ReadConfig(team string) (*domain.TeamConfig, error) {
	data, err := os.ReadFile(s.ConfigPath(team))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.NotFoundf("team %q not found", team)
		}
		return nil, domain.IOf(err, "read config for team %q", team)
	}
	var cfg domain.TeamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, domain.IOf(err, "parse config for team %q", team)
	}
	return &cfg, nil
}

// WriteConfig atomically replaces the team config: write to a temp file
// in the same directory, then rename over config.json. Rename is
// retried with exponential backoff because some platforms briefly hold
// the target open (antivirus on Windows). The temp file is removed on
// any failure.
func (s *Store) WriteConfig(team string, cfg *domain.TeamConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return domain.IOf(err, "encode config for team %q", team)
	}
	dir := s.TeamDir(team)
	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return domain.IOf(err, "create temp config for team %q", team)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return domain.IOf(err, "write temp config for team %q", team)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return domain.IOf(err, "close temp config for team %q", team)
	}
	if err := replaceWithRetry(tmpPath, s.ConfigPath(team)); err != nil {
		os.Remove(tmpPath)
		return domain.IOf(err, "replace config for team %q", team)
	}
	return nil
}

const (
	replaceRetries   = 5
	replaceBaseDelay = 50 * time.Millisecond
)

func replaceWithRetry(src, dst string) error {
	var err error
	delay := replaceBaseDelay
	for attempt := 0; attempt < replaceRetries; attempt++ {
		if err = os.Rename(src, dst); err == nil {
			return nil
		}
		if attempt < replaceRetries-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

// DeleteTeam removes both the team and task subtrees. Fails while any
// teammate member remains.
func (s *Store) DeleteTeam(name string) (*domain.TeamDeleteResult, error) {
	cfg, err := s.ReadConfig(name)
	if err != nil {
		return nil, err
	}
	if n := len(cfg.Teammates()); n > 0 {
		return nil, domain.Preconditionf(
			"cannot delete team %q: %d non-lead member(s) still present; remove all teammates before deleting", name, n)
	}
	if err := os.RemoveAll(s.TeamDir(name)); err != nil {
		return nil, domain.IOf(err, "remove team dir for %q", name)
	}
	if err := os.RemoveAll(filepath.Join(s.TasksDir(), name)); err != nil {
		return nil, domain.IOf(err, "remove task dir for %q", name)
	}
	return &domain.TeamDeleteResult{
		Success:  true,
		Message:  fmt.Sprintf("Cleaned up directories for team %q", name),
		TeamName: name,
	}, nil
}

// AddMember appends a teammate to the config. Rejects duplicate names.
func (s *Store) AddMember(team string, member *domain.TeammateMember) error {
	return fslock.WithLock(s.lockPath(team), func() error {
		cfg, err := s.ReadConfig(team)
		if err != nil {
			return err
		}
		if cfg.MemberNames()[member.Name] {
			return domain.Conflictf("member %q already exists in team %q", member.Name, team)
		}
		cfg.Members = append(cfg.Members, domain.Member{Teammate: member})
		return s.WriteConfig(team, cfg)
	})
}

// RemoveMember drops a teammate from the config. The lead is never
// removed.
func (s *Store) RemoveMember(team, agent string) error {
	if agent == domain.LeadName {
		return domain.Invalidf("cannot remove %s from team", domain.LeadName)
	}
	return fslock.WithLock(s.lockPath(team), func() error {
		cfg, err := s.ReadConfig(team)
		if err != nil {
			return err
		}
		kept := cfg.Members[:0]
		for _, m := range cfg.Members {
			if m.Name() != agent {
				kept = append(kept, m)
			}
		}
		cfg.Members = kept
		return s.WriteConfig(team, cfg)
	})
}

// UpdateTeammate applies fn to the named teammate under the config lock
// and persists the result. Used to record the tmux target id after a
// spawn and to flip activity flags.
func (s *Store) UpdateTeammate(team, agent string, fn func(*domain.TeammateMember)) error {
	return fslock.WithLock(s.lockPath(team), func() error {
		cfg, err := s.ReadConfig(team)
		if err != nil {
			return err
		}
		tm := cfg.FindTeammate(agent)
		if tm == nil {
			return domain.NotFoundf("teammate %q not found in team %q", agent, team)
		}
		fn(tm)
		return s.WriteConfig(team, cfg)
	})
}
