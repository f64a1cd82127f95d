// Package policy resolves runtime configuration: the optional YAML
// config file, environment overrides, and the defaults. Environment
// variables always win over the file.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/claude-teams/internal/domain"
)

// DefaultBaseDir returns the default state directory (~/.claude).
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".claude")
}

// DefaultConfigPath returns where the YAML config file is looked up.
func DefaultConfigPath() string {
	return filepath.Join(DefaultBaseDir(), "claude-teams.yaml")
}

// OpencodeConfig groups the opencode backend settings.
type OpencodeConfig struct {
	ServerURL    string `yaml:"server_url"`
	DefaultModel string `yaml:"default_model"`
}

// TmuxConfig controls how teammate terminals are created.
type TmuxConfig struct {
	// UseWindows spawns each teammate in a new window instead of a
	// split pane.
	UseWindows bool `yaml:"use_windows"`
}

// Config is the on-disk YAML shape.
type Config struct {
	BaseDir  string          `yaml:"base_dir"`
	LogFile  string          `yaml:"log_file"`
	Backends []string        `yaml:"backends"`
	Opencode *OpencodeConfig `yaml:"opencode"`
	Tmux     *TmuxConfig     `yaml:"tmux"`

	PollSliceMillis int `yaml:"poll_slice_millis"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		PollSliceMillis: 500,
	}
}

// LoadConfig reads the YAML config at path. A missing file yields the
// defaults; a malformed file is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PollSliceMillis <= 0 {
		cfg.PollSliceMillis = 500
	}
	return cfg, nil
}

// Policy answers configuration questions with environment overrides
// applied on top of the config file.
type Policy struct {
	config *Config
	mu     sync.RWMutex
}

// New wraps cfg. A nil cfg gets the defaults.
func New(cfg *Config) *Policy {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Policy{config: cfg}
}

// Load reads the default config file and wraps it.
func Load() (*Policy, error) {
	cfg, err := LoadConfig(DefaultConfigPath())
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// BaseDir returns the state directory holding teams/ and tasks/.
// CLAUDE_TEAMS_DIR overrides the config file.
func (p *Policy) BaseDir() string {
	if dir := os.Getenv("CLAUDE_TEAMS_DIR"); dir != "" {
		return dir
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.BaseDir != "" {
		return p.config.BaseDir
	}
	return DefaultBaseDir()
}

// LogFile returns the server log path. "none" or "off" disables file
// logging.
func (p *Policy) LogFile() string {
	p.mu.RLock()
	lf := p.config.LogFile
	p.mu.RUnlock()
	if lf != "" {
		return lf
	}
	return filepath.Join(p.BaseDir(), "claude-teams.log")
}

// AuditDBPath returns the SQLite audit log path, alongside the state
// directory.
func (p *Policy) AuditDBPath() string {
	return filepath.Join(p.BaseDir(), "claude-teams-audit.db")
}

// OpencodeServerURL returns the opencode server URL, empty when the
// backend is not configured. OPENCODE_SERVER_URL wins over the file.
func (p *Policy) OpencodeServerURL() string {
	if url := os.Getenv("OPENCODE_SERVER_URL"); url != "" {
		return url
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.Opencode != nil {
		return p.config.Opencode.ServerURL
	}
	return ""
}

// OpencodeDefaultModel returns the configured model override for
// opencode spawns, empty when unset.
func (p *Policy) OpencodeDefaultModel() string {
	if model := os.Getenv("OPENCODE_DEFAULT_MODEL"); model != "" {
		return model
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.Opencode != nil {
		return p.config.Opencode.DefaultModel
	}
	return ""
}

// EnabledBackends restricts and orders the backend kinds offered for
// spawning. CLAUDE_TEAMS_BACKENDS (comma separated) wins over the
// file; unrecognized entries and duplicates are dropped, order is
// preserved, first entry is the default backend. An empty result
// means no restriction.
func (p *Policy) EnabledBackends() []string {
	raw := os.Getenv("CLAUDE_TEAMS_BACKENDS")
	var entries []string
	if raw != "" {
		entries = strings.Split(raw, ",")
	} else {
		p.mu.RLock()
		entries = append(entries, p.config.Backends...)
		p.mu.RUnlock()
	}
	seen := make(map[string]bool, 2)
	var out []string
	for _, e := range entries {
		kind := strings.TrimSpace(e)
		if kind != domain.BackendClaude && kind != domain.BackendOpencode {
			continue
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		out = append(out, kind)
	}
	return out
}

// UseTmuxWindows reports whether teammates open in new windows rather
// than split panes. USE_TMUX_WINDOWS=1/true wins over the file.
func (p *Policy) UseTmuxWindows() bool {
	switch strings.ToLower(os.Getenv("USE_TMUX_WINDOWS")) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Tmux != nil && p.config.Tmux.UseWindows
}

// PollSlice returns the inbox polling interval.
func (p *Policy) PollSlice() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.config.PollSliceMillis) * time.Millisecond
}

// LoggingDisabled reports whether the log file setting turns file
// logging off.
func (p *Policy) LoggingDisabled() bool {
	lf := p.LogFile()
	return lf == "none" || lf == "off"
}
