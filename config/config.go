// Package config loads and persists the supervisor's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-supervisor/paths"
)

// Defaults applied to zero-valued fields after loading.
const (
	DefaultClaudePath        = "claude"
	DefaultListen            = "127.0.0.1:7433"
	DefaultStopTimeout       = 3 * time.Second
	DefaultReplayTimeout     = 5 * time.Second
	DefaultPermissionTimeout = 5 * time.Minute
)

// DefaultAutoApproveTools are session bookkeeping tools approved without a prompt.
var DefaultAutoApproveTools = []string{"mcp__plural__rename_session"}

// Config holds the supervisor configuration.
type Config struct {
	ClaudePath       string            `yaml:"claude_path,omitempty"`
	SystemPrompt     string            `yaml:"system_prompt,omitempty"`
	AllowedTools     []string          `yaml:"allowed_tools,omitempty"`      // Standing permission rules
	AutoApproveTools []string          `yaml:"auto_approve_tools,omitempty"` // Never surfaced to the user
	MCPServers       []MCPServer       `yaml:"mcp_servers,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	EnvFile          string            `yaml:"env_file,omitempty"`

	StopTimeout       time.Duration `yaml:"stop_timeout,omitempty"`
	ReplayTimeout     time.Duration `yaml:"replay_timeout,omitempty"`
	PermissionTimeout time.Duration `yaml:"permission_timeout,omitempty"`

	// DisablePartialMessages omits --include-partial-messages so only full
	// assistant messages are delivered.
	DisablePartialMessages bool `yaml:"disable_partial_messages,omitempty"`

	Listen    string `yaml:"listen,omitempty"`
	Debug     bool   `yaml:"debug,omitempty"`
	StreamLog bool   `yaml:"stream_log,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// New returns a config with defaults applied and no backing file.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the config from path, or from the default location when path
// is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := &Config{filePath: path}
	if err := cfg.readFile(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile decodes the backing file into c. Only safe before c is shared.
func (c *Config) readFile() error {
	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", c.filePath, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", c.filePath, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ClaudePath == "" {
		c.ClaudePath = DefaultClaudePath
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = DefaultReplayTimeout
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = DefaultPermissionTimeout
	}
	if c.AutoApproveTools == nil {
		c.AutoApproveTools = slices.Clone(DefaultAutoApproveTools)
	}
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, s := range c.MCPServers {
		if s.Name == "" {
			return fmt.Errorf("mcp server with empty name")
		}
		if s.Command == "" {
			return fmt.Errorf("mcp server %q has no command", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate mcp server name: %s", s.Name)
		}
		seen[s.Name] = true
	}
	for _, tool := range c.AllowedTools {
		if tool == "" {
			return fmt.Errorf("empty entry in allowed_tools")
		}
	}
	return nil
}

// Save writes the config atomically (temp file + rename).
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	if c.filePath == "" {
		return nil
	}
	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.filePath)
}

// FilePath returns the backing file, or "" for an in-memory config.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// Reload re-reads the backing file and replaces the current settings.
// The in-memory state is left untouched when the file fails to parse.
func (c *Config) Reload() error {
	c.mu.RLock()
	next := &Config{filePath: c.filePath}
	c.mu.RUnlock()

	if err := next.readFile(); err != nil {
		return err
	}
	next.applyDefaults()
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ClaudePath = next.ClaudePath
	c.SystemPrompt = next.SystemPrompt
	c.AllowedTools = next.AllowedTools
	c.AutoApproveTools = next.AutoApproveTools
	c.MCPServers = next.MCPServers
	c.Env = next.Env
	c.EnvFile = next.EnvFile
	c.StopTimeout = next.StopTimeout
	c.ReplayTimeout = next.ReplayTimeout
	c.PermissionTimeout = next.PermissionTimeout
	c.DisablePartialMessages = next.DisablePartialMessages
	c.Listen = next.Listen
	c.Debug = next.Debug
	c.StreamLog = next.StreamLog
	return nil
}

// GetClaudePath returns the CLI executable path.
func (c *Config) GetClaudePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ClaudePath
}

// GetSystemPrompt returns the prompt appended to the CLI's system prompt.
func (c *Config) GetSystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SystemPrompt
}

// GetAllowedTools returns a copy of the standing permission rules.
func (c *Config) GetAllowedTools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.AllowedTools)
}

// GetAutoApproveTools returns a copy of the auto-approved tool names.
func (c *Config) GetAutoApproveTools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.AutoApproveTools)
}

// AddAllowedTool records a standing permission rule and saves the file.
// Adding a rule that already exists is a no-op.
func (c *Config) AddAllowedTool(tool string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.Contains(c.AllowedTools, tool) {
		return nil
	}
	c.AllowedTools = append(c.AllowedTools, tool)
	return c.saveLocked()
}

// GetTimeouts returns the stop, replay, and permission timeouts.
func (c *Config) GetTimeouts() (stop, replay, permission time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StopTimeout, c.ReplayTimeout, c.PermissionTimeout
}

// PartialMessagesEnabled reports whether incremental stream events are requested.
func (c *Config) PartialMessagesEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.DisablePartialMessages
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Listen
}

// IsDebug reports whether debug logging is enabled.
func (c *Config) IsDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// StreamLogEnabled reports whether raw stdout should be captured per session.
func (c *Config) StreamLogEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StreamLog
}
