package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models nexus.yml.
type Config struct {
	Operator string `yaml:"operator" json:"operator"`
	Paths    Paths  `yaml:"paths" json:"paths"`
	Feed     struct {
		MaxEntries int `yaml:"max_entries" json:"max_entries"`
	} `yaml:"feed" json:"feed"`
	Revert struct {
		Repo           string `yaml:"repo" json:"repo"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"revert" json:"revert"`
	Watcher struct {
		Enabled    bool `yaml:"enabled" json:"enabled"`
		DebounceMS int  `yaml:"debounce_ms" json:"debounce_ms"`
	} `yaml:"watcher" json:"watcher"`
	Server struct {
		Addr        string   `yaml:"addr" json:"addr"`
		BasePath    string   `yaml:"base_path" json:"base_path"`
		CORSOrigins []string `yaml:"cors_origins" json:"cors_origins,omitempty"`
	} `yaml:"server" json:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" json:"-"`
	} `yaml:"auth" json:"auth"`
	Log struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"log" json:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// Paths locates the file-backed stores. Relative entries resolve against
// the workspace directory.
type Paths struct {
	PipelineQueue   string `yaml:"pipeline_queue" json:"pipeline_queue"`
	ActionItems     string `yaml:"action_items" json:"action_items"`
	IdeaStatus      string `yaml:"idea_status" json:"idea_status"`
	SpecBriefs      string `yaml:"spec_briefs" json:"spec_briefs"`
	RejectedBriefs  string `yaml:"rejected_briefs" json:"rejected_briefs"`
	RejectedActions string `yaml:"rejected_actions" json:"rejected_actions"`
	ActivityFeed    string `yaml:"activity_feed" json:"activity_feed"`
	Lessons         string `yaml:"lessons" json:"lessons"`
	BriefLog        string `yaml:"brief_log" json:"brief_log"`
	FluxLog         string `yaml:"flux_log" json:"flux_log"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with nexus config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Operator) == "" {
		return fmt.Errorf("config.operator is required")
	}
	required := map[string]string{
		"pipeline_queue":   c.Paths.PipelineQueue,
		"action_items":     c.Paths.ActionItems,
		"idea_status":      c.Paths.IdeaStatus,
		"spec_briefs":      c.Paths.SpecBriefs,
		"rejected_briefs":  c.Paths.RejectedBriefs,
		"rejected_actions": c.Paths.RejectedActions,
		"activity_feed":    c.Paths.ActivityFeed,
		"lessons":          c.Paths.Lessons,
		"brief_log":        c.Paths.BriefLog,
		"flux_log":         c.Paths.FluxLog,
	}
	for key, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("config.paths.%s is required", key)
		}
	}
	if c.Feed.MaxEntries < 0 {
		return fmt.Errorf("config.feed.max_entries must be >= 0")
	}
	if c.Revert.TimeoutSeconds < 0 {
		return fmt.Errorf("config.revert.timeout_seconds must be >= 0")
	}
	if c.Watcher.DebounceMS < 0 {
		return fmt.Errorf("config.watcher.debounce_ms must be >= 0")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Resolve joins a configured path with the workspace unless it is absolute.
func Resolve(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// RevertTimeout falls back to 30s when unset.
func (c *Config) RevertTimeout() time.Duration {
	if c.Revert.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Revert.TimeoutSeconds) * time.Second
}

// Debounce falls back to 2s when unset.
func (c *Config) Debounce() time.Duration {
	if c.Watcher.DebounceMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Watcher.DebounceMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "nexus.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `operator: PJ

paths:
  pipeline_queue: pipeline-queue.json
  action_items: action-items/index.json
  idea_status: idea-status.json
  spec_briefs: research/ai-intel/spec-briefs
  rejected_briefs: archive/rejected-briefs
  rejected_actions: archive/rejected-actions
  activity_feed: activity-feed.json
  lessons: LESSONS.md
  brief_log: research/ai-intel/brief-log.md
  flux_log: pipeline/flux-log.json

feed:
  max_entries: 500

revert:
  repo: .
  timeout_seconds: 30

watcher:
  enabled: false
  debounce_ms: 2000

server:
  addr: 127.0.0.1:8080
  base_path: /api

log:
  level: info
`
