package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config models maestro.yml.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Phases       []string           `yaml:"phases"`
	Agents       []AgentConfig      `yaml:"agents"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Server       ServerConfig       `yaml:"server"`
	Webhooks     []WebhookConfig    `yaml:"webhooks,omitempty"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type OrchestratorConfig struct {
	HealthCheckInterval int  `yaml:"health_check_interval"`
	MetricsEnabled      bool `yaml:"metrics_enabled"`
}

// Interval returns the health-check interval as a duration.
func (c OrchestratorConfig) Interval() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// AgentConfig describes one agent of the fleet. List order is registration
// order, which callers observe through phase queries.
type AgentConfig struct {
	ID       string   `yaml:"id"`
	Phase    string   `yaml:"phase"`
	Tools    []string `yaml:"tools"`
	Endpoint string   `yaml:"endpoint,omitempty"`
}

type IntegrationsConfig struct {
	GraphEngine GraphEngineConfig `yaml:"graph_engine"`
	Automation  AutomationConfig  `yaml:"automation"`
}

// GraphEngineConfig points at the external workflow-graph engine. An empty
// URL selects the built-in sequential engine.
type GraphEngineConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token,omitempty"`
	StepDelay int    `yaml:"step_delay"`
}

// AutomationConfig points at the automation-trigger service. An empty URL
// selects a no-op client that only records trigger names.
type AutomationConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key,omitempty"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BasePath       string   `yaml:"base_path"`
	JWTSecret      string   `yaml:"jwt_secret,omitempty"`
	APIKeys        []string `yaml:"api_keys,omitempty"`
	AllowAnonymous bool     `yaml:"allow_anonymous"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebhookConfig describes one outbound event subscription. Archived events
// matching the filter are posted to the URL in journal order.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// ArchiveConfig locates the history journal database. An empty path disables
// archiving entirely.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Build constructs a zap logger from the logging section.
func (c LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with maestro config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "maestro.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration: the four stock phases and the
// ten-agent fleet.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Orchestrator.HealthCheckInterval <= 0 {
		return fmt.Errorf("config.orchestrator.health_check_interval must be positive")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases is required")
	}
	seen := map[string]bool{}
	for _, phase := range c.Phases {
		if phase == "" {
			return fmt.Errorf("config.phases contains an empty phase name")
		}
		if seen[phase] {
			return fmt.Errorf("config.phases contains duplicate phase %s", phase)
		}
		seen[phase] = true
	}
	ids := map[string]bool{}
	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("config.agents[%d] has no id", i)
		}
		if ids[agent.ID] {
			return fmt.Errorf("config.agents contains duplicate id %s", agent.ID)
		}
		ids[agent.ID] = true
		if !seen[agent.Phase] {
			return fmt.Errorf("agent %s references unknown phase %s", agent.ID, agent.Phase)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port %d out of range", c.Server.Port)
	}
	if !c.Server.AllowAnonymous && c.Server.JWTSecret == "" && len(c.Server.APIKeys) == 0 {
		return fmt.Errorf("config.server needs a jwt_secret or api_keys unless allow_anonymous is set")
	}
	if c.Integrations.GraphEngine.StepDelay < 0 {
		return fmt.Errorf("config.integrations.graph_engine.step_delay must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config.logging.level %q invalid", c.Logging.Level)
	}
	return nil
}

const defaultTemplate = `orchestrator:
  health_check_interval: 30
  metrics_enabled: true

phases:
  - research_fact_gathering
  - content_creation
  - development_prototyping
  - refinement_organization

agents:
  - id: grok
    phase: research_fact_gathering
    tools: [search, analysis]
  - id: gemini
    phase: research_fact_gathering
    tools: [search, analysis]
  - id: perplexity
    phase: research_fact_gathering
    tools: [search, analysis]
  - id: claude
    phase: content_creation
    tools: [writing, analysis]
  - id: notion
    phase: content_creation
    tools: [documentation, organization]
  - id: elevenlabs
    phase: content_creation
    tools: [audio, voice]
  - id: vscode
    phase: development_prototyping
    tools: [coding, editing]
  - id: copilot
    phase: development_prototyping
    tools: [coding, assistance]
  - id: github_actions
    phase: development_prototyping
    tools: [ci_cd, automation]
  - id: vercel
    phase: refinement_organization
    tools: [deployment, hosting]

integrations:
  graph_engine:
    # External workflow-graph engine. Leave empty to run the built-in
    # sequential engine.
    url: ""
    step_delay: 1
  automation:
    # Automation-trigger service, e.g. http://localhost:5678
    url: ""
    api_key: ""

server:
  host: localhost
  port: 8000
  base_path: /api/v1
  allow_anonymous: true

archive:
  path: maestro.db

logging:
  level: info
  format: json
`
