// Package config defines the yaml-shaped configuration for the runtime:
// agents, tools, MCP servers, policies, routing, and storage. Types carry
// SetDefaults/Validate methods; the loader expands ${ENV} references and
// honors a .env file when present.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageConfig selects the conversation store backend.
type StorageConfig struct {
	// Backend: memory (default), sqlite, postgres.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=sqlite,enum=postgres,default=memory"`
	// Path is the database file for sqlite.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// DSN is the connection string for postgres.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"default=8080"`
}

// Config is the root configuration document.
type Config struct {
	Agents    []AgentConfig     `yaml:"agents,omitempty" json:"agents,omitempty"`
	MCP       []MCPServerConfig `yaml:"mcp,omitempty" json:"mcp,omitempty"`
	Policies  PolicyBundle      `yaml:"policies,omitempty" json:"policies,omitempty"`
	Intents   []IntentConfig    `yaml:"intents,omitempty" json:"intents,omitempty"`
	Pipelines []PipelineConfig  `yaml:"pipelines,omitempty" json:"pipelines,omitempty"`
	Router    RouterConfig      `yaml:"router,omitempty" json:"router,omitempty"`
	Storage   StorageConfig     `yaml:"storage,omitempty" json:"storage,omitempty"`
	Server    ServerConfig      `yaml:"server,omitempty" json:"server,omitempty"`

	Tracing struct {
		Enabled      bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
		ExporterType string  `yaml:"exporter_type,omitempty" json:"exporter_type,omitempty"`
		EndpointURL  string  `yaml:"endpoint_url,omitempty" json:"endpoint_url,omitempty"`
		SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty"`
	} `yaml:"tracing,omitempty" json:"tracing,omitempty"`

	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with environment values. Unknown
// variables expand to the empty string.
func ExpandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, parses, defaults, and validates a config file.
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(ExpandEnv(raw))
}

// Parse decodes a config document from yaml.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) SetDefaults() {
	for i := range c.Agents {
		c.Agents[i].SetDefaults()
	}
	for i := range c.MCP {
		c.MCP[i].SetDefaults()
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Router.SemanticThreshold == 0 {
		c.Router.SemanticThreshold = 0.6
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	agentIDs := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if err := a.Validate(); err != nil {
			return err
		}
		if agentIDs[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		agentIDs[a.ID] = true
	}

	serverIDs := make(map[string]bool, len(c.MCP))
	for _, s := range c.MCP {
		if err := s.Validate(); err != nil {
			return err
		}
		if serverIDs[s.ID] {
			return fmt.Errorf("duplicate mcp server id %q", s.ID)
		}
		serverIDs[s.ID] = true
	}

	intentIDs := make(map[string]bool, len(c.Intents))
	for _, in := range c.Intents {
		if err := in.Validate(); err != nil {
			return err
		}
		if intentIDs[in.ID] {
			return fmt.Errorf("duplicate intent id %q", in.ID)
		}
		intentIDs[in.ID] = true
	}

	for _, p := range c.Pipelines {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	if err := c.Policies.Validate(intentIDs, agentIDs); err != nil {
		return fmt.Errorf("policies: %w", err)
	}

	if c.Router.DefaultAgent != "" && !agentIDs[c.Router.DefaultAgent] {
		return fmt.Errorf("router default_agent %q is not a configured agent", c.Router.DefaultAgent)
	}

	return nil
}
