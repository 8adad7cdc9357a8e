package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	FileName  = "specforge.yml"
	EnvPrefix = "SPECFORGE_"
)

// Config models specforge.yml.
type Config struct {
	Server        ServerConfig    `koanf:"server" yaml:"server"`
	Auth          AuthConfig      `koanf:"auth" yaml:"auth"`
	Timeouts      Timeouts        `koanf:"timeouts" yaml:"timeouts"`
	Build         BuildConfig     `koanf:"build" yaml:"build"`
	LLM           LLMConfig       `koanf:"llm" yaml:"llm"`
	Collaborators Collaborators   `koanf:"collaborators" yaml:"collaborators"`
	Interview     InterviewConfig `koanf:"interview" yaml:"interview"`
	Telemetry     Telemetry       `koanf:"telemetry" yaml:"telemetry"`
	Webhooks      []WebhookConfig `koanf:"webhooks" yaml:"webhooks"`
}

type ServerConfig struct {
	Addr           string        `koanf:"addr" yaml:"addr"`
	BasePath       string        `koanf:"base_path" yaml:"base_path"`
	RequestTimeout time.Duration `koanf:"request_timeout" yaml:"request_timeout"`
}

type AuthConfig struct {
	JWTSecret        string `koanf:"jwt_secret" yaml:"jwt_secret"`
	AllowActorHeader bool   `koanf:"allow_actor_header" yaml:"allow_actor_header"`
}

// Timeouts bounds each collaborator call made by an orchestrator. Zero
// disables the bound for that call.
type Timeouts struct {
	CreateDraft  time.Duration `koanf:"create_draft" yaml:"create_draft"`
	Interview    time.Duration `koanf:"interview" yaml:"interview"`
	Chat         time.Duration `koanf:"chat" yaml:"chat"`
	Finalize     time.Duration `koanf:"finalize" yaml:"finalize"`
	BuildTrigger time.Duration `koanf:"build_trigger" yaml:"build_trigger"`
}

type BuildConfig struct {
	// Command receives the document on stdin; each output line becomes a log message.
	// Empty runs the built-in scaffold planner.
	Command         []string `koanf:"command" yaml:"command"`
	Dir             string   `koanf:"dir" yaml:"dir"`
	Instruction     string   `koanf:"instruction" yaml:"instruction"`
	MaxStreamErrors int      `koanf:"max_stream_errors" yaml:"max_stream_errors"`
	Workers         int      `koanf:"workers" yaml:"workers"`
}

type LLMConfig struct {
	Provider  string `koanf:"provider" yaml:"provider"`
	Model     string `koanf:"model" yaml:"model"`
	APIKey    string `koanf:"api_key" yaml:"api_key"`
	MaxTokens int    `koanf:"max_tokens" yaml:"max_tokens"`
}

// Collaborators selects where the interview engine, generator and build
// service live. "local" runs them in-process over the workspace database,
// "remote" talks to another specforge server.
type Collaborators struct {
	Mode    string `koanf:"mode" yaml:"mode"`
	BaseURL string `koanf:"base_url" yaml:"base_url"`
	APIKey  string `koanf:"api_key" yaml:"api_key"`
}

type InterviewConfig struct {
	// Questions overrides the built-in question text per phase.
	Questions map[string]string `koanf:"questions" yaml:"questions"`
}

type Telemetry struct {
	Tracing     bool   `koanf:"tracing" yaml:"tracing"`
	ServiceName string `koanf:"service_name" yaml:"service_name"`
}

type WebhookConfig struct {
	URL            string   `koanf:"url" yaml:"url"`
	Events         []string `koanf:"events" yaml:"events"`
	Secret         string   `koanf:"secret" yaml:"secret"`
	Enabled        *bool    `koanf:"enabled" yaml:"enabled"`
	TimeoutSeconds int      `koanf:"timeout_seconds" yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"create_draft":  c.Timeouts.CreateDraft,
		"interview":     c.Timeouts.Interview,
		"chat":          c.Timeouts.Chat,
		"finalize":      c.Timeouts.Finalize,
		"build_trigger": c.Timeouts.BuildTrigger,
	} {
		if d < 0 {
			return fmt.Errorf("config.timeouts.%s must not be negative", name)
		}
	}
	if c.Build.MaxStreamErrors < 0 {
		return fmt.Errorf("config.build.max_stream_errors must not be negative")
	}
	if c.Build.Workers < 0 {
		return fmt.Errorf("config.build.workers must not be negative")
	}
	switch c.LLM.Provider {
	case "", "none", "anthropic", "openai":
	default:
		return fmt.Errorf("config.llm.provider %q is not supported", c.LLM.Provider)
	}
	switch c.Collaborators.Mode {
	case "", "local":
	case "remote":
		if strings.TrimSpace(c.Collaborators.BaseURL) == "" {
			return fmt.Errorf("config.collaborators.base_url is required in remote mode")
		}
	default:
		return fmt.Errorf("config.collaborators.mode must be local or remote")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Remote reports whether collaborators are reached over HTTP.
func (c *Config) Remote() bool {
	return c.Collaborators.Mode == "remote"
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yamlv3.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Load layers the workspace config file (if any) and SPECFORGE_ environment
// variables over the defaults. Nested env keys use a double underscore,
// e.g. SPECFORGE_TIMEOUTS__CHAT=45s.
func Load(workspace string) (*Config, error) {
	return LoadFile(Path(workspace))
}

// LoadFile is Load for an explicit config path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// FromYAML parses and validates config from raw YAML bytes over the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yamlv3.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  request_timeout: 2m

auth:
  jwt_secret: ""
  allow_actor_header: true

timeouts:
  create_draft: 10s
  interview: 45s
  chat: 60s
  finalize: 3m
  build_trigger: 20s

build:
  command: []
  instruction: "Build the website described in this document."
  max_stream_errors: 3
  workers: 2

llm:
  provider: none
  model: ""
  max_tokens: 4096

collaborators:
  mode: local

telemetry:
  tracing: false
  service_name: specforge

webhooks: []
`
