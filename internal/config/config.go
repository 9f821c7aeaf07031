package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/workers"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Reasoning ReasoningConfig  `json:"reasoning"`
	Engine    EngineConfig     `json:"engine"`
	Bus       BusConfig        `json:"bus"`
	Database  DatabaseConfig   `json:"database"`
	Knowledge KnowledgeConfig  `json:"knowledge"`
	Agents    []AgentConfig    `json:"agents"`
	RateLimit RateLimitConfig  `json:"rate_limit"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Model    string            `json:"model"`
	Timeout  Duration          `json:"timeout"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// ReasoningConfig selects the provider behind the reasoning collaborator.
// Fallbacks are tried in order when the primary provider fails.
type ReasoningConfig struct {
	Provider  string   `json:"provider"`
	Fallbacks []string `json:"fallbacks,omitempty"`
	Model     string   `json:"model"`
	MaxTokens int      `json:"max_tokens"`
	Timeout   Duration `json:"timeout"`
}

type EngineConfig struct {
	MaxConcurrency       int      `json:"max_concurrency"`
	GlobalConcurrency    int      `json:"global_concurrency"`
	SessionTimeout       Duration `json:"session_timeout"`
	Failover             *bool    `json:"failover"`
	MaxFailover          int      `json:"max_failover"`
	BestEffort           bool     `json:"best_effort"`
	BusyPenalty          float64  `json:"busy_penalty"`
	SynthesisTimeout     Duration `json:"synthesis_timeout"`
	DecompositionTimeout Duration `json:"decomposition_timeout"`
	MaxSubtasks          int      `json:"max_subtasks"`
	FallbackCapability   string   `json:"fallback_capability"`
	EventBuffer          int      `json:"event_buffer"`
}

// FailoverEnabled reports the failover switch, which defaults to on.
func (e EngineConfig) FailoverEnabled() bool {
	return e.Failover == nil || *e.Failover
}

type BusConfig struct {
	Kind        string `json:"kind"`
	MailboxSize int    `json:"mailbox_size"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// KnowledgeConfig picks the knowledge store backend: memory, redis or postgres.
type KnowledgeConfig struct {
	Kind string `json:"kind"`
}

type AgentConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities"`
}

type RateLimitConfig struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x) * time.Second)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Reasoning.Timeout == 0 {
		c.Reasoning.Timeout = Duration(60 * time.Second)
	}
	e := &c.Engine
	if e.GlobalConcurrency == 0 {
		e.GlobalConcurrency = 64
	}
	if e.SessionTimeout == 0 {
		e.SessionTimeout = Duration(5 * time.Minute)
	}
	if e.MaxFailover == 0 {
		e.MaxFailover = 1
	}
	if e.BusyPenalty == 0 {
		e.BusyPenalty = 0.5
	}
	if e.SynthesisTimeout == 0 {
		e.SynthesisTimeout = Duration(30 * time.Second)
	}
	if e.DecompositionTimeout == 0 {
		e.DecompositionTimeout = Duration(60 * time.Second)
	}
	if e.MaxSubtasks == 0 {
		e.MaxSubtasks = 16
	}
	if e.EventBuffer == 0 {
		e.EventBuffer = 256
	}
	if c.Bus.Kind == "" {
		c.Bus.Kind = "local"
	}
	if c.Bus.MailboxSize == 0 {
		c.Bus.MailboxSize = 64
	}
	if c.Knowledge.Kind == "" {
		c.Knowledge.Kind = "memory"
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	for i := range c.Agents {
		if c.Agents[i].Name == "" {
			c.Agents[i].Name = c.Agents[i].ID
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.MaxConcurrency < 0 || e.GlobalConcurrency < 0 || e.MaxFailover < 0 || e.MaxSubtasks < 0 {
		errs = append(errs, errors.New("engine: limits must not be negative"))
	}
	if e.BusyPenalty < 0 || e.BusyPenalty > 1 {
		errs = append(errs, fmt.Errorf("engine: busy_penalty %.2f out of [0,1]", e.BusyPenalty))
	}
	if e.SessionTimeout < 0 || e.SynthesisTimeout < 0 || e.DecompositionTimeout < 0 {
		errs = append(errs, errors.New("engine: timeouts must not be negative"))
	}
	switch c.Bus.Kind {
	case "local":
	case "redis":
		if c.Database.Redis.URL == "" {
			errs = append(errs, errors.New("bus: redis bus needs database.redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus: unknown kind %q", c.Bus.Kind))
	}
	switch c.Knowledge.Kind {
	case "memory":
	case "redis":
		if c.Database.Redis.URL == "" {
			errs = append(errs, errors.New("knowledge: redis store needs database.redis.url"))
		}
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("knowledge: postgres store needs database.postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("knowledge: unknown kind %q", c.Knowledge.Kind))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit: values must not be negative"))
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, errors.New("providers: missing id"))
			continue
		}
		providers[p.ID] = true
	}
	for _, id := range append([]string{c.Reasoning.Provider}, c.Reasoning.Fallbacks...) {
		if id != "" && !providers[id] {
			errs = append(errs, fmt.Errorf("reasoning: unknown provider %q", id))
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, errors.New("agents: missing id"))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agents: duplicate id %q", a.ID))
		case !workers.KnownKind(a.Kind):
			errs = append(errs, fmt.Errorf("agents: %s has unknown kind %q", a.ID, a.Kind))
		}
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}
