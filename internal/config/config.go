package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentbridge/internal/protocol"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "AGENT_BRIDGE"

	DefaultBridgeURL = "ws://127.0.0.1:8787/ws"
)

type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Agent   AgentConfig   `mapstructure:"agent"`
}

type GatewayConfig struct {
	Listen     string `mapstructure:"listen"`
	WSPath     string `mapstructure:"ws_path"`
	InstanceID string `mapstructure:"instance_id"`

	// PlatformSecret guards the HTTP API. Empty disables the check.
	PlatformSecret string `mapstructure:"platform_secret"`
	// JWTSecret verifies agent tokens issued by the platform.
	JWTSecret string `mapstructure:"jwt_secret"`
	// AgentTokens maps agent ids to long-lived tokens.
	AgentTokens map[string]string `mapstructure:"agent_tokens"`
	// Insecure lets any agent register when neither JWTSecret nor
	// AgentTokens is set. Development only.
	Insecure bool `mapstructure:"insecure"`

	// RedisURL selects the shared registry; empty keeps it in memory.
	RedisURL string `mapstructure:"redis_url"`

	RegistryTTL     time.Duration `mapstructure:"registry_ttl"`
	RelayDeadline   time.Duration `mapstructure:"relay_deadline"`
	RegisterTimeout time.Duration `mapstructure:"register_timeout"`
	AllowOrigin     string        `mapstructure:"allow_origin"`
}

type AgentConfig struct {
	ID        string `mapstructure:"id"`
	Token     string `mapstructure:"token"`
	BridgeURL string `mapstructure:"bridge_url"`

	// PlatformSecret is only needed by `agent status`.
	PlatformSecret string `mapstructure:"platform_secret"`

	Project     string        `mapstructure:"project"`
	Command     string        `mapstructure:"command"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	OpenClaw OpenClawConfig `mapstructure:"openclaw"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectInitial  time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
}

type OpenClawConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	// ConfigPath is OpenClaw's own config, read for the token when Token is
	// empty.
	ConfigPath string `mapstructure:"config_path"`
}

type LoadOptions struct {
	ConfigFile string
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agent-bridge", "config.yaml")
	}
	return filepath.Join(home, ".agent-bridge", "config.yaml")
}

// ConfigPath resolves the file Load reads and SaveToken writes.
func ConfigPath(opts LoadOptions) string {
	if opts.ConfigFile != "" {
		return opts.ConfigFile
	}
	return DefaultConfigPath()
}

var defaults = map[string]any{
	"gateway.listen":           ":8787",
	"gateway.ws_path":          "/ws",
	"gateway.instance_id":      "",
	"gateway.platform_secret":  "",
	"gateway.jwt_secret":       "",
	"gateway.insecure":         false,
	"gateway.redis_url":        "",
	"gateway.registry_ttl":     "300s",
	"gateway.relay_deadline":   "120s",
	"gateway.register_timeout": "10s",
	"gateway.allow_origin":     "*",

	"agent.id":                   "",
	"agent.token":                "",
	"agent.bridge_url":           DefaultBridgeURL,
	"agent.platform_secret":      "",
	"agent.project":              "",
	"agent.command":              "",
	"agent.idle_timeout":         "5m",
	"agent.openclaw.url":         "",
	"agent.openclaw.token":       "",
	"agent.openclaw.config_path": "",
	"agent.heartbeat_interval":   "30s",
	"agent.reconnect_initial":    "1s",
	"agent.reconnect_max":        "60s",
}

// Load reads the YAML config file, then AGENT_BRIDGE_* environment variables
// (e.g. AGENT_BRIDGE_GATEWAY_PLATFORM_SECRET). A missing file is not an
// error.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetConfigFile(ConfigPath(opts))
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// HasAgentCredentials reports whether the gateway can authenticate agents.
func (g GatewayConfig) HasAgentCredentials() bool {
	return g.JWTSecret != "" || len(g.AgentTokens) > 0
}

func (c *Config) ValidateGateway() error {
	if c == nil {
		return errors.New("config is nil")
	}
	g := c.Gateway
	if g.Listen == "" {
		return errors.New("gateway.listen is required")
	}
	if !strings.HasPrefix(g.WSPath, "/") {
		return errors.New("gateway.ws_path must start with /")
	}
	if g.RegistryTTL <= 0 {
		return errors.New("gateway.registry_ttl must be > 0")
	}
	if g.RelayDeadline <= 0 {
		return errors.New("gateway.relay_deadline must be > 0")
	}
	if g.RegisterTimeout <= 0 {
		return errors.New("gateway.register_timeout must be > 0")
	}
	if g.RedisURL != "" {
		u, err := url.Parse(g.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("gateway.redis_url must be a redis:// or rediss:// url")
		}
	}
	for id := range g.AgentTokens {
		if err := protocol.ValidateIdentity(id); err != nil {
			return fmt.Errorf("gateway.agent_tokens: %w", err)
		}
	}
	return nil
}

func (c *Config) ValidateAgent() error {
	if c == nil {
		return errors.New("config is nil")
	}
	a := c.Agent
	if err := protocol.ValidateIdentity(a.ID); err != nil {
		return fmt.Errorf("agent.id: %w", err)
	}
	if a.Token == "" {
		return errors.New("agent.token is required (run `bridge agent login`)")
	}
	u, err := url.Parse(a.BridgeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("agent.bridge_url must be a ws:// or wss:// url, got %q", a.BridgeURL)
	}
	if a.HeartbeatInterval <= 0 {
		return errors.New("agent.heartbeat_interval must be > 0")
	}
	if a.ReconnectInitial <= 0 {
		return errors.New("agent.reconnect_initial must be > 0")
	}
	if a.ReconnectMax < a.ReconnectInitial {
		return errors.New("agent.reconnect_max must be >= agent.reconnect_initial")
	}
	return c.ValidateForMCPServe()
}

// ValidateForMCPServe validates the subset of config required to run the
// agent as a local stdio MCP server, without a gateway.
func (c *Config) ValidateForMCPServe() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Agent.IdleTimeout <= 0 {
		return errors.New("agent.idle_timeout must be > 0")
	}
	if c.Agent.Project != "" {
		info, err := os.Stat(c.Agent.Project)
		if err != nil {
			return fmt.Errorf("agent.project: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("agent.project: %s is not a directory", c.Agent.Project)
		}
	}
	return nil
}

// StatusURL derives the gateway's HTTP base from the agent's websocket url.
func (a AgentConfig) StatusURL() (string, error) {
	u, err := url.Parse(a.BridgeURL)
	if err != nil {
		return "", fmt.Errorf("parse bridge url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported bridge url scheme %q", u.Scheme)
	}
	u.Path = "/api/agents/" + url.PathEscape(a.ID) + "/status"
	u.RawQuery = ""
	return u.String(), nil
}
