package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentbridge/internal/adapter"
	"agentbridge/internal/bridgeclient"
	"agentbridge/internal/config"
	"agentbridge/internal/logging"
	"agentbridge/internal/mcpserver"
	"agentbridge/internal/session"

	"github.com/fatih/color"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

func NewAgentCmd() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Bridge agent (runs on user machines)",
	}
	agentCmd.AddCommand(newAgentConnectCmd())
	agentCmd.AddCommand(newAgentLoginCmd())
	agentCmd.AddCommand(newAgentStatusCmd())
	agentCmd.AddCommand(newAgentServeMCPCmd())
	return agentCmd
}

type agentFlags struct {
	agentID      string
	project      string
	command      string
	gatewayURL   string
	gatewayToken string
	bridgeURL    string
}

func (f *agentFlags) register(c *cobra.Command, withBridge bool) {
	c.Flags().StringVar(&f.project, "project", "", "project directory the agent works in")
	c.Flags().StringVar(&f.command, "command", "", "override the agent binary")
	c.Flags().StringVar(&f.gatewayURL, "gateway-url", "", "OpenClaw gateway URL (openclaw only)")
	c.Flags().StringVar(&f.gatewayToken, "gateway-token", "", "OpenClaw gateway token (openclaw only)")
	if withBridge {
		c.Flags().StringVar(&f.agentID, "agent-id", "", "agent id registered on the platform")
		c.Flags().StringVar(&f.bridgeURL, "bridge-url", "", "gateway websocket URL")
	}
}

func (f *agentFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("agent-id", &cfg.Agent.ID, f.agentID)
	set("project", &cfg.Agent.Project, f.project)
	set("command", &cfg.Agent.Command, f.command)
	set("gateway-url", &cfg.Agent.OpenClaw.URL, f.gatewayURL)
	set("gateway-token", &cfg.Agent.OpenClaw.Token, f.gatewayToken)
	set("bridge-url", &cfg.Agent.BridgeURL, f.bridgeURL)
}

func adapterConfig(cfg config.AgentConfig, logger logging.Logger) adapter.Config {
	return adapter.Config{
		Command:      cfg.Command,
		WorkDir:      cfg.Project,
		GatewayURL:   cfg.OpenClaw.URL,
		GatewayToken: cfg.OpenClaw.ResolveToken(),
		IdleTimeout:  cfg.IdleTimeout,
		Logger:       logger,
	}
}

// prepareAgent loads config and checks that the backend for agentType is
// usable.
func prepareAgent(ctx context.Context, cmd *cobra.Command, flags *agentFlags, agentType string, validate func(*config.Config) error) (*config.Config, *session.Pool, error) {
	logger := logging.FromContext(ctx)

	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	flags.apply(cmd, cfg)
	if err := validate(cfg); err != nil {
		return nil, nil, err
	}

	acfg := adapterConfig(cfg.Agent, logger)
	logger.Info("checking agent availability", "agent_type", agentType)
	if err := adapter.Probe(ctx, agentType, acfg); err != nil {
		return nil, nil, err
	}

	pool := session.NewPool(func(sessionID string) (adapter.Handle, error) {
		return adapter.New(agentType, sessionID, acfg)
	}, session.WithLogger(logger))
	return cfg, pool, nil
}

func newAgentConnectCmd() *cobra.Command {
	var flags agentFlags

	c := &cobra.Command{
		Use:   "connect <type>",
		Short: "Connect a local agent to the gateway (" + strings.Join(adapter.Types(), ", ") + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := logging.FromContext(ctx)

			agentType := adapter.Normalize(args[0])
			cfg, pool, err := prepareAgent(ctx, cmd, &flags, agentType, (*config.Config).ValidateAgent)
			if err != nil {
				return err
			}
			defer pool.Clear()

			client := bridgeclient.New(bridgeclient.Options{
				GatewayURL:        cfg.Agent.BridgeURL,
				AgentID:           cfg.Agent.ID,
				Token:             cfg.Agent.Token,
				AgentType:         agentType,
				HeartbeatInterval: cfg.Agent.HeartbeatInterval,
				ReconnectInitial:  cfg.Agent.ReconnectInitial,
				ReconnectMax:      cfg.Agent.ReconnectMax,
			}, pool)

			logger.Info("agent bridge running, press Ctrl+C to stop",
				"agent_id", cfg.Agent.ID,
				"agent_type", agentType,
				"bridge_url", cfg.Agent.BridgeURL,
			)
			if err := client.Run(ctx); err != nil {
				return err
			}
			logger.Info("shutting down", "active_sessions", pool.Len())
			return nil
		},
	}
	flags.register(c, true)
	return c
}

func newAgentServeMCPCmd() *cobra.Command {
	var flags agentFlags

	c := &cobra.Command{
		Use:   "serve-mcp <type>",
		Short: "Run the local agent as a stdio MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			agentType := adapter.Normalize(args[0])
			_, pool, err := prepareAgent(ctx, cmd, &flags, agentType, (*config.Config).ValidateForMCPServe)
			if err != nil {
				return err
			}
			defer pool.Clear()

			srv := mcpserver.NewSessionServer(logging.FromContext(ctx), pool, agentType)
			return srv.Run(ctx, &sdk.StdioTransport{})
		},
	}
	flags.register(c, false)
	return c
}

func newAgentLoginCmd() *cobra.Command {
	var token string
	var agentID string

	c := &cobra.Command{
		Use:   "login",
		Short: "Store the agent token in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("--token is required")
			}
			path := config.ConfigPath(config.LoadOptions{ConfigFile: GetConfigFileFlag()})
			if err := config.SaveToken(path, agentID, token); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s token saved to %s\n", color.GreenString("✓"), path)
			return err
		},
	}
	c.Flags().StringVar(&token, "token", "", "agent token issued by the platform")
	c.Flags().StringVar(&agentID, "agent-id", "", "agent id to store alongside the token")
	return c
}

type agentStatus struct {
	Online         bool       `json:"online"`
	AgentType      string     `json:"agent_type"`
	Capabilities   []string   `json:"capabilities"`
	ConnectedAt    *time.Time `json:"connected_at"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
	ActiveSessions int        `json:"active_sessions"`
}

func newAgentStatusCmd() *cobra.Command {
	var agentID string
	var bridgeURL string
	var platformSecret string

	c := &cobra.Command{
		Use:   "status",
		Short: "Ask the gateway whether the agent is online",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("agent-id") {
				cfg.Agent.ID = agentID
			}
			if cmd.Flags().Changed("bridge-url") {
				cfg.Agent.BridgeURL = bridgeURL
			}
			if cmd.Flags().Changed("platform-secret") {
				cfg.Agent.PlatformSecret = platformSecret
			}
			if cfg.Agent.ID == "" {
				return errors.New("agent id is required (--agent-id or agent.id)")
			}

			st, err := fetchStatus(cmd.Context(), cfg.Agent)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), cfg.Agent.ID, st)
		},
	}
	c.Flags().StringVar(&agentID, "agent-id", "", "agent id (default: agent.id)")
	c.Flags().StringVar(&bridgeURL, "bridge-url", "", "gateway websocket URL (default: agent.bridge_url)")
	c.Flags().StringVar(&platformSecret, "platform-secret", "", "X-Platform-Secret for the gateway API")
	return c
}

func fetchStatus(ctx context.Context, cfg config.AgentConfig) (*agentStatus, error) {
	statusURL, err := cfg.StatusURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}
	if cfg.PlatformSecret != "" {
		req.Header.Set("X-Platform-Secret", cfg.PlatformSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return nil, fmt.Errorf("gateway returned %d %s: %s", resp.StatusCode, e.Error, e.Message)
	}
	var st agentStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func printStatus(w io.Writer, agentID string, st *agentStatus) error {
	if !st.Online {
		_, err := fmt.Fprintf(w, "%s %s\n", agentID, color.RedString("offline"))
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", agentID, color.GreenString("online"))
	fmt.Fprintf(&b, "  type:            %s\n", st.AgentType)
	fmt.Fprintf(&b, "  capabilities:    %s\n", strings.Join(st.Capabilities, ", "))
	if st.ConnectedAt != nil {
		fmt.Fprintf(&b, "  connected at:    %s\n", st.ConnectedAt.Format(time.RFC3339))
	}
	if st.LastHeartbeat != nil {
		fmt.Fprintf(&b, "  last heartbeat:  %s\n", st.LastHeartbeat.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "  active sessions: %d\n", st.ActiveSessions)
	_, err := io.WriteString(w, b.String())
	return err
}
