package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentbridge/internal/auth"
	"agentbridge/internal/config"
	"agentbridge/internal/gateway"
	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"
	"agentbridge/internal/registry"

	"github.com/spf13/cobra"
)

func NewGatewayCmd() *cobra.Command {
	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Connection gateway (runs in the cloud)",
	}
	gatewayCmd.AddCommand(newGatewayServeCmd())
	gatewayCmd.AddCommand(newGatewayTokenCmd())
	return gatewayCmd
}

type gatewayFlags struct {
	listen         string
	wsPath         string
	platformSecret string
	jwtSecret      string
	instanceID     string
	redisURL       string
	insecure       bool
}

// apply overrides cfg with the flags the user set explicitly.
func (f *gatewayFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("listen", &cfg.Gateway.Listen, f.listen)
	set("ws-path", &cfg.Gateway.WSPath, f.wsPath)
	set("platform-secret", &cfg.Gateway.PlatformSecret, f.platformSecret)
	set("jwt-secret", &cfg.Gateway.JWTSecret, f.jwtSecret)
	set("instance-id", &cfg.Gateway.InstanceID, f.instanceID)
	set("redis-url", &cfg.Gateway.RedisURL, f.redisURL)
	if cmd.Flags().Changed("insecure") {
		cfg.Gateway.Insecure = f.insecure
	}
}

func newGatewayServeCmd() *cobra.Command {
	var flags gatewayFlags

	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the connection gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if err := cfg.ValidateGateway(); err != nil {
				return err
			}
			return runGateway(ctx, cfg.Gateway)
		},
	}
	c.Flags().StringVar(&flags.listen, "listen", gateway.DefaultListenAddr, "listen address")
	c.Flags().StringVar(&flags.wsPath, "ws-path", gateway.DefaultWSPath, "websocket path for agent connections")
	c.Flags().StringVar(&flags.platformSecret, "platform-secret", "", "shared secret for the HTTP API (X-Platform-Secret)")
	c.Flags().StringVar(&flags.jwtSecret, "jwt-secret", "", "HMAC secret for agent JWTs")
	c.Flags().StringVar(&flags.instanceID, "instance-id", "", "gateway instance id (default: auto)")
	c.Flags().StringVar(&flags.redisURL, "redis-url", "", "redis URL for the shared agent registry (default: in-memory)")
	c.Flags().BoolVar(&flags.insecure, "insecure", false, "accept any agent when no jwt secret or agent tokens are configured")
	return c
}

// errNoAgentAuth is returned by gateway serve when agents could register
// without credentials and --insecure was not given.
var errNoAgentAuth = errors.New("no agent credentials configured: set gateway.jwt_secret or gateway.agent_tokens, or pass --insecure")

func runGateway(ctx context.Context, cfg config.GatewayConfig) error {
	logger := logging.FromContext(ctx)

	if !cfg.HasAgentCredentials() && !cfg.Insecure {
		return errNoAgentAuth
	}

	store, closeStore, err := newRegistryStore(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := gateway.New(gateway.Options{
		ListenAddr:      cfg.Listen,
		WSPath:          cfg.WSPath,
		PlatformSecret:  cfg.PlatformSecret,
		InstanceID:      cfg.InstanceID,
		RegistryTTL:     cfg.RegistryTTL,
		RelayDeadline:   cfg.RelayDeadline,
		RegisterTimeout: cfg.RegisterTimeout,
		AllowOrigin:     cfg.AllowOrigin,
	}, store, newValidator(cfg), logger)
	return srv.Run(ctx)
}

func newRegistryStore(ctx context.Context, redisURL string) (registry.Store, func(), error) {
	logger := logging.FromContext(ctx)
	if redisURL == "" {
		logger.Info("using in-memory agent registry")
		return registry.NewMemoryStore(), func() {}, nil
	}

	client, err := registry.NewRedisClient(redisURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("using redis agent registry")
	store := registry.NewRedisStore(client, "")
	return store, func() { _ = store.Close() }, nil
}

// newValidator returns nil when no credentials are configured, which lets
// any agent register. runGateway only allows that with --insecure.
func newValidator(cfg config.GatewayConfig) auth.Validator {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		chain = append(chain, auth.NewJWTValidator(cfg.JWTSecret))
	}
	if len(cfg.AgentTokens) > 0 {
		chain = append(chain, auth.NewStaticValidator(cfg.AgentTokens))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

func newGatewayTokenCmd() *cobra.Command {
	var agentID string
	var subject string
	var jwtSecret string
	var ttl time.Duration

	c := &cobra.Command{
		Use:   "token",
		Short: "Issue an agent JWT signed with the gateway secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := protocol.ValidateIdentity(agentID); err != nil {
				return err
			}
			if !cmd.Flags().Changed("jwt-secret") {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				jwtSecret = cfg.Gateway.JWTSecret
			}
			if jwtSecret == "" {
				return errors.New("gateway.jwt_secret is not configured")
			}
			if subject == "" {
				subject = agentID
			}
			token, err := auth.NewJWTValidator(jwtSecret).Issue(subject, agentID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	c.Flags().StringVar(&agentID, "agent-id", "", "agent id the token is issued for")
	c.Flags().StringVar(&subject, "subject", "", "token subject (default: agent id)")
	c.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret (default: gateway.jwt_secret)")
	c.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return c
}
