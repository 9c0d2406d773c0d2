package cmd

import (
	"agentbridge/internal/config"
	"agentbridge/internal/logging"
	"agentbridge/internal/protocol"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Connect local AI agents to the platform through a relay gateway",
		Version:       protocol.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(logging.Options{
				Level:  logLevel,
				Format: logFormat,
				Output: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.agent-bridge/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "color", "log format: color, text, json")

	root.AddCommand(NewGatewayCmd())
	root.AddCommand(NewAgentCmd())
	return root
}

func GetConfigFileFlag() string {
	return configFile
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.LoadOptions{ConfigFile: GetConfigFileFlag()})
}
