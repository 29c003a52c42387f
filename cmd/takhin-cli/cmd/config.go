// =============================================================================
// CONFIG COMMANDS - MANAGE CLI CONFIGURATION
// =============================================================================
//
// COMMANDS:
//   takhin-cli config view                    Show the current configuration
//   takhin-cli config use-context <name>      Switch the active context
//   takhin-cli config set-context <name>      Create or update a context
//   takhin-cli config delete-context <name>   Remove a context
//
// EXAMPLES:
//   takhin-cli config set-context prod --server https://takhin.example.com --api-key k
//   takhin-cli config use-context prod
//   takhin-cli config view -o yaml
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"

	"takhin/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage the takhin-cli configuration file (~/.takhin/config.yaml).

The config file holds named contexts, each pointing at one broker. The
current context supplies the server URL and API key for every command unless
overridden by flags or environment variables.`,
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatContexts(cfg)
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch the active context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return handleError(err)
		}
		if err := cfg.Save(); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Switched to context %q", args[0])
		return nil
	},
}

var (
	setContextServer  string
	setContextAPIKey  string
	setContextTimeout int
)

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		cfg.SetContext(args[0], &cli.ContextConfig{
			Server:  setContextServer,
			APIKey:  setContextAPIKey,
			Timeout: setContextTimeout,
		})
		if cfg.CurrentContext == "" {
			cfg.CurrentContext = args[0]
		}
		if err := cfg.Save(); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Context %q saved", args[0])
		return nil
	},
}

func init() {
	configSetContextCmd.Flags().StringVar(&setContextServer, "server",
		"http://localhost:8080", "Broker server URL")
	configSetContextCmd.Flags().StringVar(&setContextAPIKey, "api-key", "",
		"API key for bearer authentication")
	configSetContextCmd.Flags().IntVar(&setContextTimeout, "timeout", 0,
		"Request timeout in seconds")
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Remove a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return handleError(err)
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return handleError(err)
		}
		if err := cfg.Save(); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Context %q removed", args[0])
		return nil
	},
}
