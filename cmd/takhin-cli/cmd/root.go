// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// The root command that initializes the CLI and defines global flags.
// All subcommands inherit these flags and share the client configuration.
//
// GLOBAL FLAGS:
//   --server, -s    Server URL (default: http://localhost:8080)
//   --context, -c   Config context to use
//   --output, -o    Output format: table, json, yaml (default: table)
//   --timeout       Request timeout in seconds (default: 30)
//
// SUBCOMMANDS:
//   topic       Manage topics
//   produce     Publish messages
//   consume     Read messages
//   group       Manage consumer groups
//   config      Manage CLI configuration
//   version     Show version information
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"takhin/internal/cli"
	"takhin/pkg/client"
)

var (
	// Global flags
	serverFlag  string
	contextFlag string
	outputFlag  string
	timeoutFlag int

	// Shared instances
	cliConfig    *cli.Config
	brokerClient *client.Client
	formatter    *cli.Formatter

	// Resolved connection settings, for commands that build their own
	// clients (group-mode consume).
	resolvedServer string
	resolvedAPIKey string
)

var rootCmd = &cobra.Command{
	Use:   "takhin-cli",
	Short: "Command-line interface for the takhin broker",
	Long: `takhin-cli - Manage a takhin broker from the command line.

Takhin is a single-node partitioned log broker featuring:
  • Multi-partition topics with offset-addressed records
  • Consumer groups with range and round-robin assignment
  • Idempotent producers and transactional writes
  • Committed-read isolation for transactional consumers

Use "takhin-cli [command] --help" for more information about a command.`,
	PersistentPreRunE: initializeClient,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "",
		"Server URL (env: TAKHIN_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&contextFlag, "context", "c", "",
		"Config context to use (env: TAKHIN_CONTEXT)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table",
		"Output format: table, json, yaml")
	rootCmd.PersistentFlags().IntVar(&timeoutFlag, "timeout", 30,
		"Request timeout in seconds")

	rootCmd.AddCommand(topicCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// initializeClient sets up the broker client and formatter before each command.
func initializeClient(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}
	formatter = cli.NewFormatter(format)

	// Config commands manage the config file themselves; version works offline.
	if cmd.Name() == "config" || (cmd.Parent() != nil && cmd.Parent().Name() == "config") {
		return nil
	}
	if cmd.Name() == "version" {
		return nil
	}

	cliConfig, err = cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if contextFlag != "" {
		if err := cliConfig.UseContext(contextFlag); err != nil {
			return err
		}
	} else if envCtx := os.Getenv(cli.EnvContext); envCtx != "" {
		if err := cliConfig.UseContext(envCtx); err != nil {
			return err
		}
	}

	resolvedServer = cli.ResolveServer(serverFlag, cliConfig)
	resolvedAPIKey = cli.ResolveAPIKey("", cliConfig)

	cfg := client.DefaultConfig(resolvedServer)
	cfg.APIKey = resolvedAPIKey
	cfg.Timeout = time.Duration(timeoutFlag) * time.Second

	brokerClient, err = client.New(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// getContext returns a context bounded by the --timeout flag.
func getContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(timeoutFlag)*time.Second)
}

// handleError prints an error to stderr and returns it.
func handleError(err error) error {
	cli.PrintError("%v", err)
	return err
}
