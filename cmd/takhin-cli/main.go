// =============================================================================
// TAKHIN CLI - MAIN ENTRY POINT
// =============================================================================
//
// The command-line interface for operating a takhin broker from the terminal.
//
// USAGE:
//   takhin-cli [command] [subcommand] [flags]
//
// EXAMPLES:
//   takhin-cli topic list                        # List all topics
//   takhin-cli topic create orders -p 6          # Create topic with 6 partitions
//   takhin-cli produce orders -m "hello world"   # Publish a message
//   takhin-cli consume orders -P 0 --follow      # Consume messages (follow mode)
//   takhin-cli group list                        # List consumer groups
//
// CONFIGURATION:
//   Config file: ~/.takhin/config.yaml
//   Env vars: TAKHIN_SERVER, TAKHIN_CONTEXT, TAKHIN_API_KEY
//
// =============================================================================

package main

import (
	"os"

	"takhin/cmd/takhin-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
