// =============================================================================
// PRODUCE COMMAND - PUBLISH MESSAGES
// =============================================================================
//
// USAGE:
//   takhin-cli produce <topic> [flags]
//
// FLAGS:
//   -m, --message      Message value (repeatable)
//   -k, --key          Message key for partition routing
//   -P, --partition    Explicit partition (default: broker picks)
//       --acks         Acknowledgement level: none, leader, all
//       --compression  Value codec: none, gzip, snappy, lz4
//
// Without -m, values are read from stdin, one message per line.
//
// EXAMPLES:
//   takhin-cli produce orders -m '{"id": 1}'
//   takhin-cli produce orders -k user-42 -m "event"
//   cat events.ndjson | takhin-cli produce orders
//
// =============================================================================

package cmd

import (
	"bufio"
	"os"

	"github.com/spf13/cobra"

	"takhin/internal/cli"
	"takhin/pkg/client"
)

var (
	produceMessages    []string
	produceKey         string
	producePartition   int
	produceAcks        string
	produceCompression string
)

var produceCmd = &cobra.Command{
	Use:   "produce <topic>",
	Short: "Publish messages to a topic",
	Long: `Publish messages to a takhin topic.

Keyed messages hash to a stable partition, so all messages for one key keep
their relative order. Without a key or explicit partition the broker spreads
messages round-robin.

Examples:
  takhin-cli produce orders -m '{"id": 1}'
  takhin-cli produce orders -k user-42 -m "created" -m "paid"
  takhin-cli produce orders -P 2 -m "pinned"
  cat events.ndjson | takhin-cli produce orders --acks all`,
	Args: cobra.ExactArgs(1),
	RunE: runProduce,
}

func init() {
	produceCmd.Flags().StringArrayVarP(&produceMessages, "message", "m", nil,
		"Message value (repeatable; stdin when omitted)")
	produceCmd.Flags().StringVarP(&produceKey, "key", "k", "",
		"Message key for partition routing")
	produceCmd.Flags().IntVarP(&producePartition, "partition", "P", -1,
		"Explicit partition (-1 lets the broker pick)")
	produceCmd.Flags().StringVar(&produceAcks, "acks", "",
		"Acknowledgement level: none, leader, all")
	produceCmd.Flags().StringVar(&produceCompression, "compression", "",
		"Value codec: none, gzip, snappy, lz4")
}

func runProduce(cmd *cobra.Command, args []string) error {
	topic := args[0]

	values := produceMessages
	if len(values) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			values = append(values, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return handleError(err)
		}
	}

	var opts []client.ProduceOption
	if produceKey != "" {
		opts = append(opts, client.WithKey(produceKey))
	}
	if producePartition >= 0 {
		opts = append(opts, client.WithPartition(producePartition))
	}
	if produceAcks != "" {
		opts = append(opts, client.WithAcks(produceAcks))
	}
	if produceCompression != "" {
		opts = append(opts, client.WithCompression(produceCompression))
	}

	ctx, cancel := getContext()
	defer cancel()

	for _, v := range values {
		res, err := brokerClient.Produce(ctx, topic, v, opts...)
		if err != nil {
			return handleError(err)
		}
		if err := formatter.FormatProduceResult(res); err != nil {
			return err
		}
	}
	if len(values) > 1 {
		cli.PrintSuccess("Published %d messages to %q", len(values), topic)
	}
	return nil
}
