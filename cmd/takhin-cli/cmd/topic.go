// =============================================================================
// TOPIC COMMANDS - MANAGE TOPICS
// =============================================================================
//
// COMMANDS:
//   takhin-cli topic list              List all topics
//   takhin-cli topic create <name>     Create a new topic
//   takhin-cli topic describe <name>   Show topic details
//   takhin-cli topic delete <name>     Delete a topic
//
// EXAMPLES:
//   takhin-cli topic create orders --partitions 6
//   takhin-cli topic list -o json
//   takhin-cli topic describe orders
//   takhin-cli topic delete old-topic
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"

	"takhin/internal/cli"
)

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Manage topics",
	Long: `Manage topics on the takhin broker.

Topics are the primary unit of organization. Each topic is split into
partitions, and records within a partition are totally ordered by offset.

Examples:
  takhin-cli topic list                     # List all topics
  takhin-cli topic create orders -p 6       # Create topic with 6 partitions
  takhin-cli topic describe orders          # Show topic details
  takhin-cli topic delete old-topic         # Delete a topic`,
}

func init() {
	topicCmd.AddCommand(topicListCmd)
	topicCmd.AddCommand(topicCreateCmd)
	topicCmd.AddCommand(topicDescribeCmd)
	topicCmd.AddCommand(topicDeleteCmd)
}

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		topics, err := brokerClient.ListTopics(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatTopics(topics)
	},
}

var topicCreatePartitions int

var topicCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new topic",
	Long: `Create a new topic with the given partition count.

Examples:
  takhin-cli topic create orders           # Create with broker default
  takhin-cli topic create orders -p 6      # Create with 6 partitions`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		topic, err := brokerClient.CreateTopic(ctx, args[0], topicCreatePartitions, nil)
		if err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Created topic %q with %d partition(s)", topic.Name, topic.PartitionCount)
		return nil
	},
}

func init() {
	topicCreateCmd.Flags().IntVarP(&topicCreatePartitions, "partitions", "p", 1,
		"Number of partitions")
}

var topicDescribeCmd = &cobra.Command{
	Use:   "describe <name>",
	Short: "Show topic details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		topic, err := brokerClient.GetTopic(ctx, args[0])
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatTopicDetail(topic)
	},
}

var topicDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		if err := brokerClient.DeleteTopic(ctx, args[0]); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Deleted topic %q", args[0])
		return nil
	},
}
