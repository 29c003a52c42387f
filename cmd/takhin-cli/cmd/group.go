// =============================================================================
// GROUP COMMANDS - MANAGE CONSUMER GROUPS
// =============================================================================
//
// COMMANDS:
//   takhin-cli group list                 List all consumer groups
//   takhin-cli group describe <group>     Show members, offsets, and lag
//   takhin-cli group delete <group>       Delete a group and its offsets
//   takhin-cli group commit <group>       Commit an offset (standalone)
//   takhin-cli group offset <group>       Show one committed offset
//
// EXAMPLES:
//   takhin-cli group list
//   takhin-cli group describe order-processors
//   takhin-cli group commit readers -t orders -P 0 --offset 100
//
// =============================================================================

package cmd

import (
	"github.com/spf13/cobra"

	"takhin/internal/cli"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage consumer groups",
	Long: `Manage consumer groups on the takhin broker.

Groups track committed offsets per topic partition; describing a group shows
each partition's committed offset against the log end, i.e. the lag.

Examples:
  takhin-cli group list
  takhin-cli group describe order-processors
  takhin-cli group delete stale-group`,
}

func init() {
	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupDescribeCmd)
	groupCmd.AddCommand(groupDeleteCmd)
	groupCmd.AddCommand(groupCommitCmd)
	groupCmd.AddCommand(groupOffsetCmd)
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all consumer groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		groups, err := brokerClient.ListGroups(ctx)
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatGroups(groups)
	},
}

var groupDescribeCmd = &cobra.Command{
	Use:   "describe <group>",
	Short: "Show group members, offsets, and lag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		detail, err := brokerClient.DescribeGroup(ctx, args[0])
		if err != nil {
			return handleError(err)
		}
		return formatter.FormatGroupDetail(detail)
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete <group>",
	Short: "Delete a group and all of its committed offsets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		if err := brokerClient.DeleteGroup(ctx, args[0]); err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Deleted group %q", args[0])
		return nil
	},
}

var (
	groupCommitTopic     string
	groupCommitPartition int
	groupCommitOffset    int64
	groupCommitMetadata  string
)

var groupCommitCmd = &cobra.Command{
	Use:   "commit <group>",
	Short: "Commit an offset for a group",
	Long: `Commit an offset for a group as a standalone consumer, skipping
membership checks. Useful for repositioning a group before restarting its
consumers.

Examples:
  takhin-cli group commit readers -t orders -P 0 --offset 100
  takhin-cli group commit readers -t orders -P 0 --offset 0   # rewind`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		err := brokerClient.CommitOffset(ctx, args[0], groupCommitTopic,
			groupCommitPartition, groupCommitOffset, nil, groupCommitMetadata)
		if err != nil {
			return handleError(err)
		}
		cli.PrintSuccess("Committed %s[%d]=%d for group %q",
			groupCommitTopic, groupCommitPartition, groupCommitOffset, args[0])
		return nil
	},
}

func init() {
	groupCommitCmd.Flags().StringVarP(&groupCommitTopic, "topic", "t", "", "Topic name")
	groupCommitCmd.Flags().IntVarP(&groupCommitPartition, "partition", "P", 0, "Partition")
	groupCommitCmd.Flags().Int64Var(&groupCommitOffset, "offset", 0, "Offset to commit")
	groupCommitCmd.Flags().StringVar(&groupCommitMetadata, "metadata", "", "Opaque commit metadata")
	groupCommitCmd.MarkFlagRequired("topic")
	groupCommitCmd.MarkFlagRequired("offset")
}

var (
	groupOffsetTopic     string
	groupOffsetPartition int
)

var groupOffsetCmd = &cobra.Command{
	Use:   "offset <group>",
	Short: "Show a group's committed offset for one partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()

		co, err := brokerClient.FetchOffset(ctx, args[0], groupOffsetTopic, groupOffsetPartition)
		if err != nil {
			return handleError(err)
		}
		if co.Offset < 0 {
			cli.PrintSuccess("No committed offset for %s[%d]", groupOffsetTopic, groupOffsetPartition)
			return nil
		}
		cli.PrintSuccess("%s[%d]=%d", groupOffsetTopic, groupOffsetPartition, co.Offset)
		return nil
	},
}

func init() {
	groupOffsetCmd.Flags().StringVarP(&groupOffsetTopic, "topic", "t", "", "Topic name")
	groupOffsetCmd.Flags().IntVarP(&groupOffsetPartition, "partition", "P", 0, "Partition")
	groupOffsetCmd.MarkFlagRequired("topic")
}
