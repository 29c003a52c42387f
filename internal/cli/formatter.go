// =============================================================================
// OUTPUT FORMATTER - TABLE, JSON, AND YAML RENDERING
// =============================================================================
//
// Rendering for CLI command output. Every listing command supports three
// formats selected by the --output flag:
//   - table: human-readable aligned columns (default)
//   - json:  machine-readable, for piping into jq
//   - yaml:  machine-readable, for config-style review
//
// =============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"takhin/pkg/client"
)

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter with the specified format.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{
		format: format,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer (for testing).
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

func (f *Formatter) formatJSON(data any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (f *Formatter) formatYAML(data any) error {
	encoder := yaml.NewEncoder(f.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(data)
}

// table creates an aligned column writer.
func (f *Formatter) table() *tabwriter.Writer {
	return tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0)
}

// =============================================================================
// DOMAIN FORMATTERS
// =============================================================================

// FormatTopics renders a topic listing.
func (f *Formatter) FormatTopics(topics []client.Topic) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(topics)
	case OutputYAML:
		return f.formatYAML(topics)
	}

	tw := f.table()
	fmt.Fprintln(tw, "NAME\tPARTITIONS\tMESSAGES")
	for _, t := range topics {
		var total int64
		for _, p := range t.Partitions {
			total += p.HighWaterMark
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", t.Name, t.PartitionCount, total)
	}
	return tw.Flush()
}

// FormatTopicDetail renders one topic with per-partition state.
func (f *Formatter) FormatTopicDetail(t *client.Topic) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(t)
	case OutputYAML:
		return f.formatYAML(t)
	}

	fmt.Fprintf(f.writer, "Name:       %s\n", t.Name)
	fmt.Fprintf(f.writer, "Partitions: %d\n\n", t.PartitionCount)
	tw := f.table()
	fmt.Fprintln(tw, "PARTITION\tHIGH WATER MARK")
	for _, p := range t.Partitions {
		fmt.Fprintf(tw, "%d\t%d\n", p.ID, p.HighWaterMark)
	}
	return tw.Flush()
}

// FormatMessages renders fetched records.
func (f *Formatter) FormatMessages(msgs []client.Message) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(msgs)
	case OutputYAML:
		return f.formatYAML(msgs)
	}

	tw := f.table()
	fmt.Fprintln(tw, "PARTITION\tOFFSET\tTIMESTAMP\tKEY\tVALUE")
	for _, m := range msgs {
		ts := time.UnixMilli(m.Timestamp).Format(time.RFC3339)
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", m.Partition, m.Offset, ts, m.Key, truncate(m.Value, 80))
	}
	return tw.Flush()
}

// FormatProduceResult renders the placement of one produced record.
func (f *Formatter) FormatProduceResult(res *client.ProduceResult) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(res)
	case OutputYAML:
		return f.formatYAML(res)
	}

	fmt.Fprintf(f.writer, "partition=%d offset=%d\n", res.Partition, res.Offset)
	return nil
}

// FormatGroups renders a consumer group listing.
func (f *Formatter) FormatGroups(groups []client.GroupSummary) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(groups)
	case OutputYAML:
		return f.formatYAML(groups)
	}

	tw := f.table()
	fmt.Fprintln(tw, "GROUP\tSTATE\tMEMBERS")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", g.GroupID, g.State, g.Members)
	}
	return tw.Flush()
}

// FormatGroupDetail renders one group's members and offsets with lag.
func (f *Formatter) FormatGroupDetail(g *client.GroupDetail) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(g)
	case OutputYAML:
		return f.formatYAML(g)
	}

	fmt.Fprintf(f.writer, "Group:    %s\n", g.GroupID)
	fmt.Fprintf(f.writer, "State:    %s\n", g.State)
	if g.Protocol != "" {
		fmt.Fprintf(f.writer, "Protocol: %s\n", g.Protocol)
	}

	if len(g.Members) > 0 {
		fmt.Fprintln(f.writer, "\nMembers:")
		tw := f.table()
		fmt.Fprintln(tw, "MEMBER\tCLIENT\tHOST\tPARTITIONS")
		for _, m := range g.Members {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.MemberID, m.ClientID, m.ClientHost, formatAssignment(m.Partitions))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(g.OffsetCommits) > 0 {
		fmt.Fprintln(f.writer, "\nOffsets:")
		tw := f.table()
		fmt.Fprintln(tw, "TOPIC\tPARTITION\tOFFSET\tEND\tLAG")
		for _, o := range g.OffsetCommits {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", o.Topic, o.Partition, o.Offset, o.HighWaterMark, o.Lag)
		}
		return tw.Flush()
	}
	return nil
}

// FormatContexts renders the CLI config contexts.
func (f *Formatter) FormatContexts(cfg *Config) error {
	switch f.format {
	case OutputJSON:
		return f.formatJSON(cfg)
	case OutputYAML:
		return f.formatYAML(cfg)
	}

	tw := f.table()
	fmt.Fprintln(tw, "CURRENT\tNAME\tSERVER")
	for name, ctx := range cfg.Contexts {
		marker := ""
		if name == cfg.CurrentContext {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", marker, name, ctx.Server)
	}
	return tw.Flush()
}

func formatAssignment(assignment map[string][]int) string {
	if len(assignment) == 0 {
		return "-"
	}
	var parts []string
	for topic, partitions := range assignment {
		strs := make([]string, len(partitions))
		for i, p := range partitions {
			strs[i] = strconv.Itoa(p)
		}
		parts = append(parts, topic+"["+strings.Join(strs, ",")+"]")
	}
	return strings.Join(parts, " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// PrintError writes an error line to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintSuccess writes a confirmation line to stdout.
func PrintSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
