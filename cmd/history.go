package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/agentgate/core/archive"
	"github.com/adalundhe/agentgate/core/registry"
)

var (
	historyAgent  string
	historyType   string
	historyStatus string
	historyLimit  int
	historyFormat string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query archived agent records",
	Long:  `List agents archived after they finished, most recent first.`,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "Only this agent ID")
	historyCmd.Flags().StringVar(&historyType, "type", "", "Only this agent type")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only this final status (completed, failed, timeout, ...)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show (0 for all)")
	historyCmd.Flags().StringVar(&historyFormat, "format", "table", "Output format: table or json")
}

func runHistory(cmd *cobra.Command, args []string) error {
	format, err := parseOutputFormat(historyFormat)
	if err != nil {
		return err
	}
	status := registry.Status(historyStatus)
	if status != "" && !status.Terminal() {
		return fmt.Errorf("invalid status %q", historyStatus)
	}

	mgr, logger, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	store, err := archive.Open(archive.Config{Path: cfg.Archive.Path, CacheEntries: cfg.Archive.CacheEntries}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(cmd.Context(), archive.Query{
		AgentID:   historyAgent,
		AgentType: historyType,
		Status:    status,
		Limit:     historyLimit,
	})
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), entries, format)
}

func printHistory(w io.Writer, entries []archive.Entry, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []archive.Entry{}
		}
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tTYPE\tSTATUS\tSTARTED\tDURATION\tTOOLS\tREASON")
	fmt.Fprintln(tw, "-----\t----\t------\t-------\t--------\t-----\t------")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(e.AgentID), e.AgentType, e.Status,
			e.StartTime.Format(time.DateTime), e.Elapsed(e.EndTime).Round(time.Millisecond),
			e.ToolUsageCount, truncate(e.Reason, 60))
	}
	return tw.Flush()
}
