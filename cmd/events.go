package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/agentgate/core/events"
)

var (
	eventsPath   string
	eventsAgent  string
	eventsType   string
	eventsSince  time.Duration
	eventsLimit  int
	eventsFormat string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the event log",
	Long:  `Read the JSONL event log written by exec and print matching events, oldest first.`,
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().StringVar(&eventsPath, "path", "", "Event log path (defaults to events.path from config)")
	eventsCmd.Flags().StringVar(&eventsAgent, "agent", "", "Only events for this agent ID")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Only events of this type (e.g. agent.stalled)")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only events newer than this (e.g. 1h)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Show at most this many of the newest events (0 for all)")
	eventsCmd.Flags().StringVar(&eventsFormat, "format", "table", "Output format: table or json")
}

func runEvents(cmd *cobra.Command, args []string) error {
	format, err := parseOutputFormat(eventsFormat)
	if err != nil {
		return err
	}

	path := eventsPath
	if path == "" {
		mgr, _, err := loadConfig()
		if err != nil {
			return err
		}
		path = mgr.Get().Events.Path
	}

	evs, err := events.ReadEvents(path)
	if err != nil {
		return err
	}

	filter := events.Filter{
		AgentID: eventsAgent,
		Type:    events.Type(eventsType),
		Limit:   eventsLimit,
	}
	if eventsSince > 0 {
		filter.Since = time.Now().Add(-eventsSince)
	}

	return printEvents(cmd.OutOrStdout(), filter.Apply(evs), format)
}

func printEvents(w io.Writer, evs []events.Event, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		for _, ev := range evs {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tAGENT\tDETAIL")
	fmt.Fprintln(tw, "----\t----\t-----\t------")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			ev.Time.Format(time.DateTime), ev.Type, eventSubject(ev), eventDetail(ev))
	}
	return tw.Flush()
}

func eventSubject(ev events.Event) string {
	if ev.Circuit != "" {
		return "circuit:" + ev.Circuit
	}
	return shortID(ev.AgentID)
}

func eventDetail(ev events.Event) string {
	var parts []string
	switch ev.Type {
	case events.TypeCircuitState:
		parts = append(parts, fmt.Sprintf("%s -> %s", ev.FromState, ev.ToState))
		if ev.FailureCount > 0 {
			parts = append(parts, fmt.Sprintf("failures=%d", ev.FailureCount))
		}
	default:
		if ev.AgentType != "" {
			parts = append(parts, "type="+ev.AgentType)
		}
		if ev.QueueWaitMS > 0 {
			parts = append(parts, fmt.Sprintf("wait=%dms", ev.QueueWaitMS))
		}
		if ev.DurationMS > 0 {
			parts = append(parts, fmt.Sprintf("duration=%dms", ev.DurationMS))
		}
		if ev.ToolUsageCount > 0 {
			parts = append(parts, fmt.Sprintf("tools=%d", ev.ToolUsageCount))
		}
		if ev.Reason != "" {
			parts = append(parts, truncate(ev.Reason, 60))
		}
	}
	return strings.Join(parts, " ")
}
