package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewEventsCmd creates the "events" subcommand.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "List journaled run events",
		Long: `Read run events from the configured event store. Without a run id the
stored run ids are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runEvents,
	}

	cmd.Flags().Uint64("after", 0, "Only events with a sequence number above this")
	cmd.Flags().Int("limit", 0, "Maximum number of events (0 = all)")
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "json" && format != "text" {
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	if store == nil {
		return exitError(exitStore, "no event store configured")
	}
	defer func() { _ = closeStore(cmd.Context()) }()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		ids, err := store.RunIDs(cmd.Context())
		if err != nil {
			return exitError(exitStore, "listing runs: %v", err)
		}
		if format == "json" {
			if ids == nil {
				ids = []string{}
			}
			return encodeJSON(out, ids)
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	events, err := store.List(cmd.Context(), args[0], after, limit)
	if err != nil {
		return exitError(exitStore, "listing events: %v", err)
	}
	if format == "json" {
		if events == nil {
			return encodeJSON(out, []any{})
		}
		return encodeJSON(out, events)
	}
	for _, e := range events {
		fmt.Fprintln(out, formatEvent(e))
	}
	return nil
}

func encodeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "marshaling output: %v", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
