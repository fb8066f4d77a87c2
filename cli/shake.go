package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/graph"
	"github.com/petal-labs/procflow/process"
)

// NewShakeCmd creates the "shake" subcommand.
func NewShakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shake <file>",
		Short: "Print the paths reachable from the start elements",
		Long: `Probe a process definition without running it. Every path walked from
the start elements, or from --from, is printed up to its end element or the
point where it loops back.`,
		Args: cobra.ExactArgs(1),
		RunE: runShake,
	}

	cmd.Flags().String("from", "", "Probe from this element instead of the start elements")
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runShake(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	def, err := loadDefinitionForRun(cmd, args[0])
	if err != nil {
		return err
	}

	env := environment.New(environment.Options{
		Variables: cfg.Variables,
		Settings:  cfg.Settings(),
		Logger:    logger,
	})
	g, err := graph.Build(def, env)
	if err != nil {
		return exitError(exitValidation, "building process: %v", err)
	}

	from, _ := cmd.Flags().GetString("from")
	if from != "" && g.ActivityByID(from) == nil {
		return exitError(exitValidation, "unknown element %q", from)
	}
	result := g.NewProcess().Shake(from)

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		if result == nil {
			result = map[string][]process.ShakeResult{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
	case "text":
		printShakeText(cmd.OutOrStdout(), result)
	default:
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}
	return nil
}

func printShakeText(w io.Writer, result map[string][]process.ShakeResult) {
	if len(result) == 0 {
		fmt.Fprintln(w, "No paths.")
		return
	}
	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "%s:\n", id)
		for _, r := range result[id] {
			steps := make([]string, 0, len(r.Sequence))
			for _, s := range r.Sequence {
				if s.IsSequenceFlow {
					continue
				}
				steps = append(steps, s.ID)
			}
			line := strings.Join(steps, " -> ")
			if r.IsLooped {
				line += " (loop)"
			}
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}
