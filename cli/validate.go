package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/procflow/graph"
	"github.com/petal-labs/procflow/loader"
	"github.com/petal-labs/procflow/registry"
)

// validateReport is the json output of the validate command.
type validateReport struct {
	File          string             `json:"file"`
	ProcessID     string             `json:"processId,omitempty"`
	Valid         bool               `json:"valid"`
	Elements      int                `json:"elements"`
	SequenceFlows int                `json:"sequenceFlows"`
	Diagnostics   []graph.Diagnostic `json:"diagnostics"`
}

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a process definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")

	report, err := validateFile(args[0])
	if err != nil {
		return err
	}
	if strict && len(graph.Warnings(report.Diagnostics)) > 0 {
		report.Valid = false
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		_ = encodeJSON(out, report)
	case "text":
		printDiagnosticsText(out, report.Diagnostics)
		if report.ProcessID != "" && report.Valid {
			fmt.Fprintf(out, "process %s: %d %s, %d sequence %s\n",
				report.ProcessID,
				report.Elements, pluralize("element", report.Elements),
				report.SequenceFlows, pluralize("flow", report.SequenceFlows))
		}
	default:
		return exitError(exitValidation, "unknown format %q (want text or json)", format)
	}

	if !report.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// validateFile loads path against the global registry. Decode failures are
// reported as a PD-000 diagnostic rather than an error.
func validateFile(path string) (validateReport, error) {
	report := validateReport{File: path}
	def, diags, err := loader.Load(path, registry.Global())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return report, exitError(exitFileNotFound, "file not found: %s", path)
	case err != nil:
		diags = append(diags, graph.Diagnostic{
			Code:     "PD-000",
			Severity: graph.SeverityError,
			Message:  fmt.Sprintf("cannot decode definition: %v", err),
		})
	}
	if def != nil {
		report.ProcessID = def.ID
		report.Elements = len(def.Elements)
		report.SequenceFlows = len(def.SequenceFlows)
	}
	if diags == nil {
		diags = []graph.Diagnostic{}
	}
	report.Diagnostics = diags
	report.Valid = !graph.HasErrors(diags)
	return report, nil
}

// printDiagnosticsText writes one line per diagnostic and a summary. The run
// command uses it for definitions that fail to build.
func printDiagnosticsText(w io.Writer, diags []graph.Diagnostic) {
	for _, d := range diags {
		line := fmt.Sprintf("%-7s %s  %s", strings.ToUpper(d.Severity), d.Code, d.Message)
		if d.Path != "" {
			line += "  [" + d.Path + "]"
		}
		fmt.Fprintln(w, line)
	}

	nerr, nwarn := len(graph.Errors(diags)), len(graph.Warnings(diags))
	switch {
	case nerr == 0 && nwarn == 0:
		fmt.Fprintln(w, "Valid!")
	case nerr == 0:
		fmt.Fprintf(w, "Valid! (%d %s)\n", nwarn, pluralize("warning", nwarn))
	default:
		fmt.Fprintf(w, "%d %s, %d %s\n", nerr, pluralize("error", nerr), nwarn, pluralize("warning", nwarn))
	}
}

func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
