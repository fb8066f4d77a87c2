package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/graph"
	"github.com/petal-labs/procflow/loader"
	"github.com/petal-labs/procflow/process"
	"github.com/petal-labs/procflow/runtime"
)

// Run outcomes reported by the run command.
const (
	outcomeCompleted = "completed"
	outcomeDiscarded = "discarded"
	outcomeFailed    = "failed"
	outcomeWaiting   = "waiting"
)

// runResult is what the run command prints.
type runResult struct {
	ProcessID string                  `json:"processId"`
	Status    string                  `json:"status"`
	Output    map[string]any          `json:"output,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Counters  process.Counters        `json:"counters"`
	Postponed []postponedResult       `json:"postponed,omitempty"`
	Timers    []environment.TimerInfo `json:"timers,omitempty"`
	StateFile string                  `json:"stateFile,omitempty"`
}

type postponedResult struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	ExecutionID string `json:"executionId"`
	State       string `json:"state,omitempty"`
}

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a process definition",
		Long: `Run a process definition until it completes or the timeout expires.

Signals given with --signal are delivered after the run starts. A run that is
still waiting when the timeout expires is stopped; --state-out saves it so a
later "run --resume" can continue.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Run message as inline JSON")
	cmd.Flags().StringP("input-file", "f", "", "Run message from a JSON or YAML file")
	cmd.Flags().StringArray("var", nil, "Set a variable, key=value (repeatable, value parsed as JSON when possible)")
	cmd.Flags().StringArray("signal", nil, "Signal a waiting element by id after start (repeatable)")
	cmd.Flags().Duration("timeout", 30*time.Second, "How long to wait for the run to complete")
	cmd.Flags().String("format", "json", "Output format: json | text")
	cmd.Flags().String("events", "", "Print run events to stderr: text | json")
	cmd.Flags().Duration("coalesce", 0, "Coalesce flow events printed by --events within this interval")
	cmd.Flags().Bool("stats", false, "Print element metrics after the run")
	cmd.Flags().String("state-out", "", "Write the process state to this file when the run is left waiting")
	cmd.Flags().String("resume", "", "Recover the process from a state file and resume it")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	def, err := loadDefinitionForRun(cmd, args[0])
	if err != nil {
		return err
	}
	message, err := buildInputMessage(cmd)
	if err != nil {
		return err
	}
	vars, err := parseVars(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "json" && format != "text" {
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}

	env := environment.New(environment.Options{
		Variables: cfg.Variables,
		Settings:  cfg.Settings(),
		Logger:    logger,
	})
	g, err := graph.Build(def, env)
	if err != nil {
		var diagErr *graph.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
		}
		return exitError(exitValidation, "building process: %v", err)
	}
	env.AssignVariables(vars)
	p := g.NewProcess()

	resumePath, _ := cmd.Flags().GetString("resume")
	if resumePath != "" {
		state, err := readState(resumePath)
		if err != nil {
			return err
		}
		if err := p.Recover(state); err != nil {
			return exitError(exitRuntime, "recovering process: %v", err)
		}
	}

	ctx, cancel, timeout := runContext(cmd)
	defer cancel()

	obs, err := newObserver(ctx, cfg, logger, cmd.ErrOrStderr(), observeOptionsFrom(cmd))
	if err != nil {
		return err
	}
	tap := runtime.Attach(p, obs.Handler(), obs.TapOptions()...)
	left := p.WaitFor("process.leave")
	defer func() {
		tap.Detach()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		obs.Close(closeCtx)
	}()

	before := p.Counters()
	if resumePath != "" {
		err = p.Resume()
	} else {
		err = p.Run(message)
	}
	if err != nil {
		return exitError(exitRuntime, "starting run: %v", err)
	}

	signals, _ := cmd.Flags().GetStringArray("signal")
	for _, id := range signals {
		logger.Debug("signaling", "element", id)
		p.Signal(map[string]any{"id": id})
	}

	result := runResult{ProcessID: p.ID()}
	select {
	case msg := <-left:
		result.Output = msg.Content.Output
		result.Counters = p.Counters()
		result.Status = runOutcome(p, before)
		if runErr := p.Err(); runErr != nil && result.Status == outcomeFailed {
			result.Error = runErr.Error()
		}
	case <-ctx.Done():
		if errors.Is(cmd.Context().Err(), context.Canceled) {
			return exitError(exitRuntime, "run canceled")
		}
		result.Status = outcomeWaiting
		result.Postponed = postponed(p)
		result.Timers = env.Timers().Active()
		p.Stop()
		result.Counters = p.Counters()
		if statePath, _ := cmd.Flags().GetString("state-out"); statePath != "" {
			if err := writeState(statePath, p.GetState()); err != nil {
				return err
			}
			result.StateFile = statePath
		}
	}
	if result.Output == nil {
		env.Exec(func() {
			if out := env.Output(); len(out) > 0 {
				result.Output = out
			}
		})
	}

	if err := writeResult(cmd.OutOrStdout(), format, result); err != nil {
		return err
	}
	switch result.Status {
	case outcomeFailed:
		return exitError(exitRuntime, "run failed: %s", result.Error)
	case outcomeWaiting:
		if result.StateFile == "" && len(result.Postponed) == 0 {
			return runRuntimeError(ctx, timeout, ctx.Err())
		}
		return exitError(exitWaiting, "run still waiting after %s", timeout)
	}
	return nil
}

func loadDefinitionForRun(cmd *cobra.Command, filePath string) (*graph.Definition, error) {
	def, err := loader.LoadDefinition(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *graph.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	return def, nil
}

func observeOptionsFrom(cmd *cobra.Command) observeOptions {
	events, _ := cmd.Flags().GetString("events")
	coalesce, _ := cmd.Flags().GetDuration("coalesce")
	stats, _ := cmd.Flags().GetBool("stats")
	return observeOptions{EventFormat: events, Coalesce: coalesce, Stats: stats}
}

// runOutcome classifies the last run from the process after it left.
func runOutcome(p *process.Process, before process.Counters) string {
	if p.Err() != nil {
		return outcomeFailed
	}
	if p.Counters().Discarded > before.Discarded {
		return outcomeDiscarded
	}
	return outcomeCompleted
}

func postponed(p *process.Process) []postponedResult {
	apis := p.GetPostponed()
	out := make([]postponedResult, 0, len(apis))
	for _, api := range apis {
		c := api.Content()
		out = append(out, postponedResult{
			ID:          api.ID(),
			Type:        c.Type,
			ExecutionID: api.ExecutionID(),
			State:       c.State,
		})
	}
	return out
}

func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc, time.Duration) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, timeout
}

func runRuntimeError(ctx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	}
	return exitError(exitRuntime, "execution failed: %v", err)
}

// buildInputMessage creates the run message from --input or --input-file.
func buildInputMessage(cmd *cobra.Command) (map[string]any, error) {
	inputStr, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")

	if inputStr != "" && inputFile != "" {
		return nil, exitError(exitInputParse, "cannot specify both --input and --input-file")
	}
	if inputStr == "" && inputFile == "" {
		return nil, nil
	}

	var message map[string]any
	if inputStr != "" {
		if err := json.Unmarshal([]byte(inputStr), &message); err != nil {
			return nil, exitError(exitInputParse, "parsing input JSON: %v", err)
		}
		return message, nil
	}

	data, err := os.ReadFile(inputFile) // #nosec G304 -- path from user CLI flag
	if err != nil {
		return nil, exitError(exitFileNotFound, "reading input file: %v", err)
	}
	if err := yaml.Unmarshal(data, &message); err != nil {
		return nil, exitError(exitInputParse, "parsing input file: %v", err)
	}
	return message, nil
}

// parseVars reads the --var flags. Values that parse as JSON keep their
// type; anything else is a string.
func parseVars(cmd *cobra.Command) (map[string]any, error) {
	flags, _ := cmd.Flags().GetStringArray("var")
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(flags))
	for _, kv := range flags {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, exitError(exitInputParse, "invalid --var %q (use key=value)", kv)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		vars[strings.TrimSpace(key)] = value
	}
	return vars, nil
}

func readState(path string) (*process.State, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from user CLI flag
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "state file not found: %s", path)
		}
		return nil, exitError(exitRuntime, "reading state file: %v", err)
	}
	var state process.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, exitError(exitInputParse, "parsing state file: %v", err)
	}
	return &state, nil
}

func writeState(path string, state *process.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "marshaling state: %v", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return exitError(exitRuntime, "writing state file: %v", err)
	}
	return nil
}

func writeResult(w io.Writer, format string, result runResult) error {
	if format == "json" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %v", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	fmt.Fprint(w, formatText(result))
	return nil
}

// formatText returns a human-readable summary of a run.
func formatText(r runResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Process %s: %s\n", r.ProcessID, r.Status)
	if r.Error != "" {
		fmt.Fprintf(&sb, "  error: %s\n", r.Error)
	}
	if len(r.Output) > 0 {
		sb.WriteString("\n=== Output ===\n")
		keys := make([]string, 0, len(r.Output))
		for k := range r.Output {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %v\n", k, r.Output[k])
		}
	}
	if len(r.Postponed) > 0 {
		fmt.Fprintf(&sb, "\n=== Waiting (%d) ===\n", len(r.Postponed))
		for _, p := range r.Postponed {
			fmt.Fprintf(&sb, "  %s (%s)\n", p.ID, p.Type)
		}
	}
	if len(r.Timers) > 0 {
		fmt.Fprintf(&sb, "\n=== Timers (%d) ===\n", len(r.Timers))
		for _, t := range r.Timers {
			fmt.Fprintf(&sb, "  %s expires %s\n", t.Owner, t.ExpireAt.Format(time.RFC3339))
		}
	}
	if r.StateFile != "" {
		fmt.Fprintf(&sb, "\nState written to %s\n", r.StateFile)
	}
	return sb.String()
}
