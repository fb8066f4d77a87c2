package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petal-labs/procflow/config"
)

// NewRootCmd creates the procflow command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "procflow",
		Short: "procflow process engine CLI",
		Long:  "procflow runs BPMN-style process definitions: start, wait, signal, time out and finish.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to procflow.yaml or procflow.toml")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("log-format", "", "Log format: text | json")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("procflow version %s\n", version))

	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewShakeCmd())
	root.AddCommand(NewEventsCmd())
	return root
}

// loadConfig reads the configuration and applies the logging flags. The
// logger writes to stderr.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, _, err := config.Load(flagString(cmd, "config"))
	if err != nil {
		return config.Config{}, nil, exitError(exitValidation, "%v", err)
	}
	if flagBool(cmd, "verbose") {
		cfg.Log.Level = "debug"
	}
	if flagBool(cmd, "quiet") {
		cfg.Log.Level = "error"
	}
	if format := flagString(cmd, "log-format"); format != "" {
		cfg.Log.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, exitError(exitValidation, "%v", err)
	}
	return cfg, cfg.Log.NewLogger(cmd.ErrOrStderr()), nil
}

// flagString reads a local or inherited flag, empty when undefined.
func flagString(cmd *cobra.Command, name string) string {
	f := cmd.Flag(name)
	if f == nil {
		return ""
	}
	return f.Value.String()
}

func flagBool(cmd *cobra.Command, name string) bool {
	return flagString(cmd, name) == "true"
}
