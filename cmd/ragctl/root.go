package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kirillkom/patient-record-assistant/internal/config"
	"github.com/kirillkom/patient-record-assistant/internal/observability/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragctl",
		Short: "Operator tool for the patient record assistant",
		Long: `ragctl asks grounded questions against a patient's records, shows how a
question is analyzed, and tails answer audit events. Configuration comes
from the same environment variables as the API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "override LOG_LEVEL")

	root.AddCommand(newAnalyzeCmd(), newAskCmd(), newAuditTailCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger) {
	cfg := config.Load()
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	// stdout is reserved for command output.
	return cfg, logging.NewJSONLoggerTo(os.Stderr, "ragctl", cfg.LogLevel)
}
