package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/patient-record-assistant/internal/core/usecase"
)

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [question]",
		Short: "Show intent, entities, time window and sources detected in a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analysis := usecase.NewQueryAnalyzer(time.Now).Analyze(args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(analysis)
		},
	}
}
