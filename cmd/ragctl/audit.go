package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kirillkom/patient-record-assistant/internal/bootstrap"
	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

func newAuditTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit-tail",
		Short: "Print answer audit events as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger := loadConfig(cmd)
			queue, err := bootstrap.NewAuditTail(cfg, logger)
			if err != nil {
				return err
			}
			defer queue.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			logger.Info("audit_tail_subscribed", "subject", cfg.NATSSubject)
			err = queue.SubscribeAnswerAudits(ctx, func(_ context.Context, audit domain.AnswerAudit) error {
				return enc.Encode(audit)
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			return nil
		},
	}
}
