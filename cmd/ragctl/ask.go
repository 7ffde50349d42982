package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kirillkom/patient-record-assistant/internal/bootstrap"
	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question about a patient's records",
		Args:  cobra.ExactArgs(1),
		RunE:  runAsk,
	}
	cmd.Flags().Int64("patient", 0, "patient id (required)")
	cmd.Flags().String("conversation", "", "continue an existing conversation")
	cmd.Flags().Bool("history", false, "include recent conversation turns")
	cmd.Flags().Bool("clinician", false, "clinician mode with mandatory citations")
	cmd.Flags().Bool("structured", false, "request validated structured findings")
	cmd.Flags().Bool("stream", false, "print chunks as they are generated")
	cmd.Flags().Bool("json", false, "print the full response as JSON")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	patientID, _ := cmd.Flags().GetInt64("patient")
	conversationID, _ := cmd.Flags().GetString("conversation")
	useHistory, _ := cmd.Flags().GetBool("history")
	clinician, _ := cmd.Flags().GetBool("clinician")
	structured, _ := cmd.Flags().GetBool("structured")
	stream, _ := cmd.Flags().GetBool("stream")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, logger := loadConfig(cmd)
	app, err := bootstrap.New(cmd.Context(), cfg, bootstrap.Options{Service: "ragctl", Logger: logger})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	req := domain.AskRequest{
		Question:         args[0],
		PatientID:        patientID,
		ConversationID:   conversationID,
		UseHistory:       useHistory,
		ClinicianMode:    clinician,
		StructuredOutput: structured,
	}
	out := cmd.OutOrStdout()

	var resp *domain.RAGResponse
	if stream && !jsonOutput {
		resp, err = app.Answerer.StreamAsk(cmd.Context(), req, func(event domain.StreamEvent) error {
			switch event.Type {
			case domain.StreamEventChunk:
				_, werr := io.WriteString(out, event.Text)
				return werr
			case domain.StreamEventReplace:
				_, werr := fmt.Fprintf(out, "\n--- corrected answer ---\n%s", event.Text)
				return werr
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		printFooter(out, resp)
		return nil
	}

	resp, err = app.Answerer.Ask(cmd.Context(), req)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(out, resp.Answer)
	printFooter(out, resp)
	return nil
}

func printFooter(w io.Writer, resp *domain.RAGResponse) {
	if len(resp.SourcesSummary) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, src := range resp.SourcesSummary {
			fmt.Fprintf(w, "  %s#%s  %.2f\n", src.SourceType, src.SourceID, src.Relevance)
		}
	}
	fmt.Fprintf(w, "\nconversation: %s  finish: %s  tokens: %d/%d  %dms\n",
		resp.ConversationID, resp.FinishReason, resp.TokensInput, resp.TokensGenerated, resp.Timing.TotalMS)
}
