package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

func (s *Server) handleAskPatientQuestion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: question"), nil
	}
	patientID, err := request.RequireInt("patient_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: patient_id"), nil
	}

	resp, err := s.answerer.Ask(ctx, domain.AskRequest{
		Question:         question,
		PatientID:        int64(patientID),
		ConversationID:   request.GetString("conversation_id", ""),
		UseHistory:       request.GetBool("use_history", false),
		ClinicianMode:    request.GetBool("clinician_mode", false),
		StructuredOutput: request.GetBool("structured_output", false),
	})
	switch {
	case domain.IsKind(err, domain.ErrConversationNotFound):
		return mcp.NewToolResultError("conversation not found"), nil
	case domain.IsKind(err, domain.ErrInvalidInput):
		return mcp.NewToolResultError(err.Error()), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAnswer(resp)), nil
}

func (s *Server) handleAnalyzeQuestion(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: question"), nil
	}
	analysis := s.analyzer.Analyze(question)
	raw, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode analysis: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func formatAnswer(resp *domain.RAGResponse) string {
	var b strings.Builder
	b.WriteString(resp.Answer)

	if len(resp.SourcesSummary) > 0 {
		b.WriteString("\n\nSources:\n")
		for _, src := range resp.SourcesSummary {
			fmt.Fprintf(&b, "- %s#%s (relevance %.2f)\n", src.SourceType, src.SourceID, src.Relevance)
		}
	}
	if len(resp.StructuredData) > 0 {
		b.WriteString("\nFindings:\n")
		for _, f := range resp.StructuredData {
			fmt.Fprintf(&b, "- %s: %s", f.Name, strings.TrimSpace(f.Value+" "+f.Unit))
			if f.Date != "" {
				fmt.Fprintf(&b, " (%s)", f.Date)
			}
			fmt.Fprintf(&b, " [%s]\n", f.Source)
		}
	}
	fmt.Fprintf(&b, "\nconversation_id: %s\nfinish_reason: %s", resp.ConversationID, resp.FinishReason)
	return b.String()
}
