package mcpadapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

type fakeAnswerer struct {
	resp    *domain.RAGResponse
	err     error
	lastReq domain.AskRequest
}

func (f *fakeAnswerer) Ask(_ context.Context, req domain.AskRequest) (*domain.RAGResponse, error) {
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeAnswerer) StreamAsk(context.Context, domain.AskRequest, func(domain.StreamEvent) error) (*domain.RAGResponse, error) {
	return nil, errors.New("not used")
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(question string) domain.QueryAnalysis {
	return domain.QueryAnalysis{Question: question, Intent: domain.IntentTrend, Keywords: []string{"ldl"}}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestToolDefinitions(t *testing.T) {
	for _, tool := range []mcp.Tool{askPatientQuestionTool, analyzeQuestionTool} {
		if tool.Description == "" {
			t.Errorf("tool %q has no description", tool.Name)
		}
	}
	if askPatientQuestionTool.Name != "ask_patient_question" || analyzeQuestionTool.Name != "analyze_question" {
		t.Fatalf("unexpected tool names")
	}
}

func TestHandleAskPatientQuestion(t *testing.T) {
	answerer := &fakeAnswerer{resp: &domain.RAGResponse{
		Answer:         "Your LDL was 110 mg/dL (source: lab_result#l3).",
		ConversationID: "c-1",
		FinishReason:   domain.FinishStop,
		SourcesSummary: []domain.SourceSummary{{SourceType: domain.SourceLabResult, SourceID: "l3", Relevance: 0.9}},
	}}
	srv := NewServer(answerer, fakeAnalyzer{})

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"question":       "What was my LDL?",
		"patient_id":     float64(42),
		"clinician_mode": true,
	}
	result, err := srv.handleAskPatientQuestion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %v", result.Content)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "Your LDL was 110 mg/dL") || !strings.Contains(text, "- lab_result#l3 (relevance 0.90)") {
		t.Fatalf("unexpected text %q", text)
	}
	if answerer.lastReq.PatientID != 42 || !answerer.lastReq.ClinicianMode || answerer.lastReq.UseHistory {
		t.Fatalf("unexpected forwarded request %+v", answerer.lastReq)
	}
}

func TestHandleAskPatientQuestionErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing patient", func(t *testing.T) {
		srv := NewServer(&fakeAnswerer{}, fakeAnalyzer{})
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"question": "q"}
		result, err := srv.handleAskPatientQuestion(ctx, req)
		if err != nil || !result.IsError {
			t.Fatalf("expected tool error, got %v %v", result, err)
		}
	})

	t.Run("unknown conversation", func(t *testing.T) {
		srv := NewServer(&fakeAnswerer{err: domain.WrapError(domain.ErrConversationNotFound, "ask", errors.New("c-9"))}, fakeAnalyzer{})
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"question": "q", "patient_id": float64(1), "conversation_id": "c-9"}
		result, err := srv.handleAskPatientQuestion(ctx, req)
		if err != nil || !result.IsError {
			t.Fatalf("expected tool error, got %v %v", result, err)
		}
		if got := resultText(t, result); got != "conversation not found" {
			t.Fatalf("unexpected message %q", got)
		}
	})
}

func TestHandleAnalyzeQuestion(t *testing.T) {
	srv := NewServer(&fakeAnswerer{}, fakeAnalyzer{})
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"question": "How has my LDL changed?"}

	result, err := srv.handleAnalyzeQuestion(context.Background(), req)
	if err != nil || result.IsError {
		t.Fatalf("unexpected failure %v %v", result, err)
	}
	if text := resultText(t, result); !strings.Contains(text, `"intent": "trend"`) {
		t.Fatalf("expected analysis JSON, got %q", text)
	}
}
