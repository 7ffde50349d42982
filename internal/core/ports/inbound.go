package ports

import (
	"context"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

// PatientQuestionAnswerer is the inbound contract for grounded question answering.
// Callers supply already-authorized requests.
type PatientQuestionAnswerer interface {
	Ask(ctx context.Context, req domain.AskRequest) (*domain.RAGResponse, error)
	StreamAsk(ctx context.Context, req domain.AskRequest, emit func(domain.StreamEvent) error) (*domain.RAGResponse, error)
}

// QuestionAnalyzer exposes query understanding for diagnostics.
type QuestionAnalyzer interface {
	Analyze(question string) domain.QueryAnalysis
}
