package ports

import (
	"context"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

// Embedder builds the query vector for semantic search.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkIndex performs cosine nearest-neighbour search over a patient's indexed chunks.
type ChunkIndex interface {
	SearchChunks(ctx context.Context, patientID int64, queryVector []float32, filter domain.RecordFilter, limit int) ([]domain.RetrievalCandidate, error)
}

// RecordStore reads the patient's structured and unstructured records.
type RecordStore interface {
	SearchKeyword(ctx context.Context, patientID int64, keywords []string, filter domain.RecordFilter, limit int) ([]domain.RetrievalCandidate, error)
	LookupStructured(ctx context.Context, patientID int64, kind domain.SourceType, names []string, limit int) ([]domain.StructuredRecord, error)
	LatestDocument(ctx context.Context, patientID int64) (*domain.PatientDocument, error)
}

// TextGenerator calls the underlying language model.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, params domain.DecodingProfile) (domain.GenerationResult, error)
	StreamGenerate(ctx context.Context, prompt string, params domain.DecodingProfile, onChunk func(string) error) (domain.GenerationResult, error)
}

// ConversationStore persists conversations and their turns.
// Get returns nil, nil for an unknown conversation.
type ConversationStore interface {
	Create(ctx context.Context, patientID int64) (*domain.Conversation, error)
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) (*domain.ConversationMessage, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error)
}

// GuardrailSink counts guardrail events. Implementations must be safe for concurrent use.
type GuardrailSink interface {
	Increment(event string, labels map[string]string)
}

// AnswerAuditPublisher emits outcome metadata for every answered question.
type AnswerAuditPublisher interface {
	PublishAnswerAudit(ctx context.Context, audit domain.AnswerAudit) error
}
