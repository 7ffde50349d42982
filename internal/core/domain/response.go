package domain

import "time"

type FinishReason string

const (
	FinishStop                   FinishReason = "stop"
	FinishStructuredShortcut     FinishReason = "structured_shortcut"
	FinishTrendShortcut          FinishReason = "trend_shortcut"
	FinishDirectDocument         FinishReason = "direct_document"
	FinishStrictNoEvidence       FinishReason = "strict_grounding_no_evidence"
	FinishStrictLowConfidence    FinishReason = "strict_grounding_low_confidence"
	FinishEvidenceGating         FinishReason = "evidence_gating"
	FinishGeneralNoEvidence      FinishReason = "general_medical_no_evidence"
	FinishSelfCorrectionRefusal  FinishReason = "self_correction_refusal"
	FinishNumericGroundingRefuse FinishReason = "numeric_grounding_refusal"
	FinishStructuredInvalid      FinishReason = "structured_output_invalid"
	FinishGenerationError        FinishReason = "generation_error"
)

// Outcome is either Answered or Refused.
type Outcome interface {
	outcome()
	AnswerText() string
	Reason() FinishReason
}

type Answered struct {
	Text         string
	Sources      []SourceSummary
	FinishReason FinishReason
}

func (Answered) outcome()               {}
func (a Answered) AnswerText() string   { return a.Text }
func (a Answered) Reason() FinishReason { return a.FinishReason }

type Refused struct {
	ReasonCode FinishReason
	Text       string
}

func (Refused) outcome()               {}
func (r Refused) AnswerText() string   { return r.Text }
func (r Refused) Reason() FinishReason { return r.ReasonCode }

func IsRefusal(o Outcome) bool {
	_, ok := o.(Refused)
	return ok
}

type SourceSummary struct {
	SourceType     SourceType `json:"source_type"`
	SourceID       string     `json:"source_id"`
	Relevance      float64    `json:"relevance"`
	SnippetExcerpt string     `json:"snippet_excerpt"`
}

type Timing struct {
	ContextMS    int64 `json:"context_ms"`
	GenerationMS int64 `json:"generation_ms"`
	TotalMS      int64 `json:"total_ms"`
}

type StructuredFinding struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Unit   string `json:"unit,omitempty"`
	Date   string `json:"date,omitempty"`
	Source string `json:"source"`
}

type RAGResponse struct {
	Answer          string              `json:"answer"`
	SourcesSummary  []SourceSummary     `json:"sources_summary"`
	NumSources      int                 `json:"num_sources"`
	ConversationID  string              `json:"conversation_id"`
	MessageID       string              `json:"message_id"`
	Timing          Timing              `json:"timing"`
	FinishReason    FinishReason        `json:"finish_reason"`
	Refused         bool                `json:"refused"`
	TokensInput     int                 `json:"tokens_input"`
	TokensGenerated int                 `json:"tokens_generated"`
	StructuredData  []StructuredFinding `json:"structured_data,omitempty"`
	Outcome         Outcome             `json:"-"`
}

type AskRequest struct {
	Question         string `json:"question"`
	PatientID        int64  `json:"patient_id"`
	ConversationID   string `json:"conversation_id,omitempty"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
	UseHistory       bool   `json:"use_history"`
	ClinicianMode    bool   `json:"clinician_mode,omitempty"`
	StructuredOutput bool   `json:"structured_output,omitempty"`
}

type StreamEventType string

const (
	StreamEventChunk   StreamEventType = "chunk"
	StreamEventDone    StreamEventType = "done"
	// StreamEventReplace supersedes every chunk sent so far.
	StreamEventReplace StreamEventType = "replace"
)

type StreamMetadata struct {
	NumSources     int                 `json:"num_sources"`
	SourcesSummary []SourceSummary     `json:"sources_summary"`
	StructuredData []StructuredFinding `json:"structured_data,omitempty"`
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id"`
	FinishReason   FinishReason        `json:"finish_reason"`
	Answer         string              `json:"answer"`
	Replaced       bool                `json:"replaced"`
}

type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Text     string          `json:"text,omitempty"`
	Metadata *StreamMetadata `json:"metadata,omitempty"`
}

// AnswerAudit carries outcome metadata only, never question or answer text.
type AnswerAudit struct {
	ConversationID string       `json:"conversation_id"`
	MessageID      string       `json:"message_id"`
	PatientID      int64        `json:"patient_id"`
	FinishReason   FinishReason `json:"finish_reason"`
	Refused        bool         `json:"refused"`
	NumSources     int          `json:"num_sources"`
	Task           TaskType     `json:"task"`
	Streamed       bool         `json:"streamed"`
	TotalMS        int64        `json:"total_ms"`
	OccurredAt     time.Time    `json:"occurred_at"`
}
