package domain

import "time"

type ContextSection struct {
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	SourceType SourceType `json:"source_type"`
	Relevance  float64    `json:"relevance"`
	Date       *time.Time `json:"date,omitempty"`
}

// SynthesizedContext is the assembled prompt context. EvidenceText holds only
// the included record text, without the question or headers, and is what
// answers are grounded against.
type SynthesizedContext struct {
	FullContext         string           `json:"full_context"`
	EvidenceText        string           `json:"-"`
	Sections            []ContextSection `json:"sections"`
	TotalChunksUsed     int              `json:"total_chunks_used"`
	TotalCharacters     int              `json:"total_characters"`
	EstimatedTokens     int              `json:"estimated_tokens"`
	SourceTypesIncluded []SourceType     `json:"source_types_included"`
	EarliestDate        *time.Time       `json:"earliest_date,omitempty"`
	LatestDate          *time.Time       `json:"latest_date,omitempty"`
}

type ContextStrategy string

const (
	ContextStrategyGrouped ContextStrategy = "grouped"
	ContextStrategyLinear  ContextStrategy = "linear"
)
