package domain

import (
	"fmt"
	"time"
)

type RetrievalCandidate struct {
	ID            string     `json:"id"`
	SourceType    SourceType `json:"source_type"`
	SourceID      string     `json:"source_id"`
	PatientID     int64      `json:"patient_id"`
	Content       string     `json:"content"`
	SemanticScore float64    `json:"semantic_score"`
	KeywordScore  float64    `json:"keyword_score"`
	RecencyScore  float64    `json:"recency_score"`
	CombinedScore float64    `json:"combined_score"`
	ContextDate   *time.Time `json:"context_date,omitempty"`
	ChunkIndex    int        `json:"chunk_index"`
	PageNumber    *int       `json:"page_number,omitempty"`
}

// Key is the identity used to merge the same evidence found by several strategies.
func (c RetrievalCandidate) Key() string {
	return fmt.Sprintf("%s|%s", c.SourceType, c.ID)
}

// Citation renders the inline citation tag used in answers.
func (c RetrievalCandidate) Citation() string {
	sourceID := c.SourceID
	if sourceID == "" {
		sourceID = c.ID
	}
	return fmt.Sprintf("(source: %s#%s)", c.SourceType, sourceID)
}

type RankedResult struct {
	RetrievalCandidate
	FinalScore float64 `json:"final_score"`
}

// StructuredRecord is a row from the lab or medication tables.
type StructuredRecord struct {
	ID     string     `json:"id"`
	Kind   SourceType `json:"kind"`
	Name   string     `json:"name"`
	Value  string     `json:"value"`
	Unit   string     `json:"unit,omitempty"`
	Status string     `json:"status,omitempty"`
	Date   *time.Time `json:"date,omitempty"`
	Line   string     `json:"line"`
}

type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

type PatientDocument struct {
	ID            string         `json:"id"`
	PatientID     int64          `json:"patient_id"`
	Filename      string         `json:"filename"`
	Status        DocumentStatus `json:"status"`
	ExtractedText string         `json:"-"`
	DocumentDate  *time.Time     `json:"document_date,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
