package domain

import "time"

type Intent string

const (
	IntentList      Intent = "list"
	IntentValue     Intent = "value"
	IntentStatus    Intent = "status"
	IntentHistory   Intent = "history"
	IntentTrend     Intent = "trend"
	IntentRecent    Intent = "recent"
	IntentCompare   Intent = "compare"
	IntentChange    Intent = "change"
	IntentSummary   Intent = "summary"
	IntentOverview  Intent = "overview"
	IntentDiagnosis Intent = "diagnosis"
	IntentTreatment Intent = "treatment"
	IntentGeneral   Intent = "general"
)

// IsFactual reports whether the intent asks for a concrete recorded fact.
// Factual intents are answered greedily and fall under strict grounding.
func (i Intent) IsFactual() bool {
	switch i {
	case IntentList, IntentValue, IntentStatus:
		return true
	default:
		return false
	}
}

func (i Intent) IsSummary() bool {
	return i == IntentSummary || i == IntentOverview
}

type SourceType string

const (
	SourceLabResult  SourceType = "lab_result"
	SourceMedication SourceType = "medication"
	SourceEncounter  SourceType = "encounter"
	SourceDocument   SourceType = "document"
	SourceCustom     SourceType = "custom"
	SourceAll        SourceType = "all"
)

func (s SourceType) IsStructured() bool {
	return s == SourceLabResult || s == SourceMedication
}

type QueryEntities struct {
	Conditions  []string `json:"conditions"`
	Tests       []string `json:"tests"`
	Medications []string `json:"medications"`
}

type TemporalWindow struct {
	IsTemporal   bool       `json:"is_temporal"`
	Name         string     `json:"name,omitempty"`
	RelativeDays int        `json:"relative_days,omitempty"`
	DateFrom     *time.Time `json:"date_from,omitempty"`
	DateTo       *time.Time `json:"date_to,omitempty"`
}

type QueryAnalysis struct {
	Question        string         `json:"question"`
	NormalizedQuery string         `json:"normalized_query"`
	Intent          Intent         `json:"intent"`
	Entities        QueryEntities  `json:"entities"`
	Temporal        TemporalWindow `json:"temporal"`
	DataSources     []SourceType   `json:"data_sources"`
	Keywords        []string       `json:"keywords"`
	UseSemantic     bool           `json:"use_semantic"`
	UseKeyword      bool           `json:"use_keyword"`
	BoostRecent     bool           `json:"boost_recent"`
	Confidence      float64        `json:"confidence"`
}

// SearchesAll reports whether no explicit source was detected.
func (q QueryAnalysis) SearchesAll() bool {
	if len(q.DataSources) == 0 {
		return true
	}
	for _, s := range q.DataSources {
		if s == SourceAll {
			return true
		}
	}
	return false
}

func (q QueryAnalysis) HasSource(source SourceType) bool {
	for _, s := range q.DataSources {
		if s == source {
			return true
		}
	}
	return false
}

// RecordFilter narrows store searches to source types and a date window.
type RecordFilter struct {
	SourceTypes []SourceType
	DateFrom    *time.Time
	DateTo      *time.Time
}

func FilterFromAnalysis(q QueryAnalysis) RecordFilter {
	filter := RecordFilter{
		DateFrom: q.Temporal.DateFrom,
		DateTo:   q.Temporal.DateTo,
	}
	if !q.SearchesAll() {
		filter.SourceTypes = append([]SourceType(nil), q.DataSources...)
	}
	return filter
}
