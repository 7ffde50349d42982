package usecase

import (
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

func rankedFixture() []domain.RankedResult {
	return []domain.RankedResult{
		{RetrievalCandidate: domain.RetrievalCandidate{ID: "m1", SourceType: domain.SourceMedication, Content: "Metformin: 500mg twice daily - Active", ContextDate: datePtr(2024, 3, 1)}, FinalScore: 0.9},
		{RetrievalCandidate: domain.RetrievalCandidate{ID: "e1", SourceType: domain.SourceEncounter, Content: "Follow-up visit, BP 128/82 mmHg", ContextDate: datePtr(2024, 5, 2)}, FinalScore: 0.7},
		{RetrievalCandidate: domain.RetrievalCandidate{ID: "l1", SourceType: domain.SourceLabResult, Content: "A1C: 6.8 %", ContextDate: datePtr(2023, 12, 10)}, FinalScore: 0.6},
	}
}

func TestSynthesizeEmptyReturnsSentinel(t *testing.T) {
	got := NewContextSynthesizer(domain.ContextStrategyGrouped).Synthesize(nil, domain.QueryAnalysis{}, 100)
	if got.FullContext != NoRelevantInformation {
		t.Fatalf("expected sentinel, got %q", got.FullContext)
	}
	if got.TotalChunksUsed != 0 || got.TotalCharacters != 0 || got.EstimatedTokens != 0 {
		t.Fatalf("expected zero counts, got %+v", got)
	}
}

func TestSynthesizeGroupedOrdersBucketsByPriority(t *testing.T) {
	analysis := newTestAnalyzer().Analyze("Summarize my records")
	got := NewContextSynthesizer(domain.ContextStrategyGrouped).Synthesize(rankedFixture(), analysis, 1000)

	if !strings.HasPrefix(got.FullContext, contextHeader) {
		t.Fatalf("expected header first, got %q", got.FullContext)
	}
	encounters := strings.Index(got.FullContext, "--- Clinical Encounters ---")
	labs := strings.Index(got.FullContext, "--- Laboratory Results ---")
	meds := strings.Index(got.FullContext, "--- Medications ---")
	if encounters < 0 || labs < encounters || meds < labs {
		t.Fatalf("unexpected bucket order in %q", got.FullContext)
	}
	if !strings.Contains(got.FullContext, "[2024-03-01] Metformin: 500mg twice daily - Active (source: medication#m1)") {
		t.Fatalf("expected dated, cited item, got %q", got.FullContext)
	}
	if got.TotalChunksUsed != 3 || len(got.Sections) != 3 {
		t.Fatalf("expected 3 chunks in 3 sections, got %d/%d", got.TotalChunksUsed, len(got.Sections))
	}
	if got.EarliestDate.Format(contextDateLayout) != "2023-12-10" || got.LatestDate.Format(contextDateLayout) != "2024-05-02" {
		t.Fatalf("unexpected date span %s..%s", got.EarliestDate, got.LatestDate)
	}
	if got.EstimatedTokens != got.TotalCharacters/4 {
		t.Fatalf("estimated tokens must be chars/4")
	}
}

func TestSynthesizeGroupedStopsAfterFirstTruncation(t *testing.T) {
	results := []domain.RankedResult{
		{RetrievalCandidate: domain.RetrievalCandidate{ID: "e1", SourceType: domain.SourceEncounter, Content: strings.Repeat("encounter note ", 40)}, FinalScore: 0.9},
		{RetrievalCandidate: domain.RetrievalCandidate{ID: "l1", SourceType: domain.SourceLabResult, Content: "LDL: 110 mg/dL"}, FinalScore: 0.8},
	}
	got := NewContextSynthesizer(domain.ContextStrategyGrouped).Synthesize(results, domain.QueryAnalysis{}, 60)

	if got.TotalCharacters > 240 {
		t.Fatalf("budget exceeded: %d chars", got.TotalCharacters)
	}
	if !strings.Contains(got.FullContext, truncationMarker) {
		t.Fatalf("expected truncation marker, got %q", got.FullContext)
	}
	if strings.Contains(got.FullContext, "Laboratory Results") {
		t.Fatalf("no bucket may follow a truncated one, got %q", got.FullContext)
	}
	for _, st := range got.SourceTypesIncluded {
		if st == domain.SourceLabResult {
			t.Fatalf("metadata must exclude dropped items")
		}
	}
}

func TestSynthesizeLinearStopsAtFirstOverflow(t *testing.T) {
	results := []domain.RankedResult{
		{RetrievalCandidate: domain.RetrievalCandidate{ID: "a", SourceType: domain.SourceDocument, Content: "short note"}, FinalScore: 0.9},
		{RetrievalCandidate: domain.RetrievalCandidate{ID: "b", SourceType: domain.SourceDocument, Content: strings.Repeat("x", 200)}, FinalScore: 0.8},
		{RetrievalCandidate: domain.RetrievalCandidate{ID: "c", SourceType: domain.SourceDocument, Content: "tiny"}, FinalScore: 0.7},
	}
	got := NewContextSynthesizer(domain.ContextStrategyLinear).Synthesize(results, domain.QueryAnalysis{}, 25)

	if got.TotalChunksUsed != 1 {
		t.Fatalf("expected only the first item, got %d", got.TotalChunksUsed)
	}
	if strings.Contains(got.FullContext, "tiny") || strings.Contains(got.FullContext, truncationMarker) {
		t.Fatalf("linear mode must stop without truncating, got %q", got.FullContext)
	}
}

func TestSynthesizeNeverExceedsBudget(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 15).Draw(rt, "n")
		types := []domain.SourceType{domain.SourceEncounter, domain.SourceLabResult, domain.SourceMedication, domain.SourceDocument, domain.SourceCustom}
		results := make([]domain.RankedResult, 0, n)
		for i := 0; i < n; i++ {
			results = append(results, domain.RankedResult{
				RetrievalCandidate: domain.RetrievalCandidate{
					ID:         fmt.Sprintf("id-%d", i),
					SourceType: rapid.SampledFrom(types).Draw(rt, "type"),
					Content:    rapid.StringMatching(`[a-zA-Z0-9 .]{0,300}`).Draw(rt, "content"),
				},
				FinalScore: 1 - float64(i)/100,
			})
		}
		maxTokens := rapid.IntRange(20, 400).Draw(rt, "max_tokens")
		strategy := rapid.SampledFrom([]domain.ContextStrategy{domain.ContextStrategyGrouped, domain.ContextStrategyLinear}).Draw(rt, "strategy")

		got := NewContextSynthesizer(strategy).Synthesize(results, domain.QueryAnalysis{Question: "what is going on"}, maxTokens)
		if got.TotalCharacters > maxTokens*4 {
			rt.Fatalf("budget %d exceeded: %d", maxTokens*4, got.TotalCharacters)
		}
		if got.TotalChunksUsed > n {
			rt.Fatalf("more chunks used than supplied")
		}
	})
}
