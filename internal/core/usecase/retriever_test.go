package usecase

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

func newTestRetriever(index *fakeChunkIndex, records *fakeRecordStore, guardrails *fakeGuardrails) *HybridRetriever {
	return NewHybridRetriever(&fakeEmbedder{}, index, records, guardrails, nil, func() time.Time { return fixedNow })
}

func TestMergeCandidatesTakesMaxPerComponent(t *testing.T) {
	semantic := []domain.RetrievalCandidate{{ID: "c1", SourceType: domain.SourceEncounter, Content: "visit", SemanticScore: 0.8, KeywordScore: 0.1}}
	keyword := []domain.RetrievalCandidate{{ID: "c1", SourceType: domain.SourceEncounter, Content: "visit", SemanticScore: 0.2, KeywordScore: 0.5}}

	merged := mergeCandidates(semantic, keyword)
	if len(merged) != 1 {
		t.Fatalf("expected single merged candidate, got %d", len(merged))
	}
	if merged[0].SemanticScore != 0.8 || merged[0].KeywordScore != 0.5 {
		t.Fatalf("expected max per component, got semantic=%v keyword=%v", merged[0].SemanticScore, merged[0].KeywordScore)
	}
}

func TestMergeCandidatesKeepsSameIDAcrossSourceTypes(t *testing.T) {
	merged := mergeCandidates(
		[]domain.RetrievalCandidate{{ID: "1", SourceType: domain.SourceLabResult}},
		[]domain.RetrievalCandidate{{ID: "1", SourceType: domain.SourceMedication}},
	)
	if len(merged) != 2 {
		t.Fatalf("identity includes source type, got %d candidates", len(merged))
	}
}

func TestRankCandidatesFusesFiltersAndTruncates(t *testing.T) {
	candidates := []domain.RetrievalCandidate{
		{ID: "a", SourceType: domain.SourceDocument, SemanticScore: 0.5, KeywordScore: 0.5, RecencyScore: 0.5},
		{ID: "b", SourceType: domain.SourceDocument, SemanticScore: 1.0},
		{ID: "c", SourceType: domain.SourceDocument, SemanticScore: 0.1},
	}

	ranked := rankCandidates(candidates, 0.3, 5)
	if len(ranked) != 2 {
		t.Fatalf("expected low scorer filtered out, got %d", len(ranked))
	}
	if ranked[0].ID != "b" || math.Abs(ranked[0].FinalScore-0.6) > 1e-9 {
		t.Fatalf("expected b first with 0.6, got %s %v", ranked[0].ID, ranked[0].FinalScore)
	}
	if math.Abs(ranked[1].FinalScore-0.5) > 1e-9 {
		t.Fatalf("expected fused 0.5 for a, got %v", ranked[1].FinalScore)
	}
	if ranked[1].CombinedScore != ranked[1].FinalScore {
		t.Fatalf("final score must equal combined score")
	}

	if got := rankCandidates(candidates, 0, 1); len(got) != 1 {
		t.Fatalf("expected truncation to limit, got %d", len(got))
	}
}

func TestRankCandidatesOrderingIsNonIncreasing(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		candidates := make([]domain.RetrievalCandidate, 0, n)
		for i := 0; i < n; i++ {
			candidates = append(candidates, domain.RetrievalCandidate{
				ID:            rapid.StringMatching(`[a-z]{1,4}`).Draw(rt, "id"),
				SourceType:    domain.SourceDocument,
				SemanticScore: rapid.Float64Range(0, 1).Draw(rt, "semantic"),
				KeywordScore:  rapid.Float64Range(0, 1).Draw(rt, "keyword"),
				RecencyScore:  rapid.Float64Range(0, 1).Draw(rt, "recency"),
			})
		}
		minScore := rapid.Float64Range(0, 1).Draw(rt, "min_score")
		limit := rapid.IntRange(1, 20).Draw(rt, "limit")

		ranked := rankCandidates(candidates, minScore, limit)
		if len(ranked) > limit {
			rt.Fatalf("expected at most %d results, got %d", limit, len(ranked))
		}
		for i, r := range ranked {
			if r.FinalScore < minScore {
				rt.Fatalf("result %d below min score: %v < %v", i, r.FinalScore, minScore)
			}
			if i > 0 && ranked[i-1].FinalScore < r.FinalScore {
				rt.Fatalf("ordering violated at %d", i)
			}
		}
	})
}

func TestRecencyScore(t *testing.T) {
	if got := recencyScore(nil, fixedNow); got != 0 {
		t.Fatalf("expected 0 for missing date, got %v", got)
	}
	if got := recencyScore(&fixedNow, fixedNow); got != 1 {
		t.Fatalf("expected 1 for today, got %v", got)
	}
	old := fixedNow.AddDate(-2, 0, 0)
	if got := recencyScore(&old, fixedNow); got != 0 {
		t.Fatalf("expected 0 beyond one year, got %v", got)
	}
}

func TestRetrieveDegradesWhenSemanticFails(t *testing.T) {
	guardrails := newFakeGuardrails()
	index := &fakeChunkIndex{err: errors.New("qdrant down")}
	records := &fakeRecordStore{keyword: []domain.RetrievalCandidate{
		{ID: "k1", SourceType: domain.SourceEncounter, Content: "heart rate 72 bpm recorded at visit"},
	}}
	retriever := newTestRetriever(index, records, guardrails)
	analysis := newTestAnalyzer().Analyze("heart rate at visit")

	results := retriever.Retrieve(context.Background(), analysis, 7, 10, 0.2)
	if len(results) != 1 || results[0].ID != "k1" {
		t.Fatalf("expected keyword result to survive semantic failure, got %+v", results)
	}
	if guardrails.count(guardrailRetrievalFailed) != 1 {
		t.Fatalf("expected one strategy failure counted")
	}
}

func TestRetrieveRequestsDoubleLimitAndAppliesFilters(t *testing.T) {
	index := &fakeChunkIndex{}
	retriever := newTestRetriever(index, &fakeRecordStore{}, newFakeGuardrails())
	analysis := newTestAnalyzer().Analyze("Which labs did I have last month?")

	_ = retriever.Retrieve(context.Background(), analysis, 7, 5, 0.3)
	if index.lastLimit != 10 {
		t.Fatalf("expected semantic limit 10, got %d", index.lastLimit)
	}
	if index.lastFilter.DateFrom == nil || len(index.lastFilter.SourceTypes) == 0 {
		t.Fatalf("expected temporal and source filters, got %+v", index.lastFilter)
	}
}

func TestRetrieveStructuredLookupBoostsExistingCandidate(t *testing.T) {
	records := &fakeRecordStore{
		keyword: []domain.RetrievalCandidate{
			{ID: "lab-1", SourceType: domain.SourceLabResult, Content: "A1C: 6.8 % (2024-05-01)"},
		},
		labs: []domain.StructuredRecord{
			{ID: "lab-1", Kind: domain.SourceLabResult, Name: "A1C", Value: "6.8", Unit: "%", Line: "A1C: 6.8 % (2024-05-01)", Date: datePtr(2024, 5, 1)},
			{ID: "lab-2", Kind: domain.SourceLabResult, Name: "Hemoglobin A1C POC", Value: "7.1", Unit: "%", Line: "Hemoglobin A1C POC: 7.1 %"},
		},
	}
	retriever := newTestRetriever(&fakeChunkIndex{}, records, newFakeGuardrails())
	analysis := newTestAnalyzer().Analyze("What was my last A1C?")

	results := retriever.Retrieve(context.Background(), analysis, 7, 10, 0.3)
	if len(results) != 2 {
		t.Fatalf("expected two structured candidates, got %d", len(results))
	}
	byID := map[string]domain.RankedResult{}
	for _, r := range results {
		byID[r.ID] = r
	}
	if got := byID["lab-1"].KeywordScore; got != 1 {
		t.Fatalf("expected boosted keyword score capped at 1, got %v", got)
	}
	if got := byID["lab-1"].SemanticScore; got != exactStructuredScore {
		t.Fatalf("expected exact structured score %v, got %v", exactStructuredScore, got)
	}
	if got := byID["lab-2"].KeywordScore; got != fuzzyStructuredScore {
		t.Fatalf("expected fuzzy score %v, got %v", fuzzyStructuredScore, got)
	}
	if results[0].ID != "lab-1" {
		t.Fatalf("expected exact recent match ranked first, got %s", results[0].ID)
	}
}

func TestMergeStructuredBoostCapsAtOne(t *testing.T) {
	merged := mergeStructured(
		[]domain.RetrievalCandidate{{ID: "m1", SourceType: domain.SourceMedication, KeywordScore: 0.95}},
		[]domain.RetrievalCandidate{{ID: "m1", SourceType: domain.SourceMedication, KeywordScore: 0.8}},
	)
	if len(merged) != 1 || merged[0].KeywordScore != 1 {
		t.Fatalf("expected capped boosted score 1, got %+v", merged)
	}
}

func TestRetrieveNoCandidatesIsEmptyNotError(t *testing.T) {
	retriever := newTestRetriever(&fakeChunkIndex{}, &fakeRecordStore{}, newFakeGuardrails())
	results := retriever.Retrieve(context.Background(), newTestAnalyzer().Analyze("anything about my knee"), 7, 10, 0.3)
	if len(results) != 0 {
		t.Fatalf("expected empty result, got %d", len(results))
	}
}

func TestStructuredCandidateFusedScores(t *testing.T) {
	row := domain.StructuredRecord{ID: "m1", Kind: domain.SourceMedication, Name: "Metformin", Line: "Metformin: 500mg twice daily - Active"}

	targeted := structuredCandidate(row, 7, exactStructuredScore, true)
	if got := fusedScore(targeted); math.Abs(got-0.81) > 1e-9 {
		t.Fatalf("expected targeted exact hit to fuse to 0.81, got %v", got)
	}

	untargeted := structuredCandidate(row, 7, fuzzyStructuredScore, false)
	if untargeted.SemanticScore != 0 {
		t.Fatalf("untargeted rows must not carry a semantic score, got %v", untargeted.SemanticScore)
	}
	if got := fusedScore(untargeted); math.Abs(got-0.24) > 1e-9 {
		t.Fatalf("expected untargeted row to fuse to 0.24, got %v", got)
	}
}

func TestStructuredLookupsTargeting(t *testing.T) {
	analyzer := newTestAnalyzer()

	named := structuredLookups(analyzer.Analyze("Am I still taking metformin?"))
	if len(named) == 0 {
		t.Fatalf("expected a medication lookup")
	}
	for _, q := range named {
		if !q.targeted {
			t.Fatalf("named lookup must be targeted: %+v", q)
		}
	}

	fallback := structuredLookups(analyzer.Analyze("What is my status?"))
	if len(fallback) != 2 {
		t.Fatalf("expected both kinds for an unscoped question, got %+v", fallback)
	}
	for _, q := range fallback {
		if q.targeted {
			t.Fatalf("unscoped lookup must not be targeted: %+v", q)
		}
	}
}

func TestRetrieveUntargetedStructuredRowsStayBelowFloor(t *testing.T) {
	records := &fakeRecordStore{
		medications: []domain.StructuredRecord{{ID: "m1", Kind: domain.SourceMedication, Name: "Metformin", Line: "Metformin: 500mg"}},
		labs:        []domain.StructuredRecord{{ID: "l1", Kind: domain.SourceLabResult, Name: "LDL", Line: "LDL: 110 mg/dL"}},
	}
	retriever := newTestRetriever(&fakeChunkIndex{}, records, newFakeGuardrails())
	analysis := newTestAnalyzer().Analyze("What is my status?")
	if !analysis.Intent.IsFactual() {
		t.Fatalf("expected a factual intent, got %s", analysis.Intent)
	}

	if results := retriever.Retrieve(context.Background(), analysis, 7, 10, 0.3); len(results) != 0 {
		t.Fatalf("expected newest rows filtered out for an unscoped question, got %+v", results)
	}
}
