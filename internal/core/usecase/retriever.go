package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
	"github.com/kirillkom/patient-record-assistant/internal/core/ports"
)

const (
	exactStructuredScore = 0.9
	fuzzyStructuredScore = 0.8
	structuredBoost      = 0.2

	guardrailRetrievalFailed = "retrieval_strategy_failed"
)

type HybridRetriever struct {
	embedder   ports.Embedder
	index      ports.ChunkIndex
	records    ports.RecordStore
	guardrails ports.GuardrailSink
	logger     *slog.Logger
	now        func() time.Time
}

func NewHybridRetriever(
	embedder ports.Embedder,
	index ports.ChunkIndex,
	records ports.RecordStore,
	guardrails ports.GuardrailSink,
	logger *slog.Logger,
	now func() time.Time,
) *HybridRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &HybridRetriever{
		embedder:   embedder,
		index:      index,
		records:    records,
		guardrails: guardrails,
		logger:     logger,
		now:        now,
	}
}

// Retrieve never fails: a broken strategy contributes zero candidates and an
// empty result means "no evidence".
func (r *HybridRetriever) Retrieve(
	ctx context.Context,
	analysis domain.QueryAnalysis,
	patientID int64,
	limit int,
	minScore float64,
) []domain.RankedResult {
	if limit <= 0 {
		limit = 10
	}
	filter := domain.FilterFromAnalysis(analysis)

	var semantic, keyword, structured []domain.RetrievalCandidate
	var g errgroup.Group
	if analysis.UseSemantic && r.embedder != nil && r.index != nil {
		g.Go(func() error {
			semantic = r.semanticSearch(ctx, analysis, patientID, filter, 2*limit)
			return nil
		})
	}
	if analysis.UseKeyword && len(analysis.Keywords) > 0 && r.records != nil {
		g.Go(func() error {
			keyword = r.keywordSearch(ctx, analysis, patientID, filter, 2*limit)
			return nil
		})
	}
	if analysis.Intent.IsFactual() && r.records != nil {
		g.Go(func() error {
			structured = r.structuredLookup(ctx, analysis, patientID, limit)
			return nil
		})
	}
	_ = g.Wait()

	merged := mergeCandidates(semantic, keyword)
	merged = mergeStructured(merged, structured)

	now := r.now()
	for i := range merged {
		merged[i].RecencyScore = 0
		if analysis.BoostRecent {
			merged[i].RecencyScore = recencyScore(merged[i].ContextDate, now)
		}
	}

	return rankCandidates(merged, minScore, limit)
}

func (r *HybridRetriever) semanticSearch(
	ctx context.Context,
	analysis domain.QueryAnalysis,
	patientID int64,
	filter domain.RecordFilter,
	limit int,
) []domain.RetrievalCandidate {
	vector, err := r.embedder.EmbedQuery(ctx, analysis.NormalizedQuery)
	if err != nil {
		r.strategyFailed(ctx, "semantic", patientID, err)
		return nil
	}
	candidates, err := r.index.SearchChunks(ctx, patientID, vector, filter, limit)
	if err != nil {
		r.strategyFailed(ctx, "semantic", patientID, err)
		return nil
	}
	for i := range candidates {
		candidates[i].KeywordScore = 0
	}
	return candidates
}

func (r *HybridRetriever) keywordSearch(
	ctx context.Context,
	analysis domain.QueryAnalysis,
	patientID int64,
	filter domain.RecordFilter,
	limit int,
) []domain.RetrievalCandidate {
	candidates, err := r.records.SearchKeyword(ctx, patientID, analysis.Keywords, filter, limit)
	if err != nil {
		r.strategyFailed(ctx, "keyword", patientID, err)
		return nil
	}
	for i := range candidates {
		candidates[i].SemanticScore = 0
		candidates[i].KeywordScore = keywordMatchScore(analysis.Keywords, candidates[i].Content)
	}
	return candidates
}

func (r *HybridRetriever) structuredLookup(
	ctx context.Context,
	analysis domain.QueryAnalysis,
	patientID int64,
	limit int,
) []domain.RetrievalCandidate {
	out := make([]domain.RetrievalCandidate, 0)
	for _, lookup := range structuredLookups(analysis) {
		rows, err := r.records.LookupStructured(ctx, patientID, lookup.kind, lookup.names, limit)
		if err != nil {
			r.strategyFailed(ctx, "structured_"+string(lookup.kind), patientID, err)
			continue
		}
		for _, row := range rows {
			score := fuzzyStructuredScore
			if exactNameMatch(row.Name, lookup.names) {
				score = exactStructuredScore
			}
			out = append(out, structuredCandidate(row, patientID, score, lookup.targeted))
		}
	}
	return out
}

func (r *HybridRetriever) strategyFailed(ctx context.Context, strategy string, patientID int64, err error) {
	r.logger.WarnContext(ctx, "retrieval_strategy_failed",
		"strategy", strategy,
		"patient_id", patientID,
		"error", err.Error(),
	)
	if r.guardrails != nil {
		r.guardrails.Increment(guardrailRetrievalFailed, map[string]string{"strategy": strategy})
	}
}

// structuredQuery is targeted when the question named the record or asked for
// its kind. Untargeted queries only list the newest rows.
type structuredQuery struct {
	kind     domain.SourceType
	names    []string
	targeted bool
}

func structuredLookups(analysis domain.QueryAnalysis) []structuredQuery {
	wantMeds := analysis.HasSource(domain.SourceMedication) || len(analysis.Entities.Medications) > 0
	wantLabs := analysis.HasSource(domain.SourceLabResult) || len(analysis.Entities.Tests) > 0
	targeted := wantMeds || wantLabs
	if !targeted && analysis.SearchesAll() {
		wantMeds, wantLabs = true, true
	}

	out := make([]structuredQuery, 0, 2)
	if wantMeds {
		out = append(out, structuredQuery{kind: domain.SourceMedication, names: analysis.Entities.Medications, targeted: targeted})
	}
	if wantLabs {
		out = append(out, structuredQuery{kind: domain.SourceLabResult, names: analysis.Entities.Tests, targeted: targeted})
	}
	return out
}

// mergeStructured adds direct lookups; evidence already found by another
// strategy gets a keyword boost instead of a second entry.
func mergeStructured(merged, structured []domain.RetrievalCandidate) []domain.RetrievalCandidate {
	if len(structured) == 0 {
		return merged
	}
	index := make(map[string]int, len(merged))
	for i, c := range merged {
		index[c.Key()] = i
	}
	for _, s := range structured {
		i, ok := index[s.Key()]
		if !ok {
			index[s.Key()] = len(merged)
			merged = append(merged, s)
			continue
		}
		existing := merged[i]
		existing.KeywordScore = min(1, existing.KeywordScore+structuredBoost)
		merged[i] = mergeCandidate(existing, s)
	}
	return merged
}

// structuredCandidate scores a direct lookup. A targeted hit also stands in
// for the semantic component, since the row was matched by name or kind rather
// than embedded; keyword alone would fuse to at most 0.27 and never pass the
// retrieval floor. Untargeted rows carry the keyword score only.
func structuredCandidate(row domain.StructuredRecord, patientID int64, score float64, targeted bool) domain.RetrievalCandidate {
	c := domain.RetrievalCandidate{
		ID:           row.ID,
		SourceType:   row.Kind,
		SourceID:     row.ID,
		PatientID:    patientID,
		Content:      row.Line,
		KeywordScore: score,
		ContextDate:  row.Date,
	}
	if targeted {
		c.SemanticScore = score
	}
	return c
}

func exactNameMatch(name string, wanted []string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, w := range wanted {
		if name == strings.ToLower(strings.TrimSpace(w)) {
			return true
		}
	}
	return false
}

func keywordMatchScore(keywords []string, content string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lowered := strings.ToLower(content)
	matched := 0
	for _, keyword := range keywords {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}
