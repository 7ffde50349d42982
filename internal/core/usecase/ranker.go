package usecase

import (
	"sort"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

const (
	semanticWeight = 0.60
	keywordWeight  = 0.30
	recencyWeight  = 0.10

	recencyHorizonDays = 365.0
)

// mergeCandidates collapses candidates sharing (ID, SourceType), keeping the
// max of each score component. Input order decides which content wins.
func mergeCandidates(lists ...[]domain.RetrievalCandidate) []domain.RetrievalCandidate {
	index := make(map[string]int)
	out := make([]domain.RetrievalCandidate, 0)
	for _, list := range lists {
		for _, c := range list {
			key := c.Key()
			if i, ok := index[key]; ok {
				out[i] = mergeCandidate(out[i], c)
				continue
			}
			index[key] = len(out)
			out = append(out, c)
		}
	}
	return out
}

func mergeCandidate(current, other domain.RetrievalCandidate) domain.RetrievalCandidate {
	current.SemanticScore = max(current.SemanticScore, other.SemanticScore)
	current.KeywordScore = max(current.KeywordScore, other.KeywordScore)
	current.RecencyScore = max(current.RecencyScore, other.RecencyScore)
	if current.Content == "" {
		current.Content = other.Content
	}
	if current.SourceID == "" {
		current.SourceID = other.SourceID
	}
	if current.ContextDate == nil {
		current.ContextDate = other.ContextDate
	}
	if current.PageNumber == nil {
		current.PageNumber = other.PageNumber
	}
	return current
}

func recencyScore(date *time.Time, now time.Time) float64 {
	if date == nil {
		return 0
	}
	days := now.Sub(*date).Hours() / 24
	if days < 0 {
		return 1
	}
	return max(0, 1-days/recencyHorizonDays)
}

func fusedScore(c domain.RetrievalCandidate) float64 {
	return semanticWeight*c.SemanticScore + keywordWeight*c.KeywordScore + recencyWeight*c.RecencyScore
}

// rankCandidates filters by minScore and returns at most limit results ordered
// by non-increasing FinalScore.
func rankCandidates(candidates []domain.RetrievalCandidate, minScore float64, limit int) []domain.RankedResult {
	out := make([]domain.RankedResult, 0, len(candidates))
	for _, c := range candidates {
		c.CombinedScore = fusedScore(c)
		if c.CombinedScore < minScore {
			continue
		}
		out = append(out, domain.RankedResult{RetrievalCandidate: c, FinalScore: c.CombinedScore})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		if out[i].SourceType != out[j].SourceType {
			return out[i].SourceType < out[j].SourceType
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
