package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

const (
	NoRelevantInformation = "No relevant information found in the patient's records."

	contextHeader      = "=== Patient Medical Information ==="
	linearSeparator    = "\n\n---\n\n"
	truncationMarker   = "...[truncated]"
	charsPerToken      = 4
	defaultMaxTokens   = 2000
	contextDateLayout  = "2006-01-02"
	minTruncatedPrefix = 20
)

var sectionOrder = []domain.SourceType{
	domain.SourceEncounter,
	domain.SourceLabResult,
	domain.SourceMedication,
	domain.SourceDocument,
	domain.SourceCustom,
}

var sectionHeaders = map[domain.SourceType]string{
	domain.SourceEncounter:  "Clinical Encounters",
	domain.SourceLabResult:  "Laboratory Results",
	domain.SourceMedication: "Medications",
	domain.SourceDocument:   "Clinical Documents",
	domain.SourceCustom:     "Other Records",
}

type ContextSynthesizer struct {
	strategy domain.ContextStrategy
}

func NewContextSynthesizer(strategy domain.ContextStrategy) *ContextSynthesizer {
	if strategy != domain.ContextStrategyLinear {
		strategy = domain.ContextStrategyGrouped
	}
	return &ContextSynthesizer{strategy: strategy}
}

// Synthesize assembles the prompt context. The result never exceeds
// maxTokens*4 characters and its metadata covers only included items.
func (s *ContextSynthesizer) Synthesize(results []domain.RankedResult, analysis domain.QueryAnalysis, maxTokens int) domain.SynthesizedContext {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if len(results) == 0 {
		return domain.SynthesizedContext{
			FullContext:         NoRelevantInformation,
			Sections:            []domain.ContextSection{},
			SourceTypesIncluded: []domain.SourceType{},
		}
	}
	budget := maxTokens * charsPerToken
	if s.strategy == domain.ContextStrategyLinear {
		return synthesizeLinear(results, budget)
	}
	return synthesizeGrouped(results, analysis, budget)
}

type contextAccumulator struct {
	included []domain.RankedResult
	types    []domain.SourceType
	seen     map[domain.SourceType]struct{}
	earliest *time.Time
	latest   *time.Time
}

func newContextAccumulator() *contextAccumulator {
	return &contextAccumulator{seen: make(map[domain.SourceType]struct{})}
}

func (a *contextAccumulator) add(r domain.RankedResult) {
	a.included = append(a.included, r)
	if _, ok := a.seen[r.SourceType]; !ok {
		a.seen[r.SourceType] = struct{}{}
		a.types = append(a.types, r.SourceType)
	}
	if r.ContextDate == nil {
		return
	}
	if a.earliest == nil || r.ContextDate.Before(*a.earliest) {
		d := *r.ContextDate
		a.earliest = &d
	}
	if a.latest == nil || r.ContextDate.After(*a.latest) {
		d := *r.ContextDate
		a.latest = &d
	}
}

func (a *contextAccumulator) build(full string, sections []domain.ContextSection) domain.SynthesizedContext {
	if sections == nil {
		sections = []domain.ContextSection{}
	}
	types := a.types
	if types == nil {
		types = []domain.SourceType{}
	}
	evidence := make([]string, 0, len(sections))
	for _, section := range sections {
		evidence = append(evidence, section.Content)
	}
	return domain.SynthesizedContext{
		FullContext:         full,
		EvidenceText:        strings.Join(evidence, "\n\n"),
		Sections:            sections,
		TotalChunksUsed:     len(a.included),
		TotalCharacters:     len(full),
		EstimatedTokens:     len(full) / charsPerToken,
		SourceTypesIncluded: types,
		EarliestDate:        a.earliest,
		LatestDate:          a.latest,
	}
}

func synthesizeGrouped(results []domain.RankedResult, analysis domain.QueryAnalysis, budget int) domain.SynthesizedContext {
	buckets := make(map[domain.SourceType][]domain.RankedResult, len(sectionOrder))
	for _, r := range results {
		key := r.SourceType
		if _, known := sectionHeaders[key]; !known {
			key = domain.SourceCustom
		}
		buckets[key] = append(buckets[key], r)
	}

	var b strings.Builder
	writeBounded(&b, contextPreamble(analysis), budget)

	acc := newContextAccumulator()
	sections := make([]domain.ContextSection, 0, len(buckets))
	for _, sourceType := range sectionOrder {
		items := buckets[sourceType]
		if len(items) == 0 {
			continue
		}

		prefix := "\n\n--- " + sectionHeaders[sourceType] + " ---\n"
		remaining := budget - b.Len() - len(prefix)
		if remaining <= len(truncationMarker) {
			break
		}

		body, used, truncated := renderBucket(items, remaining)
		if len(used) == 0 && !truncated {
			break
		}
		b.WriteString(prefix)
		b.WriteString(body)

		for _, r := range used {
			acc.add(r)
		}
		sections = append(sections, domain.ContextSection{
			Title:      sectionHeaders[sourceType],
			Content:    body,
			SourceType: sourceType,
			Relevance:  maxRelevance(used, items),
			Date:       latestDate(used),
		})
		if truncated {
			break
		}
	}

	return acc.build(b.String(), sections)
}

// renderBucket joins items by blank lines within limit chars. On overflow the
// partially fitting item is cut and marked, and nothing after it is added.
func renderBucket(items []domain.RankedResult, limit int) (string, []domain.RankedResult, bool) {
	var b strings.Builder
	used := make([]domain.RankedResult, 0, len(items))
	for i, item := range items {
		entry := formatContextItem(item)
		sep := ""
		if i > 0 {
			sep = "\n\n"
		}
		if b.Len()+len(sep)+len(entry) <= limit {
			b.WriteString(sep)
			b.WriteString(entry)
			used = append(used, item)
			continue
		}

		room := limit - b.Len() - len(sep) - len(truncationMarker)
		if room >= minTruncatedPrefix {
			b.WriteString(sep)
			b.WriteString(cutUTF8(entry, room))
			used = append(used, item)
		} else if b.Len()+len(truncationMarker)+1 > limit {
			return b.String(), used, true
		} else if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(truncationMarker)
		return b.String(), used, true
	}
	return b.String(), used, false
}

func synthesizeLinear(results []domain.RankedResult, budget int) domain.SynthesizedContext {
	var b strings.Builder
	acc := newContextAccumulator()
	sections := make([]domain.ContextSection, 0, len(results))
	for _, r := range results {
		entry := formatContextItem(r)
		sep := ""
		if b.Len() > 0 {
			sep = linearSeparator
		}
		if b.Len()+len(sep)+len(entry) > budget {
			break
		}
		b.WriteString(sep)
		b.WriteString(entry)
		acc.add(r)
		sections = append(sections, domain.ContextSection{
			Title:      sectionTitle(r.SourceType),
			Content:    entry,
			SourceType: r.SourceType,
			Relevance:  r.FinalScore,
			Date:       r.ContextDate,
		})
	}
	if acc.included == nil {
		return domain.SynthesizedContext{
			FullContext:         NoRelevantInformation,
			Sections:            []domain.ContextSection{},
			SourceTypesIncluded: []domain.SourceType{},
		}
	}
	return acc.build(b.String(), sections)
}

func contextPreamble(analysis domain.QueryAnalysis) string {
	var b strings.Builder
	b.WriteString(contextHeader)
	if q := strings.TrimSpace(analysis.Question); q != "" {
		b.WriteString("\nQuestion: ")
		b.WriteString(q)
	}
	if analysis.Temporal.IsTemporal && analysis.Temporal.DateFrom != nil && analysis.Temporal.DateTo != nil {
		fmt.Fprintf(&b, "\nTime range: %s to %s",
			analysis.Temporal.DateFrom.Format(contextDateLayout),
			analysis.Temporal.DateTo.Format(contextDateLayout),
		)
	}
	return b.String()
}

func formatContextItem(r domain.RankedResult) string {
	content := strings.TrimSpace(r.Content)
	if r.ContextDate != nil {
		content = "[" + r.ContextDate.Format(contextDateLayout) + "] " + content
	}
	return content + " " + r.Citation()
}

func sectionTitle(sourceType domain.SourceType) string {
	if title, ok := sectionHeaders[sourceType]; ok {
		return title
	}
	return sectionHeaders[domain.SourceCustom]
}

func writeBounded(b *strings.Builder, s string, budget int) {
	if len(s) > budget {
		s = cutUTF8(s, budget)
	}
	b.WriteString(s)
}

func maxRelevance(used, all []domain.RankedResult) float64 {
	pool := used
	if len(pool) == 0 {
		pool = all
	}
	best := 0.0
	for _, r := range pool {
		best = max(best, r.FinalScore)
	}
	return best
}

func latestDate(items []domain.RankedResult) *time.Time {
	var latest *time.Time
	for _, r := range items {
		if r.ContextDate != nil && (latest == nil || r.ContextDate.After(*latest)) {
			latest = r.ContextDate
		}
	}
	return latest
}

// cutUTF8 returns at most n bytes of s without splitting a rune.
func cutUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
