package usecase

import (
	"regexp"
	"strings"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

type intentRule struct {
	intent   domain.Intent
	patterns []*regexp.Regexp
}

// Order matters: the first intent with any matching pattern wins.
var intentRules = []intentRule{
	{domain.IntentList, compileAll(
		`\blist\b`,
		`\b(what|which) (medications|meds|drugs|prescriptions|conditions|allergies|diagnoses|vaccines|immunizations)\b`,
		`\bwhat (are|were) (all )?(of )?my (medications|meds|conditions|allergies|diagnoses|prescriptions)\b`,
		`\ball (of )?my (medications|meds|conditions|allergies|diagnoses|labs|tests)\b`,
	)},
	{domain.IntentTrend, compileAll(
		`\btrend(s|ed|ing)?\b`,
		`\bover (time|the (past|last) )`,
		`\bprogress(ion|ed)?\b`,
		`\bhistory of my [a-z0-9 ]+ (values|levels|readings|results)\b`,
	)},
	{domain.IntentChange, compileAll(
		`\b(change|changed|changes)\b`,
		`\b(increase|increased|decrease|decreased|went (up|down)|gone (up|down))\b`,
		`\b(improv(e|ed|ing)|worse|worsen(ed|ing)?|better)\b`,
	)},
	{domain.IntentCompare, compileAll(
		`\bcompare(d)?\b`,
		`\bcomparison\b`,
		`\b(versus|vs\.?)\b`,
		`\bdifference between\b`,
	)},
	{domain.IntentSummary, compileAll(
		`\bsummar(y|ize|ise|ized|ised)\b`,
		`\bsum up\b`,
		`\brecap\b`,
	)},
	{domain.IntentOverview, compileAll(
		`\boverview\b`,
		`\boverall (health|condition|picture)\b`,
		`\bbig picture\b`,
	)},
	{domain.IntentValue, compileAll(
		`^(what|what's|whats) (is|was|were|are) my\b`,
		`^what's my\b`,
		`\b(value|level|reading|result|number|score) (of|for)\b`,
		`\bhow (much|high|low) (is|was|are|were)\b`,
		`\bwhat (dose|dosage)\b`,
	)},
	{domain.IntentStatus, compileAll(
		`\b(am i|do i) (still )?(have|taking|on)\b`,
		`\bis my [a-z0-9 ]+ (controlled|normal|under control|stable|active)\b`,
		`\bstatus\b`,
		`\b(currently|still) (taking|on)\b`,
		`\bam i (diabetic|allergic|anemic|hypertensive)\b`,
	)},
	{domain.IntentHistory, compileAll(
		`\bhistory\b`,
		`\bhave i (ever )?(had|been)\b`,
		`\bever (had|been|diagnosed)\b`,
		`\b(previous|previously|past)\b`,
	)},
	{domain.IntentRecent, compileAll(
		`\b(recent|recently|latest|newest|last)\b`,
	)},
	{domain.IntentDiagnosis, compileAll(
		`\bdiagnos(is|ed|es)\b`,
		`\bwhat('s| is) wrong\b`,
		`\bwhat (condition|disease)\b`,
	)},
	{domain.IntentTreatment, compileAll(
		`\btreat(ment|ed|ing)?\b`,
		`\btherapy\b`,
		`\b(manage|managing|management) (of |my )?`,
		`\bprescribed for\b`,
	)},
}

type temporalRule struct {
	name    string
	pattern *regexp.Regexp
	days    int
}

var temporalRules = []temporalRule{
	{"today", regexp.MustCompile(`\btoday\b`), 1},
	{"last_week", regexp.MustCompile(`\b(last|past|this) week\b`), 7},
	{"last_two_weeks", regexp.MustCompile(`\b(last|past) (2|two) weeks\b`), 14},
	{"last_month", regexp.MustCompile(`\b(last|past|this) month\b`), 30},
	{"last_three_months", regexp.MustCompile(`\b(last|past) (3|three) months\b`), 90},
	{"last_six_months", regexp.MustCompile(`\b(last|past) (6|six) months\b`), 180},
	{"last_year", regexp.MustCompile(`\b(last|past|this) year\b|\b(last|past) (12|twelve) months\b`), 365},
	{"last_two_years", regexp.MustCompile(`\b(last|past) (2|two) years\b`), 730},
	{"recently", regexp.MustCompile(`\brecently\b`), 90},
}

var sourceVocabularies = []struct {
	source domain.SourceType
	terms  []string
}{
	{domain.SourceLabResult, []string{
		"lab", "labs", "test", "tests", "result", "results", "blood work", "bloodwork", "blood test", "panel",
		"a1c", "hba1c", "cholesterol", "ldl", "hdl", "triglycerides", "glucose", "creatinine", "egfr",
		"tsh", "potassium", "sodium", "hemoglobin", "platelets", "wbc", "vitamin d", "psa", "inr", "level", "levels",
	}},
	{domain.SourceMedication, []string{
		"medication", "medications", "meds", "medicine", "medicines", "drug", "drugs", "prescription",
		"prescriptions", "prescribed", "pill", "pills", "dose", "dosage", "taking", "refill",
		"metformin", "lisinopril", "atorvastatin", "insulin", "levothyroxine", "amlodipine", "metoprolol",
	}},
	{domain.SourceEncounter, []string{
		"visit", "visits", "appointment", "appointments", "encounter", "encounters", "checkup", "check-up",
		"saw", "seen", "doctor", "vitals", "blood pressure", "pulse", "heart rate", "weight", "height", "bmi",
		"temperature",
	}},
	{domain.SourceDocument, []string{
		"document", "documents", "report", "reports", "note", "notes", "letter", "discharge", "file", "files",
		"upload", "uploaded", "scan", "pdf", "imaging", "radiology", "x-ray", "mri",
	}},
}

var conditionVocabulary = []string{
	"diabetes", "type 2 diabetes", "type 1 diabetes", "prediabetes", "hypertension", "high blood pressure",
	"hyperlipidemia", "high cholesterol", "asthma", "copd", "heart failure", "atrial fibrillation",
	"coronary artery disease", "chronic kidney disease", "ckd", "hypothyroidism", "hyperthyroidism",
	"depression", "anxiety", "obesity", "anemia", "arthritis", "osteoporosis", "cancer", "migraine",
	"gerd", "sleep apnea", "covid", "covid-19", "stroke",
}

var testVocabulary = []string{
	"a1c", "hba1c", "hemoglobin a1c", "ldl", "hdl", "cholesterol", "total cholesterol", "triglycerides",
	"glucose", "fasting glucose", "creatinine", "egfr", "bun", "tsh", "t4", "potassium", "sodium",
	"hemoglobin", "hematocrit", "platelets", "wbc", "vitamin d", "vitamin b12", "psa", "inr", "alt", "ast",
	"albumin", "ferritin", "cbc", "lipid panel", "metabolic panel", "urinalysis",
	"blood pressure", "pulse", "heart rate", "bmi", "weight", "height", "temperature",
}

var medicationVocabulary = []string{
	"metformin", "insulin", "lisinopril", "losartan", "amlodipine", "atorvastatin", "simvastatin",
	"rosuvastatin", "levothyroxine", "metoprolol", "carvedilol", "hydrochlorothiazide", "furosemide",
	"warfarin", "apixaban", "aspirin", "clopidogrel", "omeprazole", "pantoprazole", "albuterol",
	"prednisone", "sertraline", "fluoxetine", "gabapentin", "ibuprofen", "acetaminophen", "glipizide",
	"semaglutide", "empagliflozin",
}

var stopwords = toSet([]string{
	"a", "an", "the", "and", "or", "but", "is", "are", "was", "were", "be", "been", "being", "am",
	"do", "does", "did", "have", "has", "had", "i", "me", "my", "mine", "you", "your", "we", "our",
	"it", "its", "of", "to", "in", "on", "at", "for", "with", "about", "from", "by", "as", "what",
	"whats", "what's", "which", "who", "whom", "when", "where", "why", "how", "this", "that", "these",
	"those", "there", "can", "could", "would", "should", "will", "shall", "may", "might", "must",
	"please", "tell", "show", "give", "any", "all", "some", "much", "many", "last", "latest", "recent",
	"most", "get", "got", "know", "let", "also", "still", "ever", "been", "than", "then", "them",
})

var (
	whitespaceRe        = regexp.MustCompile(`\s+`)
	trailingPunctRe     = regexp.MustCompile(`[?.!]+$`)
	tokenTrimCutset     = ".,;:!?\"'()[]{}"
	recencyHintRe       = regexp.MustCompile(`\b(latest|last|most recent|recent|current|currently|now|newest)\b`)
	conditionMatchers   = compileTerms(conditionVocabulary)
	testMatchers        = compileTerms(testVocabulary)
	medicationMatchers  = compileTerms(medicationVocabulary)
	sourceTermMatchers  = compileSourceTerms()
	boostRecentIntents  = map[domain.Intent]struct{}{domain.IntentRecent: {}, domain.IntentValue: {}, domain.IntentStatus: {}}
	matchConfidence     = 0.8
	defaultConfidence   = 0.5
	minKeywordTokenSize = 3
)

type QueryAnalyzer struct {
	now func() time.Time
}

func NewQueryAnalyzer(now func() time.Time) *QueryAnalyzer {
	if now == nil {
		now = time.Now
	}
	return &QueryAnalyzer{now: now}
}

// Analyze never fails: absence of a match is a valid analysis.
func (a *QueryAnalyzer) Analyze(question string) domain.QueryAnalysis {
	normalized := normalizeQuery(question)
	analysis := domain.QueryAnalysis{
		Question:        question,
		NormalizedQuery: normalized,
		Intent:          domain.IntentGeneral,
		Confidence:      defaultConfidence,
		Entities: domain.QueryEntities{
			Conditions:  []string{},
			Tests:       []string{},
			Medications: []string{},
		},
		DataSources: []domain.SourceType{},
		Keywords:    []string{},
	}
	if normalized == "" {
		return analysis
	}

	analysis.Intent, analysis.Confidence = detectIntent(normalized)
	analysis.Temporal = a.detectTemporal(normalized)
	analysis.DataSources = detectSources(normalized)
	analysis.Entities = domain.QueryEntities{
		Conditions:  matchTerms(conditionMatchers, normalized),
		Tests:       matchTerms(testMatchers, normalized),
		Medications: matchTerms(medicationMatchers, normalized),
	}
	analysis.Keywords = extractKeywords(normalized)
	analysis.UseSemantic = true
	analysis.UseKeyword = len(analysis.Keywords) > 0

	_, intentWantsRecent := boostRecentIntents[analysis.Intent]
	analysis.BoostRecent = intentWantsRecent || analysis.Temporal.IsTemporal || recencyHintRe.MatchString(normalized)
	return analysis
}

func normalizeQuery(question string) string {
	q := strings.ToLower(strings.TrimSpace(question))
	q = whitespaceRe.ReplaceAllString(q, " ")
	q = trailingPunctRe.ReplaceAllString(q, "")
	return strings.TrimSpace(q)
}

func detectIntent(normalized string) (domain.Intent, float64) {
	for _, rule := range intentRules {
		for _, pattern := range rule.patterns {
			if pattern.MatchString(normalized) {
				return rule.intent, matchConfidence
			}
		}
	}
	return domain.IntentGeneral, defaultConfidence
}

func (a *QueryAnalyzer) detectTemporal(normalized string) domain.TemporalWindow {
	for _, rule := range temporalRules {
		if !rule.pattern.MatchString(normalized) {
			continue
		}
		now := a.now().UTC()
		from := now.AddDate(0, 0, -rule.days)
		return domain.TemporalWindow{
			IsTemporal:   true,
			Name:         rule.name,
			RelativeDays: rule.days,
			DateFrom:     &from,
			DateTo:       &now,
		}
	}
	return domain.TemporalWindow{}
}

func detectSources(normalized string) []domain.SourceType {
	out := make([]domain.SourceType, 0, 4)
	for _, vocab := range sourceTermMatchers {
		for _, matcher := range vocab.matchers {
			if matcher.MatchString(normalized) {
				out = append(out, vocab.source)
				break
			}
		}
	}
	return out
}

func extractKeywords(normalized string) []string {
	fields := strings.Fields(normalized)
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		token := strings.Trim(field, tokenTrimCutset)
		if len(token) < minKeywordTokenSize {
			continue
		}
		if _, stop := stopwords[token]; stop {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

type termMatcher struct {
	term    string
	pattern *regexp.Regexp
}

func (m termMatcher) MatchString(s string) bool {
	return m.pattern.MatchString(s)
}

func compileTerms(terms []string) []termMatcher {
	out := make([]termMatcher, 0, len(terms))
	for _, term := range terms {
		out = append(out, termMatcher{
			term:    term,
			pattern: regexp.MustCompile(`(^|[^a-z0-9])` + regexp.QuoteMeta(term) + `($|[^a-z0-9])`),
		})
	}
	return out
}

func compileSourceTerms() []struct {
	source   domain.SourceType
	matchers []termMatcher
} {
	out := make([]struct {
		source   domain.SourceType
		matchers []termMatcher
	}, 0, len(sourceVocabularies))
	for _, vocab := range sourceVocabularies {
		out = append(out, struct {
			source   domain.SourceType
			matchers []termMatcher
		}{source: vocab.source, matchers: compileTerms(vocab.terms)})
	}
	return out
}

func matchTerms(matchers []termMatcher, normalized string) []string {
	out := make([]string, 0, 2)
	for _, m := range matchers {
		if m.MatchString(normalized) {
			out = append(out, m.term)
		}
	}
	return out
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
