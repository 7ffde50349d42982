package usecase

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

const (
	StrictGroundingRefusal = "I could not find this information in your medical records. Please check with your care team or upload the relevant document."
	NoEvidenceAnswer       = "I don't have enough information in your medical records to answer that question."
	GenerationErrorAnswer  = "Sorry, something went wrong while preparing your answer. Please try again."

	lowConfidenceTemplate = "I'm not fully confident this answers your question, but the most relevant entry in your records says: \"%s\" %s"
	evidenceGateTemplate  = "The document does not record your %s."

	evidenceWindowChars = 40
)

// noInformationAnswers are the fixed answers returned without a model call
// when retrieval produced nothing usable.
var noInformationAnswers = map[string]struct{}{
	StrictGroundingRefusal: {},
	NoEvidenceAnswer:       {},
	NoRelevantInformation:  {},
}

func IsNoInformationAnswer(text string) bool {
	_, ok := noInformationAnswers[text]
	return ok
}

type evidenceTerm struct {
	label    string
	question *regexp.Regexp
	context  *regexp.Regexp
}

var evidenceTerms = []evidenceTerm{
	{"pulse", regexp.MustCompile(`\b(pulse|heart rate|hr)\b`), regexp.MustCompile(`\b(pulse|heart rate|hr|bpm)\b`)},
	{"blood pressure", regexp.MustCompile(`\b(blood pressure|bp)\b`), regexp.MustCompile(`\b(blood pressure|bp|systolic|diastolic)\b`)},
	{"temperature", regexp.MustCompile(`\b(temperature|temp|fever)\b`), regexp.MustCompile(`\b(temperature|temp)\b`)},
	{"weight", regexp.MustCompile(`\b(weight|weigh)\b`), regexp.MustCompile(`\b(weight|wt)\b`)},
	{"height", regexp.MustCompile(`\b(height|how tall)\b`), regexp.MustCompile(`\b(height|ht)\b`)},
	{"BMI", regexp.MustCompile(`\b(bmi|body mass index)\b`), regexp.MustCompile(`\b(bmi|body mass index)\b`)},
	{"A1C", regexp.MustCompile(`\b(a1c|hba1c)\b`), regexp.MustCompile(`\b(a1c|hba1c|hemoglobin a1c)\b`)},
	{"LDL", regexp.MustCompile(`\bldl\b`), regexp.MustCompile(`\bldl\b`)},
	{"HDL", regexp.MustCompile(`\bhdl\b`), regexp.MustCompile(`\bhdl\b`)},
	{"cholesterol", regexp.MustCompile(`\bcholesterol\b`), regexp.MustCompile(`\b(cholesterol|ldl|hdl)\b`)},
	{"glucose", regexp.MustCompile(`\b(glucose|blood sugar)\b`), regexp.MustCompile(`\b(glucose|blood sugar)\b`)},
	{"creatinine", regexp.MustCompile(`\bcreatinine\b`), regexp.MustCompile(`\bcreatinine\b`)},
	{"eGFR", regexp.MustCompile(`\begfr\b`), regexp.MustCompile(`\b(egfr|gfr)\b`)},
	{"TSH", regexp.MustCompile(`\btsh\b`), regexp.MustCompile(`\btsh\b`)},
	{"hemoglobin", regexp.MustCompile(`\b(hemoglobin|hgb)\b`), regexp.MustCompile(`\b(hemoglobin|hgb)\b`)},
}

var (
	digitRe        = regexp.MustCompile(`\d`)
	numberRe       = regexp.MustCompile(`\d+(?:\.\d+)?`)
	ratioRe        = regexp.MustCompile(`\b(\d{2,3})\s*/\s*(\d{2,3})\b`)
	citationRe     = regexp.MustCompile(`\(source:\s*[a-z_]+#[^)\s]+\)`)
	datePatternsRe = regexp.MustCompile(`(?i)\b\d{4}-\d{1,2}-\d{1,2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b|\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(st|nd|rd|th)?,?\s+\d{4}\b|\b\d{1,2}\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{4}\b|\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{4}\b|\b(19|20)\d{2}\b`)
	measurementRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(mg/dl|mmol/l|mmhg|g/dl|meq/l|ng/ml|pg/ml|ng/dl|miu/l|uiu/ml|µiu/ml|u/l|iu/l|k/ul|kg/m2|kg/m²|ml/min(?:/1\.73\s?m2)?|mcg|mg|kg|lbs|lb|pounds|bpm|beats per minute|breaths per minute|°\s?f|°\s?c|degrees|cm|mm|inches|units|iu|ml|g|%)`)
	refusalPhrases = []string{
		"does not record", "do not record", "not enough", "no relevant information", "i don't have",
		"i do not have", "not found in", "could not find", "cannot find", "can't find", "unable to find",
		"not available in", "no record of", "not documented",
	}
)

// RequiredEvidence reports which measurement, if any, the question explicitly asks for.
func RequiredEvidence(question string) (string, bool) {
	q := strings.ToLower(question)
	for _, term := range evidenceTerms {
		if term.question.MatchString(q) {
			return term.label, true
		}
	}
	return "", false
}

// EvidenceGate checks that a required measurement has a number near one of its
// mentions in the context. It returns the refusal text when evidence is missing.
func EvidenceGate(question, context string) (string, bool) {
	label, required := RequiredEvidence(question)
	if !required {
		return "", true
	}
	term := evidenceTermByLabel(label)
	if term == nil {
		return "", true
	}
	cleaned := stripDatesAndCitations(strings.ToLower(context))
	for _, loc := range term.context.FindAllStringIndex(cleaned, -1) {
		from := max(0, loc[0]-evidenceWindowChars)
		to := min(len(cleaned), loc[1]+evidenceWindowChars)
		if digitRe.MatchString(cleaned[from:to]) {
			return "", true
		}
	}
	return fmt.Sprintf(evidenceGateTemplate, label), false
}

func evidenceTermByLabel(label string) *evidenceTerm {
	for i := range evidenceTerms {
		if evidenceTerms[i].label == label {
			return &evidenceTerms[i]
		}
	}
	return nil
}

// LowConfidenceAnswer quotes the single best snippet verbatim.
func LowConfidenceAnswer(top domain.RankedResult) string {
	return fmt.Sprintf(lowConfidenceTemplate, strings.TrimSpace(top.Content), top.Citation())
}

type sentence struct {
	text string
}

func (s sentence) core() string {
	return strings.TrimSpace(s.text)
}

// splitSentences cuts text at ., ! or ? followed by whitespace or end of
// text, and at newlines. Concatenating the parts yields the input.
func splitSentences(text string) []sentence {
	out := make([]sentence, 0, 8)
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		end := -1
		switch {
		case c == '\n':
			end = i + 1
		case c == '.' || c == '!' || c == '?':
			if i+1 == len(text) || isSpace(text[i+1]) {
				end = i + 1
			}
		}
		if end < 0 {
			continue
		}
		for end < len(text) && isSpace(text[end]) {
			end++
		}
		out = append(out, sentence{text: text[start:end]})
		start = end
		i = end - 1
	}
	if start < len(text) {
		out = append(out, sentence{text: text[start:]})
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func joinSentences(parts []sentence) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.text)
	}
	return strings.TrimSpace(b.String())
}

func stripDatesAndCitations(text string) string {
	text = citationRe.ReplaceAllString(text, " ")
	return datePatternsRe.ReplaceAllString(text, " ")
}

type numericClaim struct {
	raw   string
	value string
	ratio bool
}

// medicalNumerics extracts unit-bearing numbers and ratios such as 120/80.
func medicalNumerics(text string) []numericClaim {
	cleaned := stripDatesAndCitations(text)
	out := make([]numericClaim, 0, 2)
	for _, m := range ratioRe.FindAllStringSubmatch(cleaned, -1) {
		out = append(out, numericClaim{raw: m[0], value: normalizeNumber(m[1]) + "/" + normalizeNumber(m[2]), ratio: true})
	}
	cleaned = ratioRe.ReplaceAllString(cleaned, " ")
	for _, loc := range measurementRe.FindAllStringSubmatchIndex(cleaned, -1) {
		end := loc[1]
		if end < len(cleaned) && isWordByte(cleaned[end]) && !strings.HasSuffix(cleaned[loc[0]:end], "%") {
			continue
		}
		out = append(out, numericClaim{raw: cleaned[loc[0]:end], value: normalizeNumber(cleaned[loc[2]:loc[3]])})
	}
	return out
}

func isWordByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func normalizeNumber(raw string) string {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// contextNumbers is the set of every number and ratio that appears in the context.
type contextNumbers struct {
	values map[string]struct{}
	ratios map[string]struct{}
}

// Dates and citations are removed the same way as on the claim side, so a
// record date never grounds a measurement.
func newContextNumbers(context string) contextNumbers {
	cleaned := stripDatesAndCitations(context)
	out := contextNumbers{values: make(map[string]struct{}), ratios: make(map[string]struct{})}
	for _, m := range ratioRe.FindAllStringSubmatch(cleaned, -1) {
		out.ratios[normalizeNumber(m[1])+"/"+normalizeNumber(m[2])] = struct{}{}
	}
	for _, raw := range numberRe.FindAllString(cleaned, -1) {
		out.values[normalizeNumber(raw)] = struct{}{}
	}
	return out
}

func (c contextNumbers) supports(claim numericClaim) bool {
	if claim.ratio {
		_, ok := c.ratios[claim.value]
		return ok
	}
	_, ok := c.values[claim.value]
	return ok
}

func containsRefusalPhrase(s string) bool {
	lowered := strings.ToLower(s)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

func sentenceGrounded(s string, numbers contextNumbers) bool {
	if containsRefusalPhrase(s) {
		return true
	}
	for _, claim := range medicalNumerics(s) {
		if !numbers.supports(claim) {
			return false
		}
	}
	return true
}

// FindUngroundedClaims returns the sentences whose medical numerics are absent
// from the context. Sentences that already refuse are ignored.
func FindUngroundedClaims(text, context string) []string {
	numbers := newContextNumbers(context)
	out := make([]string, 0)
	for _, s := range splitSentences(text) {
		if !sentenceGrounded(s.text, numbers) {
			out = append(out, s.core())
		}
	}
	return out
}

// EnforceNumericGrounding strips sentences with ungrounded numerics. Text with
// nothing to strip is returned unchanged; if nothing survives the refusal is returned.
func EnforceNumericGrounding(text, context string) (string, int) {
	numbers := newContextNumbers(context)
	parts := splitSentences(text)
	kept := make([]sentence, 0, len(parts))
	for _, s := range parts {
		if sentenceGrounded(s.text, numbers) {
			kept = append(kept, s)
		}
	}
	removed := len(parts) - len(kept)
	if removed == 0 {
		return text, 0
	}
	out := joinSentences(kept)
	if out == "" {
		return StrictGroundingRefusal, removed
	}
	return out, removed
}

type CitationReport struct {
	AutoAttached int
	Stripped     int
}

// EnforceNumericCitations makes numeric claims carry an inline citation. A
// claim supported by exactly one retrieved snippet is cited automatically;
// otherwise it is stripped when citations are mandatory and left alone when not.
func EnforceNumericCitations(text string, sources []domain.RankedResult, mandatory bool) (string, CitationReport) {
	report := CitationReport{}
	parts := splitSentences(text)
	out := make([]sentence, 0, len(parts))
	changed := false
	for _, s := range parts {
		claims := medicalNumerics(s.text)
		if len(claims) == 0 || citationRe.MatchString(s.text) || containsRefusalPhrase(s.text) {
			out = append(out, s)
			continue
		}
		supporting := supportingSources(claims, sources)
		if len(supporting) == 1 {
			out = append(out, sentence{text: attachCitation(s.text, supporting[0].Citation())})
			report.AutoAttached++
			changed = true
			continue
		}
		if mandatory {
			report.Stripped++
			changed = true
			continue
		}
		out = append(out, s)
	}
	if !changed {
		return text, report
	}
	return joinSentences(out), report
}

func supportingSources(claims []numericClaim, sources []domain.RankedResult) []domain.RankedResult {
	out := make([]domain.RankedResult, 0, 1)
	for _, src := range sources {
		numbers := newContextNumbers(src.Content)
		all := true
		for _, claim := range claims {
			if !numbers.supports(claim) {
				all = false
				break
			}
		}
		if all {
			out = append(out, src)
		}
	}
	return out
}

func attachCitation(s, citation string) string {
	trimmed := strings.TrimRight(s, " \t\r\n")
	trailing := s[len(trimmed):]
	punct := ""
	if n := len(trimmed); n > 0 && strings.ContainsRune(".!?", rune(trimmed[n-1])) {
		punct = trimmed[n-1:]
		trimmed = trimmed[:n-1]
	}
	return trimmed + " " + citation + punct + trailing
}
