package usecase

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type sanitizeRule struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
	apply       func(string) string
}

func (r sanitizeRule) run(text string) string {
	if r.apply != nil {
		return r.apply(text)
	}
	return r.pattern.ReplaceAllString(text, r.replacement)
}

var bannedPhrases = []string{
	"it is likely that you have",
	"you likely have",
	"you probably have",
	"you may have",
	"you might have",
	"this suggests that you",
	"this could indicate",
	"this may indicate",
	"it appears that you have",
	"i would guess",
	"based on my knowledge",
	"based on general knowledge",
	"as an ai",
	"as a language model",
	"i am not a doctor",
}

var screeningRe = regexp.MustCompile(`(?i)\b([a-z0-9-]+)\s+screen(?:ing)?\b[^.\n]*?\b(positive|negative)\b`)

// sanitizeRules run in order. Every answer passes through the same list
// whether it was streamed or not.
var sanitizeRules = []sanitizeRule{
	{name: "section_markers", pattern: regexp.MustCompile(`(?m)^[ \t]*(?:={3,}|-{3,})[^\n]*(?:\n|$)`), replacement: ""},
	{name: "context_labels", pattern: regexp.MustCompile(`(?im)^[ \t]*(?:context|answer|response|assistant|final answer)[ \t]*:[ \t]*`), replacement: ""},
	{name: "placeholders", pattern: regexp.MustCompile(`(?i)\[(?:redacted|name|patient name|patient|date|doctor|provider|insert[^\]]*|placeholder|unknown)\]`), replacement: ""},
	{name: "asterisk_runs", pattern: regexp.MustCompile(`\*{3,}`), replacement: ""},
	{name: "second_person_possessive", pattern: regexp.MustCompile(`(?i)\bthe patient's\b`), replacement: "your"},
	{name: "second_person_is", pattern: regexp.MustCompile(`(?i)\bthe patient is\b`), replacement: "you are"},
	{name: "second_person_was", pattern: regexp.MustCompile(`(?i)\bthe patient was\b`), replacement: "you were"},
	{name: "second_person_has", pattern: regexp.MustCompile(`(?i)\bthe patient has\b`), replacement: "you have"},
	{name: "second_person_subject", pattern: regexp.MustCompile(`(?i)\bthe patient\b`), replacement: "you"},
	{name: "banned_phrases", apply: removeBannedSentences},
	{name: "screening_contradictions", apply: mergeScreeningContradictions},
	{name: "space_runs", pattern: regexp.MustCompile(`[ \t]+`), replacement: " "},
	{name: "space_before_punctuation", pattern: regexp.MustCompile(` +([.,;:!?])`), replacement: "$1"},
	{name: "blank_line_runs", pattern: regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`), replacement: "\n\n"},
	{name: "capitalize_sentences", apply: capitalizeSentences},
}

type SanitizeReport struct {
	Applied       []string
	BannedRemoved int
}

// SanitizeAnswer applies every rule in order and reports which ones changed the text.
func SanitizeAnswer(text string) (string, SanitizeReport) {
	report := SanitizeReport{}
	report.BannedRemoved = countBannedSentences(text)
	for _, rule := range sanitizeRules {
		next := rule.run(text)
		if next != text {
			report.Applied = append(report.Applied, rule.name)
		}
		text = next
	}
	return strings.TrimSpace(text), report
}

func containsBannedPhrase(s string) bool {
	lowered := strings.ToLower(s)
	for _, phrase := range bannedPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

func countBannedSentences(text string) int {
	n := 0
	for _, s := range splitSentences(text) {
		if containsBannedPhrase(s.text) {
			n++
		}
	}
	return n
}

func removeBannedSentences(text string) string {
	parts := splitSentences(text)
	kept := make([]sentence, 0, len(parts))
	for _, s := range parts {
		if containsBannedPhrase(s.text) {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == len(parts) {
		return text
	}
	return joinSentences(kept)
}

// mergeScreeningContradictions replaces conflicting positive and negative
// statements about the same screening with one neutral sentence.
func mergeScreeningContradictions(text string) string {
	parts := splitSentences(text)
	type polarity struct{ positive, negative bool }
	seen := make(map[string]*polarity)
	subjects := make([]string, len(parts))
	for i, s := range parts {
		m := screeningRe.FindStringSubmatch(s.text)
		if m == nil {
			continue
		}
		subject := strings.ToLower(strings.TrimSpace(m[1]))
		subjects[i] = subject
		p := seen[subject]
		if p == nil {
			p = &polarity{}
			seen[subject] = p
		}
		if strings.EqualFold(m[2], "positive") {
			p.positive = true
		} else {
			p.negative = true
		}
	}

	changed := false
	emitted := make(map[string]struct{})
	out := make([]sentence, 0, len(parts))
	for i, s := range parts {
		subject := subjects[i]
		p := seen[subject]
		if subject == "" || p == nil || !(p.positive && p.negative) {
			out = append(out, s)
			continue
		}
		changed = true
		if _, done := emitted[subject]; done {
			continue
		}
		emitted[subject] = struct{}{}
		out = append(out, sentence{text: "Your records contain both positive and negative results for " + subject + " screening; please confirm the latest result with your care team. "})
	}
	if !changed {
		return text
	}
	return joinSentences(out)
}

func capitalizeSentences(text string) string {
	parts := splitSentences(text)
	var b strings.Builder
	for _, s := range parts {
		b.WriteString(capitalizeFirstLetter(s.text))
	}
	return b.String()
}

func capitalizeFirstLetter(s string) string {
	for i, r := range s {
		if unicode.IsSpace(r) || r == '-' || r == '*' || r == '•' {
			continue
		}
		if !unicode.IsLower(r) || hasInnerUpper(s[i:]) {
			return s
		}
		upper := unicode.ToUpper(r)
		return s[:i] + string(upper) + s[i+utf8.RuneLen(r):]
	}
	return s
}

// hasInnerUpper keeps mixed-case tokens such as eGFR or mL untouched.
func hasInnerUpper(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) {
			return false
		}
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}
