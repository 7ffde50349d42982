package usecase

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

const (
	NotEnoughTrendData = "There are not enough dated values in your records to describe a trend."

	structuredAnswerPrefix = "According to your records:"
)

var (
	bulletPrefixRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	nameValueRe    = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9 ,()/+-]*?)\s*[:=]\s*(.+?)\s*$`)
	ratioValueRe   = regexp.MustCompile(`^(\d{2,3})\s*/\s*(\d{2,3})\b\s*([A-Za-z%/µ°]*)`)
	numericValueRe = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*([A-Za-z%µ°][A-Za-z0-9%/µ°.^²]*)?`)
	categoricalRe  = regexp.MustCompile(`^([A-Za-z][A-Za-z -]{0,30}?)\s*(?:$|[-(;,.])`)
	inlineDateRe   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	trailingDateRe = regexp.MustCompile(`\s*\(\d{4}-\d{2}-\d{2}\)\s*$`)
	metricAliases  = map[string][]string{
		"a1c":            {"a1c", "hba1c", "hemoglobin a1c", "glycated hemoglobin"},
		"ldl":            {"ldl", "ldl cholesterol", "ldl-c", "low density lipoprotein"},
		"hdl":            {"hdl", "hdl cholesterol", "hdl-c", "high density lipoprotein"},
		"cholesterol":    {"total cholesterol", "cholesterol"},
		"triglycerides":  {"triglycerides", "trig"},
		"glucose":        {"glucose", "fasting glucose", "blood sugar"},
		"creatinine":     {"creatinine", "creat"},
		"egfr":           {"egfr", "gfr"},
		"tsh":            {"tsh", "thyroid stimulating hormone"},
		"hemoglobin":     {"hemoglobin", "hgb", "hb"},
		"blood pressure": {"blood pressure", "bp"},
		"pulse":          {"pulse", "heart rate", "hr"},
		"heart rate":     {"heart rate", "pulse", "hr"},
		"weight":         {"weight", "wt"},
		"bmi":            {"bmi", "body mass index"},
		"temperature":    {"temperature", "temp"},
		"potassium":      {"potassium", "k"},
		"sodium":         {"sodium", "na"},
		"vitamin d":      {"vitamin d", "25-oh vitamin d", "vit d"},
		"psa":            {"psa", "prostate specific antigen"},
	}
)

// structuredShortcutApplies reports whether the answer can be rendered from
// structured rows without a model call.
func structuredShortcutApplies(analysis domain.QueryAnalysis, route domain.Route, results []domain.RankedResult) bool {
	if route.ClinicianMode || route.Task == domain.TaskLabInterpretation || route.Task == domain.TaskSummary {
		return false
	}
	if !hasStructuredResults(results) {
		return false
	}
	if analysis.Intent.IsFactual() {
		return true
	}
	explicit := len(analysis.Entities.Medications) > 0 || len(analysis.Entities.Tests) > 0
	switch analysis.Intent {
	case domain.IntentHistory, domain.IntentRecent, domain.IntentGeneral:
		return explicit
	default:
		return false
	}
}

func trendShortcutApplies(analysis domain.QueryAnalysis, route domain.Route, results []domain.RankedResult) bool {
	if route.ClinicianMode {
		return false
	}
	if analysis.Intent != domain.IntentTrend && analysis.Intent != domain.IntentChange {
		return false
	}
	if len(analysis.Entities.Tests) > 0 {
		return true
	}
	for _, r := range results {
		if r.SourceType == domain.SourceLabResult {
			return true
		}
	}
	return false
}

func hasStructuredResults(results []domain.RankedResult) bool {
	for _, r := range results {
		if r.SourceType.IsStructured() {
			return true
		}
	}
	return false
}

type structuredLine struct {
	text   string
	name   string
	date   *time.Time
	source domain.RankedResult
}

// RenderStructuredAnswer builds the deterministic answer from lab and
// medication candidates: normalized, deduplicated and bulleted when more than one.
func RenderStructuredAnswer(analysis domain.QueryAnalysis, results []domain.RankedResult) (string, []domain.RankedResult, bool) {
	lines := collectStructuredLines(results)
	if len(lines) == 0 {
		return "", nil, false
	}
	lines = filterByEntities(lines, analysis.Entities)
	if analysis.Intent == domain.IntentValue {
		lines = latestPerName(lines)
	}

	used := make([]domain.RankedResult, 0, len(lines))
	for _, l := range lines {
		used = append(used, l.source)
	}
	if len(lines) == 1 {
		return fmt.Sprintf("%s %s %s.", structuredAnswerPrefix, lines[0].text, lines[0].source.Citation()), used, true
	}

	var b strings.Builder
	b.WriteString(structuredAnswerPrefix)
	for _, l := range lines {
		b.WriteString("\n- ")
		b.WriteString(l.text)
		b.WriteString(" ")
		b.WriteString(l.source.Citation())
	}
	return b.String(), used, true
}

func collectStructuredLines(results []domain.RankedResult) []structuredLine {
	out := make([]structuredLine, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		if !r.SourceType.IsStructured() {
			continue
		}
		text := normalizeStructuredLine(r.Content)
		if text == "" {
			continue
		}
		key := strings.ToLower(text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, structuredLine{
			text:   text,
			name:   lineName(text),
			date:   r.ContextDate,
			source: r,
		})
	}
	return out
}

func normalizeStructuredLine(raw string) string {
	line := strings.TrimSpace(raw)
	line = bulletPrefixRe.ReplaceAllString(line, "")
	line = whitespaceRe.ReplaceAllString(line, " ")
	line = strings.TrimRight(line, " .;,")
	return line
}

func lineName(line string) string {
	if m := nameValueRe.FindStringSubmatch(line); m != nil {
		return strings.ToLower(strings.TrimSpace(m[1]))
	}
	return strings.ToLower(line)
}

func filterByEntities(lines []structuredLine, entities domain.QueryEntities) []structuredLine {
	terms := make([]string, 0, len(entities.Tests)+len(entities.Medications))
	for _, t := range entities.Tests {
		terms = append(terms, aliasesFor(t)...)
	}
	terms = append(terms, entities.Medications...)
	if len(terms) == 0 {
		return lines
	}
	out := make([]structuredLine, 0, len(lines))
	for _, l := range lines {
		if nameMatchesAny(l.name, terms) || nameMatchesAny(strings.ToLower(l.text), terms) {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return lines
	}
	return out
}

func latestPerName(lines []structuredLine) []structuredLine {
	best := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for i, l := range lines {
		j, ok := best[l.name]
		if !ok {
			best[l.name] = i
			order = append(order, l.name)
			continue
		}
		if laterDate(l.date, lines[j].date) {
			best[l.name] = i
		}
	}
	out := make([]structuredLine, 0, len(order))
	for _, name := range order {
		out = append(out, lines[best[name]])
	}
	return out
}

func laterDate(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	return b == nil || a.After(*b)
}

type valueShape string

const (
	shapeNumeric     valueShape = "numeric"
	shapeRatio       valueShape = "ratio"
	shapeCategorical valueShape = "categorical"
)

type trendPoint struct {
	name     string
	display  string
	shape    valueShape
	number   float64
	decimals int
	unit     string
	value    string
	date     time.Time
	source   domain.RankedResult
}

// RenderTrendAnswer compares the earliest and latest dated values of the
// requested metric. It returns NotEnoughTrendData when fewer than two
// comparable points exist.
func RenderTrendAnswer(analysis domain.QueryAnalysis, results []domain.RankedResult) (string, []domain.RankedResult) {
	points := make([]trendPoint, 0, len(results))
	for _, r := range results {
		if p, ok := parseTrendPoint(r); ok {
			points = append(points, p)
		}
	}

	metric := requestedMetric(analysis, points)
	if metric == "" {
		return NotEnoughTrendData, nil
	}
	aliases := aliasesFor(metric)
	matching := make([]trendPoint, 0, len(points))
	for _, p := range points {
		if nameMatchesAny(p.name, aliases) {
			matching = append(matching, p)
		}
	}
	comparable := dominantShape(matching)
	if len(comparable) < 2 {
		return NotEnoughTrendData, nil
	}

	sort.SliceStable(comparable, func(i, j int) bool {
		return comparable[i].date.Before(comparable[j].date)
	})
	first := comparable[0]
	last := comparable[len(comparable)-1]
	if first.date.Equal(last.date) {
		return NotEnoughTrendData, nil
	}
	return describeTrend(first, last), []domain.RankedResult{first.source, last.source}
}

func describeTrend(first, last trendPoint) string {
	label := last.display
	from := first.date.Format(contextDateLayout)
	to := last.date.Format(contextDateLayout)

	if first.shape != shapeNumeric {
		if strings.EqualFold(first.value, last.value) {
			return fmt.Sprintf("Your %s remained %s between %s and %s.", label, last.value, from, to)
		}
		return fmt.Sprintf("Your %s changed from %s (%s) to %s (%s).", label, first.value, from, last.value, to)
	}

	decimals := max(first.decimals, last.decimals)
	diff := last.number - first.number
	scale := math.Pow(10, float64(decimals))
	diff = math.Round(diff*scale) / scale
	if diff == 0 {
		return fmt.Sprintf("Your %s remained stable at %s between %s and %s.", label, withUnit(last.value, last.unit), from, to)
	}
	direction := "increased"
	if diff < 0 {
		direction = "decreased"
	}
	delta := strconv.FormatFloat(math.Abs(diff), 'f', decimals, 64)
	return fmt.Sprintf("Your %s %s by %s, from %s (%s) to %s (%s).",
		label, direction, withUnit(delta, last.unit),
		withUnit(first.value, first.unit), from,
		withUnit(last.value, last.unit), to,
	)
}

func withUnit(value, unit string) string {
	if unit == "" {
		return value
	}
	if unit == "%" {
		return value + unit
	}
	return value + " " + unit
}

func parseTrendPoint(r domain.RankedResult) (trendPoint, bool) {
	line := normalizeStructuredLine(r.Content)
	date := r.ContextDate
	if date == nil {
		if m := inlineDateRe.FindStringSubmatch(line); m != nil {
			if parsed, err := time.Parse(contextDateLayout, m[1]); err == nil {
				date = &parsed
			}
		}
	}
	if date == nil {
		return trendPoint{}, false
	}
	line = trailingDateRe.ReplaceAllString(line, "")

	m := nameValueRe.FindStringSubmatch(line)
	if m == nil {
		return trendPoint{}, false
	}
	display := strings.TrimSpace(m[1])
	rest := strings.TrimSpace(m[2])
	p := trendPoint{
		name:    strings.ToLower(display),
		display: display,
		date:    date.UTC(),
		source:  r,
	}

	if rm := ratioValueRe.FindStringSubmatch(rest); rm != nil {
		p.shape = shapeRatio
		p.value = rm[1] + "/" + rm[2]
		p.unit = rm[3]
		return p, true
	}
	if nm := numericValueRe.FindStringSubmatch(rest); nm != nil {
		v, err := strconv.ParseFloat(nm[1], 64)
		if err != nil {
			return trendPoint{}, false
		}
		p.shape = shapeNumeric
		p.number = v
		p.value = nm[1]
		p.unit = strings.TrimRight(nm[2], ".")
		if dot := strings.IndexByte(nm[1], '.'); dot >= 0 {
			p.decimals = len(nm[1]) - dot - 1
		}
		return p, true
	}
	if cm := categoricalRe.FindStringSubmatch(rest); cm != nil {
		p.shape = shapeCategorical
		p.value = strings.TrimSpace(cm[1])
		return p, true
	}
	return trendPoint{}, false
}

func requestedMetric(analysis domain.QueryAnalysis, points []trendPoint) string {
	if len(analysis.Entities.Tests) > 0 {
		return analysis.Entities.Tests[0]
	}
	if len(points) > 0 {
		return points[0].name
	}
	return ""
}

// dominantShape keeps the points sharing the most common value shape (and
// unit for numerics). Ties prefer numeric values.
func dominantShape(points []trendPoint) []trendPoint {
	groups := make(map[string][]trendPoint)
	order := make([]string, 0)
	for _, p := range points {
		key := string(p.shape)
		if p.shape == shapeNumeric {
			key += "|" + strings.ToLower(p.unit)
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
	}
	best := ""
	for _, key := range order {
		switch {
		case best == "":
			best = key
		case len(groups[key]) > len(groups[best]):
			best = key
		case len(groups[key]) == len(groups[best]) && strings.HasPrefix(key, string(shapeNumeric)) && !strings.HasPrefix(best, string(shapeNumeric)):
			best = key
		}
	}
	return groups[best]
}

func aliasesFor(metric string) []string {
	metric = strings.ToLower(strings.TrimSpace(metric))
	if aliases, ok := metricAliases[metric]; ok {
		return aliases
	}
	keys := make([]string, 0, len(metricAliases))
	for canonical := range metricAliases {
		keys = append(keys, canonical)
	}
	sort.Strings(keys)
	for _, canonical := range keys {
		for _, alias := range metricAliases[canonical] {
			if alias == metric {
				return metricAliases[canonical]
			}
		}
	}
	return []string{metric}
}

func nameMatchesAny(name string, terms []string) bool {
	for _, term := range terms {
		if term == "" {
			continue
		}
		pattern := `(^|[^a-z0-9])` + regexp.QuoteMeta(strings.ToLower(term)) + `($|[^a-z0-9])`
		if matched, _ := regexp.MatchString(pattern, name); matched {
			return true
		}
	}
	return false
}
