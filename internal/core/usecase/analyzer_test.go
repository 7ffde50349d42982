package usecase

import (
	"slices"
	"testing"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

var fixedNow = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer() *QueryAnalyzer {
	return NewQueryAnalyzer(func() time.Time { return fixedNow })
}

func TestAnalyzeLastA1CIsValueLabQuestion(t *testing.T) {
	got := newTestAnalyzer().Analyze("What was my last A1C?")

	if got.Intent != domain.IntentValue {
		t.Fatalf("expected value intent, got %s", got.Intent)
	}
	if got.Confidence != 0.8 {
		t.Fatalf("expected matched confidence 0.8, got %v", got.Confidence)
	}
	if !slices.Contains(got.Entities.Tests, "a1c") {
		t.Fatalf("expected a1c in tests, got %v", got.Entities.Tests)
	}
	if !got.HasSource(domain.SourceLabResult) {
		t.Fatalf("expected lab_result source, got %v", got.DataSources)
	}
	if !got.BoostRecent {
		t.Fatalf("expected boost_recent for latest value question")
	}
	if got.NormalizedQuery != "what was my last a1c" {
		t.Fatalf("unexpected normalized query %q", got.NormalizedQuery)
	}
}

func TestAnalyzeEmptyQuestion(t *testing.T) {
	got := newTestAnalyzer().Analyze("   ")

	if got.Intent != domain.IntentGeneral || got.Confidence != 0.5 {
		t.Fatalf("expected general/0.5, got %s/%v", got.Intent, got.Confidence)
	}
	if got.Temporal.IsTemporal {
		t.Fatalf("expected no temporal window")
	}
	if len(got.DataSources) != 0 || len(got.Keywords) != 0 {
		t.Fatalf("expected no sources and keywords, got %v %v", got.DataSources, got.Keywords)
	}
	if got.UseSemantic || got.UseKeyword {
		t.Fatalf("expected no search strategies for empty question")
	}
}

func TestAnalyzeIntentTableOrder(t *testing.T) {
	cases := []struct {
		question string
		want     domain.Intent
	}{
		{"List my medications", domain.IntentList},
		{"What medications am I on?", domain.IntentList},
		{"How has my LDL trended?", domain.IntentTrend},
		{"Has my weight changed?", domain.IntentChange},
		{"Compare my 2023 and 2024 cholesterol", domain.IntentCompare},
		{"Can you summarize my records", domain.IntentSummary},
		{"Give me an overview", domain.IntentOverview},
		{"What is my blood pressure?", domain.IntentValue},
		{"Am I still taking metformin?", domain.IntentStatus},
		{"Have I ever had surgery?", domain.IntentHistory},
		{"Show my latest visit", domain.IntentRecent},
		{"What was I diagnosed with", domain.IntentDiagnosis},
		{"How is my asthma treated?", domain.IntentTreatment},
		{"Hello there", domain.IntentGeneral},
	}
	analyzer := newTestAnalyzer()
	for _, tc := range cases {
		if got := analyzer.Analyze(tc.question).Intent; got != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.question, tc.want, got)
		}
	}
}

func TestAnalyzeTemporalWindowUsesInjectedClock(t *testing.T) {
	got := newTestAnalyzer().Analyze("What labs did I have in the last 3 months?")

	if !got.Temporal.IsTemporal || got.Temporal.RelativeDays != 90 {
		t.Fatalf("expected 90-day window, got %+v", got.Temporal)
	}
	if !got.Temporal.DateTo.Equal(fixedNow) {
		t.Fatalf("expected date_to=%s, got %s", fixedNow, got.Temporal.DateTo)
	}
	if want := fixedNow.AddDate(0, 0, -90); !got.Temporal.DateFrom.Equal(want) {
		t.Fatalf("expected date_from=%s, got %s", want, got.Temporal.DateFrom)
	}
}

func TestAnalyzeDetectsMultipleSources(t *testing.T) {
	got := newTestAnalyzer().Analyze("Did my doctor change my metformin dose after the cholesterol test?")

	for _, source := range []domain.SourceType{domain.SourceLabResult, domain.SourceMedication, domain.SourceEncounter} {
		if !got.HasSource(source) {
			t.Fatalf("expected source %s in %v", source, got.DataSources)
		}
	}
	if !slices.Contains(got.Entities.Medications, "metformin") {
		t.Fatalf("expected metformin entity, got %v", got.Entities.Medications)
	}
}

func TestAnalyzeKeywordsDropStopwordsAndShortTokens(t *testing.T) {
	got := newTestAnalyzer().Analyze("Is my ldl ok for the heart?")

	want := []string{"ldl", "heart"}
	if !slices.Equal(got.Keywords, want) {
		t.Fatalf("expected keywords %v, got %v", want, got.Keywords)
	}
	if !got.UseKeyword {
		t.Fatalf("expected keyword search enabled")
	}
}

func TestAnalyzeEntityMatchingIsWholeTerm(t *testing.T) {
	got := newTestAnalyzer().Analyze("What happened at my last visit?")
	if slices.Contains(got.Entities.Tests, "ast") {
		t.Fatalf("ast must not match inside another word: %v", got.Entities.Tests)
	}
}
