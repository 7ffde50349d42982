package usecase

import (
	"testing"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

func TestRouteFactualIntentsNeverSample(t *testing.T) {
	analyzer := newTestAnalyzer()
	router := NewQueryRouter()

	for _, question := range []string{
		"List my medications",
		"What is my blood pressure?",
		"Am I still taking metformin?",
		"What are all my medications",
	} {
		route := router.Route(analyzer.Analyze(question), RouteHints{HasHistory: true})
		if route.Profile.DoSample {
			t.Fatalf("%q: factual intent must not sample, got %+v", question, route.Profile)
		}
	}
}

func TestRouteTaskDetection(t *testing.T) {
	analyzer := newTestAnalyzer()
	router := NewQueryRouter()

	cases := []struct {
		question string
		want     domain.TaskType
	}{
		{"What was my last A1C?", domain.TaskFactual},
		{"Summarize my records", domain.TaskSummary},
		{"How has my LDL trended?", domain.TaskTrend},
		{"Can you explain my cholesterol results", domain.TaskLabInterpretation},
		{"Please reconcile my current medications", domain.TaskMedicationReconciliation},
		{"What does this scan show", domain.TaskVisionExtraction},
		{"Should I drink more water", domain.TaskGeneral},
	}
	for _, tc := range cases {
		if got := router.Route(analyzer.Analyze(tc.question), RouteHints{}).Task; got != tc.want {
			t.Fatalf("%q: expected task %s, got %s", tc.question, tc.want, got)
		}
	}
}

func TestRouteGeneralTemperatureIsConversationAware(t *testing.T) {
	analysis := newTestAnalyzer().Analyze("Should I drink more water")
	router := NewQueryRouter()

	fresh := router.Route(analysis, RouteHints{})
	ongoing := router.Route(analysis, RouteHints{HasHistory: true})

	if fresh.Profile.Temperature != 0.7 {
		t.Fatalf("expected fresh temperature 0.7, got %v", fresh.Profile.Temperature)
	}
	if ongoing.Profile.Temperature != 0.5 {
		t.Fatalf("expected ongoing temperature 0.5, got %v", ongoing.Profile.Temperature)
	}
}

func TestRouteClinicianModeFromFlagOrPhrase(t *testing.T) {
	analyzer := newTestAnalyzer()
	router := NewQueryRouter()

	byFlag := router.Route(analyzer.Analyze("Summarize my records"), RouteHints{ClinicianMode: true})
	if !byFlag.ClinicianMode || byFlag.Profile.Label != "clinician" {
		t.Fatalf("expected clinician route from flag, got %+v", byFlag)
	}

	byPhrase := router.Route(analyzer.Analyze("Write a clinical summary for my doctor"), RouteHints{})
	if !byPhrase.ClinicianMode {
		t.Fatalf("expected clinician route from phrasing, got %+v", byPhrase)
	}
	if byPhrase.Profile.DoSample {
		t.Fatalf("clinician profile must not sample")
	}
}
