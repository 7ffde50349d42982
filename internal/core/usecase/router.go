package usecase

import (
	"regexp"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

type RouteHints struct {
	ClinicianMode bool
	HasHistory    bool
}

var (
	clinicianPhraseRe = regexp.MustCompile(`\b(as (a|your) (clinician|physician|doctor|nurse)|clinical summary|for my (doctor|physician|provider)|differential|soap note|handoff)\b`)
	visionRe          = regexp.MustCompile(`\b(image|images|photo|photos|picture|scan|scanned|x-ray|screenshot)\b`)
	reconcileRe       = regexp.MustCompile(`\b(reconcile|reconciliation|all (of )?my (medications|meds)|current (medications|meds)|medication list|drug interactions?)\b`)
	interpretRe       = regexp.MustCompile(`\b(interpret|explain|what does .+ mean|mean(s)?|normal range|is .+ (normal|high|low))\b`)
	labTermRe         = regexp.MustCompile(`\b(lab|labs|test|tests|result|results|panel|a1c|hba1c|ldl|hdl|cholesterol|glucose|creatinine|egfr|tsh|hemoglobin|potassium|sodium|triglycerides)\b`)
)

var decodingProfiles = map[domain.TaskType]domain.DecodingProfile{
	domain.TaskFactual:                  {Label: "factual", DoSample: false, Temperature: 0, TopP: 1, MaxNewTokens: 256},
	domain.TaskSummary:                  {Label: "summary", DoSample: true, Temperature: 0.3, TopP: 0.9, MaxNewTokens: 768},
	domain.TaskTrend:                    {Label: "trend", DoSample: false, Temperature: 0.1, TopP: 1, MaxNewTokens: 384},
	domain.TaskLabInterpretation:        {Label: "lab_interpretation", DoSample: true, Temperature: 0.2, TopP: 0.85, MaxNewTokens: 512},
	domain.TaskMedicationReconciliation: {Label: "medication_reconciliation", DoSample: false, Temperature: 0, TopP: 1, MaxNewTokens: 512},
	domain.TaskVisionExtraction:         {Label: "vision_extraction", DoSample: false, Temperature: 0, TopP: 1, MaxNewTokens: 512},
	domain.TaskGeneral:                  {Label: "general", DoSample: true, Temperature: 0.7, TopP: 0.95, MaxNewTokens: 512},
}

var (
	clinicianProfile        = domain.DecodingProfile{Label: "clinician", DoSample: false, Temperature: 0.1, TopP: 1, MaxNewTokens: 768}
	correctionProfile       = domain.DecodingProfile{Label: "self_correction", DoSample: false, Temperature: 0.1, TopP: 1, MaxNewTokens: 512}
	ongoingConversationTemp = 0.5
)

type QueryRouter struct{}

func NewQueryRouter() *QueryRouter {
	return &QueryRouter{}
}

// Route picks the task type and decoding parameters for a question.
func (r *QueryRouter) Route(analysis domain.QueryAnalysis, hints RouteHints) domain.Route {
	q := analysis.NormalizedQuery
	clinician := hints.ClinicianMode || clinicianPhraseRe.MatchString(q)
	task := detectTask(analysis)

	profile := decodingProfiles[task]
	if clinician {
		profile = clinicianProfile
	}
	if task == domain.TaskGeneral && hints.HasHistory && !clinician {
		profile.Temperature = ongoingConversationTemp
	}
	if analysis.Intent.IsFactual() {
		profile.DoSample = false
		if profile.Temperature > 0.1 {
			profile.Temperature = 0
		}
	}

	return domain.Route{Task: task, Profile: profile, ClinicianMode: clinician}
}

func detectTask(analysis domain.QueryAnalysis) domain.TaskType {
	q := analysis.NormalizedQuery
	switch {
	case visionRe.MatchString(q):
		return domain.TaskVisionExtraction
	case reconcileRe.MatchString(q):
		return domain.TaskMedicationReconciliation
	case interpretRe.MatchString(q) && labTermRe.MatchString(q):
		return domain.TaskLabInterpretation
	case analysis.Intent == domain.IntentTrend || analysis.Intent == domain.IntentChange:
		return domain.TaskTrend
	case analysis.Intent.IsSummary():
		return domain.TaskSummary
	case analysis.Intent.IsFactual():
		return domain.TaskFactual
	default:
		return domain.TaskGeneral
	}
}
