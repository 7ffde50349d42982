package domain

import "time"

type TaskType string

const (
	TaskFactual                  TaskType = "factual"
	TaskSummary                  TaskType = "summary"
	TaskTrend                    TaskType = "trend"
	TaskLabInterpretation        TaskType = "lab_interpretation"
	TaskMedicationReconciliation TaskType = "medication_reconciliation"
	TaskVisionExtraction         TaskType = "vision_extraction"
	TaskGeneral                  TaskType = "general"
)

// NeedsBroadRecall reports whether the task retrieves with the lowered score floor.
func (t TaskType) NeedsBroadRecall() bool {
	switch t {
	case TaskSummary, TaskTrend, TaskLabInterpretation, TaskMedicationReconciliation, TaskVisionExtraction:
		return true
	default:
		return false
	}
}

type DecodingProfile struct {
	Label        string  `json:"label"`
	DoSample     bool    `json:"do_sample"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
}

type Route struct {
	Task          TaskType        `json:"task"`
	Profile       DecodingProfile `json:"profile"`
	ClinicianMode bool            `json:"clinician_mode"`
}

type GenerationResult struct {
	Text            string        `json:"text"`
	TokensInput     int           `json:"tokens_input"`
	TokensGenerated int           `json:"tokens_generated"`
	Latency         time.Duration `json:"latency"`
}
