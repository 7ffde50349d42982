package mcpadapter

import "github.com/mark3labs/mcp-go/mcp"

var askPatientQuestionTool = mcp.NewTool("ask_patient_question",
	mcp.WithDescription("Answer a question about one patient's medical records, grounded in the records with inline citations."),
	mcp.WithString("question",
		mcp.Required(),
		mcp.Description("Natural language question"),
	),
	mcp.WithNumber("patient_id",
		mcp.Required(),
		mcp.Description("Patient whose records are searched"),
	),
	mcp.WithString("conversation_id",
		mcp.Description("Existing conversation to continue; a new one is created when empty"),
	),
	mcp.WithBoolean("use_history",
		mcp.Description("Include recent conversation turns in the prompt"),
	),
	mcp.WithBoolean("clinician_mode",
		mcp.Description("Answer for a clinician with mandatory citations"),
	),
	mcp.WithBoolean("structured_output",
		mcp.Description("Also return validated structured findings"),
	),
)

var analyzeQuestionTool = mcp.NewTool("analyze_question",
	mcp.WithDescription("Show how a question is understood: intent, entities, time window, data sources and keywords."),
	mcp.WithString("question",
		mcp.Required(),
		mcp.Description("Natural language question"),
	),
)
