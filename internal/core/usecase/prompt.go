package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

const DefaultSystemPrompt = `You are a careful medical records assistant talking directly to the patient.
Answer only from the patient's records provided in the context.
Never invent values, dates, diagnoses or medications.
If the records do not contain the answer, say so plainly.
Address the patient as "you".`

const maxDocumentChars = 12000

var taskInstructions = map[domain.TaskType]string{
	domain.TaskFactual: `Give the exact recorded value, list or status in one or two sentences.
Quote numbers and units exactly as written in the context and cite each one as (source: type#id).`,
	domain.TaskSummary: `Write a short summary grouped by topic (conditions, medications, recent results, visits).
Use only facts present in the context.`,
	domain.TaskTrend: `Describe how the requested value changed over time, giving the earliest and latest dated values.
Do not extrapolate beyond the recorded dates.`,
	domain.TaskLabInterpretation: `Explain what the recorded lab results mean in plain language.
Only refer to reference ranges that appear in the context.`,
	domain.TaskMedicationReconciliation: `List every medication in the context with dose, frequency and status.
Flag medications that appear more than once with different doses.`,
	domain.TaskVisionExtraction: `Report only what the document text says about the image or scan.
Do not describe findings that are not written in the context.`,
	domain.TaskGeneral: `Answer helpfully and briefly using the context.
If the question needs information that is not in the records, say that it is not recorded.`,
}

const clinicianInstructions = `The reader is a clinician. Use concise clinical language.
Every numeric statement must carry an inline citation (source: type#id).`

// groundedExamples show the expected citation style for strict answers.
const groundedExamples = `Examples:
Context: [2024-03-02] LDL: 128 mg/dL (source: lab_result#41)
Question: What was my LDL?
Answer: Your LDL was 128 mg/dL on 2024-03-02 (source: lab_result#41).

Context: [2024-01-15] Visit note, no vitals recorded (source: encounter#7)
Question: What was my pulse?
Answer: Your records do not record your pulse.`

type promptInput struct {
	systemPrompt string
	route        domain.Route
	strict       bool
	history      []domain.ConversationMessage
	context      string
	question     string
}

func buildAnswerPrompt(in promptInput) string {
	var b strings.Builder
	system := strings.TrimSpace(in.systemPrompt)
	if system == "" {
		system = DefaultSystemPrompt
	}
	b.WriteString(system)
	b.WriteString("\n\nTask:\n")
	b.WriteString(taskInstructions[in.route.Task])
	if in.route.ClinicianMode {
		b.WriteString("\n")
		b.WriteString(clinicianInstructions)
	}
	if in.strict || in.route.ClinicianMode {
		b.WriteString("\n\n")
		b.WriteString(groundedExamples)
	}
	if len(in.history) > 0 {
		b.WriteString("\n\nConversation so far:\n")
		for _, msg := range in.history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, strings.TrimSpace(msg.Content))
		}
	}
	b.WriteString("\n\nContext:\n")
	b.WriteString(in.context)
	b.WriteString("\n\nQuestion:\n")
	b.WriteString(strings.TrimSpace(in.question))
	b.WriteString("\n\nAnswer:\n")
	return b.String()
}

func buildDirectDocumentPrompt(systemPrompt string, doc *domain.PatientDocument, question string) string {
	system := strings.TrimSpace(systemPrompt)
	if system == "" {
		system = DefaultSystemPrompt
	}
	text := strings.TrimSpace(doc.ExtractedText)
	if len(text) > maxDocumentChars {
		text = cutUTF8(text, maxDocumentChars)
	}
	return fmt.Sprintf(`%s

Task:
Summarize the document below for the patient. Use only what the document says.

Document %s:
%s

Question:
%s

Answer:
`, system, doc.Filename, text, strings.TrimSpace(question))
}

func buildCorrectionPrompt(original string, ungrounded []string, context string) string {
	var list strings.Builder
	for _, s := range ungrounded {
		list.WriteString("- ")
		list.WriteString(s)
		list.WriteString("\n")
	}
	return fmt.Sprintf(`Your previous answer contains numbers that do not appear in the patient's records:
%s
Rewrite the answer using only values that appear exactly in the context.
If a value is not in the context, say that it is not recorded instead of guessing.

Context:
%s

Previous answer:
%s

Corrected answer:
`, list.String(), context, original)
}

const structuredOutputSchema = `Return one JSON object and nothing else:
{"answer": string, "findings": [{"name": string, "value": string, "unit": string, "date": "YYYY-MM-DD", "source": "type#id"}]}
Every finding must use a value and a source that appear in the context.`

var structuredCorrections = []string{
	"The previous reply was not valid. Return only the JSON object described above.",
	"The previous reply was rejected again. Output must start with { and end with }. Each finding.source must be one of the source tags shown in the context, and each finding.value must be copied exactly from the context. Use an empty findings array if nothing qualifies.",
}

func buildStructuredPrompt(base string, attempt int, problem string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(base, "Answer:\n"))
	b.WriteString("Output format:\n")
	b.WriteString(structuredOutputSchema)
	if attempt > 0 {
		idx := min(attempt-1, len(structuredCorrections)-1)
		b.WriteString("\n\n")
		b.WriteString(structuredCorrections[idx])
		if problem != "" {
			b.WriteString("\nProblem: ")
			b.WriteString(problem)
		}
	}
	b.WriteString("\n\nJSON:\n")
	return b.String()
}
