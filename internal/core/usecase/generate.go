package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

const StructuredOutputRefusal = "I could not produce a verified structured answer from your medical records. Please try asking in a different way."

const (
	guardrailCorrectionTriggered = "self_correction_triggered"
	guardrailCorrectionFailed    = "self_correction_failed"
	guardrailNumericStripped     = "numeric_sentence_stripped"
	guardrailCitationAttached    = "citation_auto_attached"
	guardrailCitationStripped    = "citation_sentence_stripped"
	guardrailBannedPhrase        = "banned_phrase_removed"
	guardrailStructuredRetry     = "structured_output_retry"
)

func (o *GenerationOrchestrator) generate(ctx context.Context, st *pipelineState, stream *streamEmitter) {
	prompt := buildAnswerPrompt(promptInput{
		systemPrompt: st.req.SystemPrompt,
		route:        st.route,
		strict:       st.strict,
		history:      st.history,
		context:      st.context.FullContext,
		question:     st.req.Question,
	})
	if st.req.StructuredOutput {
		o.generateStructured(ctx, st, prompt)
		return
	}

	text, ok := o.callModel(ctx, st, prompt, st.route.Profile, stream)
	if !ok {
		return
	}
	text, refused := o.selfCorrect(ctx, st, text)
	if refused {
		st.outcome = domain.Refused{ReasonCode: domain.FinishSelfCorrectionRefusal, Text: StrictGroundingRefusal}
		return
	}
	st.outcome = o.finalize(st, text, domain.FinishStop)
}

// callModel leaves a generation_error outcome on st when the model fails.
func (o *GenerationOrchestrator) callModel(ctx context.Context, st *pipelineState, prompt string, profile domain.DecodingProfile, stream *streamEmitter) (string, bool) {
	if o.generator == nil {
		o.generationFailed(ctx, st, fmt.Errorf("text generator is not configured"))
		return "", false
	}

	var (
		result domain.GenerationResult
		err    error
	)
	if stream != nil && stream.progressive {
		result, err = o.generator.StreamGenerate(ctx, prompt, profile, func(chunk string) error {
			stream.chunk(chunk)
			return nil
		})
	} else {
		result, err = o.generator.Generate(ctx, prompt, profile)
	}
	st.generation.TokensInput += result.TokensInput
	st.generation.TokensGenerated += result.TokensGenerated
	st.generation.Latency += result.Latency
	if err != nil {
		o.generationFailed(ctx, st, err)
		return "", false
	}
	return result.Text, true
}

func (o *GenerationOrchestrator) generationFailed(ctx context.Context, st *pipelineState, err error) {
	o.logger.ErrorContext(ctx, "generation_failed",
		"conversation_id", st.conversation.ID,
		"patient_id", st.req.PatientID,
		"task", string(st.route.Task),
		"profile", st.route.Profile.Label,
		"error", err.Error(),
	)
	o.count(guardrailGenerationFailed, st)
	st.outcome = domain.Refused{ReasonCode: domain.FinishGenerationError, Text: GenerationErrorAnswer}
}

// selfCorrect issues at most one rewrite request. The bool reports that the
// answer must be refused.
func (o *GenerationOrchestrator) selfCorrect(ctx context.Context, st *pipelineState, text string) (string, bool) {
	ungrounded := FindUngroundedClaims(text, st.context.EvidenceText)
	if len(ungrounded) == 0 {
		return text, false
	}
	o.count(guardrailCorrectionTriggered, st)

	prompt := buildCorrectionPrompt(text, ungrounded, st.context.FullContext)
	result, err := o.generator.Generate(ctx, prompt, correctionProfile)
	st.generation.TokensInput += result.TokensInput
	st.generation.TokensGenerated += result.TokensGenerated
	st.generation.Latency += result.Latency
	if err == nil {
		corrected := strings.TrimSpace(result.Text)
		if corrected != "" && len(FindUngroundedClaims(corrected, st.context.EvidenceText)) == 0 {
			return corrected, false
		}
	} else {
		o.logger.WarnContext(ctx, "self_correction_failed", "conversation_id", st.conversation.ID, "error", err.Error())
	}

	o.count(guardrailCorrectionFailed, st)
	if st.strict {
		return "", true
	}
	return text, false
}

// finalize runs the sanitation pipeline shared by every generated answer.
func (o *GenerationOrchestrator) finalize(st *pipelineState, text string, reason domain.FinishReason) domain.Outcome {
	sanitized, report := SanitizeAnswer(text)
	if report.BannedRemoved > 0 {
		o.count(guardrailBannedPhrase, st)
	}

	grounded, removed := EnforceNumericGrounding(sanitized, st.context.EvidenceText)
	if removed > 0 {
		o.count(guardrailNumericStripped, st)
		if grounded == StrictGroundingRefusal {
			return domain.Refused{ReasonCode: domain.FinishNumericGroundingRefuse, Text: StrictGroundingRefusal}
		}
	}

	mandatory := st.route.ClinicianMode || o.cfg.Policy.RequireCitations
	cited, citations := EnforceNumericCitations(grounded, st.sources, mandatory)
	if citations.AutoAttached > 0 {
		o.count(guardrailCitationAttached, st)
	}
	if citations.Stripped > 0 {
		o.count(guardrailCitationStripped, st)
	}

	if strings.TrimSpace(cited) == "" {
		return domain.Refused{ReasonCode: domain.FinishNumericGroundingRefuse, Text: StrictGroundingRefusal}
	}
	return domain.Answered{Text: cited, Sources: summarizeSources(st.sources), FinishReason: reason}
}

type structuredReply struct {
	Answer   string                     `json:"answer"`
	Findings []domain.StructuredFinding `json:"findings"`
}

func (o *GenerationOrchestrator) generateStructured(ctx context.Context, st *pipelineState, base string) {
	problem := ""
	for attempt := 0; attempt <= o.cfg.StructuredOutputRetries; attempt++ {
		if attempt > 0 {
			o.count(guardrailStructuredRetry, st)
		}
		raw, ok := o.callModel(ctx, st, buildStructuredPrompt(base, attempt, problem), st.route.Profile, nil)
		if !ok {
			return
		}

		var reply *structuredReply
		reply, problem = parseStructuredReply(raw, st.sources, st.context.EvidenceText)
		if reply == nil {
			o.logger.WarnContext(ctx, "structured_output_rejected",
				"conversation_id", st.conversation.ID,
				"attempt", attempt,
				"problem", problem,
			)
			continue
		}

		outcome := o.finalize(st, reply.Answer, domain.FinishStop)
		if !domain.IsRefusal(outcome) {
			st.findings = reply.Findings
		}
		st.outcome = outcome
		return
	}
	st.outcome = domain.Refused{ReasonCode: domain.FinishStructuredInvalid, Text: StructuredOutputRefusal}
}

// parseStructuredReply returns the reply or a short description of why it was rejected.
func parseStructuredReply(raw string, sources []domain.RankedResult, context string) (*structuredReply, string) {
	payload := extractJSONObject(raw)
	if payload == "" {
		return nil, "no JSON object found"
	}
	var reply structuredReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return nil, "invalid JSON: " + err.Error()
	}
	reply.Answer = strings.TrimSpace(reply.Answer)
	if reply.Answer == "" {
		return nil, "answer is empty"
	}

	tags := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		tags[sourceTag(src.RetrievalCandidate)] = struct{}{}
	}
	for i := range reply.Findings {
		f := &reply.Findings[i]
		f.Name = strings.TrimSpace(f.Name)
		f.Value = strings.TrimSpace(f.Value)
		f.Source = strings.TrimSpace(f.Source)
		if _, ok := tags[f.Source]; !ok {
			return nil, fmt.Sprintf("finding %d cites unknown source %q", i, f.Source)
		}
		if f.Value == "" || !strings.Contains(context, f.Value) {
			return nil, fmt.Sprintf("finding %d value %q is not in the context", i, f.Value)
		}
	}
	if reply.Findings == nil {
		reply.Findings = []domain.StructuredFinding{}
	}
	return &reply, ""
}

func sourceTag(c domain.RetrievalCandidate) string {
	sourceID := c.SourceID
	if sourceID == "" {
		sourceID = c.ID
	}
	return fmt.Sprintf("%s#%s", c.SourceType, sourceID)
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
