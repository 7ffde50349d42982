package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
	"github.com/kirillkom/patient-record-assistant/internal/core/ports"
)

const (
	guardrailStrictRefusal      = "strict_refusal"
	guardrailLowConfidence      = "low_confidence_hedge"
	guardrailEvidenceGate       = "evidence_gate_refusal"
	guardrailNoEvidence         = "no_evidence_refusal"
	guardrailStructuredShortcut = "structured_shortcut"
	guardrailTrendShortcut      = "trend_shortcut"
	guardrailDirectDocument     = "direct_document_shortcut"
	guardrailGenerationFailed   = "generation_failed"

	snippetExcerptChars = 200
)

var directDocumentRe = regexp.MustCompile(`\b(summari[sz]e|summary of|overview of|recap)\b.*\b(most recent|latest|last|newest)\b.*\b(document|report|note|upload|file|letter)\b`)

type GroundingPolicy struct {
	StrictGrounding    bool
	MinRelevanceScore  float64
	LowConfidenceFloor float64
	RequireCitations   bool
}

type OrchestratorConfig struct {
	TopK                         int
	MinScore                     float64
	BroadMinScore                float64
	MaxContextTokens             int
	HistoryMessages              int
	StructuredOutputRetries      int
	SupportsProgressiveStreaming bool
	Policy                       GroundingPolicy
}

type OrchestratorDeps struct {
	Analyzer      *QueryAnalyzer
	Router        *QueryRouter
	Retriever     *HybridRetriever
	Synthesizer   *ContextSynthesizer
	Generator     ports.TextGenerator
	Records       ports.RecordStore
	Conversations ports.ConversationStore
	Guardrails    ports.GuardrailSink
	Audit         ports.AnswerAuditPublisher
	Logger        *slog.Logger
	Now           func() time.Time
}

// GenerationOrchestrator runs the question answering state machine shared by
// Ask and StreamAsk.
type GenerationOrchestrator struct {
	analyzer      *QueryAnalyzer
	router        *QueryRouter
	retriever     *HybridRetriever
	synthesizer   *ContextSynthesizer
	generator     ports.TextGenerator
	records       ports.RecordStore
	conversations ports.ConversationStore
	guardrails    ports.GuardrailSink
	audit         ports.AnswerAuditPublisher
	logger        *slog.Logger
	now           func() time.Time
	cfg           OrchestratorConfig
	locks         *keyedMutex
}

func NewGenerationOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *GenerationOrchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.3
	}
	if cfg.BroadMinScore <= 0 {
		cfg.BroadMinScore = 0.2
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = defaultMaxTokens
	}
	if cfg.HistoryMessages <= 0 {
		cfg.HistoryMessages = 6
	}
	if cfg.StructuredOutputRetries <= 0 {
		cfg.StructuredOutputRetries = 2
	}
	if cfg.Policy.MinRelevanceScore <= 0 {
		cfg.Policy.MinRelevanceScore = 0.45
	}
	if cfg.Policy.LowConfidenceFloor <= 0 {
		cfg.Policy.LowConfidenceFloor = 0.3
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Analyzer == nil {
		deps.Analyzer = NewQueryAnalyzer(deps.Now)
	}
	if deps.Router == nil {
		deps.Router = NewQueryRouter()
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = NewContextSynthesizer(domain.ContextStrategyGrouped)
	}
	return &GenerationOrchestrator{
		analyzer:      deps.Analyzer,
		router:        deps.Router,
		retriever:     deps.Retriever,
		synthesizer:   deps.Synthesizer,
		generator:     deps.Generator,
		records:       deps.Records,
		conversations: deps.Conversations,
		guardrails:    deps.Guardrails,
		audit:         deps.Audit,
		logger:        deps.Logger,
		now:           deps.Now,
		cfg:           cfg,
		locks:         newKeyedMutex(),
	}
}

func (o *GenerationOrchestrator) Ask(ctx context.Context, req domain.AskRequest) (*domain.RAGResponse, error) {
	return o.run(ctx, req, nil)
}

// pipelineState carries everything one question accumulates on its way
// through the state machine.
type pipelineState struct {
	req          domain.AskRequest
	conversation *domain.Conversation
	history      []domain.ConversationMessage
	analysis     domain.QueryAnalysis
	route        domain.Route
	strict       bool
	results      []domain.RankedResult
	context      domain.SynthesizedContext
	sources      []domain.RankedResult
	findings     []domain.StructuredFinding
	generation   domain.GenerationResult
	outcome      domain.Outcome
	started      time.Time
	contextDone  time.Time
}

func (o *GenerationOrchestrator) run(ctx context.Context, req domain.AskRequest, stream *streamEmitter) (*domain.RAGResponse, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("question is required"))
	}
	if req.PatientID <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("patient_id must be positive"))
	}

	conversation, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	unlock := o.locks.Lock(conversation.ID)
	defer unlock()

	st := &pipelineState{req: req, conversation: conversation, started: o.now()}
	if req.UseHistory {
		history, err := o.conversations.ListRecentMessages(ctx, conversation.ID, o.cfg.HistoryMessages)
		if err != nil {
			o.logger.WarnContext(ctx, "history_load_failed", "conversation_id", conversation.ID, "error", err.Error())
		} else {
			st.history = history
		}
	}

	if _, err := o.conversations.AppendMessage(ctx, conversation.ID, domain.RoleUser, req.Question); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	o.decide(ctx, st, stream)

	persistCtx := context.WithoutCancel(ctx)
	message, err := o.conversations.AppendMessage(persistCtx, conversation.ID, domain.RoleAssistant, st.outcome.AnswerText())
	if err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	resp := o.buildResponse(st, message)
	o.publishAudit(persistCtx, st, resp, stream != nil)
	o.logger.InfoContext(ctx, "question_answered",
		"conversation_id", resp.ConversationID,
		"patient_id", req.PatientID,
		"intent", string(st.analysis.Intent),
		"task", string(st.route.Task),
		"finish_reason", string(resp.FinishReason),
		"num_sources", resp.NumSources,
		"total_ms", resp.Timing.TotalMS,
	)
	return resp, nil
}

func (o *GenerationOrchestrator) resolveConversation(ctx context.Context, req domain.AskRequest) (*domain.Conversation, error) {
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		conversation, err := o.conversations.Create(ctx, req.PatientID)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return conversation, nil
	}
	conversation, err := o.conversations.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conversation == nil || conversation.PatientID != req.PatientID {
		return nil, domain.WrapError(domain.ErrConversationNotFound, "resolve conversation", fmt.Errorf("conversation %s", id))
	}
	return conversation, nil
}

// decide walks ROUTE through SANITIZE and always leaves an outcome on st.
func (o *GenerationOrchestrator) decide(ctx context.Context, st *pipelineState, stream *streamEmitter) {
	st.analysis = o.analyzer.Analyze(st.req.Question)
	st.route = o.router.Route(st.analysis, RouteHints{
		ClinicianMode: st.req.ClinicianMode,
		HasHistory:    len(st.history) > 0,
	})
	st.strict = o.cfg.Policy.StrictGrounding && st.analysis.Intent.IsFactual()
	if stream != nil {
		stream.progressive = o.allowsProgressive(st)
	}

	if o.tryDirectDocument(ctx, st, stream) {
		return
	}

	minScore := o.cfg.MinScore
	if st.route.Task.NeedsBroadRecall() {
		minScore = o.cfg.BroadMinScore
	}
	if o.retriever != nil {
		st.results = o.retriever.Retrieve(ctx, st.analysis, st.req.PatientID, o.cfg.TopK, minScore)
	}
	maxTokens := st.req.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = o.cfg.MaxContextTokens
	}
	st.context = o.synthesizer.Synthesize(st.results, st.analysis, maxTokens)
	st.sources = st.results
	st.contextDone = o.now()

	if o.gate(st) {
		return
	}
	if o.tryShortcuts(st) {
		return
	}
	o.generate(ctx, st, stream)
}

// gate applies the strict and evidence gates. The model is never called when
// a gate refuses.
func (o *GenerationOrchestrator) gate(st *pipelineState) bool {
	chunks := st.context.TotalChunksUsed
	top := 0.0
	if len(st.results) > 0 {
		top = st.results[0].FinalScore
	}

	if st.strict && (chunks == 0 || top < o.cfg.Policy.MinRelevanceScore) {
		if chunks > 0 && top >= o.cfg.Policy.LowConfidenceFloor {
			st.outcome = domain.Refused{ReasonCode: domain.FinishStrictLowConfidence, Text: LowConfidenceAnswer(st.results[0])}
			st.sources = st.results[:1]
			o.count(guardrailLowConfidence, st)
			return true
		}
		st.outcome = domain.Refused{ReasonCode: domain.FinishStrictNoEvidence, Text: StrictGroundingRefusal}
		st.sources = nil
		o.count(guardrailStrictRefusal, st)
		return true
	}
	if chunks == 0 {
		st.outcome = domain.Refused{ReasonCode: domain.FinishGeneralNoEvidence, Text: NoEvidenceAnswer}
		st.sources = nil
		o.count(guardrailNoEvidence, st)
		return true
	}
	if !st.analysis.Intent.IsSummary() {
		if refusal, ok := EvidenceGate(st.req.Question, st.context.EvidenceText); !ok {
			st.outcome = domain.Refused{ReasonCode: domain.FinishEvidenceGating, Text: refusal}
			o.count(guardrailEvidenceGate, st)
			return true
		}
	}
	return false
}

func (o *GenerationOrchestrator) tryShortcuts(st *pipelineState) bool {
	if st.req.StructuredOutput {
		return false
	}
	if trendShortcutApplies(st.analysis, st.route, st.results) {
		text, used := RenderTrendAnswer(st.analysis, st.results)
		st.outcome = domain.Answered{Text: text, Sources: summarizeSources(used), FinishReason: domain.FinishTrendShortcut}
		st.sources = used
		o.count(guardrailTrendShortcut, st)
		return true
	}
	if structuredShortcutApplies(st.analysis, st.route, st.results) {
		text, used, ok := RenderStructuredAnswer(st.analysis, st.results)
		if !ok {
			return false
		}
		st.outcome = domain.Answered{Text: text, Sources: summarizeSources(used), FinishReason: domain.FinishStructuredShortcut}
		st.sources = used
		o.count(guardrailStructuredShortcut, st)
		return true
	}
	return false
}

func (o *GenerationOrchestrator) tryDirectDocument(ctx context.Context, st *pipelineState, stream *streamEmitter) bool {
	if o.records == nil || o.generator == nil || !directDocumentRe.MatchString(st.analysis.NormalizedQuery) {
		return false
	}
	doc, err := o.records.LatestDocument(ctx, st.req.PatientID)
	if err != nil {
		o.logger.WarnContext(ctx, "latest_document_lookup_failed", "patient_id", st.req.PatientID, "error", err.Error())
		return false
	}
	if doc == nil || doc.Status != domain.DocumentStatusCompleted || strings.TrimSpace(doc.ExtractedText) == "" {
		return false
	}

	source := domain.RankedResult{
		RetrievalCandidate: domain.RetrievalCandidate{
			ID:          doc.ID,
			SourceType:  domain.SourceDocument,
			SourceID:    doc.ID,
			PatientID:   doc.PatientID,
			Content:     doc.ExtractedText,
			ContextDate: doc.DocumentDate,
		},
		FinalScore: 1,
	}
	st.results = []domain.RankedResult{source}
	st.sources = st.results
	st.context = domain.SynthesizedContext{
		FullContext:         doc.ExtractedText,
		EvidenceText:        doc.ExtractedText,
		TotalChunksUsed:     1,
		TotalCharacters:     len(doc.ExtractedText),
		EstimatedTokens:     len(doc.ExtractedText) / charsPerToken,
		SourceTypesIncluded: []domain.SourceType{domain.SourceDocument},
	}
	st.contextDone = o.now()
	o.count(guardrailDirectDocument, st)

	prompt := buildDirectDocumentPrompt(st.req.SystemPrompt, doc, st.req.Question)
	text, ok := o.callModel(ctx, st, prompt, st.route.Profile, stream)
	if !ok {
		return true
	}
	st.outcome = o.finalize(st, text, domain.FinishDirectDocument)
	return true
}

func (o *GenerationOrchestrator) count(event string, st *pipelineState) {
	if o.guardrails == nil {
		return
	}
	o.guardrails.Increment(event, map[string]string{
		"intent": string(st.analysis.Intent),
		"task":   string(st.route.Task),
	})
}

func (o *GenerationOrchestrator) buildResponse(st *pipelineState, message *domain.ConversationMessage) *domain.RAGResponse {
	finished := o.now()
	summary := summarizeSources(st.sources)
	if answered, ok := st.outcome.(domain.Answered); ok && answered.Sources != nil {
		summary = answered.Sources
	}

	contextDone := st.contextDone
	if contextDone.IsZero() {
		contextDone = finished
	}
	resp := &domain.RAGResponse{
		Answer:          st.outcome.AnswerText(),
		SourcesSummary:  summary,
		NumSources:      len(summary),
		ConversationID:  st.conversation.ID,
		FinishReason:    st.outcome.Reason(),
		Refused:         domain.IsRefusal(st.outcome),
		TokensInput:     st.generation.TokensInput,
		TokensGenerated: st.generation.TokensGenerated,
		StructuredData:  st.findings,
		Outcome:         st.outcome,
		Timing: domain.Timing{
			ContextMS:    contextDone.Sub(st.started).Milliseconds(),
			GenerationMS: finished.Sub(contextDone).Milliseconds(),
			TotalMS:      finished.Sub(st.started).Milliseconds(),
		},
	}
	if message != nil {
		resp.MessageID = message.ID
	}
	return resp
}

func (o *GenerationOrchestrator) publishAudit(ctx context.Context, st *pipelineState, resp *domain.RAGResponse, streamed bool) {
	if o.audit == nil {
		return
	}
	err := o.audit.PublishAnswerAudit(ctx, domain.AnswerAudit{
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		PatientID:      st.req.PatientID,
		FinishReason:   resp.FinishReason,
		Refused:        resp.Refused,
		NumSources:     resp.NumSources,
		Task:           st.route.Task,
		Streamed:       streamed,
		TotalMS:        resp.Timing.TotalMS,
		OccurredAt:     o.now().UTC(),
	})
	if err != nil {
		o.logger.WarnContext(ctx, "answer_audit_publish_failed", "conversation_id", resp.ConversationID, "error", err.Error())
	}
}

func summarizeSources(results []domain.RankedResult) []domain.SourceSummary {
	out := make([]domain.SourceSummary, 0, len(results))
	for _, r := range results {
		sourceID := r.SourceID
		if sourceID == "" {
			sourceID = r.ID
		}
		out = append(out, domain.SourceSummary{
			SourceType:     r.SourceType,
			SourceID:       sourceID,
			Relevance:      r.FinalScore,
			SnippetExcerpt: excerpt(r.Content, snippetExcerptChars),
		})
	}
	return out
}

func excerpt(text string, limit int) string {
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	if len(text) <= limit {
		return text
	}
	return strings.TrimSpace(cutUTF8(text, limit)) + "..."
}

// keyedMutex serializes requests that share a conversation.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
