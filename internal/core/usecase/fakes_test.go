package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

type fakeEmbedder struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeChunkIndex struct {
	results    []domain.RetrievalCandidate
	err        error
	lastFilter domain.RecordFilter
	lastLimit  int
}

func (f *fakeChunkIndex) SearchChunks(_ context.Context, _ int64, _ []float32, filter domain.RecordFilter, limit int) ([]domain.RetrievalCandidate, error) {
	f.lastFilter = filter
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.RetrievalCandidate(nil), f.results...), nil
}

type fakeRecordStore struct {
	keyword      []domain.RetrievalCandidate
	keywordErr   error
	labs         []domain.StructuredRecord
	medications  []domain.StructuredRecord
	structureErr error
	document     *domain.PatientDocument

	mu      sync.Mutex
	lookups []domain.SourceType
}

func (f *fakeRecordStore) SearchKeyword(context.Context, int64, []string, domain.RecordFilter, int) ([]domain.RetrievalCandidate, error) {
	if f.keywordErr != nil {
		return nil, f.keywordErr
	}
	return append([]domain.RetrievalCandidate(nil), f.keyword...), nil
}

func (f *fakeRecordStore) LookupStructured(_ context.Context, _ int64, kind domain.SourceType, _ []string, _ int) ([]domain.StructuredRecord, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, kind)
	f.mu.Unlock()
	if f.structureErr != nil {
		return nil, f.structureErr
	}
	if kind == domain.SourceMedication {
		return append([]domain.StructuredRecord(nil), f.medications...), nil
	}
	return append([]domain.StructuredRecord(nil), f.labs...), nil
}

func (f *fakeRecordStore) LatestDocument(context.Context, int64) (*domain.PatientDocument, error) {
	return f.document, nil
}

type fakeGenerator struct {
	responses []string
	err       error
	chunks    []string
	streamErr error
	prompts   []string
	profiles  []domain.DecodingProfile
	mu        sync.Mutex
}

func (f *fakeGenerator) next(prompt string, params domain.DecodingProfile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.profiles = append(f.profiles, params)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("no scripted response")
	}
	out := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return out, nil
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, params domain.DecodingProfile) (domain.GenerationResult, error) {
	text, err := f.next(prompt, params)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	return domain.GenerationResult{
		Text:            text,
		TokensInput:     len(prompt) / 4,
		TokensGenerated: len(strings.Fields(text)),
		Latency:         time.Millisecond,
	}, nil
}

func (f *fakeGenerator) StreamGenerate(_ context.Context, prompt string, params domain.DecodingProfile, onChunk func(string) error) (domain.GenerationResult, error) {
	text, err := f.next(prompt, params)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	chunks := f.chunks
	if len(chunks) == 0 {
		chunks = []string{text}
	}
	for _, chunk := range chunks {
		if err := onChunk(chunk); err != nil {
			return domain.GenerationResult{}, err
		}
	}
	if f.streamErr != nil {
		return domain.GenerationResult{}, f.streamErr
	}
	return domain.GenerationResult{Text: text, TokensGenerated: len(strings.Fields(text))}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeConversationStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	messages      []domain.ConversationMessage
	appendErr     error
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{conversations: make(map[string]domain.Conversation)}
}

func (f *fakeConversationStore) Create(_ context.Context, patientID int64) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := domain.Conversation{
		ID:        fmt.Sprintf("conv-%d", len(f.conversations)+1),
		PatientID: patientID,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	f.conversations[conv.ID] = conv
	return &conv, nil
}

func (f *fakeConversationStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

func (f *fakeConversationStore) AppendMessage(_ context.Context, conversationID, role, content string) (*domain.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	msg := domain.ConversationMessage{
		ID:             fmt.Sprintf("msg-%d", len(f.messages)+1),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fakeConversationStore) ListRecentMessages(_ context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ConversationMessage, 0)
	for _, msg := range f.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeConversationStore) snapshot() []domain.ConversationMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ConversationMessage(nil), f.messages...)
}

type fakeGuardrails struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeGuardrails() *fakeGuardrails {
	return &fakeGuardrails{counts: make(map[string]int)}
}

func (f *fakeGuardrails) Increment(event string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[event]++
}

func (f *fakeGuardrails) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[event]
}

type fakeAuditPublisher struct {
	mu     sync.Mutex
	audits []domain.AnswerAudit
}

func (f *fakeAuditPublisher) PublishAnswerAudit(_ context.Context, audit domain.AnswerAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, audit)
	return nil
}

func datePtr(year int, month time.Month, day int) *time.Time {
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &d
}
