package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

// StreamAsk runs the same pipeline as Ask. Text is emitted token by token only
// when progressive streaming is allowed for the question; otherwise the
// validated answer is emitted as one chunk. When the validated answer differs
// from what was already streamed, a replace event carries the final text. A
// done event always follows and repeats the final answer.
func (o *GenerationOrchestrator) StreamAsk(ctx context.Context, req domain.AskRequest, emit func(domain.StreamEvent) error) (*domain.RAGResponse, error) {
	if emit == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "stream ask", fmt.Errorf("emit callback is required"))
	}
	stream := &streamEmitter{emit: emit, logger: o.logger}

	// A disconnected client must not abort generation or persistence.
	resp, err := o.run(context.WithoutCancel(ctx), req, stream)
	if err != nil {
		return nil, err
	}

	replaced := false
	switch {
	case !stream.sent:
		stream.chunk(resp.Answer)
	case stream.text.String() != resp.Answer:
		replaced = true
		stream.send(domain.StreamEvent{Type: domain.StreamEventReplace, Text: resp.Answer})
	}
	stream.send(domain.StreamEvent{
		Type: domain.StreamEventDone,
		Metadata: &domain.StreamMetadata{
			NumSources:     resp.NumSources,
			SourcesSummary: resp.SourcesSummary,
			StructuredData: resp.StructuredData,
			ConversationID: resp.ConversationID,
			MessageID:      resp.MessageID,
			FinishReason:   resp.FinishReason,
			Answer:         resp.Answer,
			Replaced:       replaced,
		},
	})
	return resp, nil
}

func (o *GenerationOrchestrator) allowsProgressive(st *pipelineState) bool {
	return o.cfg.SupportsProgressiveStreaming &&
		!st.route.ClinicianMode &&
		!st.strict &&
		!st.req.StructuredOutput
}

// streamEmitter stops forwarding after the first emit error.
type streamEmitter struct {
	emit        func(domain.StreamEvent) error
	logger      *slog.Logger
	progressive bool
	sent        bool
	failed      bool
	text        strings.Builder
}

func (s *streamEmitter) chunk(text string) {
	if text == "" {
		return
	}
	s.sent = true
	s.text.WriteString(text)
	s.send(domain.StreamEvent{Type: domain.StreamEventChunk, Text: text})
}

func (s *streamEmitter) send(event domain.StreamEvent) {
	if s.failed {
		return
	}
	if err := s.emit(event); err != nil {
		s.failed = true
		s.logger.Warn("stream_emit_failed", "event", string(event.Type), "error", err.Error())
	}
}
