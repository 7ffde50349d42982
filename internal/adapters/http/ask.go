package httpadapter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
	"github.com/kirillkom/patient-record-assistant/internal/observability/metrics"
)

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	var req domain.AskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	started := time.Now()
	resp, err := rt.answerer.Ask(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt.observe(r.URL.Path, resp, time.Since(started))
	writeJSON(w, http.StatusOK, resp)
}

// askStream writes server-sent events. Headers are deferred until the first
// event so request errors still map to a plain JSON status.
func (rt *Router) askStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported"})
		return
	}

	var req domain.AskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	started := time.Now()
	headersSent := false
	emit := func(event domain.StreamEvent) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	resp, err := rt.answerer.StreamAsk(r.Context(), req, emit)
	if err != nil {
		if !headersSent {
			writeError(w, r, err)
			return
		}
		slog.ErrorContext(r.Context(), "stream_failed",
			"request_id", requestIDFromContext(r.Context()),
			"error", err.Error(),
		)
		return
	}
	rt.observe(r.URL.Path, resp, time.Since(started))
}

func (rt *Router) observe(endpoint string, resp *domain.RAGResponse, duration time.Duration) {
	if rt.opts.Metrics == nil || resp == nil {
		return
	}
	rt.opts.Metrics.RecordRAGObservation(serviceName, endpoint, metrics.RAGObservation{
		FinishReason:       string(resp.FinishReason),
		Refused:            resp.Refused,
		SourceCount:        resp.NumSources,
		TokensGenerated:    resp.TokensGenerated,
		Duration:           duration,
		ContextDuration:    time.Duration(resp.Timing.ContextMS) * time.Millisecond,
		GenerationDuration: time.Duration(resp.Timing.GenerationMS) * time.Millisecond,
	})
	rt.opts.Metrics.RecordTokenUsage(serviceName, endpoint, rt.opts.ModelName, resp.TokensInput, resp.TokensGenerated)
}
