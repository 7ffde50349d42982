package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/resilience"
)

func TestSearchChunksBuildsPatientFilter(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collections/chunks/points/search" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":[{"id":"p-1","score":0.82,"payload":{"chunk_id":"c-7","patient_id":42,"source_type":"encounter","source_id":"e1","content":"BP 128/82 mmHg","context_date":"2024-05-02","chunk_index":3,"page_number":2}}]}`))
	}))
	defer server.Close()

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	client := New(server.URL, "chunks")
	got, err := client.SearchChunks(context.Background(), 42, []float32{0.1, 0.2}, domain.RecordFilter{
		SourceTypes: []domain.SourceType{domain.SourceEncounter, domain.SourceDocument},
		DateFrom:    &from,
		DateTo:      &to,
	}, 5)
	if err != nil {
		t.Fatalf("SearchChunks() error = %v", err)
	}

	if body["limit"] != float64(5) || body["with_payload"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	must := body["filter"].(map[string]any)["must"].([]any)
	if len(must) != 3 {
		t.Fatalf("expected patient, source and date conditions, got %v", must)
	}
	patient := must[0].(map[string]any)
	if patient["key"] != "patient_id" || patient["match"].(map[string]any)["value"] != float64(42) {
		t.Fatalf("unexpected patient condition %v", patient)
	}
	sources := must[1].(map[string]any)["match"].(map[string]any)["any"].([]any)
	if len(sources) != 2 || sources[0] != "encounter" {
		t.Fatalf("unexpected source condition %v", sources)
	}
	dateRange := must[2].(map[string]any)["range"].(map[string]any)
	if dateRange["gte"] != float64(from.Unix()) || dateRange["lte"] != float64(to.Unix()) {
		t.Fatalf("unexpected range %v", dateRange)
	}

	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	c := got[0]
	if c.ID != "c-7" || c.SourceType != domain.SourceEncounter || c.SourceID != "e1" || c.PatientID != 42 {
		t.Fatalf("unexpected candidate %+v", c)
	}
	if c.SemanticScore != 0.82 || c.ChunkIndex != 3 || c.PageNumber == nil || *c.PageNumber != 2 {
		t.Fatalf("unexpected scores or position %+v", c)
	}
	if c.ContextDate == nil || !c.ContextDate.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected context date %v", c.ContextDate)
	}
}

func TestSearchChunksOmitsAllSourceFilter(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"result":[{"id":17,"score":0.5,"payload":{"content":"note"}}]}`))
	}))
	defer server.Close()

	got, err := New(server.URL, "chunks").SearchChunks(context.Background(), 1, []float32{1}, domain.RecordFilter{
		SourceTypes: []domain.SourceType{domain.SourceAll},
	}, 3)
	if err != nil {
		t.Fatalf("SearchChunks() error = %v", err)
	}
	must := body["filter"].(map[string]any)["must"].([]any)
	if len(must) != 1 {
		t.Fatalf("expected only the patient condition, got %v", must)
	}
	if len(got) != 1 || got[0].ID != "17" || got[0].SourceType != domain.SourceDocument {
		t.Fatalf("expected fallback id and source type, got %+v", got)
	}
}

func TestSearchChunksSkipsEmptyVector(t *testing.T) {
	got, err := New("http://127.0.0.1:0", "chunks").SearchChunks(context.Background(), 1, nil, domain.RecordFilter{}, 5)
	if err != nil || got != nil {
		t.Fatalf("expected no call for empty vector, got %v %v", got, err)
	}
}

func TestSearchIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := New(server.URL, "chunks").SearchChunks(context.Background(), 1, []float32{0.1}, domain.RecordFilter{}, 5)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("500 should be temporary, got %v", err)
	}
}

func TestSearchRetriesThroughExecutor(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2,
	})
	client := NewWithOptions(server.URL, "chunks", Options{ResilienceExecutor: exec})
	got, err := client.SearchChunks(context.Background(), 1, []float32{0.1}, domain.RecordFilter{}, 5)
	if err != nil {
		t.Fatalf("SearchChunks() error = %v", err)
	}
	if attempts != 2 || len(got) != 0 {
		t.Fatalf("expected retry, got %d attempts", attempts)
	}
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/collections/chunks" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"status":"green"}}`))
	}))
	defer server.Close()

	if err := New(server.URL, "chunks").Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
