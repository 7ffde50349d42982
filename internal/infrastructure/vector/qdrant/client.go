package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/resilience"
)

// Client searches the chunk collection that the indexing pipeline fills.
// Every point carries the patient_id, source_type, source_id, content,
// context_date, context_ts, chunk_index and page_number payload fields.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, collection string) *Client {
	return NewWithOptions(baseURL, collection, Options{})
}

func NewWithOptions(baseURL, collection string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

type searchPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) SearchChunks(
	ctx context.Context,
	patientID int64,
	queryVector []float32,
	filter domain.RecordFilter,
	limit int,
) ([]domain.RetrievalCandidate, error) {
	if len(queryVector) == 0 || limit <= 0 {
		return nil, nil
	}
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
		"filter":       buildFilter(patientID, filter),
	}

	var searchResp struct {
		Result []searchPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.do(ctx, http.MethodPost, path, reqBody, &searchResp, "search"); err != nil {
		return nil, err
	}

	out := make([]domain.RetrievalCandidate, 0, len(searchResp.Result))
	for _, point := range searchResp.Result {
		out = append(out, toCandidate(point, patientID))
	}
	return out, nil
}

// Ping checks that the collection exists.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/collections/"+c.collection, nil, nil, "collection_info")
}

func buildFilter(patientID int64, filter domain.RecordFilter) map[string]any {
	must := []map[string]any{
		{"key": "patient_id", "match": map[string]any{"value": patientID}},
	}

	sourceTypes := make([]string, 0, len(filter.SourceTypes))
	for _, st := range filter.SourceTypes {
		if st == "" || st == domain.SourceAll {
			continue
		}
		sourceTypes = append(sourceTypes, string(st))
	}
	if len(sourceTypes) > 0 {
		must = append(must, map[string]any{
			"key":   "source_type",
			"match": map[string]any{"any": sourceTypes},
		})
	}

	dateRange := map[string]any{}
	if filter.DateFrom != nil {
		dateRange["gte"] = filter.DateFrom.Unix()
	}
	if filter.DateTo != nil {
		dateRange["lte"] = filter.DateTo.Unix()
	}
	if len(dateRange) > 0 {
		must = append(must, map[string]any{"key": "context_ts", "range": dateRange})
	}
	return map[string]any{"must": must}
}

func toCandidate(point searchPoint, patientID int64) domain.RetrievalCandidate {
	candidate := domain.RetrievalCandidate{
		ID:            getStringPayload(point.Payload, "chunk_id"),
		SourceType:    domain.SourceType(getStringPayload(point.Payload, "source_type")),
		SourceID:      getStringPayload(point.Payload, "source_id"),
		PatientID:     patientID,
		Content:       getStringPayload(point.Payload, "content"),
		SemanticScore: point.Score,
		ChunkIndex:    getIntPayload(point.Payload, "chunk_index"),
	}
	if candidate.ID == "" {
		candidate.ID = fmt.Sprintf("%v", point.ID)
	}
	if candidate.SourceType == "" {
		candidate.SourceType = domain.SourceDocument
	}
	if raw := getStringPayload(point.Payload, "context_date"); raw != "" {
		if date, ok := parseDate(raw); ok {
			candidate.ContextDate = &date
		}
	}
	if _, ok := point.Payload["page_number"]; ok {
		page := getIntPayload(point.Payload, "page_number")
		if page > 0 {
			candidate.PageNumber = &page
		}
	}
	return candidate
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any, operation string) error {
	call := func(callCtx context.Context) error {
		var body io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshal %s body: %w", operation, err)
			}
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &resilience.StatusError{
				Service:    "qdrant",
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       string(msg),
			}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "qdrant."+operation, call, resilience.ClassifyHTTP)
	} else {
		err = call(ctx)
	}
	return resilience.WrapTemporary("qdrant "+operation, err, resilience.ClassifyHTTP)
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}
