package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalDuration   int64  `json:"total_duration"`
}

func (g *Generator) Generate(ctx context.Context, prompt string, params domain.DecodingProfile) (domain.GenerationResult, error) {
	started := time.Now()
	var response generateResponse
	if err := g.client.postJSON(ctx, "/api/generate", g.request(prompt, params, false), &response, "generate"); err != nil {
		return domain.GenerationResult{}, err
	}
	return domain.GenerationResult{
		Text:            strings.TrimSpace(response.Response),
		TokensInput:     response.PromptEvalCount,
		TokensGenerated: response.EvalCount,
		Latency:         latency(response.TotalDuration, started),
	}, nil
}

// StreamGenerate reads the NDJSON stream and forwards every non-empty
// fragment. An onChunk error stops forwarding but the stream is drained so
// the full text is still returned.
func (g *Generator) StreamGenerate(ctx context.Context, prompt string, params domain.DecodingProfile, onChunk func(string) error) (domain.GenerationResult, error) {
	started := time.Now()
	resp, err := g.client.openStream(ctx, "/api/generate", g.request(prompt, params, true), "generate_stream")
	if err != nil {
		return domain.GenerationResult{}, err
	}
	defer resp.Body.Close()

	var (
		text      strings.Builder
		result    domain.GenerationResult
		forwardOK = onChunk != nil
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame generateResponse
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return domain.GenerationResult{}, fmt.Errorf("decode generate stream frame: %w", err)
		}
		if frame.Error != "" {
			return domain.GenerationResult{}, fmt.Errorf("ollama generate stream: %s", frame.Error)
		}
		if frame.Response != "" {
			text.WriteString(frame.Response)
			if forwardOK {
				if err := onChunk(frame.Response); err != nil {
					forwardOK = false
				}
			}
		}
		if frame.Done {
			result.TokensInput = frame.PromptEvalCount
			result.TokensGenerated = frame.EvalCount
			result.Latency = latency(frame.TotalDuration, started)
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.GenerationResult{}, fmt.Errorf("read generate stream: %w", err)
	}
	result.Text = strings.TrimSpace(text.String())
	if result.Latency == 0 {
		result.Latency = time.Since(started)
	}
	return result, nil
}

func (g *Generator) request(prompt string, params domain.DecodingProfile, stream bool) map[string]any {
	options := map[string]any{
		"temperature": params.Temperature,
	}
	if params.DoSample {
		if params.TopP > 0 {
			options["top_p"] = params.TopP
		}
	} else {
		options["temperature"] = 0
		options["top_k"] = 1
	}
	if params.MaxNewTokens > 0 {
		options["num_predict"] = params.MaxNewTokens
	}
	return map[string]any{
		"model":   g.client.genModel,
		"prompt":  prompt,
		"stream":  stream,
		"options": options,
	}
}

func latency(totalNanos int64, started time.Time) time.Duration {
	if totalNanos > 0 {
		return time.Duration(totalNanos)
	}
	return time.Since(started)
}
