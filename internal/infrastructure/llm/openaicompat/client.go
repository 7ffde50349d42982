package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
	"github.com/kirillkom/patient-record-assistant/internal/infrastructure/resilience"
)

// greedyTemperature stands in for zero, which the request type drops as empty.
const greedyTemperature = math.SmallestNonzeroFloat32

type Client struct {
	api        *openai.Client
	chatModel  string
	embedModel string
	executor   *resilience.Executor
}

type Options struct {
	BaseURL            string
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(apiKey, chatModel, embedModel string, options Options) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(options.BaseURL), "/"); base != "" {
		cfg.BaseURL = base
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		chatModel:  chatModel,
		embedModel: embedModel,
		executor:   options.ResilienceExecutor,
	}
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	resp, err := resilience.Do(ctx, e.client.executor, "openai.embed", func(callCtx context.Context) (openai.EmbeddingResponse, error) {
		return e.client.api.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(e.client.embedModel),
		})
	}, classifyOpenAIError)
	if err != nil {
		return nil, resilience.WrapTemporary("openai embed", fmt.Errorf("openai embedding request: %w", err), classifyOpenAIError)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return resp.Data[0].Embedding, nil
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Generate(ctx context.Context, prompt string, params domain.DecodingProfile) (domain.GenerationResult, error) {
	started := time.Now()
	resp, err := resilience.Do(ctx, g.client.executor, "openai.generate", func(callCtx context.Context) (openai.ChatCompletionResponse, error) {
		return g.client.api.CreateChatCompletion(callCtx, g.request(prompt, params, false))
	}, classifyOpenAIError)
	if err != nil {
		return domain.GenerationResult{}, resilience.WrapTemporary("openai generate", fmt.Errorf("openai chat completion: %w", err), classifyOpenAIError)
	}
	if len(resp.Choices) == 0 {
		return domain.GenerationResult{}, fmt.Errorf("openai chat completion returned no choices")
	}
	return domain.GenerationResult{
		Text:            strings.TrimSpace(resp.Choices[0].Message.Content),
		TokensInput:     resp.Usage.PromptTokens,
		TokensGenerated: resp.Usage.CompletionTokens,
		Latency:         time.Since(started),
	}, nil
}

// StreamGenerate forwards deltas until onChunk fails, then keeps reading so
// the complete text is returned.
func (g *Generator) StreamGenerate(ctx context.Context, prompt string, params domain.DecodingProfile, onChunk func(string) error) (domain.GenerationResult, error) {
	started := time.Now()
	stream, err := resilience.Do(ctx, g.client.executor, "openai.generate_stream", func(callCtx context.Context) (*openai.ChatCompletionStream, error) {
		return g.client.api.CreateChatCompletionStream(callCtx, g.request(prompt, params, true))
	}, classifyOpenAIError)
	if err != nil {
		return domain.GenerationResult{}, resilience.WrapTemporary("openai generate stream", fmt.Errorf("openai chat stream: %w", err), classifyOpenAIError)
	}
	defer stream.Close()

	var (
		text      strings.Builder
		result    domain.GenerationResult
		forwardOK = onChunk != nil
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.GenerationResult{}, fmt.Errorf("read openai chat stream: %w", err)
		}
		if resp.Usage != nil {
			result.TokensInput = resp.Usage.PromptTokens
			result.TokensGenerated = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if forwardOK {
			if err := onChunk(delta); err != nil {
				forwardOK = false
			}
		}
	}
	result.Text = strings.TrimSpace(text.String())
	result.Latency = time.Since(started)
	return result, nil
}

func (g *Generator) request(prompt string, params domain.DecodingProfile, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: g.client.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: params.MaxNewTokens,
		Stream:    stream,
	}
	if params.DoSample {
		req.Temperature = float32(params.Temperature)
		req.TopP = float32(params.TopP)
	} else {
		req.Temperature = greedyTemperature
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return resilience.ClassifyHTTP(&resilience.StatusError{StatusCode: apiErr.HTTPStatusCode})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return resilience.ClassifyHTTP(&resilience.StatusError{StatusCode: reqErr.HTTPStatusCode})
	}
	return resilience.ClassifyHTTP(err)
}
