package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelanni/grader/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient sends evaluation prompts to an OpenAI-compatible chat API
// (OpenAI, Ollama, vLLM, llama.cpp server).
//
// The chat API has no top_k, and its frequency penalty is additive rather than
// multiplicative: repetition_penalty r is sent as frequency_penalty r-1.
type OpenAIClient struct {
	api   *openai.Client
	model string
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(baseURL, apiKey, modelName string, timeout time.Duration) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	config.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Evaluate sends the prompt as a single user message and returns the reply.
func (c *OpenAIClient) Evaluate(ctx context.Context, req model.EvaluationRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature:      float32(req.Temperature),
		TopP:             float32(req.TopP),
		FrequencyPenalty: frequencyPenalty(req.RepetitionPenalty),
		Stop:             req.StopSequences,
	})
	if err != nil {
		return "", &OracleError{Op: "chat completion", StatusCode: statusCode(err), Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", &OracleError{Op: "chat completion", Err: errors.New("LLM returned no choices")}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return raw, nil
}

// Ping checks that the endpoint answers a model listing.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func frequencyPenalty(repetition float64) float32 {
	p := repetition - 1
	switch {
	case p < -2:
		p = -2
	case p > 2:
		p = 2
	}
	return float32(p)
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
