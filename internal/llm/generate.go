package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

const (
	maxErrorBody    = 512
	maxResponseBody = 1 << 20
)

// GenerateClient speaks the plain JSON generate protocol:
// POST {prompt, temperature, top_p, top_k, repetition_penalty, stop} and
// receive {"response": "..."}.
type GenerateClient struct {
	url  string
	http *http.Client
}

// NewGenerateClient creates a client for the endpoint at url. A zero timeout
// means no client-side deadline beyond the caller's context.
func NewGenerateClient(url string, timeout time.Duration) *GenerateClient {
	return &GenerateClient{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

type generateResponse struct {
	Response *string `json:"response"`
}

// Evaluate posts req and returns the response text.
func (c *GenerateClient) Evaluate(ctx context.Context, req model.EvaluationRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", &OracleError{Op: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", &OracleError{Op: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &OracleError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return "", &OracleError{Op: "read response", StatusCode: resp.StatusCode, Err: err}
	}
	if len(data) > maxResponseBody {
		return "", &OracleError{
			Op:         "read response",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("response body exceeds %d bytes", maxResponseBody),
		}
	}
	slog.Debug("oracle call finished", "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := data
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return "", &OracleError{
			Op:         "post",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", bytes.TrimSpace(snippet)),
		}
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &OracleError{Op: "decode response", StatusCode: resp.StatusCode, Err: err}
	}
	if out.Response == nil {
		return "", &OracleError{Op: "decode response", StatusCode: resp.StatusCode, Err: errors.New(`missing "response" field`)}
	}

	slog.Debug("oracle response", "raw", *out.Response)
	return *out.Response, nil
}
