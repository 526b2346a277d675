// Package llm is the boundary to the external completion service. The
// orchestrator treats it as a fallible, timeout-bounded function call and
// nothing more.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minion-dev/minion/internal/models"
)

// ErrExternalService wraps any transport, timeout, or API failure from the
// completion call. The orchestrator treats these as recoverable.
var ErrExternalService = errors.New("external completion service error")

// Request is one completion call.
type Request struct {
	TaskType models.TaskType
	Payload  models.Payload
	Model    string
}

// Response carries the generated text.
type Response struct {
	GeneratedText string
}

// Client is the completion boundary. Implementations must honor the
// context deadline.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// HTTPClient calls an Anthropic-style messages endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPClient builds a client with a hard per-call timeout. The timeout
// is the only thing standing between a stalled upstream and a stalled
// worker slot.
func NewHTTPClient(endpoint, apiKey, model string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends the request and returns the generated text. Every
// failure mode lands under ErrExternalService so the caller has exactly
// one branch to take.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(apiRequest{
		Model:     model,
		MaxTokens: 4096,
		Messages:  []apiMessage{{Role: "user", Content: BuildPrompt(req.TaskType, req.Payload)}},
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: encode request: %v", ErrExternalService, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("%w: build request: %v", ErrExternalService, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, fmt.Errorf("%w: status %d: %s", ErrExternalService, resp.StatusCode, data)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("%w: decode response: %v", ErrExternalService, err)
	}
	if len(parsed.Content) == 0 {
		return Response{}, fmt.Errorf("%w: empty response", ErrExternalService)
	}
	return Response{GeneratedText: parsed.Content[0].Text}, nil
}

// BuildPrompt renders the instruction for a task type. The switch is
// closed over the same enumeration the queue validates against.
func BuildPrompt(taskType models.TaskType, payload models.Payload) string {
	var instruction string
	switch taskType {
	case models.TaskWriteTests:
		instruction = "Write thorough unit tests for the following code."
	case models.TaskTranslateCode:
		instruction = "Translate the following code as described, preserving behavior."
	case models.TaskDebugError:
		instruction = "Diagnose and fix the error described below."
	case models.TaskFormatCode:
		instruction = "Reformat the following code without changing behavior."
	case models.TaskGenerateDocs:
		instruction = "Write documentation for the following code."
	case models.TaskRefactorFunction:
		instruction = "Refactor the following code as described, preserving behavior."
	default:
		instruction = "Complete the following task."
	}

	prompt := instruction + "\n\nTask: " + payload.Description
	if payload.Code != "" {
		prompt += "\n\nCode:\n" + payload.Code
	}
	if payload.TargetPath != "" {
		prompt += "\n\nTarget file: " + payload.TargetPath
	}
	return prompt
}
