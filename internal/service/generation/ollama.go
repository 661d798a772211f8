package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response is read for diagnostics.
const maxErrorBody = 4096

// OllamaBackend calls the /api/generate endpoint of an Ollama server.
type OllamaBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaBackend creates a backend for baseURL. Per-attempt deadlines come
// from the caller's context; timeout is a safety net on the HTTP client.
func NewOllamaBackend(baseURL string, timeout time.Duration) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, e.Detail)
}

// GenerateText implements Backend.
func (b *OllamaBackend) GenerateText(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	reqBody, err := json.Marshal(ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: ollamaOptions{Temperature: temperature},
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &HTTPError{StatusCode: resp.StatusCode, Detail: errorDetail(body)}
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	return result.Response, nil
}

// Ping checks that the server is reachable.
func (b *OllamaBackend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: ping: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: ping: status %d", resp.StatusCode)
	}
	return nil
}

// errorDetail prefers the "error" field of a JSON error body.
func errorDetail(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
