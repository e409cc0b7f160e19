package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/mealsense/internal/retry"
)

const (
	defaultOpenRouterURL = "https://openrouter.ai/api/v1"
	openRouterTimeout    = 90 * time.Second
)

// OpenRouterTransport calls an OpenAI-compatible chat completions endpoint
// with the photo as an image content part.
type OpenRouterTransport struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

// NewOpenRouter creates a transport for the given model.
func NewOpenRouter(apiKey, model string) *OpenRouterTransport {
	return &OpenRouterTransport{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultOpenRouterURL,
		httpClient: &http.Client{
			Timeout: openRouterTimeout,
		},
		referer: "https://github.com/kalambet/mealsense",
		title:   "mealsense",
	}
}

// NewOpenRouterWithBaseURL creates a transport pointing at a custom base URL (for testing).
func NewOpenRouterWithBaseURL(apiKey, model, baseURL string) *OpenRouterTransport {
	t := NewOpenRouter(apiKey, model)
	t.baseURL = strings.TrimRight(baseURL, "/")
	return t
}

func (t *OpenRouterTransport) Model() string { return t.model }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat completion. Status codes are classified with
// retry.HTTPStatus; transport failures with retry.Classify.
func (t *OpenRouterTransport) Complete(ctx context.Context, p Prompt) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model: t.model,
		Messages: []chatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: p.User},
				{Type: "image_url", ImageURL: &imageURL{URL: p.Image.DataURL()}},
			}},
		},
		Temperature:    0.1,
		MaxTokens:      2000,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", retry.Wrap(retry.KindPermanent, fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", retry.Wrap(retry.KindPermanent, fmt.Errorf("creating request: %w", err))
	}
	t.setHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", retry.Classify(fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", retry.HTTPStatus(resp.StatusCode, string(respBody))
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", retry.Classify(fmt.Errorf("decoding response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", retry.Errorf(retry.KindMalformed, "response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (t *OpenRouterTransport) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("HTTP-Referer", t.referer)
	req.Header.Set("X-Title", t.title)
}
