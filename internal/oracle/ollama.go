package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/mealsense/internal/retry"
)

const maxImageBytes = 20 << 20

// Schema describes the JSON output Ollama is asked to produce.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// analysisSchema is the structured output format for a meal analysis.
func analysisSchema() *Schema {
	num := func(desc string) *Schema { return &Schema{Type: "number", Description: desc} }
	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"items": {
				Type: "array",
				Items: &Schema{
					Type: "object",
					Properties: map[string]*Schema{
						"name":           {Type: "string"},
						"portion_grams":  num("Estimated portion in grams"),
						"calories":       num("kcal for the portion"),
						"protein_grams":  num(""),
						"carbs_grams":    num(""),
						"fat_grams":      num(""),
						"confidence":     num("0-100"),
						"note_influence": {Type: "string", Enum: []string{"none", "name", "portion", "both"}},
					},
					Required: []string{"name", "portion_grams", "calories", "confidence"},
				},
			},
			"overall_confidence": num("0-100"),
			"explanation":        {Type: "string"},
		},
		Required: []string{"items", "overall_confidence"},
	}
}

// OllamaTransport runs a local vision model through Ollama's chat API.
type OllamaTransport struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates a transport targeting the given Ollama base URL.
func NewOllama(baseURL, model string) *OllamaTransport {
	return &OllamaTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

func (t *OllamaTransport) Model() string { return t.model }

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatRequest is the JSON body for POST /api/chat.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   *Schema         `json:"format,omitempty"`
}

// ollamaChatResponse is the JSON returned by POST /api/chat (non-streaming).
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (t *OllamaTransport) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Complete sends one non-streaming chat request. Ollama only accepts inline
// images, so a remote image URL is downloaded first.
func (t *OllamaTransport) Complete(ctx context.Context, p Prompt) (string, error) {
	img := p.Image.Data
	if len(img) == 0 {
		var err error
		if img, err = t.download(ctx, p.Image.URL); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model: t.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User, Images: []string{base64.StdEncoding.EncodeToString(img)}},
		},
		Stream: false,
		Format: analysisSchema(),
	})
	if err != nil {
		return "", retry.Wrap(retry.KindPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", retry.Wrap(retry.KindPermanent, fmt.Errorf("creating chat request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", retry.Classify(fmt.Errorf("chat request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", retry.HTTPStatus(resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", retry.Classify(fmt.Errorf("decoding chat response: %w", err))
	}
	return result.Message.Content, nil
}

func (t *OllamaTransport) download(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, retry.Errorf(retry.KindPermanent, "unsupported image URL %q", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Wrap(retry.KindPermanent, fmt.Errorf("creating image request: %w", err))
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, retry.Classify(fmt.Errorf("fetching image: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, retry.HTTPStatus(resp.StatusCode, "fetching image")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, retry.Classify(fmt.Errorf("reading image: %w", err))
	}
	if len(data) > maxImageBytes {
		return nil, retry.Errorf(retry.KindPermanent, "image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}
