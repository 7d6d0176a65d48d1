// Package huggingface implements the language-model capability against
// the Hugging Face router, which speaks the OpenAI-compatible chat API.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/errs"
	"llm-interaction-manager/pkg/llm"
)

const defaultBaseURL = "https://router.huggingface.co/v1"

type Provider struct {
	apiKey  string
	baseURL string
	model   string
	auth    map[string]string
	client  *http.Client
	catalog *llm.Catalog
}

var _ capability.LanguageModel = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		catalog: llm.NewCatalog(),
	}
}

func (p *Provider) Name() string { return "huggingface" }

func (p *Provider) IsConnected() bool { return p.model != "" }

// Info returns the connection data the manager persists when this
// instance becomes a default.
func (p *Provider) Info(ctx context.Context) (map[string]any, error) {
	info := make(map[string]any, len(p.auth))
	for k, v := range p.auth {
		info[k] = v
	}
	return info, nil
}

// Connect validates the configured model against the router catalog and
// keeps the connection data for later persistence. cfg must contain
// "model"; "token" and "base_url" are optional.
func (p *Provider) Connect(ctx context.Context, cfg map[string]string) error {
	model := cfg[llm.CfgModel]
	if model == "" {
		return errs.Configuration("no model defined for huggingface")
	}
	if base := cfg[llm.CfgBaseURL]; base != "" {
		p.baseURL = base
	}
	p.apiKey = cfg[llm.CfgToken]

	ok, err := p.ValidateModel(ctx, model)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Configuration("model %q not found in the huggingface catalog", model)
	}

	p.model = model
	p.auth = make(map[string]string, len(cfg))
	for k, v := range cfg {
		p.auth[k] = v
	}
	return nil
}

// Request payload structure (OpenAI compatible)
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []llm.Message `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// SendPrompt posts the prompt (wrapped with documents when present) and
// returns the response mapping: "response" and "prompt" plus whatever
// extra fields the router reported.
func (p *Provider) SendPrompt(ctx context.Context, prompt string, documents []string) (map[string]any, error) {
	if p.model == "" {
		return nil, errs.Precondition("huggingface is not connected, use Connect first")
	}

	fullPrompt := llm.WrapDocuments(prompt, documents)

	jsonData, err := json.Marshal(chatRequest{
		Model:     p.model,
		Messages:  []llm.Message{{Role: "user", Content: fullPrompt}},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Connection("huggingface request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Connection("huggingface api error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(bodyBytes, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if chatResp.Error != nil {
		return nil, errs.Connection("huggingface api returned error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return nil, errs.ContractViolation("empty choices from huggingface api")
	}

	result := map[string]any{
		"response": chatResp.Choices[0].Message.Content,
		"prompt":   fullPrompt,
	}
	if chatResp.Model != "" {
		result["model"] = chatResp.Model
	}
	if reason := chatResp.Choices[0].FinishReason; reason != "" {
		result["finish_reason"] = reason
	}
	if chatResp.Usage != nil {
		result["usage"] = map[string]any{
			"prompt_tokens":     chatResp.Usage.PromptTokens,
			"completion_tokens": chatResp.Usage.CompletionTokens,
			"total_tokens":      chatResp.Usage.TotalTokens,
		}
	}
	return result, nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ValidateModel checks the model name against the router's /models
// listing. Listings are cached per endpoint.
func (p *Provider) ValidateModel(ctx context.Context, name string) (bool, error) {
	return p.catalog.Contains(ctx, p.baseURL, name, p.fetchModels)
}

func (p *Provider) fetchModels(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/models", p.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Connection("huggingface catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Connection("huggingface catalog error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var listing modelsResponse
	if err := json.Unmarshal(bodyBytes, &listing); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	models := make([]string, 0, len(listing.Data))
	for _, m := range listing.Data {
		models = append(models, m.ID)
	}
	return models, nil
}
