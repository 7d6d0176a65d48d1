// Package ollama implements the language-model capability against a
// locally-run Ollama instance using its generate API.
package ollama

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

const defaultBaseURL = "http://localhost:11434"

type Provider struct {
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

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) IsConnected() bool { return p.model != "" }

func (p *Provider) Info(ctx context.Context) (map[string]any, error) {
	info := make(map[string]any, len(p.auth))
	for k, v := range p.auth {
		info[k] = v
	}
	return info, nil
}

// Connect resolves the base URL from "base_url" or "host"/"port",
// validates the model against the local tag listing, and keeps the
// connection data for later persistence. cfg must contain "model".
func (p *Provider) Connect(ctx context.Context, cfg map[string]string) error {
	model := cfg[llm.CfgModel]
	if model == "" {
		return errs.Configuration("no model defined for ollama")
	}

	switch {
	case cfg[llm.CfgBaseURL] != "":
		p.baseURL = cfg[llm.CfgBaseURL]
	case cfg[llm.CfgHost] != "":
		port := cfg[llm.CfgPort]
		if port == "" {
			port = "11434"
		}
		p.baseURL = fmt.Sprintf("http://%s:%s", cfg[llm.CfgHost], port)
	}

	ok, err := p.ValidateModel(ctx, model)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Configuration("model %q is not available in ollama, pull it first", model)
	}

	p.model = model
	p.auth = make(map[string]string, len(cfg))
	for k, v := range cfg {
		p.auth[k] = v
	}
	return nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model         string `json:"model"`
	CreatedAt     string `json:"created_at"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	DoneReason    string `json:"done_reason,omitempty"`
	TotalDuration int64  `json:"total_duration,omitempty"`
	EvalCount     int    `json:"eval_count,omitempty"`
}

// SendPrompt posts the prompt (wrapped with documents when present) to
// the generate endpoint and returns the response mapping: "response" and
// "prompt" plus the generation stats ollama reports.
func (p *Provider) SendPrompt(ctx context.Context, prompt string, documents []string) (map[string]any, error) {
	if p.model == "" {
		return nil, errs.Precondition("ollama is not connected, use Connect first")
	}

	fullPrompt := llm.WrapDocuments(prompt, documents)

	payloadBytes, err := json.Marshal(generateRequest{
		Model:  p.model,
		Prompt: fullPrompt,
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Connection("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Connection("ollama error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var genResp generateResponse
	if err := json.Unmarshal(bodyBytes, &genResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := map[string]any{
		"response": genResp.Response,
		"prompt":   fullPrompt,
		"model":    genResp.Model,
		"done":     genResp.Done,
	}
	if genResp.CreatedAt != "" {
		result["created_at"] = genResp.CreatedAt
	}
	if genResp.DoneReason != "" {
		result["done_reason"] = genResp.DoneReason
	}
	if genResp.TotalDuration > 0 {
		result["total_duration"] = genResp.TotalDuration
	}
	if genResp.EvalCount > 0 {
		result["eval_count"] = genResp.EvalCount
	}
	return result, nil
}

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// ValidateModel checks the model name against the local tag listing.
// Listings are cached per endpoint.
func (p *Provider) ValidateModel(ctx context.Context, name string) (bool, error) {
	models, err := p.catalog.Models(ctx, p.baseURL, p.fetchTags)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m == name || m == name+":latest" {
			return true, nil
		}
	}
	return false, nil
}

func (p *Provider) fetchTags(ctx context.Context) ([]string, error) {
	url := p.baseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Connection("ollama tags request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Connection("ollama tags error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var tags tagsResponse
	if err := json.Unmarshal(bodyBytes, &tags); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	models := make([]string, 0, len(tags.Models)*2)
	for _, m := range tags.Models {
		models = append(models, m.Name)
		if m.Model != "" && m.Model != m.Name {
			models = append(models, m.Model)
		}
	}
	return models, nil
}
