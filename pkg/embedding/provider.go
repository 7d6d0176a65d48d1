// Package embedding generates the text embeddings the vector stores
// persist and query with. Providers return unit-length float32 vectors,
// so stores can rank by inner product or cosine interchangeably.
package embedding

import (
	"context"
	"strconv"
	"strings"

	"llm-interaction-manager/pkg/errs"
)

// Provider defines the interface for generating text embeddings.
type Provider interface {
	Name() string
	Dimensions() int
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Config selects and parameterizes a provider. Zero values fall back to
// the provider's defaults.
type Config struct {
	Provider   string
	BaseURL    string
	Model      string
	APIKey     string
	Dimensions int
}

// ConfigFromMap extracts the embedding keys a store's connection data may
// carry. Unknown keys are ignored.
func ConfigFromMap(auth map[string]any) Config {
	cfg := Config{}
	if auth == nil {
		return cfg
	}
	cfg.Provider = stringValue(auth["embedding_provider"])
	cfg.BaseURL = stringValue(auth["embedding_url"])
	cfg.Model = stringValue(auth["embedding_model"])
	cfg.APIKey = stringValue(auth["embedding_api_key"])
	if raw, ok := auth["embedding_dimensions"]; ok {
		switch v := raw.(type) {
		case int:
			cfg.Dimensions = v
		case float64:
			cfg.Dimensions = int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Dimensions = n
			}
		}
	}
	return cfg
}

func stringValue(raw any) string {
	s, _ := raw.(string)
	return s
}

// New builds the provider named by cfg.Provider; an empty name selects
// ollama, since it needs no credentials.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model, cfg.Dimensions), nil
	case "jina":
		return NewJina(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions), nil
	default:
		return nil, errs.Configuration("no embedding provider named %q", cfg.Provider)
	}
}
