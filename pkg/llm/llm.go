// Package llm holds the plumbing shared by the language-model
// capabilities: the instructional wrapper applied when a prompt travels
// with context documents, and a TTL cache for provider model catalogs.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Connection config keys every language-model capability understands.
const (
	CfgModel   = "model"
	CfgToken   = "token"
	CfgBaseURL = "base_url"
	CfgHost    = "host"
	CfgPort    = "port"
)

// Message is a chat message in the OpenAI-compatible wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WrapDocuments merges context documents into the prompt. Callers pass
// the documents separately; the wrapper text itself never changes.
func WrapDocuments(prompt string, documents []string) string {
	if len(documents) == 0 {
		return prompt
	}
	joined := strings.Join(documents, "\n\n")
	return fmt.Sprintf("System Prompt: Use the following documents or previous conversation pieces to answer the question. Documents: \n%s\n\n Question: %s\n", joined, prompt)
}

// Catalog caches model listings per provider endpoint, so validating a
// model name does not hit the catalog API on every connect.
type Catalog struct {
	cache *cache.Cache
}

func NewCatalog() *Catalog {
	return &Catalog{cache: cache.New(1*time.Hour, 10*time.Minute)}
}

// Models returns the cached listing for key, falling back to fetch on a
// miss.
func (c *Catalog) Models(ctx context.Context, key string, fetch func(ctx context.Context) ([]string, error)) ([]string, error) {
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]string), nil
	}
	models, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, models, cache.DefaultExpiration)
	return models, nil
}

// Contains reports whether the listing for key includes model.
func (c *Catalog) Contains(ctx context.Context, key, model string, fetch func(ctx context.Context) ([]string, error)) (bool, error) {
	models, err := c.Models(ctx, key, fetch)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m == model {
			return true, nil
		}
	}
	return false, nil
}
