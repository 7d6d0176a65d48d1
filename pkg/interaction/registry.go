package interaction

import (
	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/llm/huggingface"
	"llm-interaction-manager/pkg/llm/ollama"
	"llm-interaction-manager/pkg/store/chroma"
	"llm-interaction-manager/pkg/store/postgres"
	"llm-interaction-manager/pkg/store/redisstore"
)

// DefaultRegistry returns a registry with every built-in backend:
// huggingface and ollama for the llm role, postgres and redis for the
// persistent role, postgres and chromadb for the vector role. postgres
// implements both store contracts, so a shared default collapses to a
// single connected instance.
func DefaultRegistry(defaults capability.DefaultSource, log logging.Logger) *capability.Registry {
	r := capability.NewRegistry(defaults)
	r.RegisterLanguageModel("huggingface", func() capability.LanguageModel { return huggingface.New() })
	r.RegisterLanguageModel("ollama", func() capability.LanguageModel { return ollama.New() })
	r.RegisterRecordStore("postgres", func() capability.RecordStore { return postgres.New(log) })
	r.RegisterRecordStore("redis", func() capability.RecordStore { return redisstore.New(log) })
	r.RegisterVectorStore("postgres", func() capability.VectorStore { return postgres.New(log) })
	r.RegisterVectorStore("chromadb", func() capability.VectorStore { return chroma.New(log) })
	return r
}
