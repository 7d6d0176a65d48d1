// Package capability defines the three backend contracts the interaction
// manager orchestrates, plus the registry that resolves a capability role
// to a concrete implementation by identifier.
package capability

import "context"

// Role names one of the three capability slots a session binds.
type Role string

const (
	RoleLanguageModel Role = "llm"
	RoleRecordStore   Role = "persistent"
	RoleVectorStore   Role = "vector"
)

// Default is the identifier sentinel that resolves to the persisted
// default selection for a role.
const Default = "default"

// DefaultVectorTable is where turn embeddings land unless a caller names
// another table.
const DefaultVectorTable = "lims_embeddings"

// Instance is the surface every capability shares. Name returns the
// stable identifier the instance is registered and persisted under.
// Info reports connection details; its liveness must come from a fresh
// probe, never a cached flag older than the last operation.
type Instance interface {
	Name() string
	IsConnected() bool
	Info(ctx context.Context) (map[string]any, error)
}

// LanguageModel is a generative text backend.
//
// Connect expects a "model" key and accepts a "token" key; the model must
// resolve against the provider's catalog. SendPrompt returns the raw
// response mapping, which must contain a "response" key holding the
// generated text; any further keys travel with the turn as metadata. When
// documents are supplied, the implementation prepends its instructional
// wrapper before the final question.
type LanguageModel interface {
	Instance
	Connect(ctx context.Context, cfg map[string]string) error
	ValidateModel(ctx context.Context, name string) (bool, error)
	SendPrompt(ctx context.Context, prompt string, documents []string) (map[string]any, error)
}

// RecordStore persists conversation records with their nested messages.
//
// SaveRecord upserts by conversation id and by each message id, keeping
// the message-to-conversation linkage intact. Records supports these
// filter keys: "conversation_id" and "message_id" match exactly,
// "user_prompt" and "llm_response" match as case-insensitive substrings;
// a nil or empty filter returns everything.
type RecordStore interface {
	Instance
	Connect(ctx context.Context, host, port string, auth map[string]any) error
	SelectDatabase(ctx context.Context, name string) error
	SaveRecord(ctx context.Context, conversation map[string]any, messages []map[string]any) error
	Records(ctx context.Context, filters map[string]string) ([]map[string]any, error)
}

// VectorStore persists embeddings and answers nearest-neighbor queries.
//
// SaveVector requires at least one of the "prompt" and "response" keys in
// data. NearestSearch returns combined prompt/response strings ordered by
// similarity. ImportVectors loads entries from exactly one of data or a
// JSON file at path.
type VectorStore interface {
	Instance
	Connect(ctx context.Context, host, port string, auth map[string]any) error
	SaveVector(ctx context.Context, data map[string]any, table string) error
	LoadVector(ctx context.Context, query map[string]any, table string) (map[string]any, error)
	NearestSearch(ctx context.Context, input string, topK int, table string) ([]string, error)
	ImportVectors(ctx context.Context, table string, data map[string]any, path string) error
}
