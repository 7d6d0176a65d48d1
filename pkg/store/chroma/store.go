// Package chroma talks to a ChromaDB server over its REST API. Vector
// tables map to collections; prompt and response are stored combined in
// one document per entry, since collections hold a single text each.
// Embeddings are generated client side through the embedding package.
package chroma

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/embedding"
	"llm-interaction-manager/pkg/errs"
)

const notConnected = "chromadb is not connected, call Connect first"

type Store struct {
	mu      sync.Mutex
	baseURL string
	apiKey  string
	host    string
	port    string
	auth    map[string]any

	httpClient  *http.Client
	embedder    embedding.Provider
	collections *cache.Cache
	log         logging.Logger
}

var _ capability.VectorStore = (*Store)(nil)

func New(log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	return &Store{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		collections: cache.New(1*time.Hour, 10*time.Minute),
		log:         log,
	}
}

func (s *Store) Name() string {
	return "chromadb"
}

// Connect targets a running chroma server and verifies it with a
// heartbeat. The auth map may set "client_type" (only "HTTP_SERVER" is
// supported here), an "api_key" for bearer auth, and embedding_* keys.
func (s *Store) Connect(ctx context.Context, host, port string, auth map[string]any) error {
	if host == "" || port == "" {
		return errs.Configuration("chromadb needs a host and a port")
	}
	clientType := strings.ToUpper(stringValue(auth, "client_type"))
	if clientType != "" && clientType != "HTTP_SERVER" {
		return errs.Configuration("chromadb client type %q is not supported, connect to an HTTP server instance", clientType)
	}

	embedder, err := embedding.New(embedding.ConfigFromMap(auth))
	if err != nil {
		return err
	}

	baseURL := fmt.Sprintf("http://%s:%s", host, port)
	if err := s.heartbeat(ctx, baseURL); err != nil {
		return errs.Connection("chromadb at %s:%s is not reachable: %w", host, port, err)
	}

	s.mu.Lock()
	s.baseURL = baseURL
	s.apiKey = stringValue(auth, "api_key")
	s.host = host
	s.port = port
	s.auth = cloneMap(auth)
	s.embedder = embedder
	s.mu.Unlock()
	s.collections.Flush()

	s.log.Info("chromadb", "connected", map[string]interface{}{
		"host": host,
		"port": port,
	})
	return nil
}

func (s *Store) IsConnected() bool {
	s.mu.Lock()
	baseURL := s.baseURL
	s.mu.Unlock()
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.heartbeat(ctx, baseURL) == nil
}

func (s *Store) Info(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseURL == "" {
		return nil, errs.Precondition(notConnected)
	}
	info := make(map[string]any, len(s.auth)+2)
	for k, v := range s.auth {
		info[k] = v
	}
	info["host"] = s.host
	info["port"] = s.port
	return info, nil
}

// SaveVector stores one prompt/response pair as a combined document. At
// least one of the two texts must be present; all remaining keys except
// "id" travel as flattened metadata.
func (s *Store) SaveVector(ctx context.Context, data map[string]any, table string) error {
	if !s.bound() {
		return errs.Precondition(notConnected)
	}
	prompt := stringValue(data, "prompt")
	response := stringValue(data, "response")
	if prompt == "" && response == "" {
		return errs.Validation("vector data must contain at least 'prompt' or 'response'")
	}
	document := strings.TrimSpace(fmt.Sprintf("PROMPT: %s\nRESPONSE: %s", prompt, response))

	metadata := map[string]any{}
	for k, v := range data {
		if k == "prompt" || k == "response" || k == "id" {
			continue
		}
		metadata[k] = v
	}

	id := stringValue(data, "id")
	if id == "" {
		id = uuid.NewString()
	}

	vector, err := s.embed(ctx, document)
	if err != nil {
		return err
	}
	collectionID, err := s.getOrCreateCollection(ctx, table)
	if err != nil {
		return err
	}

	req := addRequest{
		IDs:        []string{id},
		Embeddings: [][]float32{vector},
		Documents:  []string{document},
	}
	if len(metadata) > 0 {
		req.Metadatas = []map[string]any{flattenMetadata(metadata)}
	}
	return s.addToCollection(ctx, collectionID, req)
}

// LoadVector fetches a document by id, with an optional metadata filter
// under the "metadata" query key, and splits it back into its prompt and
// response parts.
func (s *Store) LoadVector(ctx context.Context, query map[string]any, table string) (map[string]any, error) {
	if !s.bound() {
		return nil, errs.Precondition(notConnected)
	}
	id := stringValue(query, "id")
	if id == "" {
		return nil, errs.Validation("vector query must contain an 'id' key")
	}
	collectionID, err := s.getCollection(ctx, table)
	if err != nil {
		return nil, err
	}

	req := getRequest{IDs: []string{id}, Include: []string{"documents", "metadatas"}}
	if where, ok := query["metadata"].(map[string]any); ok && len(where) > 0 {
		req.Where = where
	}
	var resp getResponse
	if err := s.doJSON(ctx, http.MethodPost, s.url("/api/v1/collections/"+collectionID+"/get"), req, &resp); err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, errs.NotFound("no vector found with id %q and matching metadata", id)
	}
	if len(resp.Documents) == 0 {
		return nil, errs.ContractViolation("chromadb returned no document for id %q", id)
	}

	prompt, response, ok := splitDocument(resp.Documents[0])
	if !ok {
		return nil, errs.ContractViolation("document %s does not contain PROMPT and RESPONSE sections", id)
	}
	result := map[string]any{
		"id":       resp.IDs[0],
		"prompt":   prompt,
		"response": response,
	}
	if len(resp.Metadatas) > 0 {
		result["metadata"] = resp.Metadatas[0]
	} else {
		result["metadata"] = map[string]any{}
	}
	return result, nil
}

// NearestSearch embeds the input and returns the closest documents from
// the collection.
func (s *Store) NearestSearch(ctx context.Context, input string, topK int, table string) ([]string, error) {
	if !s.bound() {
		return nil, errs.Precondition(notConnected)
	}
	if topK <= 0 {
		topK = 10
	}
	collectionID, err := s.getCollection(ctx, table)
	if err != nil {
		return nil, err
	}
	vector, err := s.embed(ctx, input)
	if err != nil {
		return nil, err
	}

	req := queryRequest{
		QueryEmbeddings: [][]float32{vector},
		NResults:        topK,
		Include:         []string{"documents"},
	}
	var resp queryResponse
	if err := s.doJSON(ctx, http.MethodPost, s.url("/api/v1/collections/"+collectionID+"/query"), req, &resp); err != nil {
		return nil, err
	}

	var results []string
	for _, documents := range resp.Documents {
		results = append(results, documents...)
	}
	return results, nil
}

// ImportVectors adds external text to a collection, from one data entry
// with a "text" key or from a file read line by line. Exactly one source
// must be supplied.
func (s *Store) ImportVectors(ctx context.Context, table string, data map[string]any, path string) error {
	if !s.bound() {
		return errs.Precondition(notConnected)
	}
	if (data == nil && path == "") || (data != nil && path != "") {
		return errs.Validation("provide exactly one of data or path")
	}

	var documents []string
	var metadatas []map[string]any
	if data != nil {
		text, ok := data["text"].(string)
		if !ok {
			return errs.Validation("every import entry must contain a 'text' value")
		}
		documents = []string{text}
		metadata := map[string]any{}
		for k, v := range data {
			if k != "text" {
				metadata[k] = v
			}
		}
		if len(metadata) > 0 {
			metadatas = []map[string]any{flattenMetadata(metadata)}
		}
	} else {
		lines, err := readLines(path)
		if err != nil {
			return err
		}
		documents = lines
	}
	if len(documents) == 0 {
		return nil
	}

	ids := make([]string, len(documents))
	embeddings := make([][]float32, len(documents))
	for i, document := range documents {
		ids[i] = uuid.NewString()
		vector, err := s.embed(ctx, document)
		if err != nil {
			return err
		}
		embeddings[i] = vector
	}

	collectionID, err := s.getOrCreateCollection(ctx, table)
	if err != nil {
		return err
	}
	req := addRequest{IDs: ids, Embeddings: embeddings, Documents: documents, Metadatas: metadatas}
	if err := s.addToCollection(ctx, collectionID, req); err != nil {
		return err
	}

	s.log.Info("chromadb", "vectors imported", map[string]interface{}{
		"collection": table,
		"count":      len(documents),
	})
	return nil
}

func (s *Store) bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL != ""
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	embedder := s.embedder
	s.mu.Unlock()
	vector, err := embedder.Generate(ctx, text)
	if err != nil {
		return nil, errs.Connection("embedding failed: %w", err)
	}
	return vector, nil
}

// splitDocument reverses the combined storage format. Both markers must
// be present, in order.
func splitDocument(document string) (string, string, bool) {
	promptIdx := strings.Index(document, "PROMPT:")
	responseIdx := strings.Index(document, "RESPONSE:")
	if promptIdx < 0 || responseIdx < 0 || responseIdx < promptIdx {
		return "", "", false
	}
	prompt := strings.TrimSpace(document[promptIdx+len("PROMPT:") : responseIdx])
	response := strings.TrimSpace(document[responseIdx+len("RESPONSE:"):])
	return prompt, response, true
}

// flattenMetadata turns nested maps into underscore-joined keys, since
// chroma metadata values must be scalar. Nil values are dropped.
func flattenMetadata(metadata map[string]any) map[string]any {
	flat := map[string]any{}
	flattenInto(flat, "", metadata)
	return flat
}

func flattenInto(flat map[string]any, prefix string, metadata map[string]any) {
	for k, v := range metadata {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch nested := v.(type) {
		case map[string]any:
			flattenInto(flat, key, nested)
		case nil:
		default:
			flat[key] = v
		}
	}
}

func readLines(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Validation("import file %s is not readable: %w", path, err)
	}
	content := strings.TrimRight(string(raw), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
