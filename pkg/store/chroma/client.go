package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"llm-interaction-manager/pkg/errs"
)

// Request and response shapes of the chroma v1 REST API. Collections are
// created by name but addressed by id afterwards.

type collectionRequest struct {
	Name        string `json:"name"`
	GetOrCreate bool   `json:"get_or_create"`
}

type collectionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type addRequest struct {
	IDs        []string         `json:"ids"`
	Embeddings [][]float32      `json:"embeddings"`
	Documents  []string         `json:"documents"`
	Metadatas  []map[string]any `json:"metadatas,omitempty"`
}

type getRequest struct {
	IDs     []string       `json:"ids"`
	Where   map[string]any `json:"where,omitempty"`
	Include []string       `json:"include"`
}

type getResponse struct {
	IDs       []string         `json:"ids"`
	Documents []string         `json:"documents"`
	Metadatas []map[string]any `json:"metadatas"`
}

type queryRequest struct {
	QueryEmbeddings [][]float32 `json:"query_embeddings"`
	NResults        int         `json:"n_results"`
	Include         []string    `json:"include"`
}

type queryResponse struct {
	IDs       [][]string `json:"ids"`
	Documents [][]string `json:"documents"`
}

func (s *Store) heartbeat(ctx context.Context, baseURL string) error {
	var beat map[string]any
	return s.doJSON(ctx, http.MethodGet, baseURL+"/api/v1/heartbeat", nil, &beat)
}

// getOrCreateCollection resolves a collection name to its id, creating
// the collection on first use. Resolved ids are cached.
func (s *Store) getOrCreateCollection(ctx context.Context, name string) (string, error) {
	if id, found := s.collections.Get(name); found {
		return id.(string), nil
	}
	var collection collectionResponse
	err := s.doJSON(ctx, http.MethodPost, s.url("/api/v1/collections"),
		collectionRequest{Name: name, GetOrCreate: true}, &collection)
	if err != nil {
		return "", err
	}
	s.collections.SetDefault(name, collection.ID)
	return collection.ID, nil
}

// getCollection resolves an existing collection name to its id without
// creating it.
func (s *Store) getCollection(ctx context.Context, name string) (string, error) {
	if id, found := s.collections.Get(name); found {
		return id.(string), nil
	}
	var collection collectionResponse
	err := s.doJSON(ctx, http.MethodGet, s.url("/api/v1/collections/"+name), nil, &collection)
	if err != nil {
		return "", errs.NotFound("chromadb collection %q does not exist", name)
	}
	s.collections.SetDefault(name, collection.ID)
	return collection.ID, nil
}

func (s *Store) addToCollection(ctx context.Context, collectionID string, req addRequest) error {
	var ok bool
	return s.doJSON(ctx, http.MethodPost, s.url("/api/v1/collections/"+collectionID+"/add"), req, &ok)
}

func (s *Store) url(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL + path
}

func (s *Store) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errs.Validation("chromadb request is not serializable: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errs.Connection("failed to build chromadb request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := s.key(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errs.Connection("chromadb request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return errs.Connection("chromadb returned %s: %s", resp.Status, string(detail))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.ContractViolation("chromadb returned an unreadable response: %w", err)
	}
	return nil
}

func (s *Store) key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey
}
