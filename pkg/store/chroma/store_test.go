package chroma

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-interaction-manager/pkg/errs"
)

type fakeServer struct {
	srv       *httptest.Server
	lastAdd   *addRequest
	lastQuery *queryRequest
	getResp   getResponse
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/heartbeat":
			_ = json.NewEncoder(w).Encode(map[string]any{"nanosecond heartbeat": 1})
		case r.URL.Path == "/api/v1/collections" && r.Method == http.MethodPost:
			var req collectionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(collectionResponse{ID: "col-1", Name: req.Name})
		case r.URL.Path == "/api/v1/collections/lims_embeddings":
			_ = json.NewEncoder(w).Encode(collectionResponse{ID: "col-1", Name: "lims_embeddings"})
		case r.URL.Path == "/api/v1/collections/col-1/add":
			var req addRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.lastAdd = &req
			_ = json.NewEncoder(w).Encode(true)
		case r.URL.Path == "/api/v1/collections/col-1/get":
			_ = json.NewEncoder(w).Encode(f.getResp)
		case r.URL.Path == "/api/v1/collections/col-1/query":
			var req queryRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.lastQuery = &req
			_ = json.NewEncoder(w).Encode(queryResponse{
				IDs:       [][]string{{"a", "b"}},
				Documents: [][]string{{"PROMPT: one\nRESPONSE: two", "PROMPT: three\nRESPONSE: four"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.6, 0.8}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connectedStore(t *testing.T, f *fakeServer) *Store {
	t.Helper()
	host, port := splitHostPort(t, f.srv.URL)
	s := New(nil)
	err := s.Connect(context.Background(), host, port, map[string]any{
		"embedding_url": newEmbeddingServer(t).URL,
	})
	require.NoError(t, err)
	return s
}

func splitHostPort(t *testing.T, rawURL string) (string, string) {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	require.NoError(t, err)
	return host, port
}

func TestName(t *testing.T) {
	assert.Equal(t, "chromadb", New(nil).Name())
}

func TestOperationsRequireConnection(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	cases := map[string]func() error{
		"SaveVector": func() error {
			return s.SaveVector(ctx, map[string]any{"prompt": "p", "response": "r"}, "lims_embeddings")
		},
		"LoadVector": func() error {
			_, err := s.LoadVector(ctx, map[string]any{"id": "m1"}, "lims_embeddings")
			return err
		},
		"NearestSearch": func() error {
			_, err := s.NearestSearch(ctx, "query", 3, "lims_embeddings")
			return err
		},
		"ImportVectors": func() error {
			return s.ImportVectors(ctx, "lims_embeddings", map[string]any{"text": "x"}, "")
		},
		"Info": func() error {
			_, err := s.Info(ctx)
			return err
		},
	}
	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), errs.ErrPrecondition)
		})
	}
	assert.False(t, s.IsConnected())
}

func TestConnectValidation(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Connect(ctx, "", "8000", nil), errs.ErrConfiguration)
	assert.ErrorIs(t, s.Connect(ctx, "localhost", "", nil), errs.ErrConfiguration)

	err := s.Connect(ctx, "localhost", "8000", map[string]any{"client_type": "VOLATILE"})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Contains(t, err.Error(), "VOLATILE")
}

func TestConnectUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host, port := splitHostPort(t, srv.URL)
	srv.Close()

	err := New(nil).Connect(context.Background(), host, port, nil)
	assert.ErrorIs(t, err, errs.ErrConnection)
}

func TestConnectAndInfo(t *testing.T) {
	f := newFakeServer(t)
	s := connectedStore(t, f)

	assert.True(t, s.IsConnected())

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Contains(t, info, "embedding_url")
	assert.Contains(t, info, "host")
	assert.Contains(t, info, "port")
}

func TestSaveVector(t *testing.T) {
	f := newFakeServer(t)
	s := connectedStore(t, f)

	err := s.SaveVector(context.Background(), map[string]any{
		"id":       "msg_1",
		"prompt":   "hello",
		"response": "world",
		"model":    "m",
		"usage":    map[string]any{"total_tokens": 5},
	}, "lims_embeddings")
	require.NoError(t, err)

	require.NotNil(t, f.lastAdd)
	assert.Equal(t, []string{"msg_1"}, f.lastAdd.IDs)
	assert.Equal(t, []string{"PROMPT: hello\nRESPONSE: world"}, f.lastAdd.Documents)
	require.Len(t, f.lastAdd.Embeddings, 1)
	require.Len(t, f.lastAdd.Metadatas, 1)
	assert.Equal(t, "m", f.lastAdd.Metadatas[0]["model"])
	assert.EqualValues(t, 5, f.lastAdd.Metadatas[0]["usage_total_tokens"])
}

func TestSaveVectorGeneratesID(t *testing.T) {
	f := newFakeServer(t)
	s := connectedStore(t, f)

	require.NoError(t, s.SaveVector(context.Background(), map[string]any{"prompt": "only prompt"}, "lims_embeddings"))
	require.NotNil(t, f.lastAdd)
	require.Len(t, f.lastAdd.IDs, 1)
	assert.NotEmpty(t, f.lastAdd.IDs[0])
	assert.Empty(t, f.lastAdd.Metadatas)
}

func TestSaveVectorRequiresText(t *testing.T) {
	f := newFakeServer(t)
	s := connectedStore(t, f)

	err := s.SaveVector(context.Background(), map[string]any{"id": "m1"}, "lims_embeddings")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestLoadVector(t *testing.T) {
	f := newFakeServer(t)
	f.getResp = getResponse{
		IDs:       []string{"msg_1"},
		Documents: []string{"PROMPT: hello\nRESPONSE: world"},
		Metadatas: []map[string]any{{"model": "m"}},
	}
	s := connectedStore(t, f)

	result, err := s.LoadVector(context.Background(), map[string]any{"id": "msg_1"}, "lims_embeddings")
	require.NoError(t, err)
	assert.Equal(t, "msg_1", result["id"])
	assert.Equal(t, "hello", result["prompt"])
	assert.Equal(t, "world", result["response"])
	assert.Equal(t, map[string]any{"model": "m"}, result["metadata"])
}

func TestLoadVectorErrors(t *testing.T) {
	f := newFakeServer(t)
	s := connectedStore(t, f)
	ctx := context.Background()

	_, err := s.LoadVector(ctx, map[string]any{}, "lims_embeddings")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = s.LoadVector(ctx, map[string]any{"id": "m1"}, "missing_collection")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	f.getResp = getResponse{}
	_, err = s.LoadVector(ctx, map[string]any{"id": "ghost"}, "lims_embeddings")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestNearestSearch(t *testing.T) {
	f := newFakeServer(t)
	s := connectedStore(t, f)

	results, err := s.NearestSearch(context.Background(), "anything", 2, "lims_embeddings")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"PROMPT: one\nRESPONSE: two",
		"PROMPT: three\nRESPONSE: four",
	}, results)

	require.NotNil(t, f.lastQuery)
	assert.Equal(t, 2, f.lastQuery.NResults)
	require.Len(t, f.lastQuery.QueryEmbeddings, 1)
}

func TestImportVectors(t *testing.T) {
	f := newFakeServer(t)
	s := connectedStore(t, f)
	ctx := context.Background()

	assert.ErrorIs(t, s.ImportVectors(ctx, "lims_embeddings", nil, ""), errs.ErrValidation)
	assert.ErrorIs(t,
		s.ImportVectors(ctx, "lims_embeddings", map[string]any{"text": "x"}, "some/path"),
		errs.ErrValidation)

	require.NoError(t, s.ImportVectors(ctx, "lims_embeddings", map[string]any{
		"text":   "a known fact",
		"source": "wiki",
	}, ""))
	require.NotNil(t, f.lastAdd)
	assert.Equal(t, []string{"a known fact"}, f.lastAdd.Documents)
	require.Len(t, f.lastAdd.Metadatas, 1)
	assert.Equal(t, "wiki", f.lastAdd.Metadatas[0]["source"])
}

func TestImportVectorsFromFile(t *testing.T) {
	f := newFakeServer(t)
	s := connectedStore(t, f)

	path := filepath.Join(t.TempDir(), "facts.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\nthird\n"), 0o644))

	require.NoError(t, s.ImportVectors(context.Background(), "lims_embeddings", nil, path))
	require.NotNil(t, f.lastAdd)
	assert.Equal(t, []string{"first", "second", "third"}, f.lastAdd.Documents)
	assert.Len(t, f.lastAdd.IDs, 3)
	assert.Len(t, f.lastAdd.Embeddings, 3)

	err := s.ImportVectors(context.Background(), "lims_embeddings", nil, filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSplitDocument(t *testing.T) {
	prompt, response, ok := splitDocument("PROMPT: ask\nRESPONSE: answer")
	require.True(t, ok)
	assert.Equal(t, "ask", prompt)
	assert.Equal(t, "answer", response)

	prompt, response, ok = splitDocument("PROMPT: only ask\nRESPONSE:")
	require.True(t, ok)
	assert.Equal(t, "only ask", prompt)
	assert.Empty(t, response)

	_, _, ok = splitDocument("raw imported text")
	assert.False(t, ok)
}

func TestFlattenMetadata(t *testing.T) {
	flat := flattenMetadata(map[string]any{
		"model": "m",
		"usage": map[string]any{"prompt_tokens": 3, "detail": map[string]any{"cached": 1}},
		"empty": nil,
	})
	assert.Equal(t, "m", flat["model"])
	assert.Equal(t, 3, flat["usage_prompt_tokens"])
	assert.Equal(t, 1, flat["usage_detail_cached"])
	assert.NotContains(t, flat, "empty")
}

func TestReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\n\ntwo\n"), 0o644))

	lines, err := readLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "", "two"}, lines)
}
