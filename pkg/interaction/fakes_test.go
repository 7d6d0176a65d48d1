package interaction

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"llm-interaction-manager/internal/config"
	"llm-interaction-manager/pkg/capability"
)

// fakeLLM is an in-process language model with a canned reply.
type fakeLLM struct {
	name       string
	connected  bool
	connectErr error
	replyErr   error
	reply      map[string]any

	lastConfig map[string]string
	prompts    []string
	docs       [][]string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		name:      "fake-llm",
		connected: true,
		reply: map[string]any{
			"response": "stub answer",
			"prompt":   "echoed prompt",
			"model":    "stub-model",
		},
	}
}

func (f *fakeLLM) Name() string { return f.name }

func (f *fakeLLM) IsConnected() bool { return f.connected }

func (f *fakeLLM) Info(ctx context.Context) (map[string]any, error) {
	return map[string]any{"model": "stub-model", "token": "stub-token"}, nil
}

func (f *fakeLLM) Connect(ctx context.Context, cfg map[string]string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.lastConfig = cfg
	f.connected = true
	return nil
}

func (f *fakeLLM) ValidateModel(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (f *fakeLLM) SendPrompt(ctx context.Context, prompt string, documents []string) (map[string]any, error) {
	f.prompts = append(f.prompts, prompt)
	f.docs = append(f.docs, documents)
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	reply := make(map[string]any, len(f.reply))
	for k, v := range f.reply {
		reply[k] = v
	}
	return reply, nil
}

type recordSave struct {
	conversation map[string]any
	messages     []map[string]any
}

// fakeRecords is an in-process record store that keeps every save.
type fakeRecords struct {
	name       string
	connected  bool
	saveErr    error
	recordsErr error
	records    []map[string]any
	saves      []recordSave

	lastHost string
	lastPort string
	lastAuth map[string]any
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{name: "fake-records", connected: true}
}

func (f *fakeRecords) Name() string { return f.name }

func (f *fakeRecords) IsConnected() bool { return f.connected }

func (f *fakeRecords) Info(ctx context.Context) (map[string]any, error) {
	return map[string]any{"host": "db.local", "port": "5432"}, nil
}

func (f *fakeRecords) Connect(ctx context.Context, host, port string, auth map[string]any) error {
	f.lastHost, f.lastPort, f.lastAuth = host, port, auth
	f.connected = true
	return nil
}

func (f *fakeRecords) SelectDatabase(ctx context.Context, name string) error { return nil }

func (f *fakeRecords) SaveRecord(ctx context.Context, conversation map[string]any, messages []map[string]any) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	conv := make(map[string]any, len(conversation))
	for k, v := range conversation {
		conv[k] = v
	}
	msgs := make([]map[string]any, len(messages))
	for i, msg := range messages {
		cp := make(map[string]any, len(msg))
		for k, v := range msg {
			cp[k] = v
		}
		msgs[i] = cp
	}
	f.saves = append(f.saves, recordSave{conversation: conv, messages: msgs})
	return nil
}

func (f *fakeRecords) Records(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	if f.recordsErr != nil {
		return nil, f.recordsErr
	}
	return f.records, nil
}

func (f *fakeRecords) lastSave() recordSave {
	return f.saves[len(f.saves)-1]
}

type vectorSave struct {
	data  map[string]any
	table string
}

type searchCall struct {
	input string
	topK  int
	table string
}

// fakeVectors is an in-process vector store with canned search hits.
type fakeVectors struct {
	name      string
	connected bool
	saveErr   error
	searchErr error
	hits      []string

	saves     []vectorSave
	searches  []searchCall
	infoCalls int

	lastHost string
	lastPort string
	lastAuth map[string]any
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{name: "fake-vectors", connected: true}
}

func (f *fakeVectors) Name() string { return f.name }

func (f *fakeVectors) IsConnected() bool { return f.connected }

func (f *fakeVectors) Info(ctx context.Context) (map[string]any, error) {
	f.infoCalls++
	return map[string]any{"host": "vec.local", "port": "8000"}, nil
}

func (f *fakeVectors) Connect(ctx context.Context, host, port string, auth map[string]any) error {
	f.lastHost, f.lastPort, f.lastAuth = host, port, auth
	f.connected = true
	return nil
}

func (f *fakeVectors) SaveVector(ctx context.Context, data map[string]any, table string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	f.saves = append(f.saves, vectorSave{data: cp, table: table})
	return nil
}

func (f *fakeVectors) LoadVector(ctx context.Context, query map[string]any, table string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeVectors) NearestSearch(ctx context.Context, input string, topK int, table string) ([]string, error) {
	f.searches = append(f.searches, searchCall{input: input, topK: topK, table: table})
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func (f *fakeVectors) ImportVectors(ctx context.Context, table string, data map[string]any, path string) error {
	return nil
}

// fakeDualStore serves both store roles from one instance, like the
// postgres backend does.
type fakeDualStore struct {
	name      string
	connected bool
	connects  int
}

func newFakeDualStore() *fakeDualStore {
	return &fakeDualStore{name: "fake-dual"}
}

func (f *fakeDualStore) Name() string { return f.name }

func (f *fakeDualStore) IsConnected() bool { return f.connected }

func (f *fakeDualStore) Info(ctx context.Context) (map[string]any, error) {
	return map[string]any{"host": "dual.local", "port": "5432"}, nil
}

func (f *fakeDualStore) Connect(ctx context.Context, host, port string, auth map[string]any) error {
	f.connects++
	f.connected = true
	return nil
}

func (f *fakeDualStore) SelectDatabase(ctx context.Context, name string) error { return nil }

func (f *fakeDualStore) SaveRecord(ctx context.Context, conversation map[string]any, messages []map[string]any) error {
	return nil
}

func (f *fakeDualStore) Records(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeDualStore) SaveVector(ctx context.Context, data map[string]any, table string) error {
	return nil
}

func (f *fakeDualStore) LoadVector(ctx context.Context, query map[string]any, table string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeDualStore) NearestSearch(ctx context.Context, input string, topK int, table string) ([]string, error) {
	return nil, nil
}

func (f *fakeDualStore) ImportVectors(ctx context.Context, table string, data map[string]any, path string) error {
	return nil
}

// fakeReviewer records what it saw and answers with a fixed comment.
type fakeReviewer struct {
	comment string
	err     error
	seen    []string
}

func (f *fakeReviewer) Review(ctx context.Context, response string) (string, error) {
	f.seen = append(f.seen, response)
	if f.err != nil {
		return "", f.err
	}
	return f.comment, nil
}

// testRegistry registers the given instances under their own names so
// resolution hands back exactly these fakes.
func testRegistry(defaults capability.DefaultSource, llm capability.LanguageModel, records capability.RecordStore, vectors capability.VectorStore) *capability.Registry {
	r := capability.NewRegistry(defaults)
	if llm != nil {
		r.RegisterLanguageModel(llm.Name(), func() capability.LanguageModel { return llm })
	}
	if records != nil {
		r.RegisterRecordStore(records.Name(), func() capability.RecordStore { return records })
	}
	if vectors != nil {
		r.RegisterVectorStore(vectors.Name(), func() capability.VectorStore { return vectors })
	}
	return r
}

type managerFixture struct {
	m       *Manager
	llm     *fakeLLM
	records *fakeRecords
	vectors *fakeVectors
	store   *config.Store
}

// newManagerFixture builds a manager around connected fakes and a
// throwaway config file. Later options override the fixture defaults.
func newManagerFixture(t *testing.T, opts ...Option) *managerFixture {
	t.Helper()
	fix := &managerFixture{
		llm:     newFakeLLM(),
		records: newFakeRecords(),
		vectors: newFakeVectors(),
		store:   config.NewStore(filepath.Join(t.TempDir(), "config.json")),
	}
	base := []Option{
		WithLanguageModel(fix.llm),
		WithRecordStore(fix.records),
		WithVectorStore(fix.vectors),
		WithConfigStore(fix.store),
		WithSettings(defaultSettings()),
	}
	m, err := NewManager(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	fix.m = m
	return fix
}
