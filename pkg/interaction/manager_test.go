package interaction

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-interaction-manager/internal/config"
	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/errs"
)

func TestNewManagerCapturesHandedOverDefaults(t *testing.T) {
	fix := newManagerFixture(t)

	name, ok := fix.store.DefaultIdentifier(capability.RoleLanguageModel)
	require.True(t, ok)
	assert.Equal(t, "fake-llm", name)
	name, ok = fix.store.DefaultIdentifier(capability.RoleRecordStore)
	require.True(t, ok)
	assert.Equal(t, "fake-records", name)
	name, ok = fix.store.DefaultIdentifier(capability.RoleVectorStore)
	require.True(t, ok)
	assert.Equal(t, "fake-vectors", name)

	cfg, err := fix.store.Connection("fake-llm")
	require.NoError(t, err)
	assert.Equal(t, "stub-model", cfg["model"])
	assert.Equal(t, "stub-token", cfg["token"])

	cfg, err = fix.store.Connection("fake-records")
	require.NoError(t, err)
	assert.Equal(t, "db.local", cfg["host"])
}

func TestNewManagerSkipsDisconnectedHandover(t *testing.T) {
	llm := newFakeLLM()
	llm.connected = false
	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"))

	m, err := NewManager(context.Background(),
		WithLanguageModel(llm),
		WithRecordStore(newFakeRecords()),
		WithVectorStore(newFakeVectors()),
		WithConfigStore(store),
		WithSettings(defaultSettings()),
	)
	require.NoError(t, err)

	// The disconnected instance is used as-is but never persisted.
	_, ok := store.DefaultIdentifier(capability.RoleLanguageModel)
	assert.False(t, ok)
	name, ok := store.DefaultIdentifier(capability.RoleRecordStore)
	require.True(t, ok)
	assert.Equal(t, "fake-records", name)

	assert.False(t, m.IsConnected(capability.RoleLanguageModel))
	_, err = m.StartConversation(nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestNewManagerResolvesFromConfig(t *testing.T) {
	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleLanguageModel, "fake-llm"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleRecordStore, "fake-records"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleVectorStore, "fake-vectors"))
	require.NoError(t, store.SaveConnection("fake-llm", map[string]any{"model": "m1", "token": "t"}))
	require.NoError(t, store.SaveConnection("fake-records", map[string]any{"host": "db.local", "port": 5432, "password": "secret"}))
	require.NoError(t, store.SaveConnection("fake-vectors", map[string]any{"host": "vec.local", "port": "8000"}))

	llm := newFakeLLM()
	llm.connected = false
	records := newFakeRecords()
	records.connected = false
	vectors := newFakeVectors()
	vectors.connected = false

	m, err := NewManager(context.Background(),
		WithConfigStore(store),
		WithRegistry(testRegistry(store, llm, records, vectors)),
		WithSettings(defaultSettings()),
	)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"model": "m1", "token": "t"}, llm.lastConfig)
	assert.Equal(t, "db.local", records.lastHost)
	assert.Equal(t, "5432", records.lastPort)
	assert.Equal(t, map[string]any{"password": "secret"}, records.lastAuth)
	assert.Equal(t, "vec.local", vectors.lastHost)
	assert.Equal(t, "8000", vectors.lastPort)

	assert.True(t, m.IsConnected(capability.RoleLanguageModel))
	assert.True(t, m.IsConnected(capability.RoleRecordStore))
	assert.True(t, m.IsConnected(capability.RoleVectorStore))
}

func TestNewManagerMissingDefault(t *testing.T) {
	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	reg := testRegistry(store, newFakeLLM(), newFakeRecords(), newFakeVectors())

	_, err := NewManager(context.Background(),
		WithConfigStore(store),
		WithRegistry(reg),
		WithSettings(defaultSettings()),
	)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestNewManagerMissingConnection(t *testing.T) {
	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleLanguageModel, "fake-llm"))
	reg := testRegistry(store, newFakeLLM(), newFakeRecords(), newFakeVectors())

	_, err := NewManager(context.Background(),
		WithConfigStore(store),
		WithRegistry(reg),
		WithSettings(defaultSettings()),
	)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestNewManagerMissingHostPort(t *testing.T) {
	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleLanguageModel, "fake-llm"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleRecordStore, "fake-records"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleVectorStore, "fake-vectors"))
	require.NoError(t, store.SaveConnection("fake-llm", map[string]any{"model": "m1"}))
	require.NoError(t, store.SaveConnection("fake-records", map[string]any{"host": "db.local"}))
	reg := testRegistry(store, newFakeLLM(), newFakeRecords(), newFakeVectors())

	_, err := NewManager(context.Background(),
		WithConfigStore(store),
		WithRegistry(reg),
		WithSettings(defaultSettings()),
	)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Contains(t, err.Error(), "fake-records")
}

func TestNewManagerSharedStoreConnectsOnce(t *testing.T) {
	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleLanguageModel, "fake-llm"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleRecordStore, "fake-dual"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleVectorStore, "fake-dual"))
	require.NoError(t, store.SaveConnection("fake-llm", map[string]any{"model": "m1"}))
	require.NoError(t, store.SaveConnection("fake-dual", map[string]any{"host": "dual.local", "port": "5432"}))

	llm := newFakeLLM()
	llm.connected = false
	dual := newFakeDualStore()
	reg := capability.NewRegistry(store)
	reg.RegisterLanguageModel("fake-llm", func() capability.LanguageModel { return llm })
	reg.RegisterRecordStore("fake-dual", func() capability.RecordStore { return dual })
	reg.RegisterVectorStore("fake-dual", func() capability.VectorStore { return dual })

	m, err := NewManager(context.Background(),
		WithConfigStore(store),
		WithRegistry(reg),
		WithSettings(defaultSettings()),
	)
	require.NoError(t, err)

	assert.Equal(t, 1, dual.connects)
	assert.Same(t, dual, m.records)
	assert.Same(t, dual, m.vectors)
}

func TestNewManagerReusesHandedOverDualStore(t *testing.T) {
	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, store.SaveDefaultIdentifier(capability.RoleVectorStore, "fake-dual"))

	dual := newFakeDualStore()
	dual.connected = true
	other := newFakeDualStore()
	reg := capability.NewRegistry(store)
	reg.RegisterVectorStore("fake-dual", func() capability.VectorStore { return other })

	m, err := NewManager(context.Background(),
		WithLanguageModel(newFakeLLM()),
		WithRecordStore(dual),
		WithConfigStore(store),
		WithRegistry(reg),
		WithSettings(defaultSettings()),
	)
	require.NoError(t, err)

	// The handed-over instance serves the vector role too; the registry
	// build never connects.
	assert.Same(t, dual, m.vectors)
	assert.Equal(t, 0, dual.connects)
	assert.Equal(t, 0, other.connects)
}

func TestStartConversationLifecycle(t *testing.T) {
	fix := newManagerFixture(t)
	assert.Nil(t, fix.m.Conversation())

	fix.vectors.connected = false
	_, err := fix.m.StartConversation(nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	fix.vectors.connected = true
	conv, err := fix.m.StartConversation(map[string]any{"team": "qa"})
	require.NoError(t, err)
	assert.Same(t, conv, fix.m.Conversation())

	second, err := fix.m.StartConversation(nil)
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID(), second.ID())
	assert.Same(t, second, fix.m.Conversation())
}

func TestManagerSendPromptWrapsSystemPrompt(t *testing.T) {
	t.Run("with prefix", func(t *testing.T) {
		fix := newManagerFixture(t)
		require.NoError(t, fix.m.WriteSetting(SettingDefaultSystemPrompt, "You are terse."))
		_, err := fix.m.StartConversation(nil)
		require.NoError(t, err)

		result, err := fix.m.SendPrompt(context.Background(), "hello")
		require.NoError(t, err)

		wrapped := "SYSTEM PROMPT: You are terse. PROMPT: hello"
		assert.Equal(t, wrapped, fix.llm.prompts[0])
		assert.Equal(t, wrapped, result.Prompt)
		assert.Equal(t, wrapped, fix.records.saves[0].messages[0]["user_prompt"])
	})

	t.Run("without prefix", func(t *testing.T) {
		fix := newManagerFixture(t)
		_, err := fix.m.StartConversation(nil)
		require.NoError(t, err)

		result, err := fix.m.SendPrompt(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", fix.llm.prompts[0])
		assert.Equal(t, "hello", result.Prompt)
	})
}

func TestManagerSendPromptRequiresConversation(t *testing.T) {
	fix := newManagerFixture(t)
	_, err := fix.m.SendPrompt(context.Background(), "hello")
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestExportRecords(t *testing.T) {
	fix := newManagerFixture(t)
	fix.records.records = []map[string]any{{
		"conversation_id": "conv_1",
		"created_at":      time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC),
		"messages": []any{
			map[string]any{
				"message_id":  "msg_1",
				"user_prompt": "hi",
				"timestamp":   time.Date(2026, 5, 1, 10, 31, 0, 0, time.UTC),
			},
		},
	}}

	dir := t.TempDir()
	path, err := fix.m.ExportRecords(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, `^lims_export_\d{8}_\d{6}\.json$`, filepath.Base(path))

	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "\n    \"")

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "2026-05-01T10:30:00Z", decoded[0]["created_at"])
	msgs, ok := decoded[0]["messages"].([]any)
	require.True(t, ok)
	first, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2026-05-01T10:31:00Z", first["timestamp"])

	// Exporting again elsewhere yields identical content.
	path2, err := fix.m.ExportRecords(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	payload2, err := os.ReadFile(path2)
	require.NoError(t, err)
	var decoded2 []map[string]any
	require.NoError(t, json.Unmarshal(payload2, &decoded2))
	assert.Equal(t, decoded, decoded2)
}

func TestExportRecordsEmpty(t *testing.T) {
	fix := newManagerFixture(t)

	path, err := fix.m.ExportRecords(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(payload))
}

func TestExportRecordsDefaultPath(t *testing.T) {
	fix := newManagerFixture(t)

	_, err := fix.m.ExportRecords(context.Background(), "", nil)
	assert.ErrorIs(t, err, errs.ErrValidation)

	dir := filepath.Join(t.TempDir(), "exports")
	require.NoError(t, fix.m.WriteSetting(SettingDefaultExportPath, dir))
	path, err := fix.m.ExportRecords(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestExportRecordsErrors(t *testing.T) {
	fix := newManagerFixture(t)

	fix.records.recordsErr = errs.Connection("query failed")
	_, err := fix.m.ExportRecords(context.Background(), t.TempDir(), nil)
	assert.ErrorIs(t, err, errs.ErrConnection)

	fix.records.connected = false
	_, err = fix.m.ExportRecords(context.Background(), t.TempDir(), nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestManagerConnect(t *testing.T) {
	fix := newManagerFixture(t)
	ctx := context.Background()

	data := map[string]any{"host": "h1", "port": "1234", "password": "secret"}
	require.NoError(t, fix.m.Connect(ctx, capability.RoleRecordStore, data))
	assert.Equal(t, "h1", fix.records.lastHost)
	assert.Equal(t, "1234", fix.records.lastPort)
	assert.Equal(t, map[string]any{"password": "secret"}, fix.records.lastAuth)
	// The caller's map keeps every key.
	assert.Len(t, data, 3)

	require.NoError(t, fix.m.Connect(ctx, capability.RoleLanguageModel, map[string]any{"model": "m2", "token": 7}))
	assert.Equal(t, map[string]string{"model": "m2", "token": "7"}, fix.llm.lastConfig)

	require.NoError(t, fix.m.Connect(ctx, capability.RoleVectorStore, map[string]any{"host": "v", "port": "9"}))
	assert.Equal(t, "v", fix.vectors.lastHost)

	err := fix.m.Connect(ctx, capability.Role("weird"), nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestReadWriteSettings(t *testing.T) {
	fix := newManagerFixture(t)

	_, err := fix.m.ReadSetting("no_such_setting")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	err = fix.m.WriteSetting("no_such_setting", true)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, fix.m.WriteSetting(SettingWaitForManualData, true))
	got, err := fix.m.ReadSetting(SettingWaitForManualData)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	require.NoError(t, fix.m.WriteSetting(SettingSendConversationHistory, "true"))
	got, err = fix.m.ReadSetting(SettingSendConversationHistory)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	require.NoError(t, fix.m.WriteSetting(SettingUseRAGData, "dynamic"))
	got, err = fix.m.ReadSetting(SettingUseRAGData)
	require.NoError(t, err)
	assert.Equal(t, RAGModeDynamic, got)

	err = fix.m.WriteSetting(SettingUseRAGData, "sideways")
	assert.ErrorIs(t, err, errs.ErrValidation)
	err = fix.m.WriteSetting(SettingDefaultSystemPrompt, 42)
	assert.ErrorIs(t, err, errs.ErrValidation)
	err = fix.m.WriteSetting(SettingWaitForManualData, "not a bool")
	assert.ErrorIs(t, err, errs.ErrValidation)

	// Written settings survive a reload.
	loaded := loadSettings(fix.store, logging.NewNop())
	assert.True(t, loaded.WaitForManualData)
	assert.True(t, loaded.SendConversationHistory)
	assert.Equal(t, RAGModeDynamic, loaded.UseRAGData)

	// The on-the-fly payload never reaches the file.
	require.NoError(t, fix.m.WriteSetting(SettingOnTheFlyData, map[string]any{"k": "v"}))
	assert.NotContains(t, fix.store.Section(config.SectionGeneral), SettingOnTheFlyData)
	got, err = fix.m.ReadSetting(SettingOnTheFlyData)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, got)
}

func TestRAGDataLifecycle(t *testing.T) {
	fix := newManagerFixture(t)

	require.NoError(t, fix.m.SetRAGData(map[string]any{"doc": "volatile fact"}, true))
	got, err := fix.m.ReadSetting(SettingUseRAGData)
	require.NoError(t, err)
	assert.Equal(t, RAGModeVolatile, got)
	assert.NotContains(t, fix.store.Section(config.SectionGeneral), SettingDefaultRAGData)

	require.NoError(t, fix.m.SetRAGData([]string{"stored fact"}, false))
	got, err = fix.m.ReadSetting(SettingUseRAGData)
	require.NoError(t, err)
	assert.Equal(t, RAGModePersistent, got)
	loaded := loadSettings(fix.store, logging.NewNop())
	assert.Equal(t, []any{"stored fact"}, loaded.DefaultRAGData)

	// Both payloads staged, every mode switch is legal.
	require.NoError(t, fix.m.SetRAGMode(RAGModeNone))
	require.NoError(t, fix.m.SetRAGMode(RAGModeDynamic))
	require.NoError(t, fix.m.SetRAGMode(RAGModeVolatile))
	require.NoError(t, fix.m.SetRAGMode(RAGModePersistent))
	err = fix.m.SetRAGMode(RAGMode("WEIRD"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	require.NoError(t, fix.m.DeleteRAGData())
	got, err = fix.m.ReadSetting(SettingUseRAGData)
	require.NoError(t, err)
	assert.Equal(t, RAGModeNone, got)

	err = fix.m.SetRAGMode(RAGModeVolatile)
	assert.ErrorIs(t, err, errs.ErrValidation)
	err = fix.m.SetRAGMode(RAGModePersistent)
	assert.ErrorIs(t, err, errs.ErrValidation)

	loaded = loadSettings(fix.store, logging.NewNop())
	assert.True(t, emptyPayload(loaded.DefaultRAGData))
}

func TestManagerPassThroughs(t *testing.T) {
	fix := newManagerFixture(t)
	ctx := context.Background()

	fix.vectors.hits = []string{"PROMPT: a\nRESPONSE: b"}
	hits, err := fix.m.NearestSearch(ctx, "query", 5, "notes")
	require.NoError(t, err)
	assert.Equal(t, fix.vectors.hits, hits)
	assert.Equal(t, searchCall{input: "query", topK: 5, table: "notes"}, fix.vectors.searches[0])

	require.NoError(t, fix.m.AddRecords(ctx, map[string]any{"conversation_id": "conv_x"}, nil))
	assert.Len(t, fix.records.saves, 1)

	require.NoError(t, fix.m.AddVectors(ctx, map[string]any{"prompt": "p", "response": "r"}, "notes"))
	assert.Len(t, fix.vectors.saves, 1)

	fix.vectors.connected = false
	_, err = fix.m.NearestSearch(ctx, "query", 5, "notes")
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	err = fix.m.AddVectors(ctx, nil, "notes")
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	err = fix.m.ImportVectors(ctx, "notes", nil, "entries.json")
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	fix.records.connected = false
	err = fix.m.AddRecords(ctx, nil, nil)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	err = fix.m.AddMetadata(ctx, true, map[string]any{"k": "v"})
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	err = fix.m.ChangeComment("c")
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestManagerEndToEndTurn(t *testing.T) {
	fix := newManagerFixture(t)
	ctx := context.Background()

	_, err := fix.m.StartConversation(map[string]any{"project": "lims"})
	require.NoError(t, err)

	result, err := fix.m.SendPrompt(ctx, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello", result.Prompt)
	assert.Equal(t, "stub answer", result.Content)

	// Exactly one write per store, both carrying the same turn id.
	require.Len(t, fix.records.saves, 1)
	require.Len(t, fix.vectors.saves, 1)
	assert.Equal(t, result.MessageID, fix.records.saves[0].messages[0]["message_id"])
	assert.Equal(t, result.MessageID, fix.vectors.saves[0].data["message_id"])
	assert.Equal(t, "lims", fix.records.saves[0].conversation["project"])
	assert.Equal(t, "stub answer", fix.m.Conversation().LastResponse())
}
