// Package interaction orchestrates dialogue sequences across three
// capability roles: a language model that generates, a record store
// that keeps conversation records, and a vector store that keeps
// embeddings. A Manager binds one instance per role, carries the
// runtime settings, and runs conversations that commit every completed
// turn to both stores.
package interaction

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"llm-interaction-manager/internal/config"
	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/errs"
	"llm-interaction-manager/pkg/review"
)

const tracerName = "llm-interaction-manager"

// Manager binds the three capability roles and runs conversations on
// top of them. One manager carries one active conversation at a time;
// starting a new one replaces it.
type Manager struct {
	llm     capability.LanguageModel
	records capability.RecordStore
	vectors capability.VectorStore

	settings    Settings
	settingsSet bool
	store       *config.Store
	registry    *capability.Registry
	reviewer    review.Reviewer
	log         logging.Logger
	tracer      trace.Tracer

	conv *Conversation
}

// Option configures a Manager before it binds its capabilities.
type Option func(*Manager)

// WithLanguageModel hands over a caller-managed language model. A
// connected instance becomes the persisted default for its role.
func WithLanguageModel(llm capability.LanguageModel) Option {
	return func(m *Manager) { m.llm = llm }
}

// WithRecordStore hands over a caller-managed record store. A connected
// instance becomes the persisted default for its role.
func WithRecordStore(records capability.RecordStore) Option {
	return func(m *Manager) { m.records = records }
}

// WithVectorStore hands over a caller-managed vector store. A connected
// instance becomes the persisted default for its role.
func WithVectorStore(vectors capability.VectorStore) Option {
	return func(m *Manager) { m.vectors = vectors }
}

// WithRegistry replaces the built-in backend registry.
func WithRegistry(r *capability.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithConfigStore replaces the default config.json store.
func WithConfigStore(s *config.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithLogger replaces the no-op default logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithReviewer replaces the stdin reviewer used when manual comments
// are enabled.
func WithReviewer(r review.Reviewer) Option {
	return func(m *Manager) { m.reviewer = r }
}

// WithSettings skips loading settings from the config store and starts
// from the given values instead.
func WithSettings(s Settings) Option {
	return func(m *Manager) {
		m.settings = s
		m.settingsSet = true
	}
}

// NewManager loads settings, binds the three capability roles, and
// returns a ready manager. Roles without a handed-over instance resolve
// through the registry and connect from the persisted configuration;
// handed-over instances that are already connected become the new
// persisted defaults.
func NewManager(ctx context.Context, opts ...Option) (*Manager, error) {
	m := &Manager{
		log:    logging.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = config.NewStore("config.json")
	}
	if m.registry == nil {
		m.registry = DefaultRegistry(m.store, m.log)
	}
	if !m.settingsSet {
		m.settings = loadSettings(m.store, m.log)
	}
	if m.reviewer == nil {
		m.reviewer = review.NewStdin()
	}

	if err := m.bindLanguageModel(ctx); err != nil {
		return nil, err
	}
	if err := m.bindStores(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) bindLanguageModel(ctx context.Context) error {
	if m.llm != nil {
		m.captureDefault(ctx, capability.RoleLanguageModel, m.llm)
		return nil
	}
	llm, err := m.registry.LanguageModel(capability.Default)
	if err != nil {
		return err
	}
	cfg, err := m.store.Connection(llm.Name())
	if err != nil {
		return err
	}
	if err := llm.Connect(ctx, stringMap(cfg)); err != nil {
		return err
	}
	m.llm = llm
	return nil
}

// bindStores fills the two store roles. When both come from the
// registry they resolve together so a shared default backend connects
// once; a handed-over dual-capability instance is likewise reused for
// the other role when the persisted default names the same backend.
func (m *Manager) bindStores(ctx context.Context) error {
	if m.records != nil {
		m.captureDefault(ctx, capability.RoleRecordStore, m.records)
	}
	if m.vectors != nil {
		m.captureDefault(ctx, capability.RoleVectorStore, m.vectors)
	}

	switch {
	case m.records != nil && m.vectors != nil:
		return nil

	case m.records == nil && m.vectors == nil:
		records, vectors, err := m.registry.Stores(capability.Default, capability.Default)
		if err != nil {
			return err
		}
		if err := m.connectStore(ctx, records); err != nil {
			return err
		}
		if shared, ok := records.(capability.VectorStore); !ok || shared != vectors {
			if err := m.connectStore(ctx, vectors); err != nil {
				return err
			}
		}
		m.records, m.vectors = records, vectors
		return nil

	case m.records == nil:
		records, err := m.registry.RecordStore(capability.Default)
		if err != nil {
			return err
		}
		if dual, ok := m.vectors.(capability.RecordStore); ok && records.Name() == m.vectors.Name() {
			m.records = dual
			return nil
		}
		if err := m.connectStore(ctx, records); err != nil {
			return err
		}
		m.records = records
		return nil

	default:
		vectors, err := m.registry.VectorStore(capability.Default)
		if err != nil {
			return err
		}
		if dual, ok := m.records.(capability.VectorStore); ok && vectors.Name() == m.records.Name() {
			m.vectors = dual
			return nil
		}
		if err := m.connectStore(ctx, vectors); err != nil {
			return err
		}
		m.vectors = vectors
		return nil
	}
}

// storeInstance is the connect surface the two store contracts share.
type storeInstance interface {
	capability.Instance
	Connect(ctx context.Context, host, port string, auth map[string]any) error
}

func (m *Manager) connectStore(ctx context.Context, inst storeInstance) error {
	cfg, err := m.store.Connection(inst.Name())
	if err != nil {
		return err
	}
	host, port, auth := splitConnection(cfg)
	if host == "" || port == "" {
		return errs.Configuration("connection for %q names no host or port", inst.Name())
	}
	return inst.Connect(ctx, host, port, auth)
}

// captureDefault persists a handed-over instance as the role's default.
// Only connected instances are captured; a disconnected handover is
// used as-is so the caller can connect it later.
func (m *Manager) captureDefault(ctx context.Context, role capability.Role, inst capability.Instance) {
	if !inst.IsConnected() {
		return
	}
	name := inst.Name()
	if err := m.store.SaveDefaultIdentifier(role, name); err != nil {
		m.log.Warn("manager", "failed to persist the default handler", map[string]interface{}{
			"role":    string(role),
			"handler": name,
			"error":   err.Error(),
		})
		return
	}
	info, err := inst.Info(ctx)
	if err != nil {
		m.log.Warn("manager", "handler info unavailable, connection not persisted", map[string]interface{}{
			"role":    string(role),
			"handler": name,
			"error":   err.Error(),
		})
		return
	}
	if err := m.store.SaveConnection(name, info); err != nil {
		m.log.Warn("manager", "failed to persist the handler connection", map[string]interface{}{
			"role":    string(role),
			"handler": name,
			"error":   err.Error(),
		})
	}
}

// StartConversation begins a new dialogue sequence carrying the given
// metadata, replacing any previous one. Every capability must hold a
// live connection.
func (m *Manager) StartConversation(metadata map[string]any) (*Conversation, error) {
	if !m.IsConnected(capability.RoleLanguageModel) ||
		!m.IsConnected(capability.RoleRecordStore) ||
		!m.IsConnected(capability.RoleVectorStore) {
		return nil, errs.Precondition("conversations can only be started when the llm, record, and vector capabilities are all connected")
	}
	m.conv = newConversation(m.llm, m.records, m.vectors, &m.settings, m.reviewer, m.log, metadata)
	m.log.Info("manager", "conversation started", map[string]interface{}{
		"conversation_id": m.conv.ID(),
	})
	return m.conv, nil
}

// Conversation returns the active dialogue sequence, or nil before
// StartConversation.
func (m *Manager) Conversation() *Conversation { return m.conv }

// SendPrompt prepends the configured system prompt and runs one turn of
// the active conversation. The wrapped prompt is what the turn records.
func (m *Manager) SendPrompt(ctx context.Context, prompt string) (*TurnResult, error) {
	if m.conv == nil {
		return nil, errs.Precondition("no conversation started yet, call StartConversation first")
	}
	ctx, span := m.tracer.Start(ctx, "interaction.SendPrompt")
	defer span.End()

	full := prompt
	if m.settings.DefaultSystemPrompt != Unset {
		full = "SYSTEM PROMPT: " + m.settings.DefaultSystemPrompt + " PROMPT: " + prompt
	}
	result, err := m.conv.SendPrompt(ctx, full)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// ExportRecords writes the filtered conversation records as one
// timestamped JSON file under dir and returns the written path. An
// empty dir falls back to the default_export_path setting.
func (m *Manager) ExportRecords(ctx context.Context, dir string, filters map[string]string) (string, error) {
	if m.records == nil || !m.records.IsConnected() {
		return "", errs.Precondition("the record capability is not connected")
	}
	if dir == "" {
		dir = m.settings.DefaultExportPath
	}
	if dir == "" || dir == Unset {
		return "", errs.Validation("no export directory given and default_export_path is not set")
	}
	ctx, span := m.tracer.Start(ctx, "interaction.ExportRecords")
	defer span.End()

	records, err := m.records.Records(ctx, filters)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if records == nil {
		records = []map[string]any{}
	}

	payload, err := json.MarshalIndent(exportValue(records), "", "    ")
	if err != nil {
		return "", errs.Export("failed to serialize %d records: %w", len(records), err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Export("failed to create export directory %s: %w", dir, err)
	}
	name := "lims_export_" + time.Now().Format("20060102_150405") + ".json"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", errs.Export("failed to write export file %s: %w", path, err)
	}
	m.log.Info("manager", "records exported", map[string]interface{}{
		"path":    path,
		"records": len(records),
	})
	return path, nil
}

// exportValue rewrites timestamps as RFC 3339 strings so exports stay
// readable and diffable across backends.
func exportValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = exportValue(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = exportValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = exportValue(val)
		}
		return out
	}
	return v
}

// Connect re-connects one role with caller-supplied data. The data map
// is copied before use so the caller's map never changes.
func (m *Manager) Connect(ctx context.Context, role capability.Role, data map[string]any) error {
	cfg := copyMap(data)
	switch role {
	case capability.RoleLanguageModel:
		return m.llm.Connect(ctx, stringMap(cfg))
	case capability.RoleRecordStore:
		host, port, auth := splitConnection(cfg)
		return m.records.Connect(ctx, host, port, auth)
	case capability.RoleVectorStore:
		host, port, auth := splitConnection(cfg)
		return m.vectors.Connect(ctx, host, port, auth)
	}
	return errs.Validation("unknown capability role %q", string(role))
}

// IsConnected probes one role's live connection state.
func (m *Manager) IsConnected(role capability.Role) bool {
	switch role {
	case capability.RoleLanguageModel:
		return m.llm != nil && m.llm.IsConnected()
	case capability.RoleRecordStore:
		return m.records != nil && m.records.IsConnected()
	case capability.RoleVectorStore:
		return m.vectors != nil && m.vectors.IsConnected()
	}
	return false
}

// ReadSetting returns the current value of a named setting.
func (m *Manager) ReadSetting(key string) (any, error) {
	return m.settings.value(key)
}

// WriteSetting assigns a named setting and persists it. The
// session-scoped on-the-fly payload never reaches the file.
func (m *Manager) WriteSetting(key string, value any) error {
	persisted, persist, err := m.settings.apply(key, value)
	if err != nil {
		return err
	}
	if !persist {
		return nil
	}
	return m.store.MergeSection(config.SectionGeneral, map[string]any{key: persisted})
}

// SetRAGData stages a context payload and activates the matching fixed
// mode. Volatile payloads stay session-scoped; default payloads
// persist.
func (m *Manager) SetRAGData(data any, volatile bool) error {
	if volatile {
		m.settings.OnTheFlyData = data
		m.settings.UseRAGData = RAGModeVolatile
		return nil
	}
	m.settings.DefaultRAGData = data
	m.settings.UseRAGData = RAGModePersistent
	return m.store.MergeSection(config.SectionGeneral, map[string]any{SettingDefaultRAGData: data})
}

// SetRAGMode switches the active mode for the session. The fixed
// payload modes require their payload to be staged first.
func (m *Manager) SetRAGMode(mode RAGMode) error {
	if !mode.valid() {
		return errs.Validation("unknown RAG mode %q", string(mode))
	}
	switch mode {
	case RAGModeVolatile:
		if emptyPayload(m.settings.OnTheFlyData) {
			return errs.Validation("no on-the-fly data staged, call SetRAGData first")
		}
	case RAGModePersistent:
		if emptyPayload(m.settings.DefaultRAGData) {
			return errs.Validation("no default RAG data stored, call SetRAGData first")
		}
	}
	m.settings.UseRAGData = mode
	return nil
}

// DeleteRAGData clears both payloads, resets the mode to NONE, and
// persists the cleared default.
func (m *Manager) DeleteRAGData() error {
	m.settings.OnTheFlyData = nil
	m.settings.DefaultRAGData = nil
	m.settings.UseRAGData = RAGModeNone
	return m.store.MergeSection(config.SectionGeneral, map[string]any{
		SettingDefaultRAGData: map[string]any{},
	})
}

// NearestSearch runs a similarity lookup against the vector store.
func (m *Manager) NearestSearch(ctx context.Context, input string, topK int, table string) ([]string, error) {
	if m.vectors == nil || !m.vectors.IsConnected() {
		return nil, errs.Precondition("the vector capability is not connected")
	}
	return m.vectors.NearestSearch(ctx, input, topK, table)
}

// AddRecords writes a conversation and its messages straight to the
// record store, outside any running conversation.
func (m *Manager) AddRecords(ctx context.Context, conversation map[string]any, messages []map[string]any) error {
	if m.records == nil || !m.records.IsConnected() {
		return errs.Precondition("the record capability is not connected")
	}
	return m.records.SaveRecord(ctx, conversation, messages)
}

// AddVectors writes one embedding entry straight to the vector store.
func (m *Manager) AddVectors(ctx context.Context, data map[string]any, table string) error {
	if m.vectors == nil || !m.vectors.IsConnected() {
		return errs.Precondition("the vector capability is not connected")
	}
	return m.vectors.SaveVector(ctx, data, table)
}

// ImportVectors bulk-loads embedding entries from exactly one of data
// or a JSON lines file at path.
func (m *Manager) ImportVectors(ctx context.Context, table string, data map[string]any, path string) error {
	if m.vectors == nil || !m.vectors.IsConnected() {
		return errs.Precondition("the vector capability is not connected")
	}
	return m.vectors.ImportVectors(ctx, table, data, path)
}

// AddMetadata merges data into the active conversation or its latest
// turn.
func (m *Manager) AddMetadata(ctx context.Context, toConversation bool, data map[string]any) error {
	if m.conv == nil {
		return errs.Precondition("no conversation started yet, call StartConversation first")
	}
	return m.conv.AddMetadata(ctx, toConversation, data)
}

// ChangeComment replaces the comment on the latest turn of the active
// conversation.
func (m *Manager) ChangeComment(comment string) error {
	if m.conv == nil {
		return errs.Precondition("no conversation started yet, call StartConversation first")
	}
	return m.conv.ChangeComment(comment)
}

// splitConnection pops the host and port from a connection map;
// everything else passes through as auth data.
func splitConnection(cfg map[string]any) (host, port string, auth map[string]any) {
	auth = make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch k {
		case "host":
			host = asString(v)
		case "port":
			port = asString(v)
		default:
			auth[k] = v
		}
	}
	return host, port, auth
}

func stringMap(cfg map[string]any) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = asString(v)
	}
	return out
}
