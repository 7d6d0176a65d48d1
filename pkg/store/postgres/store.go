// Package postgres persists conversation records in PostgreSQL and, when
// the pgvector extension is installed, serves as a vector store over the
// same schema. One instance can therefore be bound to both store roles.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/embedding"
	"llm-interaction-manager/pkg/errs"
)

const notConnected = "postgres is not connected, call Connect first"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store struct {
	mu       sync.Mutex
	db       *gorm.DB
	embedder embedding.Provider
	host     string
	port     string
	auth     map[string]any

	log      logging.Logger
	validate *validator.Validate
}

var (
	_ capability.RecordStore = (*Store)(nil)
	_ capability.VectorStore = (*Store)(nil)
)

func New(log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	return &Store{
		log:      log,
		validate: validator.New(),
	}
}

func (s *Store) Name() string {
	return "postgres"
}

type connectParams struct {
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	Database string `validate:"required"`
}

// Connect opens a pooled connection and initializes the schema. The auth
// map must carry a "database" key; "user", "password", "sslmode" and the
// embedding_* keys are optional.
func (s *Store) Connect(ctx context.Context, host, port string, auth map[string]any) error {
	params := connectParams{Host: host, Port: port, Database: stringValue(auth, "database")}
	if err := s.validate.Struct(params); err != nil {
		return errs.Configuration("postgres needs a host, a port and a database name: %v", err)
	}

	embedder, err := embedding.New(embedding.ConfigFromMap(auth))
	if err != nil {
		return err
	}

	db, err := openGorm(gormConfig{
		Host:     host,
		Port:     port,
		User:     stringValue(auth, "user"),
		Password: stringValue(auth, "password"),
		DBName:   stringValue(auth, "database"),
		SSLMode:  stringValue(auth, "sslmode"),
	})
	if err != nil {
		return errs.Connection("failed to connect to postgres at %s:%s: %w", host, port, err)
	}

	if err := initializeSchema(ctx, db, s.log, embedder.Dimensions()); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.embedder = embedder
	s.host = host
	s.port = port
	s.auth = cloneMap(auth)
	s.mu.Unlock()
	closeGorm(old)

	s.log.Info("postgres", "connected", map[string]interface{}{
		"host":     host,
		"port":     port,
		"database": stringValue(auth, "database"),
	})
	return nil
}

// SelectDatabase reconnects against another database on the same server,
// reusing the credentials of the current connection.
func (s *Store) SelectDatabase(ctx context.Context, name string) error {
	s.mu.Lock()
	connected := s.db != nil
	host, port := s.host, s.port
	auth := cloneMap(s.auth)
	s.mu.Unlock()

	if !connected {
		return errs.Precondition(notConnected)
	}
	auth["database"] = name
	return s.Connect(ctx, host, port, auth)
}

func (s *Store) IsConnected() bool {
	db := s.conn()
	if db == nil {
		return false
	}
	sqlDB, err := db.DB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx) == nil
}

func (s *Store) Info(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
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

// SaveRecord upserts the conversation row and every message row in one
// transaction. Existing rows are overwritten column by column, so
// re-committing a corrected message replaces the stored one.
func (s *Store) SaveRecord(ctx context.Context, conversation map[string]any, messages []map[string]any) error {
	db := s.conn()
	if db == nil {
		return errs.Precondition(notConnected)
	}

	convID := stringValue(conversation, "conversation_id")
	if convID == "" {
		return errs.Validation("conversation must contain a 'conversation_id'")
	}
	convMeta, err := metadataJSON(conversation["metadata"])
	if err != nil {
		return errs.Validation("conversation metadata is not serializable: %w", err)
	}

	type messageParams struct {
		id       string
		prompt   string
		response string
		ts       *time.Time
		comment  string
		meta     any
	}
	rows := make([]messageParams, 0, len(messages))
	for _, msg := range messages {
		id := stringValue(msg, "message_id")
		if id == "" {
			return errs.Validation("every message must contain a 'message_id'")
		}
		meta, err := metadataJSON(msg["metadata"])
		if err != nil {
			return errs.Validation("metadata of message %s is not serializable: %w", id, err)
		}
		rows = append(rows, messageParams{
			id:       id,
			prompt:   stringValue(msg, "user_prompt"),
			response: stringValue(msg, "llm_response"),
			ts:       timeValue(msg["timestamp"]),
			comment:  stringValue(msg, "user_comment"),
			meta:     meta,
		})
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`
			INSERT INTO conversations (conversation_id, created_at, name, description, metadata)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (conversation_id) DO UPDATE
			SET name = EXCLUDED.name,
			    description = EXCLUDED.description,
			    metadata = EXCLUDED.metadata
		`, convID, timeValue(conversation["created_at"]), stringValue(conversation, "name"),
			stringValue(conversation, "description"), convMeta).Error; err != nil {
			return err
		}

		for _, row := range rows {
			if err := tx.Exec(`
				INSERT INTO messages (message_id, conversation_id, user_prompt, llm_response, timestamp, user_comment, metadata)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (message_id) DO UPDATE
				SET user_prompt = EXCLUDED.user_prompt,
				    llm_response = EXCLUDED.llm_response,
				    timestamp = EXCLUDED.timestamp,
				    user_comment = EXCLUDED.user_comment,
				    metadata = EXCLUDED.metadata
			`, row.id, convID, row.prompt, row.response, row.ts, row.comment, row.meta).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.Connection("failed to save record for conversation %s: %w", convID, err)
	}
	return nil
}

// Records fetches conversations with their messages nested, optionally
// narrowed by the filter keys documented on capability.RecordStore.
func (s *Store) Records(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	db := s.conn()
	if db == nil {
		return nil, errs.Precondition(notConnected)
	}

	q := db.WithContext(ctx).
		Table("conversations AS c").
		Select(`c.conversation_id, c.name, c.created_at, c.description,
			c.metadata AS conversation_metadata,
			m.message_id, m.user_prompt, m.llm_response,
			m.timestamp, m.user_comment, m.metadata AS message_metadata`).
		Joins("LEFT JOIN messages m ON c.conversation_id = m.conversation_id")
	for _, f := range recordFilters(filters) {
		q = q.Where(f.cond, f.value)
	}

	var rows []recordRow
	if err := q.Order("c.conversation_id, m.timestamp").Scan(&rows).Error; err != nil {
		return nil, errs.Connection("failed to fetch records: %w", err)
	}
	return groupRecords(rows), nil
}

// SaveVector embeds the prompt and response texts and upserts them under
// the message id, so both sides of a turn are searchable.
func (s *Store) SaveVector(ctx context.Context, data map[string]any, table string) error {
	db := s.conn()
	if db == nil {
		return errs.Precondition(notConnected)
	}
	if !hasVectorExtension(ctx, db) {
		return errs.Connection("postgres does not have the pgvector extension installed")
	}

	id := stringValue(data, "id")
	if id == "" {
		id = stringValue(data, "message_id")
	}
	if id == "" {
		return errs.Validation("vector data must contain an 'id' or 'message_id'")
	}
	prompt, hasPrompt := data["prompt"].(string)
	response, hasResponse := data["response"].(string)
	if !hasPrompt && !hasResponse {
		return errs.Validation("vector data must contain a 'prompt' or a 'response'")
	}
	if err := ensureVectorTable(ctx, db, table, s.embedder.Dimensions()); err != nil {
		return err
	}

	// A missing side stays NULL; LEAST in NearestSearch skips NULLs.
	var promptVec, responseVec any
	if hasPrompt {
		e, err := s.embedder.Generate(ctx, prompt)
		if err != nil {
			return errs.Connection("embedding the prompt failed: %w", err)
		}
		promptVec = pgvector.NewVector(e)
	}
	if hasResponse {
		e, err := s.embedder.Generate(ctx, response)
		if err != nil {
			return errs.Connection("embedding the response failed: %w", err)
		}
		responseVec = pgvector.NewVector(e)
	}

	err := db.WithContext(ctx).Exec(fmt.Sprintf(`
		INSERT INTO %s (message_id, prompt_embedding, response_embedding)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE
		SET prompt_embedding = EXCLUDED.prompt_embedding,
		    response_embedding = EXCLUDED.response_embedding
	`, table), id, promptVec, responseVec).Error
	if err != nil {
		return errs.Connection("failed to save vector for message %s: %w", id, err)
	}
	return nil
}

// LoadVector returns the stored embeddings of one message together with
// its text columns.
func (s *Store) LoadVector(ctx context.Context, query map[string]any, table string) (map[string]any, error) {
	db := s.conn()
	if db == nil {
		return nil, errs.Precondition(notConnected)
	}
	id := stringValue(query, "id")
	if id == "" {
		return nil, errs.Validation("vector query must contain an 'id' key")
	}
	if !tableNameRe.MatchString(table) {
		return nil, errs.Validation("invalid vector table name %q", table)
	}

	type vectorRow struct {
		MessageID         string          `gorm:"column:message_id"`
		PromptEmbedding   pgvector.Vector `gorm:"column:prompt_embedding"`
		ResponseEmbedding pgvector.Vector `gorm:"column:response_embedding"`
		UserPrompt        string          `gorm:"column:user_prompt"`
		LLMResponse       string          `gorm:"column:llm_response"`
		Metadata          []byte          `gorm:"column:metadata"`
	}
	var row vectorRow
	err := db.WithContext(ctx).
		Table(table+" AS mv").
		Select("mv.message_id, mv.prompt_embedding, mv.response_embedding, m.user_prompt, m.llm_response, m.metadata").
		Joins("JOIN messages m ON mv.message_id = m.message_id").
		Where("mv.message_id = ?", id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("no vector found with id %q", id)
	}
	if err != nil {
		return nil, errs.Connection("failed to load vector %s: %w", id, err)
	}

	return map[string]any{
		"id":                 row.MessageID,
		"vector":             fmt.Sprintf("PROMPT: %s\nRESPONSE: %s", row.UserPrompt, row.LLMResponse),
		"prompt_embedding":   row.PromptEmbedding.Slice(),
		"response_embedding": row.ResponseEmbedding.Slice(),
		"user_prompt":        row.UserPrompt,
		"llm_response":       row.LLMResponse,
		"metadata":           decodeMetadata(row.Metadata),
	}, nil
}

// NearestSearch embeds the input and ranks messages by the smaller of the
// two cosine distances, so a match on either side of a turn surfaces it.
func (s *Store) NearestSearch(ctx context.Context, input string, topK int, table string) ([]string, error) {
	db := s.conn()
	if db == nil {
		return nil, errs.Precondition(notConnected)
	}
	if !tableNameRe.MatchString(table) {
		return nil, errs.Validation("invalid vector table name %q", table)
	}
	if topK <= 0 {
		topK = 10
	}

	queryEmbedding, err := s.embedder.Generate(ctx, input)
	if err != nil {
		return nil, errs.Connection("embedding the search input failed: %w", err)
	}
	queryVector := pgvector.NewVector(queryEmbedding)

	type pairRow struct {
		UserPrompt  string `gorm:"column:user_prompt"`
		LLMResponse string `gorm:"column:llm_response"`
	}
	var rows []pairRow
	err = db.WithContext(ctx).
		Table(table+" AS mv").
		Select("m.user_prompt, m.llm_response").
		Joins("JOIN messages m ON mv.message_id = m.message_id").
		Order(gorm.Expr("LEAST(mv.prompt_embedding <=> ?, mv.response_embedding <=> ?)", queryVector, queryVector)).
		Limit(topK).
		Scan(&rows).Error
	if err != nil {
		return nil, errs.Connection("nearest search on %q failed: %w", table, err)
	}

	results := make([]string, len(rows))
	for i, row := range rows {
		results[i] = fmt.Sprintf("PROMPT: %s\nRESPONSE: %s", row.UserPrompt, row.LLMResponse)
	}
	return results, nil
}

// ImportVectors loads external text into the store, wrapped in a synthetic
// conversation so the record and vector sides stay linked. Exactly one of
// data and path must be supplied; a file is read as one entry per line.
func (s *Store) ImportVectors(ctx context.Context, table string, data map[string]any, path string) error {
	db := s.conn()
	if db == nil {
		return errs.Precondition(notConnected)
	}
	if !hasVectorExtension(ctx, db) {
		return errs.Connection("postgres does not have the pgvector extension installed")
	}
	if (data == nil && path == "") || (data != nil && path != "") {
		return errs.Validation("provide exactly one of data or path")
	}

	var entries []map[string]any
	if data != nil {
		entries = []map[string]any{data}
	} else {
		var err error
		entries, err = readImportFile(path)
		if err != nil {
			return err
		}
	}

	imported := map[string]any{
		"conversation_id": "imported_conversation",
		"name":            "external_import",
		"description":     "Imported data without original LLM context",
		"metadata":        map[string]any{},
	}
	if err := s.SaveRecord(ctx, imported, nil); err != nil {
		return err
	}

	for _, entry := range entries {
		text, ok := entry["text"].(string)
		if !ok {
			return errs.Validation("every import entry must contain a 'text' value")
		}
		messageID := importedMessageID()
		if err := s.SaveRecord(ctx, imported, []map[string]any{{
			"message_id":   messageID,
			"user_prompt":  "imported_data",
			"llm_response": text,
			"metadata":     map[string]any{},
		}}); err != nil {
			return err
		}
		if err := s.SaveVector(ctx, map[string]any{
			"message_id": messageID,
			"prompt":     "imported_data",
			"response":   text,
		}, table); err != nil {
			return err
		}
	}

	s.log.Info("postgres", "vectors imported", map[string]interface{}{
		"table": table,
		"count": len(entries),
	})
	return nil
}

func (s *Store) conn() *gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func initializeSchema(ctx context.Context, db *gorm.DB, log logging.Logger, dimensions int) error {
	// Extension creation needs elevated privileges on managed servers;
	// without it the store still works in record-only mode.
	if err := db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		log.Warn("postgres", "pgvector extension not available", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if err := db.WithContext(ctx).AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return errs.Connection("postgres schema migration failed: %w", err)
	}

	if hasVectorExtension(ctx, db) {
		return ensureVectorTable(ctx, db, capability.DefaultVectorTable, dimensions)
	}
	return nil
}

func ensureVectorTable(ctx context.Context, db *gorm.DB, table string, dimensions int) error {
	if !tableNameRe.MatchString(table) {
		return errs.Validation("invalid vector table name %q", table)
	}
	if err := db.WithContext(ctx).Exec(vectorTableDDL(table, dimensions)).Error; err != nil {
		return errs.Connection("failed to create vector table %q: %w", table, err)
	}
	return nil
}

func vectorTableDDL(table string, dimensions int) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		message_id TEXT PRIMARY KEY REFERENCES messages(message_id) ON DELETE CASCADE,
		prompt_embedding vector(%d),
		response_embedding vector(%d)
	)`, table, dimensions, dimensions)
}

func hasVectorExtension(ctx context.Context, db *gorm.DB) bool {
	var installed bool
	err := db.WithContext(ctx).
		Raw("SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").
		Scan(&installed).Error
	return err == nil && installed
}

func readImportFile(path string) ([]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Validation("import file %s is not readable: %w", path, err)
	}
	var entries []map[string]any
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, map[string]any{"text": line})
	}
	return entries, nil
}

func importedMessageID() string {
	return "imported_" + uuid.NewString()[9:]
}

func closeGorm(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
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
