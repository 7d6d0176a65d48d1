// Package redisstore keeps conversation records in Redis, one JSON
// document per conversation with its messages embedded. Writes merge into
// the stored document, so partial message updates keep earlier fields.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/errs"
)

const notConnected = "redis is not connected, call Connect first"

type Store struct {
	mu   sync.Mutex
	rdb  *redis.Client
	host string
	port string
	auth map[string]any

	log logging.Logger
}

var _ capability.RecordStore = (*Store)(nil)

func New(log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	return &Store{log: log}
}

func (s *Store) Name() string {
	return "redis"
}

// Connect dials the server and pings it. The auth map may carry
// "username", "password" and a numeric "database" index; the index
// defaults to 0.
func (s *Store) Connect(ctx context.Context, host, port string, auth map[string]any) error {
	if host == "" || port == "" {
		return errs.Configuration("redis needs a host and a port")
	}
	db, err := databaseIndex(auth)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(host, port),
		Username: stringValue(auth, "username"),
		Password: stringValue(auth, "password"),
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return errs.Connection("failed to connect to redis at %s:%s: %w", host, port, err)
	}

	s.mu.Lock()
	old := s.rdb
	s.rdb = rdb
	s.host = host
	s.port = port
	s.auth = cloneMap(auth)
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	s.log.Info("redis", "connected", map[string]interface{}{
		"host":     host,
		"port":     port,
		"database": db,
	})
	return nil
}

// SelectDatabase switches to another numeric database index by
// reconnecting with the current credentials.
func (s *Store) SelectDatabase(ctx context.Context, name string) error {
	s.mu.Lock()
	connected := s.rdb != nil
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
	rdb := s.client()
	if rdb == nil {
		return false
	}
	return rdb.Ping(context.Background()).Err() == nil
}

func (s *Store) Info(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb == nil {
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

// SaveRecord merges the conversation fields and messages into the stored
// document and writes it back in one SET.
func (s *Store) SaveRecord(ctx context.Context, conversation map[string]any, messages []map[string]any) error {
	rdb := s.client()
	if rdb == nil {
		return errs.Precondition(notConnected)
	}
	convID := stringValue(conversation, "conversation_id")
	if convID == "" {
		return errs.Validation("conversation must contain a 'conversation_id'")
	}

	key := conversationKey(convID)
	doc := map[string]any{}
	raw, err := rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return errs.ContractViolation("stored conversation %s is not valid JSON: %w", convID, err)
		}
	case errors.Is(err, redis.Nil):
		// first write for this conversation
	default:
		return errs.Connection("failed to read conversation %s: %w", convID, err)
	}

	for k, v := range conversation {
		if k == "messages" {
			continue
		}
		doc[k] = v
	}
	doc["conversation_id"] = convID

	merged, err := mergeMessages(documentMessages(doc), messages)
	if err != nil {
		return err
	}
	doc["messages"] = merged

	encoded, err := json.Marshal(doc)
	if err != nil {
		return errs.Validation("conversation %s is not serializable: %w", convID, err)
	}
	if err := rdb.Set(ctx, key, encoded, 0).Err(); err != nil {
		return errs.Connection("failed to save conversation %s: %w", convID, err)
	}
	return nil
}

// Records returns the stored conversations, narrowed by the filter keys.
// A conversation_id filter reads one key directly; anything else scans
// the conversation keyspace.
func (s *Store) Records(ctx context.Context, filters map[string]string) ([]map[string]any, error) {
	rdb := s.client()
	if rdb == nil {
		return nil, errs.Precondition(notConnected)
	}

	var docs []map[string]any
	if convID, ok := filters["conversation_id"]; ok {
		raw, err := rdb.Get(ctx, conversationKey(convID)).Result()
		if errors.Is(err, redis.Nil) {
			return []map[string]any{}, nil
		}
		if err != nil {
			return nil, errs.Connection("failed to read conversation %s: %w", convID, err)
		}
		doc := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, errs.ContractViolation("stored conversation %s is not valid JSON: %w", convID, err)
		}
		docs = append(docs, doc)
	} else {
		var err error
		docs, err = s.scanConversations(ctx, rdb)
		if err != nil {
			return nil, err
		}
	}

	results := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		if conv, ok := filterConversation(doc, filters); ok {
			results = append(results, conv)
		}
	}
	return results, nil
}

func (s *Store) scanConversations(ctx context.Context, rdb *redis.Client) ([]map[string]any, error) {
	var keys []string
	iter := rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Connection("failed to scan conversations: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	// SCAN order is unspecified; sort so reads and exports are stable.
	sort.Strings(keys)

	values, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.Connection("failed to fetch conversations: %w", err)
	}

	docs := make([]map[string]any, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue // key expired between SCAN and MGET
		}
		doc := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			s.log.Warn("redis", "skipping malformed conversation document", map[string]interface{}{
				"key": keys[i],
			})
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) client() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rdb
}

// databaseIndex reads the optional "database" entry as a numeric index.
func databaseIndex(auth map[string]any) (int, error) {
	raw, ok := auth["database"]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case string:
		idx, err := strconv.Atoi(v)
		if err != nil {
			return 0, errs.Validation("redis databases are numeric indexes, got %q", v)
		}
		return idx, nil
	default:
		return 0, errs.Validation("redis databases are numeric indexes, got %T", raw)
	}
}
