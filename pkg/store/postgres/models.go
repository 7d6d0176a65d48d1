package postgres

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Conversation struct {
	ConversationID string         `gorm:"type:text;primaryKey"`
	CreatedAt      *time.Time     `gorm:"type:timestamp;default:now()"`
	Name           string         `gorm:"type:text"`
	Description    string         `gorm:"type:text"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
}

func (Conversation) TableName() string {
	return "conversations"
}

type Message struct {
	MessageID      string         `gorm:"type:text;primaryKey"`
	ConversationID string         `gorm:"type:text;index"`
	UserPrompt     string         `gorm:"type:text"`
	LLMResponse    string         `gorm:"type:text"`
	Timestamp      *time.Time     `gorm:"type:timestamp;default:now()"`
	UserComment    string         `gorm:"type:text"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
}

func (Message) TableName() string {
	return "messages"
}

// recordRow is the flat shape of the conversation/message join. Message
// columns are pointers because the join is a LEFT JOIN and a conversation
// may have no messages yet.
type recordRow struct {
	ConversationID       string         `gorm:"column:conversation_id"`
	Name                 *string        `gorm:"column:name"`
	CreatedAt            *time.Time     `gorm:"column:created_at"`
	Description          *string        `gorm:"column:description"`
	ConversationMetadata datatypes.JSON `gorm:"column:conversation_metadata"`
	MessageID            *string        `gorm:"column:message_id"`
	UserPrompt           *string        `gorm:"column:user_prompt"`
	LLMResponse          *string        `gorm:"column:llm_response"`
	Timestamp            *time.Time     `gorm:"column:timestamp"`
	UserComment          *string        `gorm:"column:user_comment"`
	MessageMetadata      datatypes.JSON `gorm:"column:message_metadata"`
}

// groupRecords folds join rows back into conversation records with a
// nested message list, preserving row order.
func groupRecords(rows []recordRow) []map[string]any {
	ordered := make([]map[string]any, 0, len(rows))
	index := make(map[string]map[string]any, len(rows))

	for _, row := range rows {
		conv, seen := index[row.ConversationID]
		if !seen {
			conv = map[string]any{
				"conversation_id": row.ConversationID,
				"name":            deref(row.Name),
				"description":     deref(row.Description),
				"created_at":      timeOrNil(row.CreatedAt),
				"metadata":        decodeMetadata(row.ConversationMetadata),
				"messages":        []map[string]any{},
			}
			index[row.ConversationID] = conv
			ordered = append(ordered, conv)
		}

		if row.MessageID == nil || *row.MessageID == "" {
			continue
		}
		message := map[string]any{
			"message_id":   *row.MessageID,
			"user_prompt":  deref(row.UserPrompt),
			"llm_response": deref(row.LLMResponse),
			"timestamp":    timeOrNil(row.Timestamp),
			"user_comment": deref(row.UserComment),
			"metadata":     decodeMetadata(row.MessageMetadata),
		}
		conv["messages"] = append(conv["messages"].([]map[string]any), message)
	}

	return ordered
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func decodeMetadata(raw datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func metadataJSON(raw any) (datatypes.JSON, error) {
	if raw == nil {
		return datatypes.JSON([]byte(`{}`)), nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

// timeValue coerces the timestamp shapes callers hand in. Numeric values
// are read as unix seconds; anything unrecognized maps to NULL.
func timeValue(raw any) *time.Time {
	switch v := raw.(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	case int64:
		t := time.Unix(v, 0).UTC()
		return &t
	case int:
		t := time.Unix(int64(v), 0).UTC()
		return &t
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		t := time.Unix(sec, nsec).UTC()
		return &t
	default:
		return nil
	}
}

type filterClause struct {
	cond  string
	value any
}

// recordFilters translates the supported filter keys into WHERE clauses.
// Unknown keys are ignored.
func recordFilters(filters map[string]string) []filterClause {
	var clauses []filterClause
	if v, ok := filters["conversation_id"]; ok {
		clauses = append(clauses, filterClause{"c.conversation_id = ?", v})
	}
	if v, ok := filters["message_id"]; ok {
		clauses = append(clauses, filterClause{"m.message_id = ?", v})
	}
	if v, ok := filters["user_prompt"]; ok {
		clauses = append(clauses, filterClause{"m.user_prompt ILIKE ?", "%" + v + "%"})
	}
	if v, ok := filters["llm_response"]; ok {
		clauses = append(clauses, filterClause{"m.llm_response ILIKE ?", "%" + v + "%"})
	}
	return clauses
}
