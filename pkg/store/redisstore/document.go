package redisstore

import (
	"fmt"
	"strings"

	"llm-interaction-manager/pkg/errs"
)

const keyPrefix = "lims:conversations:"

func conversationKey(id string) string {
	return keyPrefix + id
}

// mergeMessages applies message updates to the stored list. An update
// whose message_id already exists merges key by key, so fields absent
// from the update survive; unknown ids append.
func mergeMessages(existing []map[string]any, updates []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, len(existing))
	copy(out, existing)

	for _, msg := range updates {
		id := stringValue(msg, "message_id")
		if id == "" {
			return nil, errs.Validation("every message must contain a 'message_id'")
		}
		merged := false
		for i, have := range out {
			if stringValue(have, "message_id") != id {
				continue
			}
			combined := cloneMap(have)
			for k, v := range msg {
				combined[k] = v
			}
			out[i] = combined
			merged = true
			break
		}
		if !merged {
			out = append(out, cloneMap(msg))
		}
	}
	return out, nil
}

// documentMessages pulls the messages list out of a decoded document.
// JSON decoding yields []any, so each entry is coerced back to a map.
func documentMessages(doc map[string]any) []map[string]any {
	raw, ok := doc["messages"].([]any)
	if !ok {
		if typed, ok := doc["messages"].([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// filterConversation keeps the messages matching every filter and reports
// whether the conversation should appear in the result at all. A
// conversation with no surviving messages is dropped, matching the
// document-store read shape.
func filterConversation(doc map[string]any, filters map[string]string) (map[string]any, bool) {
	conv := cloneMap(doc)
	delete(conv, "messages")

	var kept []map[string]any
	for _, msg := range documentMessages(doc) {
		if matchMessage(conv, msg, filters) {
			kept = append(kept, msg)
		}
	}
	if len(kept) == 0 {
		return nil, false
	}
	conv["messages"] = kept
	return conv, true
}

// matchMessage checks every filter key against the message first and the
// conversation second. Values compare as case-insensitive substrings;
// keys found in neither place do not constrain the match.
func matchMessage(conv map[string]any, msg map[string]any, filters map[string]string) bool {
	for key, value := range filters {
		if key == "conversation_id" {
			continue
		}
		want := strings.ToLower(value)
		if raw, ok := msg[key]; ok {
			if !strings.Contains(strings.ToLower(textValue(raw)), want) {
				return false
			}
			continue
		}
		if raw, ok := conv[key]; ok {
			if !strings.Contains(strings.ToLower(textValue(raw)), want) {
				return false
			}
		}
	}
	return true
}

func textValue(raw any) string {
	if raw == nil {
		return ""
	}
	return fmt.Sprintf("%v", raw)
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
