package interaction

import (
	"fmt"
	"sort"
	"strings"
)

// RAGMode selects which context payload rides along with each prompt.
type RAGMode string

const (
	// RAGModeNone sends prompts without an attached payload.
	RAGModeNone RAGMode = "NONE"
	// RAGModePersistent attaches the stored default payload.
	RAGModePersistent RAGMode = "PERSISTENT"
	// RAGModeVolatile attaches the session-scoped payload.
	RAGModeVolatile RAGMode = "VOLATILE"
	// RAGModeDynamic retrieves context per prompt from the vector store.
	RAGModeDynamic RAGMode = "DYNAMIC"
)

// ParseRAGMode maps a stored or user-supplied mode name to a RAGMode.
// Matching is case-insensitive; unrecognized names report false and fall
// back to RAGModeNone.
func ParseRAGMode(raw string) (RAGMode, bool) {
	switch RAGMode(strings.ToUpper(strings.TrimSpace(raw))) {
	case RAGModeNone:
		return RAGModeNone, true
	case RAGModePersistent:
		return RAGModePersistent, true
	case RAGModeVolatile:
		return RAGModeVolatile, true
	case RAGModeDynamic:
		return RAGModeDynamic, true
	}
	return RAGModeNone, false
}

func (m RAGMode) valid() bool {
	switch m {
	case RAGModeNone, RAGModePersistent, RAGModeVolatile, RAGModeDynamic:
		return true
	}
	return false
}

// normalizeRAGData flattens a context payload into the document list a
// prompt carries. Maps contribute their values ordered by key so the
// document order is stable, lists pass through, anything else
// contributes nothing.
func normalizeRAGData(data any) []string {
	switch v := data.(type) {
	case nil:
		return nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		docs := make([]string, 0, len(v))
		for _, k := range keys {
			docs = append(docs, stringifyDocument(v[k]))
		}
		return docs
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		docs := make([]string, 0, len(v))
		for _, k := range keys {
			docs = append(docs, v[k])
		}
		return docs
	case []string:
		return append([]string(nil), v...)
	case []any:
		docs := make([]string, 0, len(v))
		for _, item := range v {
			docs = append(docs, stringifyDocument(item))
		}
		return docs
	}
	return nil
}

// emptyPayload reports whether a context payload holds nothing at all.
// Scalars count as non-empty; normalization decides what they are worth.
func emptyPayload(data any) bool {
	switch v := data.(type) {
	case nil:
		return true
	case map[string]any:
		return len(v) == 0
	case map[string]string:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}

func stringifyDocument(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
