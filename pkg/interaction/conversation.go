package interaction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"llm-interaction-manager/internal/logging"
	"llm-interaction-manager/pkg/capability"
	"llm-interaction-manager/pkg/errs"
	"llm-interaction-manager/pkg/review"
)

// historyWindow caps how many past turns ride along as context when
// history forwarding is enabled.
const historyWindow = 10

// dynamicTopK is how many neighbors a DYNAMIC lookup retrieves.
const dynamicTopK = 10

// protectedMetadataKeys can never be removed from any metadata map.
var protectedMetadataKeys = map[string]bool{
	"prompt":  true,
	"content": true,
	"data":    true,
	"id":      true,
}

// Turn is one committed prompt/response exchange. Metadata holds every
// reply field beyond the response text and the echoed prompt.
type Turn struct {
	MessageID string
	Prompt    string
	Content   string
	Comment   string
	Metadata  map[string]any
}

// TurnResult is what SendPrompt returns: the committed turn plus the
// fixed context payload that was attached, when one was.
type TurnResult struct {
	Turn
	RAGData []string
}

// Conversation tracks one dialogue sequence and commits every completed
// turn to the record and vector stores. It reads the manager's live
// settings, so mode changes apply to the next turn immediately.
type Conversation struct {
	id        string
	createdAt time.Time
	metadata  map[string]any
	history   []*Turn

	llm      capability.LanguageModel
	records  capability.RecordStore
	vectors  capability.VectorStore
	settings *Settings
	reviewer review.Reviewer
	log      logging.Logger
}

func newConversation(llm capability.LanguageModel, records capability.RecordStore, vectors capability.VectorStore,
	settings *Settings, reviewer review.Reviewer, log logging.Logger, metadata map[string]any) *Conversation {

	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	return &Conversation{
		id:        newConversationID(),
		createdAt: time.Now().UTC(),
		metadata:  meta,
		llm:       llm,
		records:   records,
		vectors:   vectors,
		settings:  settings,
		reviewer:  reviewer,
		log:       log,
	}
}

// The prefixes replace the leading uuid characters so ids keep the
// plain uuid width.
func newConversationID() string {
	return "conv_" + uuid.NewString()[5:]
}

func newMessageID() string {
	return "msg_" + uuid.NewString()[4:]
}

func (c *Conversation) ID() string { return c.id }

func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

// History returns a copy of the committed turns, oldest first.
func (c *Conversation) History() []Turn {
	out := make([]Turn, len(c.history))
	for i, t := range c.history {
		out[i] = *t
	}
	return out
}

// LastResponse returns the latest generated text, or "" before the
// first turn completes.
func (c *Conversation) LastResponse() string {
	if len(c.history) == 0 {
		return ""
	}
	return c.history[len(c.history)-1].Content
}

// SendPrompt runs one full turn: context assembly, generation, the
// optional review pause, then the dual-store commit. The turn joins the
// in-memory history before committing; a failed commit surfaces the
// store error while the history entry and any store already written
// keep their data.
func (c *Conversation) SendPrompt(ctx context.Context, prompt string) (*TurnResult, error) {
	ragList, err := c.contextFor(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var documents []string
	if len(ragList) > 0 {
		documents = ragList
	}

	reply, err := c.llm.SendPrompt(ctx, prompt, documents)
	if err != nil {
		return nil, err
	}
	content, ok := reply["response"].(string)
	if !ok {
		return nil, errs.ContractViolation("no 'response' found in the reply from %s", c.llm.Name())
	}

	comment := ""
	if c.settings.WaitForManualData && c.reviewer != nil {
		comment, err = c.reviewer.Review(ctx, content)
		if err != nil {
			c.log.Warn("conversation", "review failed, keeping an empty comment", map[string]interface{}{
				"conversation_id": c.id,
				"error":           err.Error(),
			})
			comment = ""
		}
	}

	turn := &Turn{
		MessageID: newMessageID(),
		Prompt:    prompt,
		Content:   content,
		Comment:   comment,
		Metadata:  replyMetadata(reply),
	}
	c.history = append(c.history, turn)

	result := &TurnResult{Turn: *turn}
	switch c.settings.UseRAGData {
	case RAGModeVolatile:
		result.RAGData = normalizeRAGData(c.settings.OnTheFlyData)
	case RAGModePersistent:
		result.RAGData = normalizeRAGData(c.settings.DefaultRAGData)
	}

	if err := c.commit(ctx, turn); err != nil {
		return nil, err
	}
	return result, nil
}

// contextFor assembles the documents for one prompt: a window of prior
// turns when history forwarding is on, then whatever the active mode
// contributes. A failing DYNAMIC lookup fails the turn.
func (c *Conversation) contextFor(ctx context.Context, prompt string) ([]string, error) {
	var ragList []string
	if c.settings.SendConversationHistory {
		start := len(c.history) - historyWindow
		if start < 0 {
			start = 0
		}
		for _, turn := range c.history[start:] {
			ragList = append(ragList, "PREVIOUS PROMPT: "+turn.Prompt)
			ragList = append(ragList, "PREVIOUS RESPONSE: "+turn.Content)
		}
	}

	switch c.settings.UseRAGData {
	case RAGModeVolatile:
		ragList = append(ragList, normalizeRAGData(c.settings.OnTheFlyData)...)
	case RAGModePersistent:
		ragList = append(ragList, normalizeRAGData(c.settings.DefaultRAGData)...)
	case RAGModeDynamic:
		hits, err := c.vectors.NearestSearch(ctx, prompt, dynamicTopK, capability.DefaultVectorTable)
		if err != nil {
			return nil, err
		}
		ragList = append(ragList, hits...)
		if info, err := c.vectors.Info(ctx); err == nil {
			c.log.Debug("conversation", "vector store served the similarity lookup", map[string]interface{}{
				"info": info,
			})
		}
	}
	return ragList, nil
}

// replyMetadata keeps every reply field except the canonical response
// text and the echoed prompt.
func replyMetadata(reply map[string]any) map[string]any {
	meta := make(map[string]any)
	for k, v := range reply {
		if k == "response" || k == "prompt" {
			continue
		}
		meta[k] = v
	}
	return meta
}

// AddMetadata merges data into the conversation metadata or into the
// metadata of the latest turn. Turn-level updates re-commit that turn;
// conversation-level updates ride along with the next commit.
func (c *Conversation) AddMetadata(ctx context.Context, toConversation bool, data map[string]any) error {
	if toConversation {
		for k, v := range data {
			c.metadata[k] = v
		}
		return nil
	}
	if len(c.history) == 0 {
		return errs.Precondition("no message sent or received yet")
	}
	last := c.history[len(c.history)-1]
	for k, v := range data {
		last.Metadata[k] = v
	}
	return c.commit(ctx, last)
}

// ChangeComment replaces the comment of the latest turn in memory. The
// change reaches the stores with that turn's next commit.
func (c *Conversation) ChangeComment(comment string) error {
	if len(c.history) == 0 {
		return errs.Precondition("no message sent or received yet")
	}
	c.history[len(c.history)-1].Comment = comment
	return nil
}

// Metadata returns a copy of the conversation metadata, or of the
// metadata of the turn with the given message id.
func (c *Conversation) Metadata(toConversation bool, id string) (map[string]any, error) {
	if toConversation {
		return copyMap(c.metadata), nil
	}
	for _, turn := range c.history {
		if turn.MessageID == id {
			return copyMap(turn.Metadata), nil
		}
	}
	return nil, errs.NotFound("no message found with id %q", id)
}

// RemoveMetadata deletes one key from the conversation metadata or from
// the metadata of the turn with the given message id. Either removal
// re-commits a turn so the stores drop the key too; protected keys are
// never removable.
func (c *Conversation) RemoveMetadata(ctx context.Context, toConversation bool, key string, id string) error {
	if protectedMetadataKeys[key] {
		return errs.Validation("cannot remove protected key %q", key)
	}
	if toConversation {
		if _, ok := c.metadata[key]; !ok {
			return errs.NotFound("key %q not found in conversation metadata", key)
		}
		delete(c.metadata, key)
		// The record store keeps conversation metadata with the latest
		// turn, so the removal only reaches it when one exists.
		if len(c.history) == 0 {
			return nil
		}
		return c.commit(ctx, c.history[len(c.history)-1])
	}
	for _, turn := range c.history {
		if turn.MessageID == id {
			if _, ok := turn.Metadata[key]; !ok {
				return errs.NotFound("key %q not found in the metadata of message %q", key, id)
			}
			delete(turn.Metadata, key)
			return c.commit(ctx, turn)
		}
	}
	return errs.NotFound("no message found with id %q", id)
}

// commit writes one turn to both stores, records first. A record-store
// failure skips the vector write; a vector-store failure leaves the
// record write in place. Neither store is rolled back.
func (c *Conversation) commit(ctx context.Context, turn *Turn) error {
	conversation := map[string]any{
		"conversation_id": c.id,
		"created_at":      c.createdAt,
	}
	for k, v := range c.metadata {
		conversation[k] = v
	}
	messages := []map[string]any{{
		"message_id":   turn.MessageID,
		"user_prompt":  turn.Prompt,
		"llm_response": turn.Content,
		"timestamp":    time.Now().UTC(),
		"user_comment": turn.Comment,
		"metadata":     copyMap(turn.Metadata),
	}}
	if err := c.records.SaveRecord(ctx, conversation, messages); err != nil {
		return err
	}

	vector := map[string]any{
		"message_id": turn.MessageID,
		"prompt":     turn.Prompt,
		"response":   turn.Content,
	}
	for k, v := range turn.Metadata {
		vector[k] = v
	}
	return c.vectors.SaveVector(ctx, vector, capability.DefaultVectorTable)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
