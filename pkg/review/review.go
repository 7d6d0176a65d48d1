// Package review holds the suspension point of a conversation turn: when
// manual review is enabled, the orchestrator hands the LLM response to a
// Reviewer and blocks until it returns a comment. Implementations range
// from a stdin prompt to a message bus, so the human (or machine) giving
// the comment does not have to live in this process.
package review

import "context"

// Reviewer inspects an LLM response before it is committed and returns a
// comment to store alongside it. An empty comment is valid.
type Reviewer interface {
	Review(ctx context.Context, response string) (string, error)
}

// Func adapts a plain function into a Reviewer.
type Func func(ctx context.Context, response string) (string, error)

func (f Func) Review(ctx context.Context, response string) (string, error) {
	return f(ctx, response)
}

// Request is the wire shape sent to a remote reviewer.
type Request struct {
	ID       string `json:"id"`
	Response string `json:"response"`
}

// Reply carries the comment back. ID echoes the request it answers.
type Reply struct {
	ID      string `json:"id"`
	Comment string `json:"comment"`
}

// Default topics for the bus-backed reviewers.
const (
	DefaultRequestTopic = "lims.review.requests"
	DefaultReplyTopic   = "lims.review.replies"
)
