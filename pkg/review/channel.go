package review

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"llm-interaction-manager/pkg/errs"
)

// Channel runs the review round trip over an in-process watermill
// pub/sub. Review publishes a Request and waits for the Reply carrying
// the same id; Serve is the answering side.
type Channel struct {
	pubSub       *gochannel.GoChannel
	requestTopic string
	replyTopic   string
	timeout      time.Duration
}

func NewChannel(pubSub *gochannel.GoChannel, requestTopic, replyTopic string, timeout time.Duration) *Channel {
	if requestTopic == "" {
		requestTopic = DefaultRequestTopic
	}
	if replyTopic == "" {
		replyTopic = DefaultReplyTopic
	}
	return &Channel{
		pubSub:       pubSub,
		requestTopic: requestTopic,
		replyTopic:   replyTopic,
		timeout:      timeout,
	}
}

func (c *Channel) Review(ctx context.Context, response string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// Subscribe before publishing, the reply could arrive immediately.
	replies, err := c.pubSub.Subscribe(ctx, c.replyTopic)
	if err != nil {
		return "", errs.Connection("failed to subscribe to %s: %w", c.replyTopic, err)
	}

	req := Request{ID: uuid.NewString(), Response: response}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", errs.Validation("review request is not serializable: %w", err)
	}
	if err := c.pubSub.Publish(c.requestTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		return "", errs.Connection("failed to publish review request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", errs.Connection("no review arrived for request %s: %w", req.ID, ctx.Err())
		case msg, ok := <-replies:
			if !ok {
				return "", errs.Connection("review reply channel closed before request %s was answered", req.ID)
			}
			msg.Ack()

			var reply Reply
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				continue
			}
			if reply.ID != req.ID {
				// Reply to a concurrent request on the shared topic.
				continue
			}
			return reply.Comment, nil
		}
	}
}

// Serve answers review requests with the given reviewer until ctx is
// cancelled. A reviewer error becomes an empty comment so the requesting
// side never hangs.
func Serve(ctx context.Context, pubSub *gochannel.GoChannel, requestTopic, replyTopic string, reviewer Reviewer) error {
	if requestTopic == "" {
		requestTopic = DefaultRequestTopic
	}
	if replyTopic == "" {
		replyTopic = DefaultReplyTopic
	}
	messages, err := pubSub.Subscribe(ctx, requestTopic)
	if err != nil {
		return errs.Connection("failed to subscribe to %s: %w", requestTopic, err)
	}

	go func() {
		for msg := range messages {
			var req Request
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				msg.Ack() // malformed, retrying cannot fix it
				continue
			}

			comment, err := reviewer.Review(ctx, req.Response)
			if err != nil {
				comment = ""
			}

			payload, err := json.Marshal(Reply{ID: req.ID, Comment: comment})
			if err != nil {
				msg.Ack()
				continue
			}
			if err := pubSub.Publish(replyTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()
	return nil
}
