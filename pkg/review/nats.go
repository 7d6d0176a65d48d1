package review

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"llm-interaction-manager/pkg/errs"
)

// NATS sends review requests to a remote reviewer over NATS
// request-reply, for setups where the person commenting runs a separate
// process (see ServeNATS).
type NATS struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATS connects to the given NATS url. With timeout zero a review
// blocks until the remote side answers or ctx is cancelled.
func NewNATS(url, subject string, timeout time.Duration) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errs.Connection("failed to connect to NATS: %w", err)
	}
	if subject == "" {
		subject = DefaultRequestTopic
	}
	return &NATS{nc: nc, subject: subject, timeout: timeout}, nil
}

func (n *NATS) Review(ctx context.Context, response string) (string, error) {
	payload, err := json.Marshal(Request{ID: uuid.NewString(), Response: response})
	if err != nil {
		return "", errs.Validation("review request is not serializable: %w", err)
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	msg, err := n.nc.RequestWithContext(ctx, n.subject, payload)
	if err != nil {
		return "", errs.Connection("review request on %s failed: %w", n.subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", errs.ContractViolation("review reply is not valid JSON: %w", err)
	}
	return reply.Comment, nil
}

func (n *NATS) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}

// ServeNATS answers review requests on the subject with the given
// reviewer. The subscription stays active until unsubscribed or the
// connection closes.
func ServeNATS(nc *nats.Conn, subject string, reviewer Reviewer) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultRequestTopic
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		comment, err := reviewer.Review(context.Background(), req.Response)
		if err != nil {
			comment = ""
		}
		payload, err := json.Marshal(Reply{ID: req.ID, Comment: comment})
		if err != nil {
			return
		}
		_ = msg.Respond(payload)
	})
	if err != nil {
		return nil, errs.Connection("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
