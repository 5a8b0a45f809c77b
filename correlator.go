package mqexplorer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ManagementTransport is the publish/subscribe surface the correlator
// emulates request/response over. The ActiveMQ adapter implements it on
// STOMP; tests implement it on channels.
type ManagementTransport interface {
	// Send publishes a management request body to a destination.
	Send(ctx context.Context, destination string, body []byte, headers map[string]string) error
	// Listen subscribes to a response destination. The subscription must
	// be closed by the caller; a closed subscription closes its channel.
	Listen(destination string) (ManagementSubscription, error)
}

// ManagementSubscription is a live subscription to a response
// destination.
type ManagementSubscription interface {
	C() <-chan []byte
	Close() error
}

// ManagementRequest is the structured body sent to the management
// destination.
type ManagementRequest struct {
	Operation string `json:"operation"`
	Target    string `json:"target,omitempty"`
}

// managementEnvelope is the reply shape the broker's management
// endpoint produces.
type managementEnvelope struct {
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value"`
}

const (
	envelopeStatusOK  = "ok"
	envelopeStatusEnd = "end"

	headerReplyTo       = "reply-to"
	headerCorrelationID = "correlation-id"
)

// DefaultManagementTimeout bounds a correlator exchange when no timeout
// is configured. The transport offers no back-pressure signal for
// "no more results coming", so bounded-but-best-effort is the contract.
const DefaultManagementTimeout = 5 * time.Second

// Correlator emulates synchronous management calls (list queues, read
// properties, purge) over a transport where the broker answers with
// asynchronous messages. Each request gets a fresh, uniquely named
// response destination so concurrent calls cannot cross-talk.
type Correlator struct {
	transport   ManagementTransport
	codec       Marshaler
	requestDest string
	replyPrefix string
	timeout     time.Duration
	logger      Logger

	// replyDest generates the per-request response destination.
	// Overridable in tests.
	replyDest func() string
}

// NewCorrelator builds a correlator sending requests to requestDest and
// listening on destinations derived from replyPrefix.
func NewCorrelator(t ManagementTransport, requestDest, replyPrefix string, timeout time.Duration, logger Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultManagementTimeout
	}
	if logger == nil {
		logger = noopLogger{}
	}
	c := &Correlator{
		transport:   t,
		codec:       JSONMarshaler{},
		requestDest: requestDest,
		replyPrefix: replyPrefix,
		timeout:     timeout,
		logger:      logger,
	}
	c.replyDest = func() string {
		return c.replyPrefix + "." + uuid.NewString()
	}
	return c
}

// Request performs a single-envelope exchange. A timeout with no reply
// is a ManagementError: there is no meaningful partial value for
// operations like "get properties".
func (c *Correlator) Request(ctx context.Context, req ManagementRequest) (json.RawMessage, error) {
	values, err := c.exchange(ctx, req, 1)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, &ManagementError{Operation: req.Operation, Reason: "no reply within timeout"}
	}
	return values[0], nil
}

// Collect performs a multi-envelope exchange, accumulating values until
// max values arrived (0 means unbounded), an end envelope arrived, or
// the timeout elapsed. The timeout path resolves with whatever partial
// result has been accumulated; an empty list is a valid non-error
// outcome.
func (c *Correlator) Collect(ctx context.Context, req ManagementRequest, max int) ([]json.RawMessage, error) {
	return c.exchange(ctx, req, max)
}

func (c *Correlator) exchange(ctx context.Context, req ManagementRequest, max int) ([]json.RawMessage, error) {
	body, err := c.codec.Marshal(req)
	if err != nil {
		return nil, &ManagementError{Operation: req.Operation, Reason: "encode request", Err: err}
	}

	replyTo := c.replyDest()
	sub, err := c.transport.Listen(replyTo)
	if err != nil {
		return nil, &ManagementError{Operation: req.Operation, Reason: "subscribe reply destination", Err: err}
	}
	// Teardown on every path, including the losing side of the
	// count-vs-timeout race. Leaking the subscription past the call's
	// logical lifetime would leave a dangling listener on the broker.
	defer sub.Close()

	headers := map[string]string{
		headerReplyTo:       replyTo,
		headerCorrelationID: uuid.NewString(),
	}
	if err := c.transport.Send(ctx, c.requestDest, body, headers); err != nil {
		return nil, &ManagementError{Operation: req.Operation, Reason: "send request", Err: err}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	values := make([]json.RawMessage, 0, 8)
	for {
		select {
		case <-ctx.Done():
			return values, nil
		case <-timer.C:
			c.logger.Logf("management %s: timeout after %s, returning %d partial result(s)",
				req.Operation, c.timeout, len(values))
			return values, nil
		case raw, ok := <-sub.C():
			if !ok {
				return values, nil
			}
			var env managementEnvelope
			if err := c.codec.Unmarshal(raw, &env); err != nil {
				return nil, &ManagementError{Operation: req.Operation, Reason: "malformed envelope", Err: err}
			}
			switch env.Status {
			case envelopeStatusEnd:
				return values, nil
			case envelopeStatusOK:
				values = append(values, env.Value)
				if max > 0 && len(values) >= max {
					return values, nil
				}
			default:
				return nil, &ManagementError{Operation: req.Operation, Reason: "status " + env.Status}
			}
		}
	}
}
