package activemq

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"github.com/qvcloud/mqexplorer"
)

const (
	queuePrefix = "/queue/"
	topicPrefix = "/topic/"

	defaultManagementDestination = "/queue/ActiveMQ.Management"
	replyDestinationPrefix       = "/temp-queue/management.reply"
)

// reserved STOMP headers that are surfaced as typed fields rather than
// copied into Message.Properties.Headers.
var reservedHeaders = map[string]bool{
	frame.Destination:   true,
	frame.ContentType:   true,
	frame.ContentLength: true,
	frame.MessageId:     true,
	frame.Subscription:  true,
	frame.Ack:           true,
	"correlation-id":    true,
	"reply-to":          true,
	"priority":          true,
	"persistent":        true,
	"timestamp":         true,
	"browser":           true,
	"expires":           true,
	"redelivered":       true,
}

type stompConn interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Subscribe(destination string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error)
	Ack(m *stomp.Message) error
	Disconnect() error
}

type stompSubscription interface {
	C() <-chan *stomp.Message
	Unsubscribe() error
}

type connWrapper struct{ *stomp.Conn }

func (w *connWrapper) Subscribe(destination string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (stompSubscription, error) {
	sub, err := w.Conn.Subscribe(destination, ack, opts...)
	if err != nil {
		return nil, err
	}
	return &subWrapper{sub}, nil
}

type subWrapper struct{ sub *stomp.Subscription }

func (w *subWrapper) C() <-chan *stomp.Message { return w.sub.C }
func (w *subWrapper) Unsubscribe() error       { return w.sub.Unsubscribe() }

// amqProvider implements the provider contract over STOMP. ActiveMQ
// exposes its administrative introspection as message traffic, so every
// management operation goes through the correlator.
type amqProvider struct {
	params mqexplorer.ActiveMQParams
	opts   *mqexplorer.Options

	state mqexplorer.StateTracker
	cache *mqexplorer.MessageCache

	mu         sync.RWMutex
	conn       stompConn
	correlator *mqexplorer.Correlator

	// Internal factory for testing
	newConn func(params mqexplorer.ActiveMQParams, tlsCfg *tls.Config) (stompConn, error)
}

// NewProvider builds an ActiveMQ provider from its connection params.
func NewProvider(params mqexplorer.ActiveMQParams, opts ...mqexplorer.Option) (mqexplorer.Provider, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &amqProvider{
		params: params,
		opts:   mqexplorer.NewOptions(opts...),
		cache:  mqexplorer.NewMessageCache(),
		newConn: func(params mqexplorer.ActiveMQParams, tlsCfg *tls.Config) (stompConn, error) {
			addr := fmt.Sprintf("%s:%d", params.Host, params.Port)
			connOpts := []func(*stomp.Conn) error{
				stomp.ConnOpt.Login(params.Login, params.Passcode),
				stomp.ConnOpt.Host("/"),
				stomp.ConnOpt.HeartBeat(10*time.Second, 10*time.Second),
			}
			if params.UseTLS {
				netConn, err := tls.Dial("tcp", addr, tlsCfg)
				if err != nil {
					return nil, err
				}
				conn, err := stomp.Connect(netConn, connOpts...)
				if err != nil {
					netConn.Close()
					return nil, err
				}
				return &connWrapper{conn}, nil
			}
			conn, err := stomp.Dial("tcp", addr, connOpts...)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}, nil
}

func (p *amqProvider) String() string { return "activemq" }

func (p *amqProvider) IsConnected() bool                 { return p.state.Connected() }
func (p *amqProvider) State() mqexplorer.ConnectionState { return p.state.State() }

func (p *amqProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.State() == mqexplorer.StateConnected {
		return nil
	}
	p.state.SetState(mqexplorer.StateConnecting)
	p.opts.Logger.Logf("activemq: connecting to %s:%d", p.params.Host, p.params.Port)

	conn, err := p.newConn(p.params, p.opts.TLSConfig)
	if err != nil {
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("activemq: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}
	p.conn = conn

	mgmtDest := p.params.ManagementDestination
	if mgmtDest == "" {
		mgmtDest = defaultManagementDestination
	}
	p.correlator = mqexplorer.NewCorrelator(
		&stompTransport{conn: conn},
		mgmtDest,
		replyDestinationPrefix,
		p.opts.ManagementTimeout,
		p.opts.Logger,
	)

	p.state.SetState(mqexplorer.StateConnected)
	p.opts.Logger.Log("activemq: connected")
	return nil
}

func (p *amqProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		if err := p.conn.Disconnect(); err != nil {
			p.opts.Logger.Logf("activemq: disconnect: %v", err)
		}
		p.conn = nil
	}
	p.correlator = nil
	p.cache.ClearAll()
	p.state.SetState(mqexplorer.StateDisconnected)
	p.opts.Logger.Log("activemq: disconnected")
	return nil
}

func (p *amqProvider) connection() (stompConn, *mqexplorer.Correlator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state.State() != mqexplorer.StateConnected || p.conn == nil {
		return nil, nil, &mqexplorer.NotConnectedError{Provider: p.String()}
	}
	return p.conn, p.correlator, nil
}

// mgmtDestinationInfo is the value shape the management endpoint
// returns for listing and property requests.
type mgmtDestinationInfo struct {
	Name          string `json:"name"`
	Depth         int64  `json:"depth"`
	ConsumerCount int64  `json:"consumerCount"`
	ProducerCount int64  `json:"producerCount"`
	EnqueueCount  int64  `json:"enqueueCount"`
	DequeueCount  int64  `json:"dequeueCount"`
	MemoryUsage   int64  `json:"memoryUsage"`
}

func (p *amqProvider) ListQueues(ctx context.Context, filter string) ([]mqexplorer.QueueInfo, error) {
	_, corr, err := p.connection()
	if err != nil {
		return nil, err
	}
	values, err := corr.Collect(ctx, mqexplorer.ManagementRequest{Operation: "listQueues"}, 0)
	if err != nil {
		p.opts.Logger.Logf("activemq: list queues: %v", err)
		return nil, err
	}

	codec := mqexplorer.JSONMarshaler{}
	infos := make([]mqexplorer.QueueInfo, 0, len(values))
	for _, raw := range values {
		var qi mgmtDestinationInfo
		if err := codec.Unmarshal(raw, &qi); err != nil {
			return nil, &mqexplorer.ManagementError{Operation: "listQueues", Reason: "malformed value", Err: err}
		}
		if !mqexplorer.MatchFilter(qi.Name, filter) {
			continue
		}
		infos = append(infos, mqexplorer.QueueInfo{
			Name:     qi.Name,
			Type:     "queue",
			Status:   "active",
			Depth:    qi.Depth,
			HasDepth: true,
		})
	}
	return infos, nil
}

func (p *amqProvider) ListTopics(ctx context.Context, filter string) ([]mqexplorer.TopicInfo, error) {
	_, corr, err := p.connection()
	if err != nil {
		return nil, err
	}
	values, err := corr.Collect(ctx, mqexplorer.ManagementRequest{Operation: "listTopics"}, 0)
	if err != nil {
		p.opts.Logger.Logf("activemq: list topics: %v", err)
		return nil, err
	}

	codec := mqexplorer.JSONMarshaler{}
	infos := make([]mqexplorer.TopicInfo, 0, len(values))
	for _, raw := range values {
		var ti mgmtDestinationInfo
		if err := codec.Unmarshal(raw, &ti); err != nil {
			return nil, &mqexplorer.ManagementError{Operation: "listTopics", Reason: "malformed value", Err: err}
		}
		if !mqexplorer.MatchFilter(ti.Name, filter) {
			continue
		}
		infos = append(infos, mqexplorer.TopicInfo{Name: ti.Name, Type: "topic", Status: "active"})
	}
	return infos, nil
}

func (p *amqProvider) BrowseMessages(ctx context.Context, queue string, opts mqexplorer.BrowseOptions) ([]mqexplorer.Message, error) {
	conn, _, err := p.connection()
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = mqexplorer.DefaultBrowseLimit
	}

	// ActiveMQ implements queue browsing over STOMP with the
	// browser:true subscription header: queued messages are delivered
	// without being consumed, then a frame with browser:end marks the
	// end of the snapshot.
	sub, err := conn.Subscribe(queuePrefix+queue, stomp.AckAuto,
		stomp.SubscribeOpt.Header("browser", "true"),
		stomp.SubscribeOpt.Header("id", uuid.NewString()),
	)
	if err != nil {
		p.opts.Logger.Logf("activemq: browse %s: %v", queue, err)
		return nil, err
	}
	// The subscription must come down on both race outcomes, count
	// reached and timeout, or the browser stays live on the broker.
	defer sub.Unsubscribe()

	timer := time.NewTimer(p.opts.BrowseTimeout)
	defer timer.Stop()

	var (
		out     = []mqexplorer.Message{}
		skipped int
	)
	for {
		select {
		case <-ctx.Done():
			return out, nil
		case <-timer.C:
			return out, nil
		case m, ok := <-sub.C():
			if !ok {
				return out, nil
			}
			if m.Err != nil {
				p.opts.Logger.Logf("activemq: browse %s: %v", queue, m.Err)
				return out, nil
			}
			if m.Header.Get("browser") == "end" {
				return out, nil
			}
			msg := normalizeMessage(m)
			if opts.Filter != "" && !strings.Contains(strings.ToLower(string(msg.Body)), strings.ToLower(opts.Filter)) {
				continue
			}
			if skipped < opts.StartPosition {
				skipped++
				continue
			}
			p.cache.Record(queue, &msg)
			out = append(out, msg)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
}

func (p *amqProvider) PutMessage(ctx context.Context, queue string, payload []byte, props *mqexplorer.MessageProperties) error {
	return p.send(queuePrefix+queue, payload, props)
}

func (p *amqProvider) PublishMessage(ctx context.Context, topic string, payload []byte, props *mqexplorer.MessageProperties) error {
	return p.send(topicPrefix+topic, payload, props)
}

func (p *amqProvider) send(destination string, payload []byte, props *mqexplorer.MessageProperties) error {
	conn, _, err := p.connection()
	if err != nil {
		return err
	}

	contentType := "text/plain"
	var sendOpts []func(*frame.Frame) error
	if props != nil {
		if props.ContentType != "" {
			contentType = props.ContentType
		}
		if props.Priority > 0 {
			sendOpts = append(sendOpts, stomp.SendOpt.Header("priority", strconv.Itoa(props.Priority)))
		}
		if props.DeliveryMode == 2 {
			sendOpts = append(sendOpts, stomp.SendOpt.Header("persistent", "true"))
		}
		if props.ReplyTo != "" {
			sendOpts = append(sendOpts, stomp.SendOpt.Header("reply-to", props.ReplyTo))
		}
		for k, v := range props.Headers {
			sendOpts = append(sendOpts, stomp.SendOpt.Header(k, v))
		}
		// Extra carries broker-specific fields from other providers;
		// STOMP has no equivalent for them and they are dropped.
	}

	if err := conn.Send(destination, contentType, payload, sendOpts...); err != nil {
		p.opts.Logger.Logf("activemq: send to %s: %v", destination, err)
		return err
	}
	p.opts.Logger.Logf("activemq: sent message to %s", destination)
	return nil
}

func (p *amqProvider) ClearQueue(ctx context.Context, queue string) error {
	_, corr, err := p.connection()
	if err != nil {
		return err
	}
	if _, err := corr.Request(ctx, mqexplorer.ManagementRequest{Operation: "purge", Target: queue}); err != nil {
		p.opts.Logger.Logf("activemq: purge %s: %v", queue, err)
		return err
	}
	p.cache.Clear(queue)
	p.opts.Logger.Logf("activemq: purged %s", queue)
	return nil
}

func (p *amqProvider) DeleteMessage(ctx context.Context, queue, id string) (mqexplorer.DeleteResult, error) {
	conn, _, err := p.connection()
	if err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	if !p.cache.Contains(queue, id) {
		return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
	}

	// Targeted deletion: a JMS selector narrows delivery to the one
	// message, and an individual ack consumes it.
	sub, err := conn.Subscribe(queuePrefix+queue, stomp.AckClientIndividual,
		stomp.SubscribeOpt.Header("selector", "JMSMessageID = '"+id+"'"),
		stomp.SubscribeOpt.Header("id", uuid.NewString()),
	)
	if err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(p.opts.BrowseTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
	case <-timer.C:
		p.opts.Logger.Logf("activemq: delete %s on %s: message not redelivered within %s", id, queue, p.opts.BrowseTimeout)
		return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
	case m, ok := <-sub.C():
		if !ok || m.Err != nil {
			return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
		}
		if err := conn.Ack(m); err != nil {
			return mqexplorer.DeleteResult{}, err
		}
		p.cache.Remove(queue, id)
		p.opts.Logger.Logf("activemq: deleted message %s from %s", id, queue)
		return mqexplorer.DeleteResult{ID: id, Outcome: mqexplorer.DeleteOutcomeRemoved}, nil
	}
}

func (p *amqProvider) DeleteMessages(ctx context.Context, queue string, ids []string) (mqexplorer.BatchDeleteResult, error) {
	if _, _, err := p.connection(); err != nil {
		return mqexplorer.BatchDeleteResult{}, err
	}
	return mqexplorer.DeleteEach(ctx, p, queue, ids), nil
}

func (p *amqProvider) GetQueueProperties(ctx context.Context, queue string) (*mqexplorer.QueueProperties, error) {
	_, corr, err := p.connection()
	if err != nil {
		return nil, err
	}
	raw, err := corr.Request(ctx, mqexplorer.ManagementRequest{Operation: "queueProperties", Target: queue})
	if err != nil {
		return nil, err
	}
	var qi mgmtDestinationInfo
	if err := (mqexplorer.JSONMarshaler{}).Unmarshal(raw, &qi); err != nil {
		return nil, &mqexplorer.ManagementError{Operation: "queueProperties", Reason: "malformed value", Err: err}
	}
	return &mqexplorer.QueueProperties{
		QueueInfo: mqexplorer.QueueInfo{
			Name:     queue,
			Type:     "queue",
			Status:   "active",
			Depth:    qi.Depth,
			HasDepth: true,
		},
		ConsumerCount: qi.ConsumerCount,
		ProducerCount: qi.ProducerCount,
		EnqueueCount:  qi.EnqueueCount,
		DequeueCount:  qi.DequeueCount,
		SizeBytes:     qi.MemoryUsage,
	}, nil
}

func (p *amqProvider) GetTopicProperties(ctx context.Context, topic string) (*mqexplorer.TopicProperties, error) {
	_, corr, err := p.connection()
	if err != nil {
		return nil, err
	}
	raw, err := corr.Request(ctx, mqexplorer.ManagementRequest{Operation: "topicProperties", Target: topic})
	if err != nil {
		return nil, err
	}
	var ti mgmtDestinationInfo
	if err := (mqexplorer.JSONMarshaler{}).Unmarshal(raw, &ti); err != nil {
		return nil, &mqexplorer.ManagementError{Operation: "topicProperties", Reason: "malformed value", Err: err}
	}
	return &mqexplorer.TopicProperties{
		TopicInfo:     mqexplorer.TopicInfo{Name: topic, Type: "topic", Status: "active"},
		ConsumerCount: ti.ConsumerCount,
		ProducerCount: ti.ProducerCount,
		EnqueueCount:  ti.EnqueueCount,
		DequeueCount:  ti.DequeueCount,
	}, nil
}

func (p *amqProvider) GetQueueDepth(ctx context.Context, queue string) (int64, error) {
	props, err := p.GetQueueProperties(ctx, queue)
	if err != nil {
		return 0, err
	}
	return props.Depth, nil
}

func normalizeMessage(m *stomp.Message) mqexplorer.Message {
	msg := mqexplorer.Message{
		ID:            m.Header.Get(frame.MessageId),
		CorrelationID: m.Header.Get("correlation-id"),
		Body:          m.Body,
		Properties: mqexplorer.MessageProperties{
			ContentType: m.ContentType,
			ReplyTo:     m.Header.Get("reply-to"),
		},
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if v := m.Header.Get("priority"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			msg.Properties.Priority = n
		}
	}
	if m.Header.Get("persistent") == "true" {
		msg.Properties.DeliveryMode = 2
	} else {
		msg.Properties.DeliveryMode = 1
	}
	if v := m.Header.Get("timestamp"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.Timestamp = time.UnixMilli(ms)
		}
	}
	for i := 0; i < m.Header.Len(); i++ {
		k, v := m.Header.GetAt(i)
		if reservedHeaders[k] {
			continue
		}
		if msg.Properties.Headers == nil {
			msg.Properties.Headers = make(map[string]string)
		}
		msg.Properties.Headers[k] = v
	}
	if v := m.Header.Get("redelivered"); v != "" {
		msg.Properties.SetExtra("redelivered", v)
	}
	return msg
}

// stompTransport adapts the STOMP connection to the correlator's
// pub/sub surface.
type stompTransport struct {
	conn stompConn
}

func (t *stompTransport) Send(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}
	return t.conn.Send(destination, "application/json", body, opts...)
}

func (t *stompTransport) Listen(destination string) (mqexplorer.ManagementSubscription, error) {
	sub, err := t.conn.Subscribe(destination, stomp.AckAuto,
		stomp.SubscribeOpt.Header("id", uuid.NewString()),
	)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case m, ok := <-sub.C():
				if !ok {
					return
				}
				if m.Err != nil {
					continue
				}
				select {
				case out <- m.Body:
				case <-done:
					return
				}
			}
		}
	}()

	return &stompManagementSub{sub: sub, out: out, done: done}, nil
}

type stompManagementSub struct {
	sub  stompSubscription
	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func (s *stompManagementSub) C() <-chan []byte { return s.out }

func (s *stompManagementSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
