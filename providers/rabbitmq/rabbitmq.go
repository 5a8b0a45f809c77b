package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qvcloud/mqexplorer"
)

type rabbitConn interface {
	Channel() (rabbitChannel, error)
	Close() error
	IsClosed() bool
}

type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	QueuePurge(name string, noWait bool) (int, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (rabbitChannel, error) {
	return w.Connection.Channel()
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// rmqProvider implements the provider contract over AMQP 0-9-1 plus the
// management plugin's REST API for listings and properties. AMQP itself
// cannot enumerate queues.
type rmqProvider struct {
	params mqexplorer.RabbitMQParams
	opts   *mqexplorer.Options

	state mqexplorer.StateTracker
	cache *mqexplorer.MessageCache

	mu   sync.RWMutex
	conn rabbitConn
	// ids deleted cache-only, per queue; they stay on the broker but
	// are hidden from future browses.
	hidden map[string]map[string]bool

	// Internal factories for testing
	newConn    func(params mqexplorer.RabbitMQParams, config amqp.Config) (rabbitConn, error)
	httpClient httpDoer
}

// NewProvider builds a RabbitMQ provider from its connection params.
func NewProvider(params mqexplorer.RabbitMQParams, opts ...mqexplorer.Option) (mqexplorer.Provider, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &rmqProvider{
		params:     params,
		opts:       mqexplorer.NewOptions(opts...),
		cache:      mqexplorer.NewMessageCache(),
		hidden:     make(map[string]map[string]bool),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		newConn: func(params mqexplorer.RabbitMQParams, config amqp.Config) (rabbitConn, error) {
			conn, err := amqp.DialConfig(amqpURL(params), config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}, nil
}

func amqpURL(params mqexplorer.RabbitMQParams) string {
	scheme := "amqp"
	if params.UseTLS {
		scheme = "amqps"
	}
	vhost := params.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme,
		url.QueryEscape(params.Username),
		url.QueryEscape(params.Password),
		params.Host,
		params.Port,
		url.PathEscape(vhost),
	)
}

func (p *rmqProvider) String() string { return "rabbitmq" }

func (p *rmqProvider) IsConnected() bool                 { return p.state.Connected() }
func (p *rmqProvider) State() mqexplorer.ConnectionState { return p.state.State() }

func (p *rmqProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Connected() {
		return nil
	}
	p.state.SetState(mqexplorer.StateConnecting)
	p.opts.Logger.Logf("rabbitmq: connecting to %s:%d", p.params.Host, p.params.Port)

	conn, err := p.newConn(p.params, amqp.Config{TLSClientConfig: p.opts.TLSConfig})
	if err != nil {
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("rabbitmq: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}
	p.conn = conn

	p.state.SetState(mqexplorer.StateConnected)
	p.opts.Logger.Log("rabbitmq: connected")
	return nil
}

func (p *rmqProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.opts.Logger.Logf("rabbitmq: disconnect: %v", err)
		}
		p.conn = nil
	}
	p.cache.ClearAll()
	p.hidden = make(map[string]map[string]bool)
	p.state.SetState(mqexplorer.StateDisconnected)
	p.opts.Logger.Log("rabbitmq: disconnected")
	return nil
}

// channel opens a fresh channel for one operation. AMQP channels are
// cheap; a throwaway channel also gives browse its requeue-on-close
// semantics.
func (p *rmqProvider) channel() (rabbitChannel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.state.Connected() || p.conn == nil {
		return nil, &mqexplorer.NotConnectedError{Provider: p.String()}
	}
	return p.conn.Channel()
}

func (p *rmqProvider) vhost() string {
	if p.params.VHost == "" {
		return "/"
	}
	return p.params.VHost
}

func (p *rmqProvider) managementGet(ctx context.Context, path string, out any) error {
	if p.params.ManagementURL == "" {
		return &mqexplorer.ManagementError{Operation: path, Reason: "management URL not configured"}
	}
	reqURL := strings.TrimRight(p.params.ManagementURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &mqexplorer.ManagementError{Operation: path, Reason: "build request", Err: err}
	}
	req.SetBasicAuth(p.params.Username, p.params.Password)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &mqexplorer.ManagementError{Operation: path, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &mqexplorer.NotFoundError{Queue: path}
	}
	if resp.StatusCode != http.StatusOK {
		return &mqexplorer.ManagementError{Operation: path, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &mqexplorer.ManagementError{Operation: path, Reason: "malformed response", Err: err}
	}
	return nil
}

type mgmtQueue struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Messages     int64  `json:"messages"`
	Consumers    int64  `json:"consumers"`
	MessageBytes int64  `json:"message_bytes"`
	MessageStats struct {
		Publish    int64 `json:"publish"`
		DeliverGet int64 `json:"deliver_get"`
	} `json:"message_stats"`
}

type mgmtExchange struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (p *rmqProvider) ListQueues(ctx context.Context, filter string) ([]mqexplorer.QueueInfo, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return nil, err
	}
	var queues []mgmtQueue
	if err := p.managementGet(ctx, "/api/queues/"+url.PathEscape(p.vhost()), &queues); err != nil {
		p.opts.Logger.Logf("rabbitmq: list queues: %v", err)
		return nil, err
	}
	infos := make([]mqexplorer.QueueInfo, 0, len(queues))
	for _, q := range queues {
		if !mqexplorer.MatchFilter(q.Name, filter) {
			continue
		}
		infos = append(infos, mqexplorer.QueueInfo{
			Name:     q.Name,
			Type:     "queue",
			Status:   q.State,
			Depth:    q.Messages,
			HasDepth: true,
		})
	}
	return infos, nil
}

func (p *rmqProvider) ListTopics(ctx context.Context, filter string) ([]mqexplorer.TopicInfo, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return nil, err
	}
	var exchanges []mgmtExchange
	if err := p.managementGet(ctx, "/api/exchanges/"+url.PathEscape(p.vhost()), &exchanges); err != nil {
		p.opts.Logger.Logf("rabbitmq: list exchanges: %v", err)
		return nil, err
	}
	infos := make([]mqexplorer.TopicInfo, 0, len(exchanges))
	for _, e := range exchanges {
		// The default exchange has an empty name; internal amq.*
		// exchanges are not useful destinations for publishing.
		if e.Name == "" || strings.HasPrefix(e.Name, "amq.") {
			continue
		}
		if !mqexplorer.MatchFilter(e.Name, filter) {
			continue
		}
		infos = append(infos, mqexplorer.TopicInfo{
			Name:        e.Name,
			Type:        e.Type,
			Description: e.Type + " exchange",
		})
	}
	return infos, nil
}

func (p *rmqProvider) BrowseMessages(ctx context.Context, queue string, opts mqexplorer.BrowseOptions) ([]mqexplorer.Message, error) {
	ch, err := p.channel()
	if err != nil {
		return nil, err
	}
	// basic.get without ack on a throwaway channel: closing the channel
	// requeues every unacked delivery, which turns destructive get into
	// a browse. The redelivered flag will be set on the next read.
	defer ch.Close()

	limit := opts.Limit
	if limit <= 0 {
		limit = mqexplorer.DefaultBrowseLimit
	}

	var (
		out     = []mqexplorer.Message{}
		skipped int
	)
	for len(out) < limit {
		select {
		case <-ctx.Done():
			return out, nil
		default:
		}

		d, ok, err := ch.Get(queue, false)
		if err != nil {
			p.opts.Logger.Logf("rabbitmq: browse %s: %v", queue, err)
			return nil, err
		}
		if !ok {
			break
		}

		msg := normalizeDelivery(d)
		if p.isHidden(queue, msg.ID) {
			continue
		}
		if opts.Filter != "" && !strings.Contains(strings.ToLower(string(msg.Body)), strings.ToLower(opts.Filter)) {
			continue
		}
		if skipped < opts.StartPosition {
			skipped++
			continue
		}
		p.cache.Record(queue, &msg)
		out = append(out, msg)
	}
	return out, nil
}

func (p *rmqProvider) PutMessage(ctx context.Context, queue string, payload []byte, props *mqexplorer.MessageProperties) error {
	// Default exchange routes by queue name.
	return p.publish(ctx, "", queue, payload, props)
}

func (p *rmqProvider) PublishMessage(ctx context.Context, topic string, payload []byte, props *mqexplorer.MessageProperties) error {
	return p.publish(ctx, topic, "", payload, props)
}

func (p *rmqProvider) publish(ctx context.Context, exchange, key string, payload []byte, props *mqexplorer.MessageProperties) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		ContentType: "text/plain",
		Body:        payload,
	}
	if props != nil {
		if props.ContentType != "" {
			publishing.ContentType = props.ContentType
		}
		if props.Priority > 0 {
			publishing.Priority = uint8(props.Priority)
		}
		if props.DeliveryMode == 2 {
			publishing.DeliveryMode = amqp.Persistent
		}
		publishing.ReplyTo = props.ReplyTo
		if len(props.Headers) > 0 {
			table := make(amqp.Table, len(props.Headers))
			for k, v := range props.Headers {
				table[k] = v
			}
			publishing.Headers = table
		}
	}

	if err := ch.PublishWithContext(ctx, exchange, key, false, false, publishing); err != nil {
		p.opts.Logger.Logf("rabbitmq: publish to %q/%q: %v", exchange, key, err)
		return err
	}
	p.opts.Logger.Logf("rabbitmq: published message %s", publishing.MessageId)
	return nil
}

func (p *rmqProvider) ClearQueue(ctx context.Context, queue string) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	purged, err := ch.QueuePurge(queue, false)
	if err != nil {
		p.opts.Logger.Logf("rabbitmq: purge %s: %v", queue, err)
		return err
	}
	p.cache.Clear(queue)
	p.mu.Lock()
	delete(p.hidden, queue)
	p.mu.Unlock()
	p.opts.Logger.Logf("rabbitmq: purged %d message(s) from %s", purged, queue)
	return nil
}

func (p *rmqProvider) hide(queue, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.hidden[queue]
	if !ok {
		q = make(map[string]bool)
		p.hidden[queue] = q
	}
	q[id] = true
}

func (p *rmqProvider) isHidden(queue, id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hidden[queue][id]
}

func (p *rmqProvider) DeleteMessage(ctx context.Context, queue, id string) (mqexplorer.DeleteResult, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	if !p.cache.Remove(queue, id) {
		return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
	}
	p.hide(queue, id)
	// AMQP 0-9-1 has no targeted removal primitive. The message stays
	// on the broker; it is only hidden from future browses here.
	p.opts.Logger.Logf("rabbitmq: message %s removed from the browse cache only; it remains on queue %s", id, queue)
	return mqexplorer.DeleteResult{ID: id, Outcome: mqexplorer.DeleteOutcomeHidden}, nil
}

func (p *rmqProvider) DeleteMessages(ctx context.Context, queue string, ids []string) (mqexplorer.BatchDeleteResult, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return mqexplorer.BatchDeleteResult{}, err
	}
	return mqexplorer.DeleteEach(ctx, p, queue, ids), nil
}

func (p *rmqProvider) GetQueueProperties(ctx context.Context, queue string) (*mqexplorer.QueueProperties, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return nil, err
	}

	if p.params.ManagementURL != "" {
		var q mgmtQueue
		path := "/api/queues/" + url.PathEscape(p.vhost()) + "/" + url.PathEscape(queue)
		if err := p.managementGet(ctx, path, &q); err != nil {
			return nil, err
		}
		return &mqexplorer.QueueProperties{
			QueueInfo: mqexplorer.QueueInfo{
				Name:     q.Name,
				Type:     "queue",
				Status:   q.State,
				Depth:    q.Messages,
				HasDepth: true,
			},
			ConsumerCount: q.Consumers,
			EnqueueCount:  q.MessageStats.Publish,
			DequeueCount:  q.MessageStats.DeliverGet,
			SizeBytes:     q.MessageBytes,
		}, nil
	}

	// Without the management plugin a passive declare still yields the
	// depth and consumer count.
	ch, err := p.channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return nil, &mqexplorer.NotFoundError{Queue: queue}
	}
	return &mqexplorer.QueueProperties{
		QueueInfo: mqexplorer.QueueInfo{
			Name:     q.Name,
			Type:     "queue",
			Status:   "active",
			Depth:    int64(q.Messages),
			HasDepth: true,
		},
		ConsumerCount: int64(q.Consumers),
	}, nil
}

func (p *rmqProvider) GetTopicProperties(ctx context.Context, topic string) (*mqexplorer.TopicProperties, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return nil, err
	}
	var e mgmtExchange
	path := "/api/exchanges/" + url.PathEscape(p.vhost()) + "/" + url.PathEscape(topic)
	if err := p.managementGet(ctx, path, &e); err != nil {
		return nil, err
	}
	return &mqexplorer.TopicProperties{
		TopicInfo: mqexplorer.TopicInfo{
			Name:        e.Name,
			Type:        e.Type,
			Description: e.Type + " exchange",
		},
	}, nil
}

func (p *rmqProvider) GetQueueDepth(ctx context.Context, queue string) (int64, error) {
	props, err := p.GetQueueProperties(ctx, queue)
	if err != nil {
		return 0, err
	}
	return props.Depth, nil
}

func normalizeDelivery(d amqp.Delivery) mqexplorer.Message {
	msg := mqexplorer.Message{
		ID:            d.MessageId,
		CorrelationID: d.CorrelationId,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
		Properties: mqexplorer.MessageProperties{
			ContentType:  d.ContentType,
			ReplyTo:      d.ReplyTo,
			Priority:     int(d.Priority),
			DeliveryMode: int(d.DeliveryMode),
		},
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	for k, v := range d.Headers {
		if msg.Properties.Headers == nil {
			msg.Properties.Headers = make(map[string]string)
		}
		msg.Properties.Headers[k] = fmt.Sprint(v)
	}
	if d.Redelivered {
		msg.Properties.SetExtra("redelivered", "true")
	}
	if d.Exchange != "" {
		msg.Properties.SetExtra("exchange", d.Exchange)
	}
	if d.RoutingKey != "" {
		msg.Properties.SetExtra("routingKey", d.RoutingKey)
	}
	return msg
}
