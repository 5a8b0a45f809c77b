package servicebus

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"github.com/qvcloud/mqexplorer"
)

type sbReceiver interface {
	PeekMessages(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

type sbSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

type sbClient interface {
	NewReceiverForQueue(queue string, options *azservicebus.ReceiverOptions) (sbReceiver, error)
	NewSender(queueOrTopic string, options *azservicebus.NewSenderOptions) (sbSender, error)
	Close(ctx context.Context) error
}

// queueRuntime flattens the admin API's runtime properties so tests can
// fake the management plane without the SDK pager machinery.
type queueRuntime struct {
	Name       string
	Total      int64
	Active     int64
	DeadLetter int64
	Scheduled  int64
	SizeBytes  int64
	CreatedAt  time.Time
	AccessedAt time.Time
}

type topicRuntime struct {
	Name          string
	Subscriptions int64
	Scheduled     int64
	SizeBytes     int64
	CreatedAt     time.Time
}

type sbAdmin interface {
	ListQueues(ctx context.Context) ([]queueRuntime, error)
	ListTopics(ctx context.Context) ([]string, error)
	QueueRuntime(ctx context.Context, queue string) (*queueRuntime, error)
	TopicRuntime(ctx context.Context, topic string) (*topicRuntime, error)
}

// sbProvider implements the provider contract against Azure Service
// Bus. Browsing maps directly onto the native peek operation; targeted
// deletion receives under peek-lock, completes the match and abandons
// the rest.
type sbProvider struct {
	params mqexplorer.ServiceBusParams
	opts   *mqexplorer.Options

	state mqexplorer.StateTracker
	cache *mqexplorer.MessageCache

	mu     sync.RWMutex
	client sbClient
	admin  sbAdmin

	// Internal factories for testing
	newClient func(params mqexplorer.ServiceBusParams) (sbClient, error)
	newAdmin  func(params mqexplorer.ServiceBusParams) (sbAdmin, error)
}

// NewProvider builds a Service Bus provider from its connection params.
func NewProvider(params mqexplorer.ServiceBusParams, opts ...mqexplorer.Option) (mqexplorer.Provider, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &sbProvider{
		params:    params,
		opts:      mqexplorer.NewOptions(opts...),
		cache:     mqexplorer.NewMessageCache(),
		newClient: newSDKClient,
		newAdmin:  newSDKAdmin,
	}, nil
}

func newSDKClient(params mqexplorer.ServiceBusParams) (sbClient, error) {
	if params.UseAzureIdentity {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		c, err := azservicebus.NewClient(params.Namespace, cred, nil)
		if err != nil {
			return nil, err
		}
		return &clientWrapper{client: c}, nil
	}
	c, err := azservicebus.NewClientFromConnectionString(params.ConnectionString, nil)
	if err != nil {
		return nil, err
	}
	return &clientWrapper{client: c}, nil
}

func newSDKAdmin(params mqexplorer.ServiceBusParams) (sbAdmin, error) {
	if params.UseAzureIdentity {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		c, err := admin.NewClient(params.Namespace, cred, nil)
		if err != nil {
			return nil, err
		}
		return &adminWrapper{client: c}, nil
	}
	c, err := admin.NewClientFromConnectionString(params.ConnectionString, nil)
	if err != nil {
		return nil, err
	}
	return &adminWrapper{client: c}, nil
}

type clientWrapper struct {
	client *azservicebus.Client
}

func (w *clientWrapper) NewReceiverForQueue(queue string, options *azservicebus.ReceiverOptions) (sbReceiver, error) {
	return w.client.NewReceiverForQueue(queue, options)
}

func (w *clientWrapper) NewSender(queueOrTopic string, options *azservicebus.NewSenderOptions) (sbSender, error) {
	return w.client.NewSender(queueOrTopic, options)
}

func (w *clientWrapper) Close(ctx context.Context) error {
	return w.client.Close(ctx)
}

type adminWrapper struct {
	client *admin.Client
}

func (w *adminWrapper) ListQueues(ctx context.Context) ([]queueRuntime, error) {
	var out []queueRuntime
	pager := w.client.NewListQueuesRuntimePropertiesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.QueueRuntimeProperties {
			out = append(out, queueRuntime{
				Name:       item.QueueName,
				Total:      item.TotalMessageCount,
				Active:     int64(item.ActiveMessageCount),
				DeadLetter: int64(item.DeadLetterMessageCount),
				Scheduled:  int64(item.ScheduledMessageCount),
				SizeBytes:  item.SizeInBytes,
				CreatedAt:  item.CreatedAt,
				AccessedAt: item.AccessedAt,
			})
		}
	}
	return out, nil
}

func (w *adminWrapper) ListTopics(ctx context.Context) ([]string, error) {
	var out []string
	pager := w.client.NewListTopicsPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Topics {
			out = append(out, item.TopicName)
		}
	}
	return out, nil
}

func (w *adminWrapper) QueueRuntime(ctx context.Context, queue string) (*queueRuntime, error) {
	resp, err := w.client.GetQueueRuntimeProperties(ctx, queue, nil)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return &queueRuntime{
		Name:       queue,
		Total:      resp.TotalMessageCount,
		Active:     int64(resp.ActiveMessageCount),
		DeadLetter: int64(resp.DeadLetterMessageCount),
		Scheduled:  int64(resp.ScheduledMessageCount),
		SizeBytes:  resp.SizeInBytes,
		CreatedAt:  resp.CreatedAt,
		AccessedAt: resp.AccessedAt,
	}, nil
}

func (w *adminWrapper) TopicRuntime(ctx context.Context, topic string) (*topicRuntime, error) {
	resp, err := w.client.GetTopicRuntimeProperties(ctx, topic, nil)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return &topicRuntime{
		Name:          topic,
		Subscriptions: int64(resp.SubscriptionCount),
		Scheduled:     int64(resp.ScheduledMessageCount),
		SizeBytes:     resp.SizeInBytes,
		CreatedAt:     resp.CreatedAt,
	}, nil
}

func (p *sbProvider) String() string { return "servicebus" }

func (p *sbProvider) IsConnected() bool                 { return p.state.Connected() }
func (p *sbProvider) State() mqexplorer.ConnectionState { return p.state.State() }

func (p *sbProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Connected() {
		return nil
	}
	p.state.SetState(mqexplorer.StateConnecting)
	p.opts.Logger.Log("servicebus: connecting")

	client, err := p.newClient(p.params)
	if err != nil {
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("servicebus: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}
	adminClient, err := p.newAdmin(p.params)
	if err != nil {
		_ = client.Close(ctx)
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("servicebus: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}
	// The data-plane client connects lazily; one management call
	// proves the namespace and the credentials are good.
	if _, err := adminClient.ListQueues(ctx); err != nil {
		_ = client.Close(ctx)
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("servicebus: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}

	p.client = client
	p.admin = adminClient
	p.state.SetState(mqexplorer.StateConnected)
	p.opts.Logger.Log("servicebus: connected")
	return nil
}

func (p *sbProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		if err := p.client.Close(ctx); err != nil {
			p.opts.Logger.Logf("servicebus: close: %v", err)
		}
		p.client = nil
	}
	p.admin = nil
	p.cache.ClearAll()
	p.state.SetState(mqexplorer.StateDisconnected)
	p.opts.Logger.Log("servicebus: disconnected")
	return nil
}

func (p *sbProvider) handles() (sbClient, sbAdmin, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.state.Connected() || p.client == nil {
		return nil, nil, &mqexplorer.NotConnectedError{Provider: p.String()}
	}
	return p.client, p.admin, nil
}

func (p *sbProvider) ListQueues(ctx context.Context, filter string) ([]mqexplorer.QueueInfo, error) {
	_, adminClient, err := p.handles()
	if err != nil {
		return nil, err
	}
	runtimes, err := adminClient.ListQueues(ctx)
	if err != nil {
		p.opts.Logger.Logf("servicebus: list queues: %v", err)
		return nil, err
	}

	infos := []mqexplorer.QueueInfo{}
	for _, rt := range runtimes {
		if !mqexplorer.MatchFilter(rt.Name, filter) {
			continue
		}
		infos = append(infos, mqexplorer.QueueInfo{
			Name:     rt.Name,
			Type:     "queue",
			Status:   "active",
			Depth:    rt.Active,
			HasDepth: true,
		})
	}
	return infos, nil
}

func (p *sbProvider) ListTopics(ctx context.Context, filter string) ([]mqexplorer.TopicInfo, error) {
	_, adminClient, err := p.handles()
	if err != nil {
		return nil, err
	}
	names, err := adminClient.ListTopics(ctx)
	if err != nil {
		p.opts.Logger.Logf("servicebus: list topics: %v", err)
		return nil, err
	}

	infos := []mqexplorer.TopicInfo{}
	for _, name := range names {
		if !mqexplorer.MatchFilter(name, filter) {
			continue
		}
		infos = append(infos, mqexplorer.TopicInfo{Name: name, Type: "topic", Status: "active"})
	}
	return infos, nil
}

func (p *sbProvider) BrowseMessages(ctx context.Context, queue string, opts mqexplorer.BrowseOptions) ([]mqexplorer.Message, error) {
	client, _, err := p.handles()
	if err != nil {
		return nil, err
	}

	receiver, err := client.NewReceiverForQueue(queue, nil)
	if err != nil {
		return nil, err
	}
	defer receiver.Close(ctx)

	limit := opts.Limit
	if limit <= 0 {
		limit = mqexplorer.DefaultBrowseLimit
	}

	var (
		out     = []mqexplorer.Message{}
		skipped int
		from    *int64
	)
	for len(out) < limit {
		batch := limit - len(out)
		if batch > 32 {
			batch = 32
		}
		peeked, err := receiver.PeekMessages(ctx, batch, &azservicebus.PeekMessagesOptions{
			FromSequenceNumber: from,
		})
		if err != nil {
			p.opts.Logger.Logf("servicebus: peek %s: %v", queue, err)
			return nil, err
		}
		if len(peeked) == 0 {
			break
		}
		for _, rm := range peeked {
			if rm.SequenceNumber != nil {
				next := *rm.SequenceNumber + 1
				from = &next
			}
			msg := normalizeReceived(rm)
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
				break
			}
		}
	}
	return out, nil
}

func (p *sbProvider) PutMessage(ctx context.Context, queue string, payload []byte, props *mqexplorer.MessageProperties) error {
	return p.send(ctx, queue, payload, props)
}

func (p *sbProvider) PublishMessage(ctx context.Context, topic string, payload []byte, props *mqexplorer.MessageProperties) error {
	return p.send(ctx, topic, payload, props)
}

// send covers queues and topics alike; Service Bus senders address
// either kind of entity by name.
func (p *sbProvider) send(ctx context.Context, entity string, payload []byte, props *mqexplorer.MessageProperties) error {
	client, _, err := p.handles()
	if err != nil {
		return err
	}

	sender, err := client.NewSender(entity, nil)
	if err != nil {
		return err
	}
	defer sender.Close(ctx)

	msg := &azservicebus.Message{Body: payload}
	if props != nil {
		if props.ContentType != "" {
			msg.ContentType = &props.ContentType
		}
		if props.ReplyTo != "" {
			msg.ReplyTo = &props.ReplyTo
		}
		if len(props.Headers) > 0 || props.Priority > 0 {
			msg.ApplicationProperties = make(map[string]any, len(props.Headers)+1)
			for k, v := range props.Headers {
				msg.ApplicationProperties[k] = v
			}
			if props.Priority > 0 {
				msg.ApplicationProperties["priority"] = strconv.Itoa(props.Priority)
			}
		}
	}

	if err := sender.SendMessage(ctx, msg, nil); err != nil {
		p.opts.Logger.Logf("servicebus: send to %s: %v", entity, err)
		return err
	}
	p.opts.Logger.Logf("servicebus: sent message to %s", entity)
	return nil
}

func (p *sbProvider) ClearQueue(ctx context.Context, queue string) error {
	client, _, err := p.handles()
	if err != nil {
		return err
	}

	receiver, err := client.NewReceiverForQueue(queue, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModeReceiveAndDelete,
	})
	if err != nil {
		return err
	}
	defer receiver.Close(ctx)

	var drained int
	for {
		recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		msgs, err := receiver.ReceiveMessages(recvCtx, p.opts.ReceiveBatchSize, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			break
		}
		if len(msgs) == 0 {
			break
		}
		drained += len(msgs)
	}

	p.cache.Clear(queue)
	p.opts.Logger.Logf("servicebus: drained %d message(s) from %s", drained, queue)
	return nil
}

func (p *sbProvider) DeleteMessage(ctx context.Context, queue, id string) (mqexplorer.DeleteResult, error) {
	client, _, err := p.handles()
	if err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	if !p.cache.Contains(queue, id) {
		return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
	}

	receiver, err := client.NewReceiverForQueue(queue, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	defer receiver.Close(ctx)

	// Abandoned messages raise their delivery count; the scan is
	// bounded so a missing target cannot walk the whole queue forever.
	for attempt := 0; attempt < p.opts.ReceiveBatchSize; attempt++ {
		recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		msgs, err := receiver.ReceiveMessages(recvCtx, p.opts.ReceiveBatchSize, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return mqexplorer.DeleteResult{}, ctx.Err()
			}
			break
		}
		if len(msgs) == 0 {
			break
		}
		for _, rm := range msgs {
			if rm.MessageID == id {
				if err := receiver.CompleteMessage(ctx, rm, nil); err != nil {
					return mqexplorer.DeleteResult{}, err
				}
				p.cache.Remove(queue, id)
				p.opts.Logger.Logf("servicebus: deleted message %s from %s", id, queue)
				return mqexplorer.DeleteResult{ID: id, Outcome: mqexplorer.DeleteOutcomeRemoved}, nil
			}
			if err := receiver.AbandonMessage(ctx, rm, nil); err != nil {
				p.opts.Logger.Logf("servicebus: abandon on %s: %v", queue, err)
			}
		}
	}

	p.opts.Logger.Logf("servicebus: delete %s on %s: message no longer present", id, queue)
	return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
}

func (p *sbProvider) DeleteMessages(ctx context.Context, queue string, ids []string) (mqexplorer.BatchDeleteResult, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return mqexplorer.BatchDeleteResult{}, err
	}
	return mqexplorer.DeleteEach(ctx, p, queue, ids), nil
}

func (p *sbProvider) GetQueueProperties(ctx context.Context, queue string) (*mqexplorer.QueueProperties, error) {
	_, adminClient, err := p.handles()
	if err != nil {
		return nil, err
	}
	rt, err := adminClient.QueueRuntime(ctx, queue)
	if err != nil {
		p.opts.Logger.Logf("servicebus: queue runtime %s: %v", queue, err)
		return nil, err
	}
	if rt == nil {
		return nil, &mqexplorer.NotFoundError{Queue: queue}
	}

	return &mqexplorer.QueueProperties{
		QueueInfo: mqexplorer.QueueInfo{
			Name:     queue,
			Type:     "queue",
			Status:   "active",
			Depth:    rt.Active,
			HasDepth: true,
		},
		SizeBytes: rt.SizeBytes,
		Extra: map[string]string{
			"totalMessageCount":      strconv.FormatInt(rt.Total, 10),
			"deadLetterMessageCount": strconv.FormatInt(rt.DeadLetter, 10),
			"scheduledMessageCount":  strconv.FormatInt(rt.Scheduled, 10),
			"createdAt":              rt.CreatedAt.Format(time.RFC3339),
			"accessedAt":             rt.AccessedAt.Format(time.RFC3339),
		},
	}, nil
}

func (p *sbProvider) GetTopicProperties(ctx context.Context, topic string) (*mqexplorer.TopicProperties, error) {
	_, adminClient, err := p.handles()
	if err != nil {
		return nil, err
	}
	rt, err := adminClient.TopicRuntime(ctx, topic)
	if err != nil {
		p.opts.Logger.Logf("servicebus: topic runtime %s: %v", topic, err)
		return nil, err
	}
	if rt == nil {
		return nil, &mqexplorer.NotFoundError{Queue: topic}
	}

	return &mqexplorer.TopicProperties{
		TopicInfo:     mqexplorer.TopicInfo{Name: topic, Type: "topic", Status: "active"},
		ConsumerCount: rt.Subscriptions,
		Extra: map[string]string{
			"subscriptionCount":     strconv.FormatInt(rt.Subscriptions, 10),
			"scheduledMessageCount": strconv.FormatInt(rt.Scheduled, 10),
			"sizeInBytes":           strconv.FormatInt(rt.SizeBytes, 10),
			"createdAt":             rt.CreatedAt.Format(time.RFC3339),
		},
	}, nil
}

func (p *sbProvider) GetQueueDepth(ctx context.Context, queue string) (int64, error) {
	props, err := p.GetQueueProperties(ctx, queue)
	if err != nil {
		return 0, err
	}
	return props.Depth, nil
}

func normalizeReceived(rm *azservicebus.ReceivedMessage) mqexplorer.Message {
	msg := mqexplorer.Message{
		ID:   rm.MessageID,
		Body: rm.Body,
	}
	if rm.CorrelationID != nil {
		msg.CorrelationID = *rm.CorrelationID
	}
	if rm.EnqueuedTime != nil {
		msg.Timestamp = *rm.EnqueuedTime
	}
	if rm.ContentType != nil {
		msg.Properties.ContentType = *rm.ContentType
	}
	if rm.ReplyTo != nil {
		msg.Properties.ReplyTo = *rm.ReplyTo
	}
	for k, v := range rm.ApplicationProperties {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == "priority" {
			if n, err := strconv.Atoi(s); err == nil {
				msg.Properties.Priority = n
				continue
			}
		}
		if msg.Properties.Headers == nil {
			msg.Properties.Headers = make(map[string]string)
		}
		msg.Properties.Headers[k] = s
	}
	if rm.SequenceNumber != nil {
		msg.Properties.SetExtra("sequenceNumber", strconv.FormatInt(*rm.SequenceNumber, 10))
	}
	msg.Properties.SetExtra("deliveryCount", strconv.FormatUint(uint64(rm.DeliveryCount), 10))
	return msg
}
