package servicebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"

	"github.com/qvcloud/mqexplorer"
)

type mockReceiver struct {
	peek    func(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	receive func(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)

	completed []*azservicebus.ReceivedMessage
	abandoned []*azservicebus.ReceivedMessage
	closed    bool
}

func (m *mockReceiver) PeekMessages(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	if m.peek != nil {
		return m.peek(ctx, maxMessageCount, options)
	}
	return nil, nil
}

func (m *mockReceiver) ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	if m.receive != nil {
		return m.receive(ctx, maxMessages, options)
	}
	return nil, nil
}

func (m *mockReceiver) CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error {
	m.completed = append(m.completed, message)
	return nil
}

func (m *mockReceiver) AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error {
	m.abandoned = append(m.abandoned, message)
	return nil
}

func (m *mockReceiver) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

type mockSender struct {
	sent   []*azservicebus.Message
	closed bool
}

func (m *mockSender) SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error {
	m.sent = append(m.sent, message)
	return nil
}

func (m *mockSender) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

type mockSBClient struct {
	receiver *mockReceiver
	sender   *mockSender

	receiverOpts *azservicebus.ReceiverOptions
	senderEntity string
	closed       bool
}

func (m *mockSBClient) NewReceiverForQueue(queue string, options *azservicebus.ReceiverOptions) (sbReceiver, error) {
	m.receiverOpts = options
	return m.receiver, nil
}

func (m *mockSBClient) NewSender(queueOrTopic string, options *azservicebus.NewSenderOptions) (sbSender, error) {
	m.senderEntity = queueOrTopic
	return m.sender, nil
}

func (m *mockSBClient) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

type mockAdmin struct {
	listQueues   func(ctx context.Context) ([]queueRuntime, error)
	listTopics   func(ctx context.Context) ([]string, error)
	queueRuntime func(ctx context.Context, queue string) (*queueRuntime, error)
	topicRuntime func(ctx context.Context, topic string) (*topicRuntime, error)
}

func (m *mockAdmin) ListQueues(ctx context.Context) ([]queueRuntime, error) {
	if m.listQueues != nil {
		return m.listQueues(ctx)
	}
	return nil, nil
}

func (m *mockAdmin) ListTopics(ctx context.Context) ([]string, error) {
	if m.listTopics != nil {
		return m.listTopics(ctx)
	}
	return nil, nil
}

func (m *mockAdmin) QueueRuntime(ctx context.Context, queue string) (*queueRuntime, error) {
	if m.queueRuntime != nil {
		return m.queueRuntime(ctx, queue)
	}
	return nil, nil
}

func (m *mockAdmin) TopicRuntime(ctx context.Context, topic string) (*topicRuntime, error) {
	if m.topicRuntime != nil {
		return m.topicRuntime(ctx, topic)
	}
	return nil, nil
}

func received(id, body string, seq int64) *azservicebus.ReceivedMessage {
	return &azservicebus.ReceivedMessage{
		MessageID:      id,
		Body:           []byte(body),
		SequenceNumber: &seq,
	}
}

func newTestProvider(t *testing.T, client *mockSBClient, adminClient *mockAdmin) *sbProvider {
	t.Helper()
	prov, err := NewProvider(mqexplorer.ServiceBusParams{ConnectionString: "Endpoint=sb://test"})
	assert.NoError(t, err)
	p := prov.(*sbProvider)
	p.newClient = func(params mqexplorer.ServiceBusParams) (sbClient, error) { return client, nil }
	p.newAdmin = func(params mqexplorer.ServiceBusParams) (sbAdmin, error) { return adminClient, nil }
	assert.NoError(t, p.Connect(context.Background()))
	return p
}

func TestServiceBus_ConnectDisconnect(t *testing.T) {
	client := &mockSBClient{}
	p := newTestProvider(t, client, &mockAdmin{})

	assert.True(t, p.IsConnected())
	assert.Equal(t, "servicebus", p.String())

	assert.NoError(t, p.Disconnect(context.Background()))
	assert.True(t, client.closed)
	assert.Equal(t, mqexplorer.StateDisconnected, p.State())
}

func TestServiceBus_ConnectVerifiesNamespace(t *testing.T) {
	prov, err := NewProvider(mqexplorer.ServiceBusParams{ConnectionString: "Endpoint=sb://test"})
	assert.NoError(t, err)
	p := prov.(*sbProvider)
	client := &mockSBClient{}
	p.newClient = func(params mqexplorer.ServiceBusParams) (sbClient, error) { return client, nil }
	p.newAdmin = func(params mqexplorer.ServiceBusParams) (sbAdmin, error) {
		return &mockAdmin{
			listQueues: func(ctx context.Context) ([]queueRuntime, error) {
				return nil, errors.New("401 Unauthorized")
			},
		}, nil
	}

	err = p.Connect(context.Background())
	var connErr *mqexplorer.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, mqexplorer.StateError, p.State())
	// The half-opened data-plane client was released.
	assert.True(t, client.closed)
}

func TestServiceBus_ListQueues(t *testing.T) {
	adminClient := &mockAdmin{
		listQueues: func(ctx context.Context) ([]queueRuntime, error) {
			return []queueRuntime{
				{Name: "orders", Active: 3},
				{Name: "billing", Active: 0},
			}, nil
		},
	}
	p := newTestProvider(t, &mockSBClient{}, adminClient)

	queues, err := p.ListQueues(context.Background(), "")
	assert.NoError(t, err)
	assert.Len(t, queues, 2)
	assert.Equal(t, "orders", queues[0].Name)
	assert.Equal(t, int64(3), queues[0].Depth)
	assert.True(t, queues[0].HasDepth)

	filtered, err := p.ListQueues(context.Background(), "bill")
	assert.NoError(t, err)
	assert.Len(t, filtered, 1)
}

func TestServiceBus_ListTopics(t *testing.T) {
	adminClient := &mockAdmin{
		listTopics: func(ctx context.Context) ([]string, error) {
			return []string{"notifications", "audit"}, nil
		},
	}
	p := newTestProvider(t, &mockSBClient{}, adminClient)

	topics, err := p.ListTopics(context.Background(), "notif")
	assert.NoError(t, err)
	assert.Len(t, topics, 1)
	assert.Equal(t, "notifications", topics[0].Name)
}

func TestServiceBus_Browse(t *testing.T) {
	receiver := &mockReceiver{}
	var peekCalls []*int64
	receiver.peek = func(ctx context.Context, maxMessageCount int, options *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
		peekCalls = append(peekCalls, options.FromSequenceNumber)
		if len(peekCalls) == 1 {
			return []*azservicebus.ReceivedMessage{
				received("m1", "alpha", 100),
				received("m2", "beta", 101),
			}, nil
		}
		return nil, nil
	}
	client := &mockSBClient{receiver: receiver}
	p := newTestProvider(t, client, &mockAdmin{})

	msgs, err := p.BrowseMessages(context.Background(), "orders", mqexplorer.BrowseOptions{})
	assert.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "100", msgs[0].Properties.Extra["sequenceNumber"])
	assert.True(t, receiver.closed)
	assert.True(t, p.cache.Contains("orders", "m2"))

	// The second page resumed past the last seen sequence number.
	assert.Len(t, peekCalls, 2)
	assert.Nil(t, peekCalls[0])
	assert.Equal(t, int64(102), *peekCalls[1])
}

func TestServiceBus_Send(t *testing.T) {
	sender := &mockSender{}
	client := &mockSBClient{sender: sender}
	p := newTestProvider(t, client, &mockAdmin{})

	err := p.PutMessage(context.Background(), "orders", []byte("hello"), &mqexplorer.MessageProperties{
		ContentType: "text/plain",
		ReplyTo:     "replies",
		Priority:    5,
		Headers:     map[string]string{"trace-id": "abc"},
	})
	assert.NoError(t, err)
	assert.Equal(t, "orders", client.senderEntity)
	assert.Len(t, sender.sent, 1)

	sent := sender.sent[0]
	assert.Equal(t, []byte("hello"), sent.Body)
	assert.Equal(t, "text/plain", *sent.ContentType)
	assert.Equal(t, "replies", *sent.ReplyTo)
	assert.Equal(t, "abc", sent.ApplicationProperties["trace-id"])
	assert.Equal(t, "5", sent.ApplicationProperties["priority"])
	assert.True(t, sender.closed)

	assert.NoError(t, p.PublishMessage(context.Background(), "notifications", []byte("x"), nil))
	assert.Equal(t, "notifications", client.senderEntity)
}

func TestServiceBus_ClearQueue(t *testing.T) {
	receiver := &mockReceiver{}
	var calls int
	receiver.receive = func(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
		calls++
		if calls == 1 {
			return []*azservicebus.ReceivedMessage{received("m1", "a", 1), received("m2", "b", 2)}, nil
		}
		return nil, nil
	}
	client := &mockSBClient{receiver: receiver}
	p := newTestProvider(t, client, &mockAdmin{})
	p.cache.Record("orders", &mqexplorer.Message{ID: "m1"})

	assert.NoError(t, p.ClearQueue(context.Background(), "orders"))
	assert.Equal(t, azservicebus.ReceiveModeReceiveAndDelete, client.receiverOpts.ReceiveMode)
	assert.False(t, p.cache.Contains("orders", "m1"))
	assert.True(t, receiver.closed)
}

func TestServiceBus_DeleteMessage(t *testing.T) {
	target := received("m2", "target", 101)
	other := received("m1", "other", 100)
	receiver := &mockReceiver{}
	var calls int
	receiver.receive = func(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
		calls++
		if calls == 1 {
			return []*azservicebus.ReceivedMessage{other, target}, nil
		}
		return nil, nil
	}
	client := &mockSBClient{receiver: receiver}
	p := newTestProvider(t, client, &mockAdmin{})
	p.cache.Record("orders", &mqexplorer.Message{ID: "m2"})

	res, err := p.DeleteMessage(context.Background(), "orders", "m2")
	assert.NoError(t, err)
	assert.Equal(t, mqexplorer.DeleteOutcomeRemoved, res.Outcome)
	assert.Equal(t, azservicebus.ReceiveModePeekLock, client.receiverOpts.ReceiveMode)
	assert.Equal(t, []*azservicebus.ReceivedMessage{target}, receiver.completed)
	assert.Equal(t, []*azservicebus.ReceivedMessage{other}, receiver.abandoned)
	assert.False(t, p.cache.Contains("orders", "m2"))
	assert.True(t, receiver.closed)
}

func TestServiceBus_DeleteUnbrowsedFails(t *testing.T) {
	p := newTestProvider(t, &mockSBClient{}, &mockAdmin{})

	_, err := p.DeleteMessage(context.Background(), "orders", "never-browsed")
	var nfErr *mqexplorer.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestServiceBus_DeleteGoneFromBroker(t *testing.T) {
	receiver := &mockReceiver{}
	client := &mockSBClient{receiver: receiver}
	p := newTestProvider(t, client, &mockAdmin{})
	p.cache.Record("orders", &mqexplorer.Message{ID: "m1"})

	_, err := p.DeleteMessage(context.Background(), "orders", "m1")
	var nfErr *mqexplorer.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestServiceBus_GetQueueProperties(t *testing.T) {
	created := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	adminClient := &mockAdmin{
		queueRuntime: func(ctx context.Context, queue string) (*queueRuntime, error) {
			return &queueRuntime{
				Name:       queue,
				Total:      10,
				Active:     7,
				DeadLetter: 3,
				SizeBytes:  2048,
				CreatedAt:  created,
			}, nil
		},
	}
	p := newTestProvider(t, &mockSBClient{}, adminClient)

	props, err := p.GetQueueProperties(context.Background(), "orders")
	assert.NoError(t, err)
	assert.Equal(t, int64(7), props.Depth)
	assert.Equal(t, int64(2048), props.SizeBytes)
	assert.Equal(t, "3", props.Extra["deadLetterMessageCount"])
	assert.Equal(t, "10", props.Extra["totalMessageCount"])
}

func TestServiceBus_GetQueuePropertiesNotFound(t *testing.T) {
	p := newTestProvider(t, &mockSBClient{}, &mockAdmin{})

	// The admin API reports a missing entity as a nil runtime.
	_, err := p.GetQueueProperties(context.Background(), "missing")
	var nfErr *mqexplorer.NotFoundError
	assert.ErrorAs(t, err, &nfErr)
}

func TestServiceBus_GetTopicProperties(t *testing.T) {
	adminClient := &mockAdmin{
		topicRuntime: func(ctx context.Context, topic string) (*topicRuntime, error) {
			return &topicRuntime{Name: topic, Subscriptions: 4}, nil
		},
	}
	p := newTestProvider(t, &mockSBClient{}, adminClient)

	props, err := p.GetTopicProperties(context.Background(), "notifications")
	assert.NoError(t, err)
	assert.Equal(t, int64(4), props.ConsumerCount)
	assert.Equal(t, "4", props.Extra["subscriptionCount"])
}
