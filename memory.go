package mqexplorer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryProvider is an in-process Provider holding queues and topics in
// maps. It backs the contract tests and the basic example; it behaves
// like a class-1 broker (targeted deletion is real).
type memoryProvider struct {
	opts  *Options
	state StateTracker
	cache *MessageCache

	mu     sync.RWMutex
	queues map[string][]*Message
	topics map[string][]*Message

	enqueued map[string]int64
	dequeued map[string]int64
}

// NewMemoryProvider returns a Provider backed by process memory.
func NewMemoryProvider(opts ...Option) Provider {
	return &memoryProvider{
		opts:     NewOptions(opts...),
		cache:    NewMessageCache(),
		queues:   make(map[string][]*Message),
		topics:   make(map[string][]*Message),
		enqueued: make(map[string]int64),
		dequeued: make(map[string]int64),
	}
}

func (m *memoryProvider) String() string         { return "memory" }
func (m *memoryProvider) IsConnected() bool      { return m.state.Connected() }
func (m *memoryProvider) State() ConnectionState { return m.state.State() }

func (m *memoryProvider) Connect(ctx context.Context) error {
	if m.state.Connected() {
		return nil
	}
	m.state.SetState(StateConnecting)
	m.state.SetState(StateConnected)
	m.opts.Logger.Log("memory: connected")
	return nil
}

func (m *memoryProvider) Disconnect(ctx context.Context) error {
	if !m.state.Connected() {
		m.state.SetState(StateDisconnected)
		return nil
	}
	m.cache.ClearAll()
	m.state.SetState(StateDisconnected)
	m.opts.Logger.Log("memory: disconnected")
	return nil
}

func (m *memoryProvider) ListQueues(ctx context.Context, filter string) ([]QueueInfo, error) {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]QueueInfo, 0, len(m.queues))
	for name, msgs := range m.queues {
		if !MatchFilter(name, filter) {
			continue
		}
		infos = append(infos, QueueInfo{
			Name:     name,
			Type:     "queue",
			Status:   "active",
			Depth:    int64(len(msgs)),
			HasDepth: true,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (m *memoryProvider) ListTopics(ctx context.Context, filter string) ([]TopicInfo, error) {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]TopicInfo, 0, len(m.topics))
	for name := range m.topics {
		if !MatchFilter(name, filter) {
			continue
		}
		infos = append(infos, TopicInfo{Name: name, Type: "topic", Status: "active"})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (m *memoryProvider) BrowseMessages(ctx context.Context, queue string, opts BrowseOptions) ([]Message, error) {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		out     []Message
		skipped int
		limit   = opts.limit()
	)
	for _, msg := range m.queues[queue] {
		if opts.Filter != "" && !strings.Contains(strings.ToLower(string(msg.Body)), strings.ToLower(opts.Filter)) {
			continue
		}
		if skipped < opts.StartPosition {
			skipped++
			continue
		}
		m.cache.Record(queue, msg)
		out = append(out, *msg)
		if len(out) >= limit {
			break
		}
	}
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

func (m *memoryProvider) PutMessage(ctx context.Context, queue string, payload []byte, props *MessageProperties) error {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return err
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Body:      append([]byte(nil), payload...),
	}
	if props != nil {
		msg.Properties = *props
	}
	m.mu.Lock()
	m.queues[queue] = append(m.queues[queue], msg)
	m.enqueued[queue]++
	m.mu.Unlock()
	m.opts.Logger.Logf("memory: put message %s on %s", msg.ID, queue)
	return nil
}

func (m *memoryProvider) PublishMessage(ctx context.Context, topic string, payload []byte, props *MessageProperties) error {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return err
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Body:      append([]byte(nil), payload...),
	}
	if props != nil {
		msg.Properties = *props
	}
	m.mu.Lock()
	m.topics[topic] = append(m.topics[topic], msg)
	m.mu.Unlock()
	return nil
}

func (m *memoryProvider) ClearQueue(ctx context.Context, queue string) error {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return err
	}
	m.mu.Lock()
	removed := len(m.queues[queue])
	m.queues[queue] = nil
	m.dequeued[queue] += int64(removed)
	m.mu.Unlock()
	m.cache.Clear(queue)
	m.opts.Logger.Logf("memory: cleared %d message(s) from %s", removed, queue)
	return nil
}

func (m *memoryProvider) DeleteMessage(ctx context.Context, queue, id string) (DeleteResult, error) {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return DeleteResult{}, err
	}
	if !m.cache.Contains(queue, id) {
		return DeleteResult{}, &NotFoundError{Queue: queue, ID: id}
	}

	m.mu.Lock()
	msgs := m.queues[queue]
	for i, msg := range msgs {
		if msg.ID == id {
			m.queues[queue] = append(msgs[:i], msgs[i+1:]...)
			m.dequeued[queue]++
			break
		}
	}
	m.mu.Unlock()

	m.cache.Remove(queue, id)
	return DeleteResult{ID: id, Outcome: DeleteOutcomeRemoved}, nil
}

func (m *memoryProvider) DeleteMessages(ctx context.Context, queue string, ids []string) (BatchDeleteResult, error) {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return BatchDeleteResult{}, err
	}
	return DeleteEach(ctx, m, queue, ids), nil
}

func (m *memoryProvider) GetQueueProperties(ctx context.Context, queue string) (*QueueProperties, error) {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs, ok := m.queues[queue]
	if !ok {
		return nil, &NotFoundError{Queue: queue}
	}
	var size int64
	for _, msg := range msgs {
		size += int64(len(msg.Body))
	}
	return &QueueProperties{
		QueueInfo: QueueInfo{
			Name:     queue,
			Type:     "queue",
			Status:   "active",
			Depth:    int64(len(msgs)),
			HasDepth: true,
		},
		EnqueueCount: m.enqueued[queue],
		DequeueCount: m.dequeued[queue],
		SizeBytes:    size,
	}, nil
}

func (m *memoryProvider) GetTopicProperties(ctx context.Context, topic string) (*TopicProperties, error) {
	if err := m.state.EnsureConnected(m.String()); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs, ok := m.topics[topic]
	if !ok {
		return nil, &NotFoundError{Queue: topic}
	}
	return &TopicProperties{
		TopicInfo:    TopicInfo{Name: topic, Type: "topic", Status: "active"},
		EnqueueCount: int64(len(msgs)),
	}, nil
}

func (m *memoryProvider) GetQueueDepth(ctx context.Context, queue string) (int64, error) {
	props, err := m.GetQueueProperties(ctx, queue)
	if err != nil {
		return 0, err
	}
	return props.Depth, nil
}
