package kafka

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/qvcloud/mqexplorer"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	SetOffset(offset int64) error
	Close() error
}

type kafkaClient interface {
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	ListOffsets(ctx context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error)
	DeleteTopics(ctx context.Context, req *kafka.DeleteTopicsRequest) (*kafka.DeleteTopicsResponse, error)
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
}

// kafkaProvider implements the provider contract against a Kafka
// cluster. Kafka's only destination kind is the topic, so queue and
// topic operations address the same namespace; browsing reads each
// partition from its first offset without joining a consumer group.
type kafkaProvider struct {
	params mqexplorer.KafkaParams
	opts   *mqexplorer.Options

	state mqexplorer.StateTracker
	cache *mqexplorer.MessageCache

	mu     sync.RWMutex
	writer kafkaWriter
	client kafkaClient
	hidden map[string]map[string]bool

	// Internal factories for testing
	newWriter func(addrs []string) kafkaWriter
	newClient func(addrs []string) kafkaClient
	newReader func(addrs []string, topic string, partition int) kafkaReader
}

// NewProvider builds a Kafka provider from its connection params.
func NewProvider(params mqexplorer.KafkaParams, opts ...mqexplorer.Option) (mqexplorer.Provider, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &kafkaProvider{
		params: params,
		opts:   mqexplorer.NewOptions(opts...),
		cache:  mqexplorer.NewMessageCache(),
		hidden: make(map[string]map[string]bool),
		newWriter: func(addrs []string) kafkaWriter {
			return &kafka.Writer{
				Addr:     kafka.TCP(addrs...),
				Balancer: &kafka.LeastBytes{},
			}
		},
		newClient: func(addrs []string) kafkaClient {
			return &kafka.Client{
				Addr:    kafka.TCP(addrs...),
				Timeout: 10 * time.Second,
			}
		},
		newReader: func(addrs []string, topic string, partition int) kafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   addrs,
				Topic:     topic,
				Partition: partition,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
	}, nil
}

func (p *kafkaProvider) String() string { return "kafka" }

func (p *kafkaProvider) IsConnected() bool                 { return p.state.Connected() }
func (p *kafkaProvider) State() mqexplorer.ConnectionState { return p.state.State() }

func (p *kafkaProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Connected() {
		return nil
	}
	p.state.SetState(mqexplorer.StateConnecting)
	p.opts.Logger.Logf("kafka: connecting to %v", p.params.Brokers)

	client := p.newClient(p.params.Brokers)
	// The cluster has no connection handshake to speak of; a metadata
	// round trip proves the brokers are reachable before reporting
	// Connected.
	if _, err := client.Metadata(ctx, &kafka.MetadataRequest{}); err != nil {
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("kafka: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}

	p.client = client
	p.writer = p.newWriter(p.params.Brokers)
	p.state.SetState(mqexplorer.StateConnected)
	p.opts.Logger.Log("kafka: connected")
	return nil
}

func (p *kafkaProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			p.opts.Logger.Logf("kafka: close writer: %v", err)
		}
		p.writer = nil
	}
	p.client = nil
	p.cache.ClearAll()
	p.hidden = make(map[string]map[string]bool)
	p.state.SetState(mqexplorer.StateDisconnected)
	p.opts.Logger.Log("kafka: disconnected")
	return nil
}

func (p *kafkaProvider) clientConn() (kafkaClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.state.Connected() || p.client == nil {
		return nil, &mqexplorer.NotConnectedError{Provider: p.String()}
	}
	return p.client, nil
}

func (p *kafkaProvider) topicMetadata(ctx context.Context, topic string) (*kafka.Topic, error) {
	client, err := p.clientConn()
	if err != nil {
		return nil, err
	}
	meta, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return nil, err
	}
	for i := range meta.Topics {
		t := &meta.Topics[i]
		if t.Name == topic {
			if t.Error != nil {
				return nil, &mqexplorer.NotFoundError{Queue: topic}
			}
			return t, nil
		}
	}
	return nil, &mqexplorer.NotFoundError{Queue: topic}
}

func (p *kafkaProvider) listTopicNames(ctx context.Context, filter string) ([]string, error) {
	client, err := p.clientConn()
	if err != nil {
		return nil, err
	}
	meta, err := client.Metadata(ctx, &kafka.MetadataRequest{})
	if err != nil {
		p.opts.Logger.Logf("kafka: metadata: %v", err)
		return nil, err
	}
	names := make([]string, 0, len(meta.Topics))
	for _, t := range meta.Topics {
		if t.Internal || strings.HasPrefix(t.Name, "__") {
			continue
		}
		if !mqexplorer.MatchFilter(t.Name, filter) {
			continue
		}
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *kafkaProvider) ListQueues(ctx context.Context, filter string) ([]mqexplorer.QueueInfo, error) {
	names, err := p.listTopicNames(ctx, filter)
	if err != nil {
		return nil, err
	}
	infos := make([]mqexplorer.QueueInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, mqexplorer.QueueInfo{
			Name:        name,
			Type:        "topic",
			Description: "kafka topic",
		})
	}
	return infos, nil
}

func (p *kafkaProvider) ListTopics(ctx context.Context, filter string) ([]mqexplorer.TopicInfo, error) {
	names, err := p.listTopicNames(ctx, filter)
	if err != nil {
		return nil, err
	}
	infos := make([]mqexplorer.TopicInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, mqexplorer.TopicInfo{
			Name:        name,
			Type:        "topic",
			Description: "kafka topic",
		})
	}
	return infos, nil
}

// partitionRange holds the readable offset window of one partition.
type partitionRange struct {
	partition int
	first     int64
	last      int64
}

func (p *kafkaProvider) offsetRanges(ctx context.Context, topic string) ([]partitionRange, error) {
	meta, err := p.topicMetadata(ctx, topic)
	if err != nil {
		return nil, err
	}
	client, err := p.clientConn()
	if err != nil {
		return nil, err
	}

	reqs := make([]kafka.OffsetRequest, 0, 2*len(meta.Partitions))
	for _, part := range meta.Partitions {
		reqs = append(reqs, kafka.FirstOffsetOf(part.ID), kafka.LastOffsetOf(part.ID))
	}
	resp, err := client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{topic: reqs},
	})
	if err != nil {
		return nil, err
	}

	ranges := make([]partitionRange, 0, len(resp.Topics[topic]))
	for _, po := range resp.Topics[topic] {
		if po.Error != nil {
			continue
		}
		ranges = append(ranges, partitionRange{
			partition: po.Partition,
			first:     po.FirstOffset,
			last:      po.LastOffset,
		})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].partition < ranges[j].partition })
	return ranges, nil
}

func (p *kafkaProvider) BrowseMessages(ctx context.Context, queue string, opts mqexplorer.BrowseOptions) ([]mqexplorer.Message, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return nil, err
	}

	ranges, err := p.offsetRanges(ctx, queue)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = mqexplorer.DefaultBrowseLimit
	}

	readCtx, cancel := context.WithTimeout(ctx, p.opts.BrowseTimeout)
	defer cancel()

	var (
		out     = []mqexplorer.Message{}
		skipped int
	)
	for _, r := range ranges {
		if r.first >= r.last || len(out) >= limit {
			continue
		}

		reader := p.newReader(p.params.Brokers, queue, r.partition)
		if err := reader.SetOffset(r.first); err != nil {
			reader.Close()
			continue
		}

		for len(out) < limit {
			m, err := reader.ReadMessage(readCtx)
			if err != nil {
				// Deadline exhausted or partition drained; move on
				// with what we have.
				break
			}

			msg := normalizeKafkaMessage(m)
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

			if m.Offset >= r.last-1 {
				break
			}
		}
		reader.Close()
	}
	return out, nil
}

func (p *kafkaProvider) PutMessage(ctx context.Context, queue string, payload []byte, props *mqexplorer.MessageProperties) error {
	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return err
	}
	if writer == nil {
		return &mqexplorer.NotConnectedError{Provider: p.String()}
	}

	msg := kafka.Message{
		Topic: queue,
		Value: payload,
		Time:  time.Now(),
	}
	if props != nil {
		// Kafka has no typed property fields; everything representable
		// travels as record headers. Priority and delivery mode have no
		// equivalent and are dropped.
		if props.ContentType != "" {
			msg.Headers = append(msg.Headers, kafka.Header{Key: "content-type", Value: []byte(props.ContentType)})
		}
		if props.ReplyTo != "" {
			msg.Headers = append(msg.Headers, kafka.Header{Key: "reply-to", Value: []byte(props.ReplyTo)})
		}
		for k, v := range props.Headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		if key, ok := props.Extra["partitionKey"]; ok {
			msg.Key = []byte(key)
		}
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.opts.Logger.Logf("kafka: write to %s: %v", queue, err)
		return err
	}
	p.opts.Logger.Logf("kafka: wrote message to %s", queue)
	return nil
}

func (p *kafkaProvider) PublishMessage(ctx context.Context, topic string, payload []byte, props *mqexplorer.MessageProperties) error {
	return p.PutMessage(ctx, topic, payload, props)
}

func (p *kafkaProvider) ClearQueue(ctx context.Context, queue string) error {
	client, err := p.clientConn()
	if err != nil {
		return err
	}

	// Kafka offers no purge; dropping and recreating the topic with the
	// same layout is the closest equivalent for an inspection tool.
	meta, err := p.topicMetadata(ctx, queue)
	if err != nil {
		return err
	}
	numPartitions := len(meta.Partitions)
	replication := 1
	if numPartitions > 0 {
		replication = len(meta.Partitions[0].Replicas)
	}

	if _, err := client.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: []string{queue}}); err != nil {
		p.opts.Logger.Logf("kafka: delete topic %s: %v", queue, err)
		return err
	}
	if _, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             queue,
			NumPartitions:     numPartitions,
			ReplicationFactor: replication,
		}},
	}); err != nil {
		p.opts.Logger.Logf("kafka: recreate topic %s: %v", queue, err)
		return err
	}

	p.cache.Clear(queue)
	p.mu.Lock()
	delete(p.hidden, queue)
	p.mu.Unlock()
	p.opts.Logger.Logf("kafka: cleared topic %s", queue)
	return nil
}

func (p *kafkaProvider) DeleteMessage(ctx context.Context, queue, id string) (mqexplorer.DeleteResult, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	if !p.cache.Remove(queue, id) {
		return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
	}
	p.hide(queue, id)
	// A single record cannot be removed from a partition log; it is
	// only hidden from future browses here.
	p.opts.Logger.Logf("kafka: record %s removed from the browse cache only; it remains on topic %s", id, queue)
	return mqexplorer.DeleteResult{ID: id, Outcome: mqexplorer.DeleteOutcomeHidden}, nil
}

func (p *kafkaProvider) DeleteMessages(ctx context.Context, queue string, ids []string) (mqexplorer.BatchDeleteResult, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return mqexplorer.BatchDeleteResult{}, err
	}
	return mqexplorer.DeleteEach(ctx, p, queue, ids), nil
}

func (p *kafkaProvider) GetQueueProperties(ctx context.Context, queue string) (*mqexplorer.QueueProperties, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return nil, err
	}
	ranges, err := p.offsetRanges(ctx, queue)
	if err != nil {
		return nil, err
	}
	var depth, enqueued int64
	for _, r := range ranges {
		depth += r.last - r.first
		enqueued += r.last
	}
	props := &mqexplorer.QueueProperties{
		QueueInfo: mqexplorer.QueueInfo{
			Name:     queue,
			Type:     "topic",
			Status:   "active",
			Depth:    depth,
			HasDepth: true,
		},
		EnqueueCount: enqueued,
	}
	props.Extra = map[string]string{"partitions": strconv.Itoa(len(ranges))}
	return props, nil
}

func (p *kafkaProvider) GetTopicProperties(ctx context.Context, topic string) (*mqexplorer.TopicProperties, error) {
	qp, err := p.GetQueueProperties(ctx, topic)
	if err != nil {
		return nil, err
	}
	return &mqexplorer.TopicProperties{
		TopicInfo: mqexplorer.TopicInfo{
			Name:   topic,
			Type:   "topic",
			Status: "active",
		},
		EnqueueCount: qp.EnqueueCount,
		Extra:        qp.Extra,
	}, nil
}

func (p *kafkaProvider) GetQueueDepth(ctx context.Context, queue string) (int64, error) {
	props, err := p.GetQueueProperties(ctx, queue)
	if err != nil {
		return 0, err
	}
	return props.Depth, nil
}

func (p *kafkaProvider) hide(queue, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.hidden[queue]
	if !ok {
		q = make(map[string]bool)
		p.hidden[queue] = q
	}
	q[id] = true
}

func (p *kafkaProvider) isHidden(queue, id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hidden[queue][id]
}

// normalizeKafkaMessage maps a record to the normalized shape. The id
// is the stable partition:offset coordinate.
func normalizeKafkaMessage(m kafka.Message) mqexplorer.Message {
	msg := mqexplorer.Message{
		ID:        fmt.Sprintf("%d:%d", m.Partition, m.Offset),
		Timestamp: m.Time,
		Body:      m.Value,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case "content-type":
			msg.Properties.ContentType = string(h.Value)
		case "reply-to":
			msg.Properties.ReplyTo = string(h.Value)
		default:
			if msg.Properties.Headers == nil {
				msg.Properties.Headers = make(map[string]string)
			}
			msg.Properties.Headers[h.Key] = string(h.Value)
		}
	}
	msg.Properties.SetExtra("partition", strconv.Itoa(m.Partition))
	msg.Properties.SetExtra("offset", strconv.FormatInt(m.Offset, 10))
	if len(m.Key) > 0 {
		msg.Properties.SetExtra("partitionKey", string(m.Key))
	}
	return msg
}
