package sqs

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/qvcloud/mqexplorer"
)

type sqsAPI interface {
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	PurgeQueue(ctx context.Context, params *sqs.PurgeQueueInput, optFns ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// browseVisibility is how long a browsed message stays invisible. Long
// enough to page through a queue without re-reading the same batch,
// short enough that the peek leaves no lasting mark.
const browseVisibility = int32(10)

// sqsProvider implements the provider contract against Amazon SQS.
// SQS has no peek primitive; browsing receives with a short visibility
// timeout and lets the messages reappear.
type sqsProvider struct {
	params mqexplorer.SQSParams
	opts   *mqexplorer.Options

	state mqexplorer.StateTracker
	cache *mqexplorer.MessageCache

	mu        sync.RWMutex
	client    sqsAPI
	queueURLs map[string]string

	// Internal factory for testing
	newClient func(ctx context.Context, params mqexplorer.SQSParams) (sqsAPI, error)
}

// NewProvider builds an SQS provider from its connection params.
func NewProvider(params mqexplorer.SQSParams, opts ...mqexplorer.Option) (mqexplorer.Provider, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &sqsProvider{
		params:    params,
		opts:      mqexplorer.NewOptions(opts...),
		cache:     mqexplorer.NewMessageCache(),
		queueURLs: make(map[string]string),
		newClient: func(ctx context.Context, params mqexplorer.SQSParams) (sqsAPI, error) {
			loadOpts := []func(*config.LoadOptions) error{
				config.WithRegion(params.Region),
			}
			if params.AccessKeyID != "" {
				loadOpts = append(loadOpts, config.WithCredentialsProvider(
					credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, ""),
				))
			}
			cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
			if err != nil {
				return nil, err
			}
			return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
				if params.Endpoint != "" {
					o.BaseEndpoint = aws.String(params.Endpoint)
				}
			}), nil
		},
	}, nil
}

func (p *sqsProvider) String() string { return "sqs" }

func (p *sqsProvider) IsConnected() bool                 { return p.state.Connected() }
func (p *sqsProvider) State() mqexplorer.ConnectionState { return p.state.State() }

func (p *sqsProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Connected() {
		return nil
	}
	p.state.SetState(mqexplorer.StateConnecting)
	p.opts.Logger.Logf("sqs: connecting to region %s", p.params.Region)

	client, err := p.newClient(ctx, p.params)
	if err != nil {
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("sqs: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}
	// The SDK is lazy; one list call verifies region and credentials.
	if _, err := client.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)}); err != nil {
		p.state.Fail(err.Error())
		p.opts.Logger.Logf("sqs: connect failed: %v", err)
		return &mqexplorer.ConnectionError{Provider: p.String(), Err: err}
	}

	p.client = client
	p.state.SetState(mqexplorer.StateConnected)
	p.opts.Logger.Log("sqs: connected")
	return nil
}

func (p *sqsProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.client = nil
	p.queueURLs = make(map[string]string)
	p.cache.ClearAll()
	p.state.SetState(mqexplorer.StateDisconnected)
	p.opts.Logger.Log("sqs: disconnected")
	return nil
}

func (p *sqsProvider) api() (sqsAPI, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.state.Connected() || p.client == nil {
		return nil, &mqexplorer.NotConnectedError{Provider: p.String()}
	}
	return p.client, nil
}

func (p *sqsProvider) queueURL(ctx context.Context, queue string) (string, error) {
	p.mu.RLock()
	cached, ok := p.queueURLs[queue]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	client, err := p.api()
	if err != nil {
		return "", err
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", &mqexplorer.NotFoundError{Queue: queue}
	}

	p.mu.Lock()
	p.queueURLs[queue] = *out.QueueUrl
	p.mu.Unlock()
	return *out.QueueUrl, nil
}

func (p *sqsProvider) ListQueues(ctx context.Context, filter string) ([]mqexplorer.QueueInfo, error) {
	client, err := p.api()
	if err != nil {
		return nil, err
	}

	var infos []mqexplorer.QueueInfo
	var next *string
	for {
		out, err := client.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: next})
		if err != nil {
			p.opts.Logger.Logf("sqs: list queues: %v", err)
			return nil, err
		}
		for _, u := range out.QueueUrls {
			name := u[strings.LastIndex(u, "/")+1:]
			if !mqexplorer.MatchFilter(name, filter) {
				continue
			}
			p.mu.Lock()
			p.queueURLs[name] = u
			p.mu.Unlock()
			infos = append(infos, mqexplorer.QueueInfo{
				Name:   name,
				Type:   "queue",
				Status: "active",
			})
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	if infos == nil {
		infos = []mqexplorer.QueueInfo{}
	}
	return infos, nil
}

func (p *sqsProvider) ListTopics(ctx context.Context, filter string) ([]mqexplorer.TopicInfo, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return nil, err
	}
	// SQS is a pure point-to-point service; there is nothing to list.
	return []mqexplorer.TopicInfo{}, nil
}

func (p *sqsProvider) BrowseMessages(ctx context.Context, queue string, opts mqexplorer.BrowseOptions) ([]mqexplorer.Message, error) {
	client, err := p.api()
	if err != nil {
		return nil, err
	}
	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = mqexplorer.DefaultBrowseLimit
	}

	var (
		out     = []mqexplorer.Message{}
		skipped int
	)
	for len(out) < limit {
		batch := int32(10)
		if remaining := int32(limit - len(out)); remaining < batch {
			batch = remaining
		}
		recv, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   batch,
			WaitTimeSeconds:       1,
			VisibilityTimeout:     browseVisibility,
			MessageAttributeNames: []string{"All"},
			AttributeNames:        []types.QueueAttributeName{"All"},
		})
		if err != nil {
			p.opts.Logger.Logf("sqs: browse %s: %v", queue, err)
			return nil, err
		}
		if len(recv.Messages) == 0 {
			break
		}
		for _, sm := range recv.Messages {
			msg := normalizeSQSMessage(sm)
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

func (p *sqsProvider) PutMessage(ctx context.Context, queue string, payload []byte, props *mqexplorer.MessageProperties) error {
	client, err := p.api()
	if err != nil {
		return err
	}
	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(payload)),
		MessageAttributes: make(map[string]types.MessageAttributeValue),
	}
	if props != nil {
		// SQS carries everything representable as message attributes;
		// delivery mode has no equivalent and is dropped.
		if props.ContentType != "" {
			input.MessageAttributes["ContentType"] = stringAttribute(props.ContentType)
		}
		if props.ReplyTo != "" {
			input.MessageAttributes["ReplyTo"] = stringAttribute(props.ReplyTo)
		}
		if props.Priority > 0 {
			input.MessageAttributes["Priority"] = stringAttribute(strconv.Itoa(props.Priority))
		}
		for k, v := range props.Headers {
			input.MessageAttributes[k] = stringAttribute(v)
		}
	}

	if _, err := client.SendMessage(ctx, input); err != nil {
		p.opts.Logger.Logf("sqs: send to %s: %v", queue, err)
		return err
	}
	p.opts.Logger.Logf("sqs: sent message to %s", queue)
	return nil
}

func (p *sqsProvider) PublishMessage(ctx context.Context, topic string, payload []byte, props *mqexplorer.MessageProperties) error {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return err
	}
	return &mqexplorer.UnsupportedOperationError{Provider: p.String(), Operation: "publish to topic"}
}

func (p *sqsProvider) ClearQueue(ctx context.Context, queue string) error {
	client, err := p.api()
	if err != nil {
		return err
	}
	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	if _, err := client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(queueURL)}); err != nil {
		p.opts.Logger.Logf("sqs: purge %s: %v", queue, err)
		return err
	}
	p.cache.Clear(queue)
	p.opts.Logger.Logf("sqs: purged %s", queue)
	return nil
}

func (p *sqsProvider) DeleteMessage(ctx context.Context, queue, id string) (mqexplorer.DeleteResult, error) {
	client, err := p.api()
	if err != nil {
		return mqexplorer.DeleteResult{}, err
	}
	if !p.cache.Contains(queue, id) {
		return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
	}
	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return mqexplorer.DeleteResult{}, err
	}

	// Receipt handles expire with the visibility timeout, so the
	// message is re-acquired: receive batches until the id shows up,
	// delete it with the fresh handle, release everything else.
	for attempt := 0; attempt < p.opts.ReceiveBatchSize; attempt++ {
		select {
		case <-ctx.Done():
			return mqexplorer.DeleteResult{}, ctx.Err()
		default:
		}

		recv, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     1,
			VisibilityTimeout:   browseVisibility,
		})
		if err != nil {
			return mqexplorer.DeleteResult{}, err
		}
		if len(recv.Messages) == 0 {
			break
		}

		for _, sm := range recv.Messages {
			if sm.MessageId != nil && *sm.MessageId == id {
				if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(queueURL),
					ReceiptHandle: sm.ReceiptHandle,
				}); err != nil {
					return mqexplorer.DeleteResult{}, err
				}
				p.cache.Remove(queue, id)
				p.opts.Logger.Logf("sqs: deleted message %s from %s", id, queue)
				return mqexplorer.DeleteResult{ID: id, Outcome: mqexplorer.DeleteOutcomeRemoved}, nil
			}
			// Not the one we want; make it visible again right away.
			if _, err := client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(queueURL),
				ReceiptHandle:     sm.ReceiptHandle,
				VisibilityTimeout: 0,
			}); err != nil {
				p.opts.Logger.Logf("sqs: release message on %s: %v", queue, err)
			}
		}
	}

	p.opts.Logger.Logf("sqs: delete %s on %s: message no longer present", id, queue)
	return mqexplorer.DeleteResult{}, &mqexplorer.NotFoundError{Queue: queue, ID: id}
}

func (p *sqsProvider) DeleteMessages(ctx context.Context, queue string, ids []string) (mqexplorer.BatchDeleteResult, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return mqexplorer.BatchDeleteResult{}, err
	}
	return mqexplorer.DeleteEach(ctx, p, queue, ids), nil
}

func (p *sqsProvider) GetQueueProperties(ctx context.Context, queue string) (*mqexplorer.QueueProperties, error) {
	client, err := p.api()
	if err != nil {
		return nil, err
	}
	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	out, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameAll},
	})
	if err != nil {
		p.opts.Logger.Logf("sqs: queue attributes %s: %v", queue, err)
		return nil, err
	}

	attr := func(name types.QueueAttributeName) int64 {
		n, _ := strconv.ParseInt(out.Attributes[string(name)], 10, 64)
		return n
	}

	props := &mqexplorer.QueueProperties{
		QueueInfo: mqexplorer.QueueInfo{
			Name:     queue,
			Type:     "queue",
			Status:   "active",
			Depth:    attr(types.QueueAttributeNameApproximateNumberOfMessages),
			HasDepth: true,
		},
		ConsumerCount: attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Extra:         map[string]string{},
	}
	for _, name := range []types.QueueAttributeName{
		types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		types.QueueAttributeNameMaximumMessageSize,
		types.QueueAttributeNameMessageRetentionPeriod,
		types.QueueAttributeNameVisibilityTimeout,
		types.QueueAttributeNameCreatedTimestamp,
	} {
		if v, ok := out.Attributes[string(name)]; ok {
			props.Extra[string(name)] = v
		}
	}
	return props, nil
}

func (p *sqsProvider) GetTopicProperties(ctx context.Context, topic string) (*mqexplorer.TopicProperties, error) {
	if err := p.state.EnsureConnected(p.String()); err != nil {
		return nil, err
	}
	return nil, &mqexplorer.UnsupportedOperationError{Provider: p.String(), Operation: "topic properties"}
}

func (p *sqsProvider) GetQueueDepth(ctx context.Context, queue string) (int64, error) {
	props, err := p.GetQueueProperties(ctx, queue)
	if err != nil {
		return 0, err
	}
	return props.Depth, nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func normalizeSQSMessage(sm types.Message) mqexplorer.Message {
	msg := mqexplorer.Message{
		Body: []byte(aws.ToString(sm.Body)),
	}
	if sm.MessageId != nil {
		msg.ID = *sm.MessageId
	} else {
		msg.ID = uuid.NewString()
	}
	if ts, ok := sm.Attributes["SentTimestamp"]; ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			msg.Timestamp = time.UnixMilli(ms)
		}
	}
	for k, v := range sm.MessageAttributes {
		if v.StringValue == nil {
			continue
		}
		switch k {
		case "ContentType":
			msg.Properties.ContentType = *v.StringValue
		case "ReplyTo":
			msg.Properties.ReplyTo = *v.StringValue
		case "Priority":
			if n, err := strconv.Atoi(*v.StringValue); err == nil {
				msg.Properties.Priority = n
			}
		default:
			if msg.Properties.Headers == nil {
				msg.Properties.Headers = make(map[string]string)
			}
			msg.Properties.Headers[k] = *v.StringValue
		}
	}
	if sm.ReceiptHandle != nil {
		msg.Properties.SetExtra("receiptHandle", *sm.ReceiptHandle)
	}
	if count, ok := sm.Attributes["ApproximateReceiveCount"]; ok {
		msg.Properties.SetExtra("receiveCount", count)
	}
	return msg
}
