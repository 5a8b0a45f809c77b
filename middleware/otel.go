package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/qvcloud/mqexplorer"
)

const scope = "github.com/qvcloud/mqexplorer"

// OtelProvider wraps a provider so every contract operation runs inside
// an OpenTelemetry span and is counted on the instance meter.
func OtelProvider(p mqexplorer.Provider, opts ...Option) mqexplorer.Provider {
	options := options{
		tracer: otel.Tracer(scope),
		meter:  otel.Meter(scope),
	}
	for _, o := range opts {
		o(&options)
	}
	ops, _ := options.meter.Int64Counter("mqexplorer.operations",
		metric.WithDescription("Provider operations attempted"))
	errs, _ := options.meter.Int64Counter("mqexplorer.operation.errors",
		metric.WithDescription("Provider operations that returned an error"))
	return &otelProvider{next: p, tracer: options.tracer, ops: ops, errs: errs}
}

type options struct {
	tracer trace.Tracer
	meter  metric.Meter
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

type otelProvider struct {
	next   mqexplorer.Provider
	tracer trace.Tracer
	ops    metric.Int64Counter
	errs   metric.Int64Counter
}

func (p *otelProvider) span(ctx context.Context, op, destination string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", p.next.String()),
		attribute.String("messaging.operation", op),
	}
	if destination != "" {
		attrs = append(attrs, attribute.String("messaging.destination", destination))
	}
	return p.tracer.Start(ctx, "provider."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func (p *otelProvider) end(ctx context.Context, span trace.Span, op string, err error) {
	attrs := metric.WithAttributes(
		attribute.String("messaging.system", p.next.String()),
		attribute.String("messaging.operation", op),
	)
	p.ops.Add(ctx, 1, attrs)
	if err != nil {
		p.errs.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (p *otelProvider) Connect(ctx context.Context) error {
	ctx, span := p.span(ctx, "connect", "")
	err := p.next.Connect(ctx)
	p.end(ctx, span, "connect", err)
	return err
}

func (p *otelProvider) Disconnect(ctx context.Context) error {
	ctx, span := p.span(ctx, "disconnect", "")
	err := p.next.Disconnect(ctx)
	p.end(ctx, span, "disconnect", err)
	return err
}

func (p *otelProvider) IsConnected() bool                 { return p.next.IsConnected() }
func (p *otelProvider) State() mqexplorer.ConnectionState { return p.next.State() }
func (p *otelProvider) String() string                    { return p.next.String() }

func (p *otelProvider) ListQueues(ctx context.Context, filter string) ([]mqexplorer.QueueInfo, error) {
	ctx, span := p.span(ctx, "list_queues", "")
	infos, err := p.next.ListQueues(ctx, filter)
	p.end(ctx, span, "list_queues", err)
	return infos, err
}

func (p *otelProvider) ListTopics(ctx context.Context, filter string) ([]mqexplorer.TopicInfo, error) {
	ctx, span := p.span(ctx, "list_topics", "")
	infos, err := p.next.ListTopics(ctx, filter)
	p.end(ctx, span, "list_topics", err)
	return infos, err
}

func (p *otelProvider) BrowseMessages(ctx context.Context, queue string, opts mqexplorer.BrowseOptions) ([]mqexplorer.Message, error) {
	ctx, span := p.span(ctx, "browse", queue)
	msgs, err := p.next.BrowseMessages(ctx, queue, opts)
	span.SetAttributes(attribute.Int("messaging.batch.message_count", len(msgs)))
	p.end(ctx, span, "browse", err)
	return msgs, err
}

func (p *otelProvider) PutMessage(ctx context.Context, queue string, payload []byte, props *mqexplorer.MessageProperties) error {
	ctx, span := p.span(ctx, "put", queue)
	err := p.next.PutMessage(ctx, queue, payload, props)
	p.end(ctx, span, "put", err)
	return err
}

func (p *otelProvider) PublishMessage(ctx context.Context, topic string, payload []byte, props *mqexplorer.MessageProperties) error {
	ctx, span := p.span(ctx, "publish", topic)
	err := p.next.PublishMessage(ctx, topic, payload, props)
	p.end(ctx, span, "publish", err)
	return err
}

func (p *otelProvider) ClearQueue(ctx context.Context, queue string) error {
	ctx, span := p.span(ctx, "clear_queue", queue)
	err := p.next.ClearQueue(ctx, queue)
	p.end(ctx, span, "clear_queue", err)
	return err
}

func (p *otelProvider) DeleteMessage(ctx context.Context, queue, id string) (mqexplorer.DeleteResult, error) {
	ctx, span := p.span(ctx, "delete", queue)
	res, err := p.next.DeleteMessage(ctx, queue, id)
	p.end(ctx, span, "delete", err)
	return res, err
}

func (p *otelProvider) DeleteMessages(ctx context.Context, queue string, ids []string) (mqexplorer.BatchDeleteResult, error) {
	ctx, span := p.span(ctx, "delete_batch", queue)
	res, err := p.next.DeleteMessages(ctx, queue, ids)
	span.SetAttributes(attribute.Int("messaging.batch.message_count", len(ids)))
	p.end(ctx, span, "delete_batch", err)
	return res, err
}

func (p *otelProvider) GetQueueProperties(ctx context.Context, queue string) (*mqexplorer.QueueProperties, error) {
	ctx, span := p.span(ctx, "queue_properties", queue)
	props, err := p.next.GetQueueProperties(ctx, queue)
	p.end(ctx, span, "queue_properties", err)
	return props, err
}

func (p *otelProvider) GetTopicProperties(ctx context.Context, topic string) (*mqexplorer.TopicProperties, error) {
	ctx, span := p.span(ctx, "topic_properties", topic)
	props, err := p.next.GetTopicProperties(ctx, topic)
	p.end(ctx, span, "topic_properties", err)
	return props, err
}

func (p *otelProvider) GetQueueDepth(ctx context.Context, queue string) (int64, error) {
	ctx, span := p.span(ctx, "queue_depth", queue)
	depth, err := p.next.GetQueueDepth(ctx, queue)
	p.end(ctx, span, "queue_depth", err)
	return depth, err
}
