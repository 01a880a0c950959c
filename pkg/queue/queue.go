// Package queue provides the FIFO job queue between the submission layer
// and the processing loop, backed by a NATS JetStream work-queue stream.
// Delivery is at-least-once with no deduplication; trace context rides in
// message headers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/FoundlyHQ/foundly-mvp/engine/domain"
)

// Defaults for the stream wiring.
const (
	DefaultStream  = "FOUNDLY_JOBS"
	DefaultSubject = "jobs.reports"
	DefaultDurable = "matcher"
)

// Queue is a typed enqueue/dequeue pair over one JetStream subject.
type Queue struct {
	js      nats.JetStreamContext
	sub     *nats.Subscription
	subject string
}

// New ensures the work-queue stream exists and binds a durable pull
// consumer to it. Empty names fall back to the defaults.
func New(nc *nats.Conn, stream, subject, durable string) (*Queue, error) {
	if stream == "" {
		stream = DefaultStream
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if durable == "" {
		durable = DefaultDurable
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream: %w", err)
	}

	if _, err := js.StreamInfo(stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("queue: create stream %s: %w", stream, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("queue: stream info %s: %w", stream, err)
	}

	sub, err := js.PullSubscribe(subject, durable)
	if err != nil {
		return nil, fmt.Errorf("queue: pull subscribe %s: %w", subject, err)
	}

	return &Queue{js: js, sub: sub, subject: subject}, nil
}

// Enqueue serializes the payload as JSON and publishes it. Trace context
// from ctx is injected into the message headers.
func (q *Queue) Enqueue(ctx context.Context, p domain.JobPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", p.JobID, err)
	}
	msg := &nats.Msg{Subject: q.subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	if _, err := q.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("queue: publish job %s: %w", p.JobID, err)
	}
	return nil
}

// Dequeue blocks up to wait for the next payload. On timeout it returns
// (ctx, nil, nil) so the caller can loop and re-check its reload signal.
// The returned context carries any trace extracted from the message.
//
// Messages are acked on receipt: a crash mid-job loses that job, whose
// result then reads as pending forever. That matches the source queue's
// pop semantics and is the documented failure mode for dropped jobs.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (context.Context, *domain.JobPayload, error) {
	msgs, err := q.sub.Fetch(1, nats.MaxWait(wait))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ctx, nil, nil
	}
	if err != nil {
		return ctx, nil, fmt.Errorf("queue: fetch: %w", err)
	}
	if len(msgs) == 0 {
		return ctx, nil, nil
	}

	msg := msgs[0]
	if err := msg.Ack(); err != nil {
		return ctx, nil, fmt.Errorf("queue: ack: %w", err)
	}

	var p domain.JobPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return ctx, nil, fmt.Errorf("queue: decode payload: %w", err)
	}
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, (*headerCarrier)(msg))
	return msgCtx, &p, nil
}

// headerCarrier adapts nats.Msg headers for the OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}
