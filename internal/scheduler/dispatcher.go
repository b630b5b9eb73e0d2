// Package scheduler re-enqueues delivery messages after a backoff delay.
// Short delays ride the durable queue's native deferral; delays beyond the
// queue's ceiling become one-shot triggers fired later by the Runner.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/payintelli/hookd/internal/backoff"
	"github.com/payintelli/hookd/internal/delivery"
	"github.com/payintelli/hookd/internal/metrics"
)

// RetryDispatcher schedules one future delivery attempt.
type RetryDispatcher interface {
	Dispatch(ctx context.Context, msg delivery.Message, delay time.Duration) error
}

// QueuePublisher is the slice of the NSQ producer the dispatchers need.
type QueuePublisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// QueueDispatcher re-enqueues a message with the queue's native delay.
type QueueDispatcher struct {
	producer QueuePublisher
	topic    string
}

// NewQueueDispatcher builds the direct-delay dispatcher.
func NewQueueDispatcher(producer QueuePublisher, topic string) *QueueDispatcher {
	return &QueueDispatcher{producer: producer, topic: topic}
}

func (d *QueueDispatcher) Dispatch(_ context.Context, msg delivery.Message, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal delivery message: %w", err)
	}
	if err := d.producer.DeferredPublish(d.topic, delay, body); err != nil {
		return fmt.Errorf("deferred publish: %w", err)
	}
	metrics.RecordRetryTrigger("queue_delay")
	return nil
}

// ThresholdDispatcher routes each delay to the cheapest mechanism that can
// express it: at or below the queue ceiling the queue delays natively,
// above it a one-shot trigger is registered.
type ThresholdDispatcher struct {
	direct  RetryDispatcher
	trigger RetryDispatcher
	ceiling time.Duration
}

// NewThresholdDispatcher wires the two mechanisms behind one capability.
func NewThresholdDispatcher(direct, trigger RetryDispatcher, ceiling time.Duration) *ThresholdDispatcher {
	if ceiling <= 0 {
		ceiling = backoff.DirectDelayCeiling
	}
	return &ThresholdDispatcher{direct: direct, trigger: trigger, ceiling: ceiling}
}

func (d *ThresholdDispatcher) Dispatch(ctx context.Context, msg delivery.Message, delay time.Duration) error {
	if delay > d.ceiling {
		return d.trigger.Dispatch(ctx, msg, delay)
	}
	return d.direct.Dispatch(ctx, msg, delay)
}
