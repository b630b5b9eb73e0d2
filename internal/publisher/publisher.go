// Package publisher fans an inbound platform event out into one delivery
// per subscribed endpoint.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/payintelli/hookd/internal/delivery"
	"github.com/payintelli/hookd/internal/directory"
	"github.com/payintelli/hookd/internal/logging"
	"github.com/payintelli/hookd/internal/metrics"
	"github.com/payintelli/hookd/internal/tracing"
)

// SubscriberDirectory resolves the active endpoints subscribed to an
// event type.
type SubscriberDirectory interface {
	FindActiveSubscribers(ctx context.Context, tenantID, eventType string) ([]directory.Endpoint, error)
}

// FanoutStore creates delivery records and seeds their audit trail.
type FanoutStore interface {
	Create(ctx context.Context, endpointID int64, eventType, payload string) (int64, error)
	InsertInitialLog(ctx context.Context, deliveryID int64, attemptNumber int32, requestBody string) error
}

// QueuePublisher enqueues delivery messages.
type QueuePublisher interface {
	Publish(topic string, body []byte) error
}

// Service is the fan-out engine.
type Service struct {
	directory SubscriberDirectory
	store     FanoutStore
	producer  QueuePublisher
	topic     string
	logger    *logging.Logger
}

// New builds a fan-out service.
func New(dir SubscriberDirectory, st FanoutStore, producer QueuePublisher, topic string, logger *logging.Logger) *Service {
	return &Service{
		directory: dir,
		store:     st,
		producer:  producer,
		topic:     topic,
		logger:    logger,
	}
}

// HandleEvent resolves subscribers and creates one delivery record plus
// one queued message per endpoint. Each endpoint is an independent unit:
// a failure for one is logged and does not block the others. The returned
// count is how many deliveries were actually queued. Subscriber
// resolution failure fails the whole fan-out.
func (s *Service) HandleEvent(ctx context.Context, ev delivery.Event) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "publisher.fanout",
		attribute.String("tenant_id", ev.ClientID),
		attribute.String("event_type", ev.EventType),
	)
	defer span.End()

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	endpoints, err := s.directory.FindActiveSubscribers(ctx, ev.ClientID, ev.EventType)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("resolve subscribers: %w", err)
	}
	span.SetAttributes(attribute.Int("subscribers_count", len(endpoints)))

	queued := 0
	traceHeaders := tracing.PropagateToQueue(ctx)
	for _, ep := range endpoints {
		if err := s.fanoutOne(ctx, ep, ev.EventType, string(payload), traceHeaders); err != nil {
			s.logger.WithContext(ctx).WithTenant(ev.ClientID).WithEndpoint(ep.ID).
				WithEventType(ev.EventType).WithError(err).Error("fanout for endpoint failed")
			continue
		}
		queued++
	}

	metrics.RecordEventPublished(ev.ClientID)
	metrics.FanoutEndpointsTotal.Add(float64(queued))
	span.SetAttributes(attribute.Int("fanout_count", queued))
	s.logger.WithContext(ctx).WithTenant(ev.ClientID).WithEventType(ev.EventType).
		WithField("queued", queued).Info("event fanned out")
	return queued, nil
}

// fanoutOne is one endpoint's create+log+enqueue unit. The record is
// created before the message is queued so a consumer can never see a
// message without a record behind it.
func (s *Service) fanoutOne(ctx context.Context, ep directory.Endpoint, eventType, payload string, traceHeaders map[string]string) error {
	deliveryID, err := s.store.Create(ctx, ep.ID, eventType, payload)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	if err := s.store.InsertInitialLog(ctx, deliveryID, 1, payload); err != nil {
		return fmt.Errorf("seed audit log: %w", err)
	}

	msg := delivery.Message{
		DeliveryID:   deliveryID,
		EndpointID:   ep.ID,
		EventType:    eventType,
		Payload:      payload,
		AttemptCount: 1,
		TraceHeaders: traceHeaders,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal delivery message: %w", err)
	}
	if err := s.producer.Publish(s.topic, body); err != nil {
		return fmt.Errorf("enqueue delivery %d: %w", deliveryID, err)
	}
	s.logger.WithContext(ctx).WithDelivery(deliveryID).WithEndpoint(ep.ID).Info("delivery queued")
	return nil
}

// ProcessBatch handles a batch of raw inbound event bodies. Malformed or
// failing messages are logged and skipped; the returned count is how many
// events were processed, matching the batch contract that partial failure
// never aborts the rest.
func (s *Service) ProcessBatch(ctx context.Context, bodies [][]byte) int {
	processed := 0
	for _, body := range bodies {
		var ev delivery.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("bad event payload")
			continue
		}
		if _, err := s.HandleEvent(ctx, ev); err != nil {
			s.logger.WithContext(ctx).WithTenant(ev.ClientID).WithError(err).Error("event fanout failed")
			continue
		}
		processed++
	}
	return processed
}
