// Package executor drives one delivery message through
// attempt -> evaluate -> retry-or-terminate.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/payintelli/hookd/internal/backoff"
	"github.com/payintelli/hookd/internal/delivery"
	"github.com/payintelli/hookd/internal/directory"
	"github.com/payintelli/hookd/internal/logging"
	"github.com/payintelli/hookd/internal/metrics"
	"github.com/payintelli/hookd/internal/scheduler"
	"github.com/payintelli/hookd/internal/signature"
	"github.com/payintelli/hookd/internal/store"
	"github.com/payintelli/hookd/internal/tracing"
)

const (
	userAgent       = "Webhook-Delivery/1.0"
	headerEvent     = "X-Webhook-Event"
	headerAttempt   = "X-Webhook-Attempt"
	headerSignature = "X-Webhook-Signature"

	// maxResponseBody caps how much of a subscriber response is kept for
	// the audit trail.
	maxResponseBody = 64 * 1024
)

// EndpointDirectory resolves delivery targets.
type EndpointDirectory interface {
	FindByID(ctx context.Context, id int64) (*directory.Endpoint, error)
}

// RecordStore persists attempt outcomes.
type RecordStore interface {
	RecordOutcome(ctx context.Context, deliveryID int64, attemptCount int32, out delivery.Outcome) error
}

// Doer is the slice of http.Client the executor needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor processes delivery messages. All collaborators are injected;
// the executor holds no cross-delivery state, so any number may run
// concurrently.
type Executor struct {
	directory   EndpointDirectory
	store       RecordStore
	dispatcher  scheduler.RetryDispatcher
	client      Doer
	policy      backoff.Policy
	maxAttempts int32
	logger      *logging.Logger
	now         func() time.Time
}

// New builds an executor.
func New(dir EndpointDirectory, st RecordStore, disp scheduler.RetryDispatcher, client Doer, policy backoff.Policy, maxAttempts int32, logger *logging.Logger) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Executor{
		directory:   dir,
		store:       st,
		dispatcher:  disp,
		client:      client,
		policy:      policy,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Process runs one delivery attempt. A non-nil return means bookkeeping
// infrastructure was unreachable and the message should be redelivered by
// the queue; delivery failures themselves never surface as errors.
func (e *Executor) Process(ctx context.Context, msg delivery.Message) error {
	ctx = tracing.ExtractFromQueue(ctx, msg.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.Int64("delivery_id", msg.DeliveryID),
		attribute.Int64("endpoint_id", msg.EndpointID),
		attribute.String("event_type", msg.EventType),
		attribute.Int("attempt", int(msg.AttemptCount)),
	)
	defer span.End()

	log := e.logger.WithContext(ctx).
		WithDelivery(msg.DeliveryID).
		WithEndpoint(msg.EndpointID).
		WithAttempt(msg.AttemptCount)

	tracing.AddSpanEvent(ctx, "directory.resolve_endpoint")
	ep, err := e.directory.FindByID(ctx, msg.EndpointID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return e.terminate(ctx, msg, delivery.ReasonEndpointMissing)
	case err != nil:
		// Directory unreachable is a retryable infrastructure error, not
		// an endpoint absence.
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("endpoint lookup failed")
		return err
	case !ep.IsActive:
		return e.terminate(ctx, msg, delivery.ReasonEndpointInactive)
	}

	reqHeaders := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   userAgent,
		headerEvent:    msg.EventType,
		headerAttempt:  strconv.Itoa(int(msg.AttemptCount)),
	}
	if ep.Secret != "" {
		reqHeaders[headerSignature] = signature.Header(msg.Payload, ep.Secret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader([]byte(msg.Payload)))
	if err != nil {
		// A malformed URL fails every attempt identically; treat it like
		// any other delivery failure and let the budget run out.
		return e.recordFailure(ctx, msg, nil, "invalid endpoint url: "+err.Error(), reqHeaders, nil)
	}
	for k, v := range reqHeaders {
		req.Header.Set(k, v)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := e.now()
	resp, doErr := e.client.Do(req)
	latency := e.now().Sub(start)
	metrics.DeliveryLatency.Observe(latency.Seconds())

	if doErr != nil {
		span.SetAttributes(attribute.String("http.error", doErr.Error()))
		metrics.RecordRetry(classifyReason(doErr, 0))
		log.WithError(doErr).WithField("latency", latency.String()).Warn("delivery attempt errored")
		return e.recordFailure(ctx, msg, nil, "Exception: "+doErr.Error(), reqHeaders, nil)
	}

	respBody := readBody(resp.Body)
	respStatus := int32(resp.StatusCode)
	respHeaders := flattenHeaders(resp.Header)
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		tracing.AddSpanEvent(ctx, "delivery.success")
		out := delivery.Outcome{
			Status:          delivery.StatusDelivered,
			ResponseStatus:  &respStatus,
			ResponseBody:    respBody,
			RequestHeaders:  reqHeaders,
			RequestBody:     msg.Payload,
			ResponseHeaders: respHeaders,
		}
		if err := e.record(ctx, msg, out); err != nil {
			return err
		}
		metrics.RecordDelivery(string(delivery.StatusDelivered))
		log.WithField("http_status", resp.StatusCode).Info("webhook delivered")
		return nil
	}

	metrics.RecordRetry(classifyReason(nil, resp.StatusCode))
	log.WithField("http_status", resp.StatusCode).Warn("delivery attempt rejected")
	return e.recordFailure(ctx, msg, &respStatus, respBody, reqHeaders, respHeaders)
}

// terminate ends a delivery whose endpoint is missing or inactive: FAILED,
// no retry, regardless of the attempt budget.
func (e *Executor) terminate(ctx context.Context, msg delivery.Message, reason delivery.FailureReason) error {
	tracing.AddSpanEvent(ctx, "delivery.terminal_failure", attribute.String("reason", string(reason)))
	out := delivery.Outcome{
		Status:        delivery.StatusFailed,
		FailureReason: reason,
		ResponseBody:  "Endpoint not found or inactive",
		RequestBody:   msg.Payload,
	}
	if err := e.record(ctx, msg, out); err != nil {
		return err
	}
	metrics.RecordDelivery(string(delivery.StatusFailed))
	e.logger.WithContext(ctx).WithDelivery(msg.DeliveryID).WithEndpoint(msg.EndpointID).
		WithField("reason", string(reason)).Warn("endpoint not found or inactive, delivery failed")
	return nil
}

// recordFailure handles a failed attempt: abandon past the budget,
// otherwise persist PENDING with the next retry time and dispatch the
// follow-up message.
func (e *Executor) recordFailure(ctx context.Context, msg delivery.Message, respStatus *int32, respBody string, reqHeaders, respHeaders map[string]string) error {
	if msg.AttemptCount >= e.maxAttempts {
		tracing.AddSpanEvent(ctx, "delivery.abandoned", attribute.Int("attempt", int(msg.AttemptCount)))
		out := delivery.Outcome{
			Status:          delivery.StatusAbandoned,
			FailureReason:   delivery.ReasonMaxAttempts,
			ResponseStatus:  respStatus,
			ResponseBody:    respBody,
			RequestHeaders:  reqHeaders,
			RequestBody:     msg.Payload,
			ResponseHeaders: respHeaders,
		}
		if err := e.record(ctx, msg, out); err != nil {
			return err
		}
		metrics.AbandonedTotal.Inc()
		metrics.RecordDelivery(string(delivery.StatusAbandoned))
		e.logger.WithContext(ctx).WithDelivery(msg.DeliveryID).WithAttempt(msg.AttemptCount).
			Warn("max attempts reached, abandoning delivery")
		return nil
	}

	delay := e.policy.Delay(msg.AttemptCount)
	nextRetryAt := e.policy.NextRetryAt(e.now(), msg.AttemptCount)
	// The attempt failed; the store leaves the record PENDING because a
	// retry is scheduled (NextRetryAt set).
	out := delivery.Outcome{
		Status:          delivery.StatusFailed,
		ResponseStatus:  respStatus,
		ResponseBody:    respBody,
		RequestHeaders:  reqHeaders,
		RequestBody:     msg.Payload,
		ResponseHeaders: respHeaders,
		NextRetryAt:     &nextRetryAt,
	}
	if err := e.record(ctx, msg, out); err != nil {
		return err
	}
	metrics.RecordDelivery(string(delivery.StatusFailed))

	next := msg.Next()
	next.TraceHeaders = tracing.PropagateToQueue(ctx)
	tracing.AddSpanEvent(ctx, "delivery.requeue",
		attribute.Int("next_attempt", int(next.AttemptCount)),
		attribute.String("delay", delay.String()),
	)
	if err := e.dispatcher.Dispatch(ctx, next, delay); err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithDelivery(msg.DeliveryID).WithError(err).Error("retry dispatch failed")
		return err
	}
	e.logger.WithContext(ctx).WithDelivery(msg.DeliveryID).WithAttempt(next.AttemptCount).
		WithField("delay", delay.String()).Info("retry scheduled")
	return nil
}

// record persists an outcome. An already-terminal delivery is a clean
// no-op: the queue redelivered a message for a finished delivery.
func (e *Executor) record(ctx context.Context, msg delivery.Message, out delivery.Outcome) error {
	err := e.store.RecordOutcome(ctx, msg.DeliveryID, msg.AttemptCount, out)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		e.logger.WithContext(ctx).WithDelivery(msg.DeliveryID).WithAttempt(msg.AttemptCount).
			Info("delivery already terminal, skipping duplicate outcome")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithDelivery(msg.DeliveryID).WithError(err).Error("record outcome failed")
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func readBody(r io.ReadCloser) string {
	defer r.Close()
	b, _ := io.ReadAll(io.LimitReader(r, maxResponseBody))
	return string(b)
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		// Multi-valued headers keep every value, joined the way a proxy
		// would fold them.
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// classifyReason buckets a failure for metrics.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
