package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/payintelli/hookd/internal/delivery"
	"github.com/payintelli/hookd/internal/logging"
	"github.com/payintelli/hookd/internal/metrics"
)

const (
	triggerIndexKey  = "hookd:retry:triggers"
	triggerKeyPrefix = "hookd:retry:trigger:"
)

// TriggerName is unique per (deliveryId, attemptCount) so that reprocessing
// the enqueue step can never register a second trigger for the same attempt.
func TriggerName(deliveryID int64, attemptCount int32) string {
	return fmt.Sprintf("delivery:%d:attempt:%d", deliveryID, attemptCount)
}

// TriggerDispatcher registers a one-shot future trigger in Redis: the
// trigger name is scored by its absolute UTC fire time in a sorted set,
// and the message body is stored under the name. Registration is
// first-writer-wins; duplicates are dropped, never doubled.
type TriggerDispatcher struct {
	rdb goredis.UniversalClient
	now func() time.Time
}

// NewTriggerDispatcher builds the far-horizon dispatcher.
func NewTriggerDispatcher(rdb goredis.UniversalClient) *TriggerDispatcher {
	return &TriggerDispatcher{rdb: rdb, now: time.Now}
}

func (d *TriggerDispatcher) Dispatch(ctx context.Context, msg delivery.Message, delay time.Duration) error {
	name := TriggerName(msg.DeliveryID, msg.AttemptCount)
	fireAt := d.now().UTC().Add(delay)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal delivery message: %w", err)
	}

	created, err := d.rdb.SetNX(ctx, triggerKeyPrefix+name, body, 0).Result()
	if err != nil {
		return fmt.Errorf("store trigger %s: %w", name, err)
	}
	// The index write runs even when the body key already existed: an
	// earlier pass may have stored the body and then failed before indexing
	// it, and skipping here would leave a trigger that never fires. ZAddNX
	// never moves an existing fire time, so the re-run stays idempotent.
	if err := d.rdb.ZAddNX(ctx, triggerIndexKey, goredis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: name,
	}).Err(); err != nil {
		return fmt.Errorf("index trigger %s: %w", name, err)
	}
	if created {
		metrics.RecordRetryTrigger("trigger")
	}
	return nil
}

// Runner fires due triggers: it scans the sorted set for members whose
// fire time has passed, claims each by removing it (only the winner of the
// remove publishes), and re-enqueues the stored message.
type Runner struct {
	rdb          goredis.UniversalClient
	producer     QueuePublisher
	topic        string
	pollInterval time.Duration
	batchSize    int
	logger       *logging.Logger
	now          func() time.Time
}

// NewRunner builds the trigger firing loop.
func NewRunner(rdb goredis.UniversalClient, producer QueuePublisher, topic string, pollInterval time.Duration, batchSize int, logger *logging.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Runner{
		rdb:          rdb,
		producer:     producer,
		topic:        topic,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
		now:          time.Now,
	}
}

// Run polls until the context is canceled. Individual trigger failures are
// logged and skipped; the loop never dies for one bad trigger.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if fired, err := r.FireDue(ctx); err != nil {
				r.logger.WithContext(ctx).WithError(err).Error("trigger scan failed")
			} else if fired > 0 {
				r.logger.WithContext(ctx).WithField("fired", fired).Info("fired due retry triggers")
			}
		}
	}
}

// FireDue fires every trigger whose fire time has passed, up to the batch
// size, and returns how many were re-enqueued.
func (r *Runner) FireDue(ctx context.Context) (int, error) {
	nowMs := strconv.FormatInt(r.now().UTC().UnixMilli(), 10)
	names, err := r.rdb.ZRangeByScore(ctx, triggerIndexKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   nowMs,
		Count: int64(r.batchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan due triggers: %w", err)
	}

	fired := 0
	for _, name := range names {
		removed, err := r.rdb.ZRem(ctx, triggerIndexKey, name).Result()
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("trigger", name).Error("trigger claim failed")
			continue
		}
		if removed == 0 {
			continue // another runner claimed it first
		}

		body, err := r.rdb.Get(ctx, triggerKeyPrefix+name).Bytes()
		if errors.Is(err, goredis.Nil) {
			r.logger.WithContext(ctx).WithField("trigger", name).Error("trigger body missing")
			continue
		}
		if err != nil {
			// Transport error, not absence: put the claim back so a later
			// scan retries instead of orphaning the stored message.
			_ = r.rdb.ZAdd(ctx, triggerIndexKey, goredis.Z{Score: mustScore(nowMs), Member: name}).Err()
			r.logger.WithContext(ctx).WithError(err).WithField("trigger", name).Error("trigger body read failed")
			continue
		}
		if err := r.producer.Publish(r.topic, body); err != nil {
			// Put the claim back so a later scan retries this trigger.
			_ = r.rdb.ZAdd(ctx, triggerIndexKey, goredis.Z{Score: mustScore(nowMs), Member: name}).Err()
			r.logger.WithContext(ctx).WithError(err).WithField("trigger", name).Error("trigger publish failed")
			continue
		}
		_ = r.rdb.Del(ctx, triggerKeyPrefix+name).Err()
		fired++
	}
	return fired, nil
}

func mustScore(ms string) float64 {
	f, _ := strconv.ParseFloat(ms, 64)
	return f
}
