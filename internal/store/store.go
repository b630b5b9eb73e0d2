// Package store persists delivery records and their per-attempt audit
// trail in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/payintelli/hookd/internal/delivery"
)

// ErrAlreadyTerminal is returned when an outcome arrives for a delivery
// that has already reached a terminal status. Queue redelivery makes this
// an expected condition, not a fault.
var ErrAlreadyTerminal = errors.New("delivery already terminal")

// ErrNotFound is returned by reads for an unknown delivery id.
var ErrNotFound = errors.New("delivery not found")

// Store is the Postgres-backed delivery record store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect establishes a connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Create inserts a new PENDING delivery with attempt_count 1 and returns
// its assigned id.
func (s *Store) Create(ctx context.Context, endpointID int64, eventType, payload string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (webhook_endpoint_id, event_type, payload, attempt_count, status)
		VALUES ($1, $2, $3, 1, $4)
		RETURNING id`,
		endpointID, eventType, payload, delivery.StatusPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert delivery: %w", err)
	}
	return id, nil
}

// InsertInitialLog seeds the audit trail at creation time, before the
// first attempt executes.
func (s *Store) InsertInitialLog(ctx context.Context, deliveryID int64, attemptNumber int32, requestBody string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_delivery_audit_logs (delivery_id, attempt_number, request_body, status, logged_at)
		VALUES ($1, $2, $3, $4, now())`,
		deliveryID, attemptNumber, requestBody, delivery.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("insert initial audit log: %w", err)
	}
	return nil
}

// RecordOutcome applies one attempt's result: it updates the delivery row
// and appends the attempt's audit entry in a single transaction. Both
// writes commit together or not at all. Outcomes for already-terminal
// deliveries return ErrAlreadyTerminal without touching anything; every
// legal transition originates from PENDING.
func (s *Store) RecordOutcome(ctx context.Context, deliveryID int64, attemptCount int32, out delivery.Outcome) error {
	// The audit entry records the attempt's own result; the delivery row
	// records where the state machine rests. A failed attempt with a retry
	// scheduled leaves the row PENDING.
	recordStatus := out.Status
	if out.Status == delivery.StatusFailed && out.NextRetryAt != nil {
		recordStatus = delivery.StatusPending
	}
	if !delivery.CanTransition(delivery.StatusPending, recordStatus) {
		return fmt.Errorf("illegal transition PENDING -> %s", recordStatus)
	}

	reqHeaders, err := headersJSON(out.RequestHeaders)
	if err != nil {
		return err
	}
	respHeaders, err := headersJSON(out.ResponseHeaders)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE webhook_deliveries
		SET response_status = $1,
		    response_body   = $2,
		    status          = $3,
		    failure_reason  = NULLIF($4, ''),
		    next_retry_at   = $5,
		    attempt_count   = $6,
		    delivered_at    = CASE WHEN $3 = 'DELIVERED' THEN now() ELSE delivered_at END
		WHERE id = $7 AND status = 'PENDING'`,
		out.ResponseStatus, nullIfEmpty(out.ResponseBody), recordStatus, string(out.FailureReason),
		out.NextRetryAt, attemptCount, deliveryID,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows means either the delivery already left PENDING or the
		// id never existed. The first is a safe replay; the second is a
		// real fault the caller must hear about.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM webhook_deliveries WHERE id = $1)`, deliveryID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check delivery %d: %w", deliveryID, err)
		}
		if !exists {
			return fmt.Errorf("delivery %d: %w", deliveryID, ErrNotFound)
		}
		return ErrAlreadyTerminal
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO webhook_delivery_audit_logs
			(delivery_id, attempt_number, request_headers, request_body,
			 response_status, response_headers, response_body, status, logged_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6::jsonb, $7, $8, now())`,
		deliveryID, attemptCount, reqHeaders, nullIfEmpty(out.RequestBody),
		out.ResponseStatus, respHeaders, nullIfEmpty(out.ResponseBody), out.Status,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome tx: %w", err)
	}
	return nil
}

// GetDelivery returns the delivery record by id.
func (s *Store) GetDelivery(ctx context.Context, id int64) (*delivery.Record, error) {
	var (
		r           delivery.Record
		statusStr   string
		reason      *string
		respBody    *string
		nextRetryAt *time.Time
		deliveredAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, webhook_endpoint_id, event_type, payload, response_status,
		       response_body, attempt_count, status, failure_reason,
		       next_retry_at, delivered_at, created_at
		FROM webhook_deliveries WHERE id = $1`, id,
	).Scan(&r.ID, &r.EndpointID, &r.EventType, &r.Payload, &r.ResponseStatus,
		&respBody, &r.AttemptCount, &statusStr, &reason,
		&nextRetryAt, &deliveredAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select delivery: %w", err)
	}

	st, err := delivery.ParseStatus(statusStr)
	if err != nil {
		return nil, err
	}
	r.Status = st
	if reason != nil {
		r.FailureReason = *reason
	}
	if respBody != nil {
		r.ResponseBody = *respBody
	}
	r.NextRetryAt = nextRetryAt
	r.DeliveredAt = deliveredAt
	return &r, nil
}

// ListAttempts returns the complete ordered audit trail for a delivery.
func (s *Store) ListAttempts(ctx context.Context, deliveryID int64) ([]delivery.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT delivery_id, attempt_number, request_headers, request_body,
		       response_status, response_headers, response_body, status, logged_at
		FROM webhook_delivery_audit_logs
		WHERE delivery_id = $1
		ORDER BY logged_at ASC, id ASC`, deliveryID,
	)
	if err != nil {
		return nil, fmt.Errorf("select audit logs: %w", err)
	}
	defer rows.Close()

	var out []delivery.AuditEntry
	for rows.Next() {
		var (
			e           delivery.AuditEntry
			reqHeaders  []byte
			respHeaders []byte
			reqBody     *string
			respBody    *string
			statusStr   string
		)
		if err := rows.Scan(&e.DeliveryID, &e.AttemptNumber, &reqHeaders, &reqBody,
			&e.ResponseStatus, &respHeaders, &respBody, &statusStr, &e.LoggedAt); err != nil {
			return nil, err
		}
		st, err := delivery.ParseStatus(statusStr)
		if err != nil {
			return nil, err
		}
		e.Status = st
		if reqBody != nil {
			e.RequestBody = *reqBody
		}
		if respBody != nil {
			e.ResponseBody = *respBody
		}
		if len(reqHeaders) > 0 {
			_ = json.Unmarshal(reqHeaders, &e.RequestHeaders)
		}
		if len(respHeaders) > 0 {
			_ = json.Unmarshal(respHeaders, &e.ResponseHeaders)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// headersJSON marshals a header map for a jsonb column, mapping an empty
// map to NULL.
func headersJSON(h map[string]string) (*string, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	s := string(b)
	return &s, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
