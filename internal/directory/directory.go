// Package directory resolves webhook endpoints from the Redis-backed
// configuration store.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Wildcard is the reserved subscription token matching every event type.
const Wildcard = "*"

// ErrNotFound is returned when an endpoint id does not exist. It is
// distinct from transport errors: absence is terminal for a delivery,
// an unreachable store is retryable.
var ErrNotFound = errors.New("endpoint not found")

const (
	endpointKeyPrefix = "hookd:endpoint:"
	tenantIndexPrefix = "hookd:endpoints:tenant:"
)

// Endpoint is a subscriber-registered delivery target.
type Endpoint struct {
	ID                   int64     `json:"id"`
	TenantID             string    `json:"tenantId"`
	URL                  string    `json:"url"`
	SubscribedEventTypes []string  `json:"subscribedEventTypes"`
	Secret               string    `json:"secret,omitempty"`
	IsActive             bool      `json:"isActive"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
	CreatedBy            string    `json:"createdBy,omitempty"`
	Notes                string    `json:"notes,omitempty"`
}

// SubscribedTo reports whether the endpoint receives the given event type,
// directly or via the wildcard. Matching is case-sensitive and exact.
func (e Endpoint) SubscribedTo(eventType string) bool {
	for _, t := range e.SubscribedEventTypes {
		if t == eventType || t == Wildcard {
			return true
		}
	}
	return false
}

// Directory looks up endpoints in Redis.
type Directory struct {
	rdb goredis.UniversalClient
}

// New wraps an existing Redis client.
func New(rdb goredis.UniversalClient) *Directory {
	return &Directory{rdb: rdb}
}

func endpointKey(id int64) string {
	return fmt.Sprintf("%s%d", endpointKeyPrefix, id)
}

func tenantIndexKey(tenantID string) string {
	return tenantIndexPrefix + tenantID
}

// FindByID resolves an endpoint by id.
func (d *Directory) FindByID(ctx context.Context, id int64) (*Endpoint, error) {
	raw, err := d.rdb.Get(ctx, endpointKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directory get endpoint %d: %w", id, err)
	}
	var ep Endpoint
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return nil, fmt.Errorf("directory decode endpoint %d: %w", id, err)
	}
	return &ep, nil
}

// FindActiveSubscribers returns every active endpoint of the tenant
// subscribed to the event type.
func (d *Directory) FindActiveSubscribers(ctx context.Context, tenantID, eventType string) ([]Endpoint, error) {
	ids, err := d.rdb.SMembers(ctx, tenantIndexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory list tenant %s: %w", tenantID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = endpointKeyPrefix + id
	}
	raws, err := d.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("directory mget endpoints: %w", err)
	}

	var out []Endpoint
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // index member without a value key; skip
		}
		var ep Endpoint
		if err := json.Unmarshal([]byte(s), &ep); err != nil {
			continue
		}
		if ep.IsActive && ep.SubscribedTo(eventType) {
			out = append(out, ep)
		}
	}
	return out, nil
}

// Put stores an endpoint and indexes it under its tenant.
func (d *Directory) Put(ctx context.Context, ep Endpoint) error {
	b, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("directory encode endpoint %d: %w", ep.ID, err)
	}
	pipe := d.rdb.TxPipeline()
	pipe.Set(ctx, endpointKey(ep.ID), b, 0)
	pipe.SAdd(ctx, tenantIndexKey(ep.TenantID), fmt.Sprintf("%d", ep.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directory put endpoint %d: %w", ep.ID, err)
	}
	return nil
}

// ListByTenant returns every endpoint registered for a tenant, active or
// not.
func (d *Directory) ListByTenant(ctx context.Context, tenantID string) ([]Endpoint, error) {
	ids, err := d.rdb.SMembers(ctx, tenantIndexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory list tenant %s: %w", tenantID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = endpointKeyPrefix + id
	}
	raws, err := d.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("directory mget endpoints: %w", err)
	}
	var out []Endpoint
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var ep Endpoint
		if err := json.Unmarshal([]byte(s), &ep); err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// NextID allocates a new endpoint id from a Redis counter.
func (d *Directory) NextID(ctx context.Context) (int64, error) {
	id, err := d.rdb.Incr(ctx, "hookd:endpoint:next_id").Result()
	if err != nil {
		return 0, fmt.Errorf("directory allocate id: %w", err)
	}
	return id, nil
}
