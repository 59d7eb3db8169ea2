package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/storyframe/storyframe-backend/pkg/redis"
)

const (
	markerInFlight = "processing"
	markerDone     = "done"
)

// GuardState is what the guard knows about an event id.
type GuardState int

const (
	// GuardFresh means this delivery now owns the event.
	GuardFresh GuardState = iota
	// GuardInFlight means another delivery is still applying it.
	GuardInFlight
	// GuardDone means the event was applied and acknowledged.
	GuardDone
)

// IdempotencyGuard marks event ids in Redis. A marker starts as in-flight
// with a short TTL so a crashed worker cannot suppress retries, and is only
// promoted to done, with the long TTL, once the event has been applied.
type IdempotencyGuard struct {
	store       redis.IdempotencyStore
	ttl         time.Duration
	inFlightTTL time.Duration
	scope       string
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl, inFlightTTL time.Duration, scope string) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 || inFlightTTL < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if ttl > 0 && inFlightTTL > ttl {
		return nil, errors.New("in-flight ttl must not exceed the done ttl")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &IdempotencyGuard{
		store:       store,
		ttl:         ttl,
		inFlightTTL: inFlightTTL,
		scope:       scope,
	}, nil
}

// Begin claims the event for this delivery or reports who already has it.
func (g *IdempotencyGuard) Begin(ctx context.Context, eventID string) (GuardState, error) {
	key, err := g.key(eventID)
	if err != nil {
		return GuardFresh, err
	}
	set, err := g.store.SetNX(ctx, key, markerInFlight, g.inFlightTTL)
	if err != nil {
		return GuardFresh, fmt.Errorf("set idempotency key: %w", err)
	}
	if set {
		return GuardFresh, nil
	}
	marker, err := g.store.Get(ctx, key)
	if err != nil && !errors.Is(err, goredis.Nil) {
		return GuardFresh, fmt.Errorf("read idempotency key: %w", err)
	}
	if marker == markerDone {
		return GuardDone, nil
	}
	// A marker that expired between SetNX and Get also lands here; the
	// provider retries and the next attempt claims it.
	return GuardInFlight, nil
}

// Complete records that the event was applied.
func (g *IdempotencyGuard) Complete(ctx context.Context, eventID string) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, key, markerDone, g.ttl); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release drops the marker so the provider's retry is processed.
func (g *IdempotencyGuard) Release(ctx context.Context, eventID string) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *IdempotencyGuard) key(eventID string) (string, error) {
	if eventID == "" {
		return "", errors.New("event id is required")
	}
	return g.store.IdempotencyKey(g.scope, eventID), nil
}
