package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Webhook event guard
// ============================================================================
//
// The payment processor may deliver the same event several times, sometimes
// concurrently. The guard lets the first delivery of an event id through and
// turns the others away while it is being processed or after it succeeded.
//
// Claim:   SET key "processing:<owner>" NX EX ttl
// Done:    SET key "done" EX ttl (only if we still own the claim)
// Release: DEL key (only if we still own the claim), so a failed attempt can
//          be retried by the next delivery.
//
// The guard is an optimisation in front of the conditional database update;
// ledger correctness never depends on it.
// ============================================================================

var ErrAlreadyHandled = errors.New("event already handled or in progress")

const (
	keyPrefix   = "webhook:event:"
	stateDone   = "done"
	claimPrefix = "processing:"
)

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var doneScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
	else
		return 0
	end
`)

// EventGuard de-duplicates webhook deliveries by event id.
type EventGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewEventGuard(client *redis.Client, ttl time.Duration) *EventGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EventGuard{client: client, ttl: ttl}
}

// Claim marks eventID as in progress for owner. It returns ErrAlreadyHandled when
// another delivery holds the claim or the event already succeeded.
func (g *EventGuard) Claim(ctx context.Context, eventID, owner string) error {
	ok, err := g.client.SetNX(ctx, keyPrefix+eventID, claimPrefix+owner, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if !ok {
		return ErrAlreadyHandled
	}
	return nil
}

// Done records that eventID was fully processed.
func (g *EventGuard) Done(ctx context.Context, eventID, owner string) error {
	seconds := int64(g.ttl / time.Second)
	return doneScript.Run(ctx, g.client, []string{keyPrefix + eventID}, claimPrefix+owner, stateDone, seconds).Err()
}

// Release drops the claim after a failed attempt.
func (g *EventGuard) Release(ctx context.Context, eventID, owner string) error {
	return releaseScript.Run(ctx, g.client, []string{keyPrefix + eventID}, claimPrefix+owner).Err()
}
