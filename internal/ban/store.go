// Package ban provides user suspensions backed by Redis. A suspended user
// cannot open chat connections until the suspension expires or is lifted.
// Records are simple key-value pairs with TTL-based expiry:
//
//	Key:   suspend:<userID>
//	Value: <reason>
//	TTL:   suspension duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SuspendPrefix is the Redis key prefix for suspension records.
const SuspendPrefix = "suspend:"

// Store manages suspension records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new suspension store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsSuspended checks whether userID is currently suspended and returns the
// remaining duration and reason. Redis errors are returned so callers can
// decide how to handle them; the chat server fails open.
func (s *Store) IsSuspended(ctx context.Context, userID string) (bool, time.Duration, string, error) {
	key := SuspendPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", fmt.Errorf("ban: get %s: %w", key, err)
	}

	// The record exists; report the suspension even if its TTL is unreadable.
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return true, 0, reason, nil
	}
	return true, ttl, reason, nil
}

// Suspend suspends userID for duration. A zero duration suspends until Lift.
func (s *Store) Suspend(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if userID == "" {
		return errors.New("ban: empty user id")
	}
	if err := s.client.Set(ctx, SuspendPrefix+userID, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: suspend %s: %w", userID, err)
	}
	return nil
}

// Lift removes a suspension immediately. Lifting an unsuspended user is not
// an error.
func (s *Store) Lift(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, SuspendPrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: lift %s: %w", userID, err)
	}
	return nil
}
