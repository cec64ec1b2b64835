package chat

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Yug2op/SkillExchange-sub001/internal/log"
)

const (
	// ChatPrefix is the Redis key prefix for cached chat participant hashes.
	ChatPrefix = "chat:"

	// PartnersPrefix is the Redis key prefix for cached partner sets.
	PartnersPrefix = "partners:"

	// ParticipantsTTL bounds how long a participant pair is cached. Chats
	// never change participants, so this only limits memory use.
	ParticipantsTTL = 2 * time.Hour

	// PartnersTTL is short because new chats add partners.
	PartnersTTL = 30 * time.Second
)

// CachedDirectory is a Directory that caches lookups in Redis. Redis errors
// fall through to the wrapped Directory so a cache outage never blocks joins
// or presence.
type CachedDirectory struct {
	rdb   *redis.Client
	inner Directory
}

var _ Directory = (*CachedDirectory)(nil)

// NewCachedDirectory wraps inner with a Redis cache.
func NewCachedDirectory(rdb *redis.Client, inner Directory) *CachedDirectory {
	return &CachedDirectory{rdb: rdb, inner: inner}
}

// ParticipantsOf returns the chat's participants from Redis or, on a miss,
// from the wrapped Directory, populating the cache.
func (d *CachedDirectory) ParticipantsOf(ctx context.Context, chatID string) (Participants, error) {
	key := ChatPrefix + chatID
	logger := log.WithComponent("chat-cache")

	result, err := d.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		logger.Warn().Err(err).Str("chat_id", chatID).Msg("participants cache read failed")
	} else if result["user_a"] != "" && result["user_b"] != "" {
		return Participants{UserA: result["user_a"], UserB: result["user_b"]}, nil
	}

	p, err := d.inner.ParticipantsOf(ctx, chatID)
	if err != nil {
		return Participants{}, err
	}

	pipe := d.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_a": p.UserA,
		"user_b": p.UserB,
	})
	pipe.Expire(ctx, key, ParticipantsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn().Err(err).Str("chat_id", chatID).Msg("participants cache write failed")
	}
	return p, nil
}

// PartnersOf returns userID's chat partners, cached as a Redis set.
func (d *CachedDirectory) PartnersOf(ctx context.Context, userID string) ([]string, error) {
	key := PartnersPrefix + userID
	logger := log.WithComponent("chat-cache")

	// An empty set is indistinguishable from a miss, so users without chats
	// always reach the wrapped Directory.
	members, err := d.rdb.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Warn().Err(err).Str("user_id", userID).Msg("partners cache read failed")
	} else if len(members) > 0 {
		return members, nil
	}

	partners, err := d.inner.PartnersOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(partners) == 0 {
		return partners, nil
	}

	vals := make([]interface{}, len(partners))
	for i, p := range partners {
		vals[i] = p
	}
	pipe := d.rdb.Pipeline()
	pipe.Del(ctx, key)
	pipe.SAdd(ctx, key, vals...)
	pipe.Expire(ctx, key, PartnersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("partners cache write failed")
	}
	return partners, nil
}

// Invalidate drops cached entries for a chat and its participants.
func (d *CachedDirectory) Invalidate(ctx context.Context, chatID string, users ...string) error {
	keys := []string{ChatPrefix + chatID}
	for _, u := range users {
		keys = append(keys, PartnersPrefix+u)
	}
	return d.rdb.Del(ctx, keys...).Err()
}
