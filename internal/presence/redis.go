package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for all presence hashes.
	PresencePrefix = "presence:"

	// OnlineTTL bounds how long an online record survives without a refresh,
	// so a crashed server does not leave its users online forever.
	OnlineTTL = 1 * time.Hour

	// OfflineTTL is how long last-seen information is retained.
	OfflineTTL = 30 * 24 * time.Hour
)

// Record is a user's presence as mirrored in Redis.
type Record struct {
	UserID   string `redis:"user_id"`
	Online   bool   `redis:"online"`
	Server   string `redis:"server"`    // which chat server instance holds the connections
	LastSeen int64  `redis:"last_seen"` // unix millis, 0 if never offline
}

// RedisMirror publishes presence state into Redis for readers outside this
// process, such as the REST layer rendering a chat list.
type RedisMirror struct {
	client     *redis.Client
	serverName string // identifier for this chat server instance
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror connects to Redis and returns a mirror for serverName.
func NewRedisMirror(redisAddr string, serverName string) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &RedisMirror{client: client, serverName: serverName}, nil
}

// SetOnline marks userID online on this server and refreshes the TTL.
func (m *RedisMirror) SetOnline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "online", true, "server", m.serverName)
	pipe.Expire(ctx, key, OnlineTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline marks userID offline and records when it was last seen.
func (m *RedisMirror) SetOffline(ctx context.Context, userID string, at time.Time) error {
	key := PresencePrefix + userID
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "online", false, "server", "", "last_seen", at.UnixMilli())
	pipe.Expire(ctx, key, OfflineTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a user's presence record. Returns nil if not found.
func (m *RedisMirror) Get(ctx context.Context, userID string) (*Record, error) {
	key := PresencePrefix + userID
	var rec Record
	if err := m.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.UserID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// LastSeen returns the mirrored last-seen time for userID, which outlives a
// restart of this process.
func (m *RedisMirror) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := m.client.HGet(ctx, PresencePrefix+userID, "last_seen").Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (m *RedisMirror) Client() *redis.Client {
	return m.client
}
