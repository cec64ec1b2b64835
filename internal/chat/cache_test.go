package chat

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDirectory struct {
	participants map[string]Participants
	partners     map[string][]string
	calls        int
}

func (d *countingDirectory) ParticipantsOf(_ context.Context, chatID string) (Participants, error) {
	d.calls++
	p, ok := d.participants[chatID]
	if !ok {
		return Participants{}, ErrChatNotFound
	}
	return p, nil
}

func (d *countingDirectory) PartnersOf(_ context.Context, userID string) ([]string, error) {
	d.calls++
	return d.partners[userID], nil
}

// newTestCache requires a running Redis on localhost:6379.
func newTestCache(t *testing.T, inner Directory) *CachedDirectory {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{ChatPrefix + "test_*", PartnersPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewCachedDirectory(client, inner)
}

func TestCachedDirectory_ParticipantsOf(t *testing.T) {
	inner := &countingDirectory{
		participants: map[string]Participants{"test_chat": {UserA: "test_a", UserB: "test_b"}},
	}
	cache := newTestCache(t, inner)
	ctx := context.Background()

	p, err := cache.ParticipantsOf(ctx, "test_chat")
	require.NoError(t, err)
	assert.Equal(t, Participants{UserA: "test_a", UserB: "test_b"}, p)

	p, err = cache.ParticipantsOf(ctx, "test_chat")
	require.NoError(t, err)
	assert.Equal(t, "test_b", p.UserB)
	assert.Equal(t, 1, inner.calls, "second lookup should be served from redis")
}

func TestCachedDirectory_NotFoundIsNotCached(t *testing.T) {
	inner := &countingDirectory{participants: map[string]Participants{}}
	cache := newTestCache(t, inner)

	_, err := cache.ParticipantsOf(context.Background(), "test_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cache.ParticipantsOf(context.Background(), "test_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedDirectory_PartnersAndInvalidate(t *testing.T) {
	inner := &countingDirectory{partners: map[string][]string{"test_a": {"test_b", "test_c"}}}
	cache := newTestCache(t, inner)
	ctx := context.Background()

	got, err := cache.PartnersOf(ctx, "test_a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"test_b", "test_c"}, got)

	got, err = cache.PartnersOf(ctx, "test_a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"test_b", "test_c"}, got)
	assert.Equal(t, 1, inner.calls)

	require.NoError(t, cache.Invalidate(ctx, "test_chat", "test_a"))
	_, err = cache.PartnersOf(ctx, "test_a")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
