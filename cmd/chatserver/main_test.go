package main

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/store/memory"
)

func TestParseChatSeed(t *testing.T) {
	id, a, b, err := parseChatSeed("chat-1:alice:bob")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", id)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	for _, bad := range []string{"", "chat-1", "chat-1:alice", "chat-1::bob", "a:b:c:d"} {
		_, _, _, err := parseChatSeed(bad)
		assert.Error(t, err, bad)
	}
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "chats", "suspend", "lift"} {
		assert.True(t, names[want], want)
	}

	assert.Error(t, migrateCmd.Args(migrateCmd, []string{"sideways"}))
	assert.NoError(t, migrateCmd.Args(migrateCmd, []string{"up"}))
}

func TestCreatedChatDropsCachedPartners(t *testing.T) {
	const addr = "localhost:6379"
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	keys := []string{chat.ChatPrefix + "test_cli_chat", chat.PartnersPrefix + "test_cli_a", chat.PartnersPrefix + "test_cli_b"}
	t.Cleanup(func() { client.Del(ctx, keys...) })
	require.NoError(t, client.SAdd(ctx, keys[1], "test_cli_old").Err())
	require.NoError(t, client.SAdd(ctx, keys[2], "test_cli_old").Err())

	require.NoError(t, invalidateChat(ctx, addr, "test", memory.New(), "test_cli_chat", "test_cli_a", "test_cli_b"))

	n, err := client.Exists(ctx, keys...).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
