package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Yug2op/SkillExchange-sub001/internal/ban"
	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/presence"
	"github.com/Yug2op/SkillExchange-sub001/internal/store/postgres"
)

// Chat commands
var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage chats",
}

var chatsCreateCmd = &cobra.Command{
	Use:   "create <userA> <userB>",
	Short: "Create a one-to-one chat between two users",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}

		chatID, _ := cmd.Flags().GetString("id")
		if chatID == "" {
			chatID = uuid.New().String()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		store := postgres.NewStore(db)
		if err := store.CreateChat(ctx, chatID, args[0], args[1]); err != nil {
			return err
		}

		// Running servers cache partner sets; drop them so presence reaches
		// the new partner without waiting for the TTL.
		if cfg.RedisAddr != "" {
			if err := invalidateChat(ctx, cfg.RedisAddr, cfg.ServerName, store, chatID, args[0], args[1]); err != nil {
				logger := log.WithComponent("admin")
				logger.Warn().Err(err).Str("chat_id", chatID).Msg("directory cache not invalidated")
			}
		}
		fmt.Println(chatID)
		return nil
	},
}

func invalidateChat(ctx context.Context, redisAddr, serverName string, dir chat.Directory, chatID string, users ...string) error {
	mirror, err := presence.NewRedisMirror(redisAddr, serverName)
	if err != nil {
		return err
	}
	defer mirror.Close()
	return chat.NewCachedDirectory(mirror.Client(), dir).Invalidate(ctx, chatID, users...)
}

// Suspension commands
var suspendCmd = &cobra.Command{
	Use:   "suspend <user>",
	Short: "Suspend a user; open connections are refused on their next attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("for")
		reason, _ := cmd.Flags().GetString("reason")
		if duration <= 0 {
			return errors.New("--for must be positive")
		}

		return withBans(cmd, func(ctx context.Context, bans *ban.Store) error {
			if err := bans.Suspend(ctx, args[0], duration, reason); err != nil {
				return err
			}
			fmt.Printf("✓ %s suspended for %s\n", args[0], duration)
			return nil
		})
	},
}

var liftCmd = &cobra.Command{
	Use:   "lift <user>",
	Short: "Lift a user's suspension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBans(cmd, func(ctx context.Context, bans *ban.Store) error {
			if err := bans.Lift(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ suspension of %s lifted\n", args[0])
			return nil
		})
	},
}

func init() {
	chatsCreateCmd.Flags().String("id", "", "chat id (default: random UUID)")
	chatsCmd.AddCommand(chatsCreateCmd)

	suspendCmd.Flags().Duration("for", 24*time.Hour, "suspension length")
	suspendCmd.Flags().String("reason", "", "reason shown in logs")
}

// withBans connects to Redis and runs fn against the suspension store.
func withBans(cmd *cobra.Command, fn func(ctx context.Context, bans *ban.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is not set")
	}

	mirror, err := presence.NewRedisMirror(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer mirror.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	return fn(ctx, ban.NewStore(mirror.Client()))
}
