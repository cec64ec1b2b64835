package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(postgres.Up), string(postgres.Down)},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}

		dir := postgres.Direction(args[0])
		if err := postgres.Migrate(cfg.DatabaseURL, dir); err != nil {
			return err
		}

		logger := log.WithComponent("migrate")
		logger.Info().Str("direction", string(dir)).Msg("migrations applied")
		fmt.Printf("✓ migrate %s complete\n", dir)
		return nil
	},
}
