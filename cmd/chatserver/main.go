package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Yug2op/SkillExchange-sub001/internal/config"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatserver",
	Short: "Real-time chat server",
	Long: `chatserver accepts authenticated WebSocket connections and delivers
one-to-one chat messages, typing indicators, presence and read receipts.

Configuration is read from the environment, optionally seeded from a
.env file given with --env-file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("chatserver %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "env files to load before reading the environment (default .env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(liftCmd)
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	files, _ := cmd.Flags().GetStringSlice("env-file")
	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}
