package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/postkeep/postkeep/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "postkeep",
	Short: "Archive social media posts to a local vault",
	Long:  "Fetches posts from X, Threads, Bluesky and Mastodon, downloads their media, converts them to markdown notes and files them in a local vault, with credit-metered AI summaries.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
