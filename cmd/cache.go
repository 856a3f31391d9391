package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rotisserie/eris"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the archive result cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired entries from the result cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initArchiver(ctx, "archive")
		if err != nil {
			return err
		}
		defer env.Close()

		removed, err := env.Archiver.PurgeCache(ctx)
		if err != nil {
			return eris.Wrap(err, "purge cache")
		}

		zap.L().Info("cache purged", zap.Int("removed", removed))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
