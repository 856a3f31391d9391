package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	creditsRefresh      bool
	creditsHistoryLimit int
	refundReason        string
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show credit balance, reservations and recent transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initArchiver(ctx, "credits")
		if err != nil {
			return err
		}
		defer env.Close()

		if creditsRefresh {
			balance, err := env.Ledger.RefreshBalance(ctx)
			if err != nil {
				return eris.Wrap(err, "refresh balance")
			}
			zap.L().Info("balance refreshed", zap.Int("balance", balance))
		}

		snap, err := env.Ledger.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "ledger snapshot")
		}
		if creditsHistoryLimit >= 0 && len(snap.Transactions) > creditsHistoryLimit {
			snap.Transactions = snap.Transactions[len(snap.Transactions)-creditsHistoryLimit:]
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var refundCmd = &cobra.Command{
	Use:   "refund <transaction-id>",
	Short: "Refund a prior credit deduction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initArchiver(ctx, "credits")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Ledger.RefundCredits(ctx, args[0], refundReason); err != nil {
			return eris.Wrap(err, "refund credits")
		}

		balance, err := env.Ledger.Balance(ctx)
		if err != nil {
			return eris.Wrap(err, "read balance")
		}
		zap.L().Info("refund complete",
			zap.String("transaction_id", args[0]),
			zap.Int("balance", balance),
		)
		return nil
	},
}

func init() {
	creditsCmd.Flags().BoolVar(&creditsRefresh, "refresh", false, "re-sync balance from the license service first")
	creditsCmd.Flags().IntVar(&creditsHistoryLimit, "history", 20, "number of recent transactions to include (-1 = all)")
	refundCmd.Flags().StringVar(&refundReason, "reason", "", "reason recorded with the refund")
	creditsCmd.AddCommand(refundCmd)
	rootCmd.AddCommand(creditsCmd)
}
