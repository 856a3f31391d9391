package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/postkeep/postkeep/internal/model"
	"github.com/postkeep/postkeep/internal/store"
)

var (
	runsStatus string
	runsURL    string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent archive runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(runsStatus),
			URL:    runsURL,
			Limit:  runsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list runs")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (queued, fetching, complete, failed, cancelled, ...)")
	runsCmd.Flags().StringVar(&runsURL, "url", "", "filter by post url")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "max runs to list")
	rootCmd.AddCommand(runsCmd)
}
