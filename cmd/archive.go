package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/postkeep/postkeep/internal/archive"
	"github.com/postkeep/postkeep/internal/model"
)

var (
	archiveMedia     bool
	archiveAI        bool
	archiveDeep      bool
	archiveShare     bool
	archiveSkipCache bool
	archiveTemplate  string
	archiveOrganize  string
	archiveQuiet     bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive <url>",
	Short: "Archive a single post to the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initArchiver(ctx, "archive")
		if err != nil {
			return err
		}
		defer env.Close()

		if !cmd.Flags().Changed("media") {
			archiveMedia = cfg.Vault.DownloadMedia
		}
		organize := archiveOrganize
		if organize == "" {
			organize = cfg.Vault.OrganizeStrategy
		}

		opts := model.ArchiveOptions{
			EnableAI:          archiveAI,
			DownloadMedia:     archiveMedia,
			GenerateShareLink: archiveShare,
			DeepResearch:      archiveDeep,
			CustomTemplate:    archiveTemplate,
			OrganizeStrategy:  organize,
			SkipCache:         archiveSkipCache,
		}

		if !archiveQuiet {
			listener := progressPrinter{out: cmd.ErrOrStderr()}
			env.Archiver.Subscribe(listener)
			defer env.Archiver.Unsubscribe(listener)
		}

		result := env.Archiver.Archive(ctx, args[0], opts)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return eris.Wrap(err, "encode result")
		}

		switch {
		case result.Cancelled:
			return eris.New("archive cancelled")
		case !result.Success:
			return eris.Errorf("archive failed: %s", result.Error)
		}
		return nil
	},
}

// progressPrinter renders pipeline events as single-line terminal output.
type progressPrinter struct {
	out io.Writer
}

func (p progressPrinter) HandleEvent(e archive.Event) {
	switch e.Kind {
	case archive.EventProgress:
		if e.Attempt > 0 {
			fmt.Fprintf(p.out, "%3d%%  %s (retry %d)\n", e.Percent, e.Stage, e.Attempt)
			return
		}
		fmt.Fprintf(p.out, "%3d%%  %s\n", e.Percent, e.Stage)
	case archive.EventError:
		fmt.Fprintf(p.out, "error: %s\n", e.Error)
	case archive.EventCancelled:
		fmt.Fprintln(p.out, "cancelled")
	}
}

func init() {
	archiveCmd.Flags().BoolVar(&archiveMedia, "media", true, "download post media into the vault")
	archiveCmd.Flags().BoolVar(&archiveAI, "ai", false, "generate an AI summary (costs extra credits)")
	archiveCmd.Flags().BoolVar(&archiveDeep, "deep-research", false, "generate a deep research write-up (costs extra credits)")
	archiveCmd.Flags().BoolVar(&archiveShare, "share", false, "create a share link for the archived note")
	archiveCmd.Flags().BoolVar(&archiveSkipCache, "skip-cache", false, "bypass the result cache and re-archive")
	archiveCmd.Flags().StringVar(&archiveTemplate, "template", "", "custom note template name")
	archiveCmd.Flags().StringVar(&archiveOrganize, "organize", "", "vault layout: flat, by-platform or by-date (default from config)")
	archiveCmd.Flags().BoolVarP(&archiveQuiet, "quiet", "q", false, "suppress progress output")
	rootCmd.AddCommand(archiveCmd)
}
