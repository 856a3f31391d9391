package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/postkeep/postkeep/internal/model"
)

var (
	batchFile  string
	batchLimit int
	batchAI    bool
)

var batchCmd = &cobra.Command{
	Use:   "batch [url ...]",
	Short: "Archive many posts concurrently",
	Long:  "Archives every URL given as an argument or listed in --file (one per line, # comments allowed).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		urls := args
		if batchFile != "" {
			fromFile, err := readURLFile(batchFile)
			if err != nil {
				return err
			}
			urls = append(urls, fromFile...)
		}
		if len(urls) == 0 {
			return eris.New("no urls given: pass them as arguments or via --file")
		}

		env, err := initArchiver(ctx, "archive")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := model.ArchiveOptions{
			EnableAI:         batchAI,
			DownloadMedia:    cfg.Vault.DownloadMedia,
			OrganizeStrategy: cfg.Vault.OrganizeStrategy,
		}

		return processBatch(ctx, urls, batchLimit, cfg.Batch.MaxConcurrent, func(ctx context.Context, url string) *model.ArchiveResult {
			return env.Archiver.Archive(ctx, url, opts)
		})
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "file with one post URL per line")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of urls to process (0 = all)")
	batchCmd.Flags().BoolVar(&batchAI, "ai", false, "generate AI summaries (costs extra credits per post)")
	rootCmd.AddCommand(batchCmd)
}

// readURLFile parses a url-per-line file, skipping blanks and # comments.
func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open url file %s", path)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "read url file %s", path)
	}
	return urls, nil
}

// archiveFunc is the callback signature for archiving one URL.
type archiveFunc func(ctx context.Context, url string) *model.ArchiveResult

// processBatch applies limit, then archives urls concurrently. Individual
// failures are logged and counted without aborting the batch.
func processBatch(ctx context.Context, urls []string, limit, concurrency int, archiveOne archiveFunc) error {
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}

	zap.L().Info("processing batch",
		zap.Int("urls", len(urls)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed, cached atomic.Int64

	for _, url := range urls {
		g.Go(func() error {
			log := zap.L().With(zap.String("url", url))

			result := archiveOne(gctx, url)
			switch {
			case result.Cancelled:
				failed.Add(1)
				log.Warn("archive cancelled")
			case !result.Success:
				failed.Add(1)
				log.Error("archive failed", zap.String("error", result.Error))
			case result.FromCache:
				cached.Add(1)
				log.Info("already archived", zap.String("path", result.Path))
			default:
				succeeded.Add(1)
				log.Info("archive complete",
					zap.String("path", result.Path),
					zap.Int("credits_used", result.CreditsUsed),
				)
			}
			return nil // don't abort batch on individual failure
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("cached", cached.Load()),
		zap.Int64("failed", failed.Load()),
	)

	if failed.Load() > 0 {
		return eris.Errorf("%d of %d urls failed", failed.Load(), int64(len(urls)))
	}
	return nil
}
