package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/postkeep/postkeep/internal/archive"
	"github.com/postkeep/postkeep/internal/credit"
	"github.com/postkeep/postkeep/internal/monitoring"
	"github.com/postkeep/postkeep/internal/resilient"
	"github.com/postkeep/postkeep/internal/store"
	anthropicpkg "github.com/postkeep/postkeep/pkg/anthropic"
	"github.com/postkeep/postkeep/pkg/licenseapi"
	"github.com/postkeep/postkeep/pkg/summarize"
)

// archiveEnv holds the initialized store, ledger and archiver needed by the
// archive/batch/serve commands.
type archiveEnv struct {
	Store    store.Store
	Ledger   *credit.Ledger
	License  *licenseapi.Client
	Archiver *archive.Archiver
}

// Close releases resources held by the environment.
func (ae *archiveEnv) Close() {
	if ae.Archiver != nil {
		_ = ae.Archiver.Dispose(context.Background())
	}
	if ae.Ledger != nil {
		ae.Ledger.Close()
	}
	if ae.Store != nil {
		_ = ae.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "postkeep.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	case "none":
		return store.NewNop(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initArchiver sets up the store, license client, credit ledger and the
// archiver. Callers should defer env.Close().
func initArchiver(ctx context.Context, mode string) (*archiveEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	transport := resilient.New(cfg.Circuit.ToBreakerConfig(),
		resilient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.License.TimeoutSecs) * time.Second,
		}),
	)
	license := licenseapi.New(cfg.License.Key,
		licenseapi.WithBaseURL(cfg.License.BaseURL),
		licenseapi.WithTransport(transport),
		licenseapi.WithRateLimit(cfg.License.RequestsPerSec, cfg.License.RequestBurst),
	)

	ledgerCfg := cfg.Credit.LedgerConfig()
	if cfg.Monitoring.WebhookURL != "" {
		ledgerCfg.AlertSink = monitoring.NewWebhookAlerter(cfg.Monitoring.WebhookURL)
	} else {
		ledgerCfg.AlertSink = monitoring.LogAlerter{}
	}

	ledger := credit.NewLedger(license, ledgerCfg)
	ledger.Start()

	cleanup := func() {
		ledger.Close()
		_ = st.Close()
	}

	if err := ledger.Attach(ctx, store.NewAuditObserver(st)); err != nil {
		cleanup()
		return nil, eris.Wrap(err, "attach audit observer")
	}

	lic, err := ledger.LoadLicense(ctx, cfg.License.Key)
	if err != nil {
		cleanup()
		return nil, eris.Wrap(err, "load license")
	}
	zap.L().Info("license loaded",
		zap.String("plan", lic.Plan),
		zap.Int("credits_remaining", lic.CreditsRemaining),
		zap.Int("credit_limit", lic.CreditLimit),
	)

	vault := archive.NewVaultStorage(cfg.Vault.Path)
	fetcher := &archive.StubFetcher{}
	media := &archive.StubMediaDownloader{Dir: vault.MediaDir()}
	converter := &archive.StubConverter{}

	opts := []archive.Option{
		archive.WithStore(st),
		archive.WithShareLinker(&archive.StubShareLinker{}),
	}
	if cfg.Anthropic.Key != "" {
		summarizer := summarize.New(anthropicpkg.NewClient(cfg.Anthropic.Key), summarize.Config{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
		})
		opts = append(opts, archive.WithSummarizer(summarizer))
		zap.L().Info("ai summaries enabled", zap.String("model", cfg.Anthropic.Model))
	} else {
		zap.L().Debug("POSTKEEP_ANTHROPIC_KEY not set, ai summaries disabled")
	}

	archiver := archive.New(archive.Config{
		FetchRetry:  cfg.Retry.Fetch.ToRetryConfig(),
		MediaRetry:  cfg.Retry.Media.ToRetryConfig(),
		CacheTTL:    cfg.Cache.TTL(),
		CreditClass: "archive",
	}, fetcher, media, converter, vault, ledger, opts...)

	if err := archiver.Initialize(ctx); err != nil {
		cleanup()
		return nil, eris.Wrap(err, "initialize archiver")
	}

	return &archiveEnv{
		Store:    st,
		Ledger:   ledger,
		License:  license,
		Archiver: archiver,
	}, nil
}
