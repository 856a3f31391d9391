// Package archive orchestrates the post-archiving pipeline: fetch, media
// download, conversion, persistence and caching, bracketed by a credit
// reservation and rolled back on failure or cancellation.
package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/postkeep/postkeep/internal/credit"
	"github.com/postkeep/postkeep/internal/model"
	"github.com/postkeep/postkeep/internal/resilience"
	"github.com/postkeep/postkeep/internal/store"
)

// Stage names, each a fixed progress checkpoint on the 0-100 scale.
const (
	stageValidate  = "validate"
	stagePlatform  = "detect_platform"
	stageFetch     = "fetch"
	stageMedia     = "download_media"
	stageSummarize = "summarize"
	stageConvert   = "convert"
	stagePersist   = "persist"
	stageShare     = "share_link"
	stageDone      = "done"
)

// Config tunes the archiver. Zero values get defaults.
type Config struct {
	// FetchRetry and MediaRetry wrap the two flaky stages independently.
	FetchRetry resilience.RetryConfig
	MediaRetry resilience.RetryConfig

	// CacheTTL bounds result reuse; within it a repeated URL is a no-op.
	// Default: 1h.
	CacheTTL time.Duration

	// CreditClass is the resource class reported to the ledger.
	// Default: "archive".
	CreditClass string
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.CreditClass == "" {
		c.CreditClass = "archive"
	}
	return c
}

// Archiver sequences the end-to-end pipeline. The public entry point
// never returns an error; failures are carried in the result.
type Archiver struct {
	cfg        Config
	fetcher    Fetcher
	media      MediaDownloader
	converter  Converter
	storage    Storage
	share      ShareLinker
	summarizer Summarizer
	ledger     *credit.Ledger
	store      store.Store
	events     *Hub

	mu    sync.Mutex
	cache *resultCache
}

// Option customizes optional archiver collaborators.
type Option func(*Archiver)

// WithShareLinker enables share-link generation.
func WithShareLinker(s ShareLinker) Option {
	return func(a *Archiver) { a.share = s }
}

// WithSummarizer enables AI summaries for EnableAI/DeepResearch runs.
func WithSummarizer(s Summarizer) Option {
	return func(a *Archiver) { a.summarizer = s }
}

// WithStore records run history and the durable cache tier. Defaults to
// the no-op store.
func WithStore(st store.Store) Option {
	return func(a *Archiver) { a.store = st }
}

// New creates an Archiver from its required collaborators.
func New(cfg Config, fetcher Fetcher, media MediaDownloader, converter Converter, storage Storage, ledger *credit.Ledger, opts ...Option) *Archiver {
	cfg = cfg.withDefaults()
	a := &Archiver{
		cfg:       cfg,
		fetcher:   fetcher,
		media:     media,
		converter: converter,
		storage:   storage,
		ledger:    ledger,
		store:     store.NewNop(),
		events:    NewHub(),
		cache:     newResultCache(cfg.CacheTTL),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Subscribe registers an event listener for progress, stage-complete,
// error and cancelled events.
func (a *Archiver) Subscribe(l Listener) { a.events.Subscribe(l) }

// Unsubscribe removes a previously subscribed listener.
func (a *Archiver) Unsubscribe(l Listener) { a.events.Unsubscribe(l) }

// operation is the in-flight state of one Archive call. It lives only for
// the duration of the call.
type operation struct {
	url       string
	opts      model.ArchiveOptions
	runID     string
	artifacts []artifact
}

type artifact struct {
	kind string
	path string
}

const (
	artifactDocument = "document"
	artifactMedia    = "media"
)

func (op *operation) addArtifact(kind, path string) {
	op.artifacts = append(op.artifacts, artifact{kind: kind, path: path})
}

// Archive runs the full pipeline for one post URL. The returned result is
// always non-nil: success carries the vault path, optional share URL and
// credits used; failure carries the error message with CreditsUsed=0, and
// cancellation is flagged separately.
func (a *Archiver) Archive(ctx context.Context, rawURL string, opts model.ArchiveOptions) *model.ArchiveResult {
	log := zap.L().With(zap.String("url", rawURL))

	if !opts.SkipCache {
		if hit := a.cacheLookup(ctx, rawURL); hit != nil {
			log.Info("archive: cache hit")
			a.events.publish(Event{Kind: EventProgress, URL: rawURL, Stage: stageDone, Percent: 100})
			return hit
		}
	}

	op := &operation{url: rawURL, opts: opts}
	if run, err := a.store.CreateRun(ctx, rawURL, opts); err != nil {
		log.Warn("archive: create run record", zap.Error(err))
	} else {
		op.runID = run.ID
	}

	result := a.execute(ctx, op)

	// Bookkeeping writes must survive caller cancellation.
	bookCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if result.Success && !opts.SkipCache {
		a.mu.Lock()
		a.cache.put(rawURL, *result)
		a.mu.Unlock()
		if err := a.store.SetCachedArchive(bookCtx, normalizeURL(rawURL), result, a.cfg.CacheTTL); err != nil {
			log.Warn("archive: durable cache write", zap.Error(err))
		}
	}

	if op.runID != "" {
		if err := a.store.CompleteRun(bookCtx, op.runID, result); err != nil {
			log.Warn("archive: complete run record", zap.Error(err))
		}
	}
	return result
}

// cacheLookup checks the in-process tier, then the durable tier. A hit is
// returned with FromCache set and zero cost.
func (a *Archiver) cacheLookup(ctx context.Context, rawURL string) *model.ArchiveResult {
	a.mu.Lock()
	cached, ok := a.cache.get(rawURL)
	a.mu.Unlock()

	if !ok {
		durable, err := a.store.GetCachedArchive(ctx, normalizeURL(rawURL))
		if err != nil {
			zap.L().Warn("archive: durable cache read", zap.Error(err))
			return nil
		}
		if durable == nil || !durable.Success {
			return nil
		}
		a.mu.Lock()
		a.cache.put(rawURL, *durable)
		a.mu.Unlock()
		cached = durable
	}

	hit := *cached
	hit.FromCache = true
	hit.CreditsUsed = 0
	return &hit
}

// execute runs the free validation stages, brackets the paid stages with
// a credit reservation, and settles it against the terminal outcome.
func (a *Archiver) execute(ctx context.Context, op *operation) *model.ArchiveResult {
	if err := ctx.Err(); err != nil {
		return a.abort(ctx, op, err)
	}

	a.progress(op, stageValidate, 0, 0)
	if !a.fetcher.ValidateURL(op.url) {
		return a.abort(ctx, op, eris.Errorf("archive: invalid post url: %s", op.url))
	}
	a.stageComplete(op, stageValidate, 0)

	a.progress(op, stagePlatform, 5, 0)
	platform := a.fetcher.DetectPlatform(op.url)
	if platform == model.PlatformUnknown {
		return a.abort(ctx, op, eris.Errorf("archive: unsupported platform: %s", op.url))
	}
	a.stageComplete(op, stagePlatform, 5)

	// Hold credits before the first upstream call so a run that cannot be
	// paid for never starts paid work.
	cost := CostFor(op.opts)
	resID, err := a.ledger.ReserveAmount(ctx, a.cfg.CreditClass, cost, op.url)
	if err != nil {
		return a.abort(ctx, op, eris.Wrap(err, "archive: reserve credits"))
	}

	result := a.runPaid(ctx, op, platform)
	a.settle(resID, cost, result)
	return result
}

// settle resolves the credit reservation for a finished run: commit on
// success, commit-with-failure on error (audit row, no charge), release
// on cancellation. It uses a fresh context so a cancelled run still
// settles.
func (a *Archiver) settle(reservationID string, cost int, result *model.ArchiveResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := zap.L().With(zap.String("reservation_id", reservationID))
	switch {
	case result.Success:
		result.CreditsUsed = cost
		if err := a.ledger.CommitReservation(ctx, reservationID, true); err != nil {
			log.Error("archive: commit reservation", zap.Error(err))
		}
	case result.Cancelled:
		if err := a.ledger.ReleaseReservation(ctx, reservationID); err != nil {
			log.Warn("archive: release reservation", zap.Error(err))
		}
	default:
		if err := a.ledger.CommitReservation(ctx, reservationID, false); err != nil {
			log.Warn("archive: commit failed reservation", zap.Error(err))
		}
	}
}

// runPaid executes the retryable pipeline stages. Cancellation is checked
// at every stage boundary; any failure after an artifact exists triggers
// rollback.
func (a *Archiver) runPaid(ctx context.Context, op *operation, platform model.Platform) *model.ArchiveResult {
	// Fetch: 10 -> 50, sub-progress mapped linearly.
	if err := ctx.Err(); err != nil {
		return a.abort(ctx, op, err)
	}
	a.setStatus(ctx, op, model.RunStatusFetching)
	a.progress(op, stageFetch, 10, 0)
	fetchCfg := a.cfg.FetchRetry
	fetchCfg.OnRetry = a.retryEmitter(op, stageFetch, 10)
	post, err := resilience.DoVal(ctx, fetchCfg, func(ctx context.Context) (*model.Post, error) {
		return a.fetcher.FetchPost(ctx, op.url, func(sub int) {
			a.progress(op, stageFetch, mapProgress(10, 50, sub), 0)
		})
	})
	if err != nil {
		return a.abort(ctx, op, eris.Wrap(err, "archive: fetch post"))
	}
	if post.Platform == "" || post.Platform == model.PlatformUnknown {
		post.Platform = platform
	}
	a.stageComplete(op, stageFetch, 50)

	// Media: 50 -> 70, only when requested and the post has attachments.
	var media []model.DownloadedMedia
	if op.opts.DownloadMedia && len(post.Media) > 0 {
		if err := ctx.Err(); err != nil {
			return a.abort(ctx, op, err)
		}
		a.setStatus(ctx, op, model.RunStatusMedia)
		a.progress(op, stageMedia, 50, 0)
		mediaCfg := a.cfg.MediaRetry
		mediaCfg.OnRetry = a.retryEmitter(op, stageMedia, 50)
		media, err = resilience.DoVal(ctx, mediaCfg, func(ctx context.Context) ([]model.DownloadedMedia, error) {
			return a.media.DownloadMedia(ctx, post.Media, post.Platform, post.ID, func(sub int) {
				a.progress(op, stageMedia, mapProgress(50, 70, sub), 0)
			})
		})
		if err != nil {
			return a.abort(ctx, op, eris.Wrap(err, "archive: download media"))
		}
		for _, m := range media {
			op.addArtifact(artifactMedia, m.LocalPath)
		}
		a.stageComplete(op, stageMedia, 70)
	}

	// Summary is best-effort: a failure drops the section, never the run.
	var summary string
	if (op.opts.EnableAI || op.opts.DeepResearch) && a.summarizer != nil {
		if err := ctx.Err(); err != nil {
			return a.abort(ctx, op, err)
		}
		a.progress(op, stageSummarize, 70, 0)
		summary, err = a.summarizer.Summarize(ctx, post, op.opts.DeepResearch)
		if err != nil {
			zap.L().Warn("archive: summarize failed, continuing without summary",
				zap.String("url", op.url), zap.Error(err))
			summary = ""
		} else {
			a.stageComplete(op, stageSummarize, 70)
		}
	}

	// Convert: 70 -> 80.
	if err := ctx.Err(); err != nil {
		return a.abort(ctx, op, err)
	}
	a.setStatus(ctx, op, model.RunStatusConvert)
	a.progress(op, stageConvert, 70, 0)
	doc, err := a.converter.Convert(ctx, post, ConvertOptions{
		Summary:  summary,
		Template: op.opts.CustomTemplate,
		Media:    media,
	})
	if err != nil {
		return a.abort(ctx, op, eris.Wrap(err, "archive: convert"))
	}
	a.stageComplete(op, stageConvert, 80)

	// Persist: 80 -> 90.
	if err := ctx.Err(); err != nil {
		return a.abort(ctx, op, err)
	}
	a.setStatus(ctx, op, model.RunStatusPersist)
	a.progress(op, stagePersist, 80, 0)
	path, err := a.storage.SavePost(ctx, post, doc, op.opts.OrganizeStrategy)
	if err != nil {
		return a.abort(ctx, op, eris.Wrap(err, "archive: persist"))
	}
	op.addArtifact(artifactDocument, path)
	a.stageComplete(op, stagePersist, 90)

	// Share link: 90, optional.
	var shareURL string
	if op.opts.GenerateShareLink && a.share != nil {
		if err := ctx.Err(); err != nil {
			return a.abort(ctx, op, err)
		}
		a.progress(op, stageShare, 90, 0)
		shareURL, err = a.share.CreateShareLink(ctx, path)
		if err != nil {
			return a.abort(ctx, op, eris.Wrap(err, "archive: share link"))
		}
		a.stageComplete(op, stageShare, 90)
	}

	a.progress(op, stageDone, 100, 0)
	zap.L().Info("archive: complete",
		zap.String("url", op.url),
		zap.String("path", path),
	)
	return &model.ArchiveResult{
		Success:  true,
		URL:      op.url,
		Path:     path,
		ShareURL: shareURL,
	}
}

// abort converts a stage failure into the terminal result shape: rollback
// first, then classify cancellation apart from ordinary errors.
func (a *Archiver) abort(ctx context.Context, op *operation, err error) *model.ArchiveResult {
	a.rollback(op)

	if isCancellation(ctx, err) {
		a.events.publish(Event{Kind: EventCancelled, URL: op.url})
		zap.L().Info("archive: cancelled", zap.String("url", op.url))
		return &model.ArchiveResult{URL: op.url, Cancelled: true, Error: "cancelled"}
	}

	a.events.publish(Event{Kind: EventError, URL: op.url, Error: err.Error()})
	zap.L().Error("archive: failed", zap.String("url", op.url), zap.Error(err))
	return &model.ArchiveResult{URL: op.url, Error: err.Error()}
}

// rollback deletes every recorded artifact in reverse creation order,
// best-effort. A deletion failure is logged and never masks the original
// error.
func (a *Archiver) rollback(op *operation) {
	if len(op.artifacts) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := zap.L().With(zap.String("url", op.url))
	log.Info("archive: rolling back", zap.Int("artifacts", len(op.artifacts)))
	for i := len(op.artifacts) - 1; i >= 0; i-- {
		art := op.artifacts[i]
		var err error
		switch art.kind {
		case artifactDocument:
			err = a.storage.DeleteFile(ctx, art.path)
		case artifactMedia:
			err = a.media.DeleteMedia(ctx, art.path)
		}
		if err != nil {
			log.Warn("archive: rollback delete failed",
				zap.String("path", art.path),
				zap.Error(err),
			)
		}
	}
	op.artifacts = nil
}

// PurgeCache evicts stale entries from both cache tiers and reports the
// total removed.
func (a *Archiver) PurgeCache(ctx context.Context) (int, error) {
	a.mu.Lock()
	removed := a.cache.purge()
	a.mu.Unlock()

	durable, err := a.store.DeleteExpired(ctx)
	if err != nil {
		return removed, eris.Wrap(err, "archive: purge durable cache")
	}
	return removed + durable, nil
}

// Initialize runs the Lifecycle setup of every collaborator that has one.
func (a *Archiver) Initialize(ctx context.Context) error {
	for _, lc := range a.lifecycles() {
		if err := lc.Initialize(ctx); err != nil {
			return eris.Wrap(err, "archive: initialize collaborator")
		}
	}
	return nil
}

// Dispose tears every collaborator down, returning the first failure
// after attempting all of them.
func (a *Archiver) Dispose(ctx context.Context) error {
	var firstErr error
	for _, lc := range a.lifecycles() {
		if err := lc.Dispose(ctx); err != nil && firstErr == nil {
			firstErr = eris.Wrap(err, "archive: dispose collaborator")
		}
	}
	return firstErr
}

// Healthy reports whether every lifecycle-aware collaborator is healthy.
func (a *Archiver) Healthy(ctx context.Context) bool {
	for _, lc := range a.lifecycles() {
		if !lc.Healthy(ctx) {
			return false
		}
	}
	return true
}

func (a *Archiver) lifecycles() []Lifecycle {
	var out []Lifecycle
	for _, c := range []any{a.fetcher, a.media, a.converter, a.storage, a.share, a.summarizer} {
		if lc, ok := c.(Lifecycle); ok && c != nil {
			out = append(out, lc)
		}
	}
	return out
}

func (a *Archiver) setStatus(ctx context.Context, op *operation, status model.RunStatus) {
	if op.runID == "" {
		return
	}
	if err := a.store.UpdateRunStatus(ctx, op.runID, status); err != nil {
		zap.L().Warn("archive: update run status", zap.Error(err))
	}
}

func (a *Archiver) progress(op *operation, stage string, percent, attempt int) {
	a.events.publish(Event{
		Kind:    EventProgress,
		URL:     op.url,
		Stage:   stage,
		Percent: percent,
		Attempt: attempt,
	})
}

func (a *Archiver) stageComplete(op *operation, stage string, percent int) {
	a.events.publish(Event{
		Kind:    EventStageComplete,
		URL:     op.url,
		Stage:   stage,
		Percent: percent,
	})
}

// retryEmitter re-emits a progress event tagged with the attempt number
// so callers can surface "retrying" feedback.
func (a *Archiver) retryEmitter(op *operation, stage string, percent int) func(int, error) {
	logRetry := resilience.RetryLogger(stage, op.url)
	return func(attempt int, err error) {
		logRetry(attempt, err)
		a.progress(op, stage, percent, attempt)
	}
}

// mapProgress maps a 0-100 sub-progress into the [lo, hi] stage window.
func mapProgress(lo, hi, sub int) int {
	if sub < 0 {
		sub = 0
	}
	if sub > 100 {
		sub = 100
	}
	return lo + (hi-lo)*sub/100
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}
