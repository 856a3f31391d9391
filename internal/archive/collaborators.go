package archive

import (
	"context"

	"github.com/postkeep/postkeep/internal/model"
)

// Fetcher retrieves posts from a social platform. FetchPost may fail with
// transient or permanent errors; the archiver decides what to retry.
type Fetcher interface {
	ValidateURL(rawURL string) bool
	DetectPlatform(rawURL string) model.Platform
	FetchPost(ctx context.Context, rawURL string, onProgress func(pct int)) (*model.Post, error)
}

// MediaDownloader fetches a post's media attachments to local storage.
// DeleteMedia is used by rollback.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, items []model.MediaItem, platform model.Platform, postID string, onProgress func(pct int)) ([]model.DownloadedMedia, error)
	DeleteMedia(ctx context.Context, localPath string) error
}

// ConvertOptions carries optional inputs to document conversion.
type ConvertOptions struct {
	Summary  string
	Template string
	Media    []model.DownloadedMedia
}

// Converter renders a fetched post as a markdown document.
type Converter interface {
	Convert(ctx context.Context, post *model.Post, opts ConvertOptions) (*model.Document, error)
}

// Storage persists converted documents. DeleteFile is used by rollback.
type Storage interface {
	SavePost(ctx context.Context, post *model.Post, doc *model.Document, strategy string) (path string, err error)
	DeleteFile(ctx context.Context, path string) error
}

// ShareLinker creates a public link for a persisted document.
type ShareLinker interface {
	CreateShareLink(ctx context.Context, path string) (string, error)
}

// Summarizer produces an AI summary of a post. Failures are non-fatal:
// the archiver logs and continues without a summary.
type Summarizer interface {
	Summarize(ctx context.Context, post *model.Post, deepResearch bool) (string, error)
}

// Lifecycle is the optional capability interface for collaborators that
// need setup or teardown. The archiver's own Initialize/Dispose/Healthy
// fan into every collaborator that implements it.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Dispose(ctx context.Context) error
	Healthy(ctx context.Context) bool
}

// BaseLifecycle is a no-op Lifecycle for embedding in collaborators that
// only need part of the contract.
type BaseLifecycle struct{}

func (BaseLifecycle) Initialize(context.Context) error { return nil }
func (BaseLifecycle) Dispose(context.Context) error    { return nil }
func (BaseLifecycle) Healthy(context.Context) bool     { return true }
