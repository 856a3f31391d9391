package archive

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/postkeep/postkeep/internal/model"
)

// Compile-time interface checks.
var (
	_ Fetcher         = (*StubFetcher)(nil)
	_ MediaDownloader = (*StubMediaDownloader)(nil)
	_ Converter       = (*StubConverter)(nil)
	_ ShareLinker     = (*StubShareLinker)(nil)
	_ Summarizer      = (*StubSummarizer)(nil)
)

// --- Fetcher Stub ---

// StubFetcher implements Fetcher with canned posts and no network access.
type StubFetcher struct {
	BaseLifecycle
}

// ValidateURL implements Fetcher.
func (s *StubFetcher) ValidateURL(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" && u.Path != ""
}

// DetectPlatform implements Fetcher.
func (s *StubFetcher) DetectPlatform(rawURL string) model.Platform {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.PlatformUnknown
	}
	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	switch {
	case host == "x.com" || host == "twitter.com":
		return model.PlatformX
	case host == "threads.net":
		return model.PlatformThreads
	case host == "bsky.app":
		return model.PlatformBluesky
	case strings.Contains(host, "mastodon") || strings.HasPrefix(u.Path, "/@"):
		return model.PlatformMastodon
	default:
		return model.PlatformUnknown
	}
}

// FetchPost implements Fetcher.
func (s *StubFetcher) FetchPost(_ context.Context, rawURL string, onProgress func(pct int)) (*model.Post, error) {
	if onProgress != nil {
		onProgress(50)
		onProgress(100)
	}

	platform := s.DetectPlatform(rawURL)
	id := postIDFromURL(rawURL)
	return &model.Post{
		ID:         id,
		URL:        rawURL,
		Platform:   platform,
		Author:     "stubuser",
		AuthorName: "Stub User",
		Text:       stubPostText,
		Media: []model.MediaItem{
			{URL: rawURL + "/media/1.jpg", Type: "image", AltText: "first attachment", Width: 1200, Height: 800},
			{URL: rawURL + "/media/2.jpg", Type: "image", AltText: "second attachment", Width: 800, Height: 600},
		},
		PostedAt:  time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func postIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return "unknown"
	}
	return parts[len(parts)-1]
}

// --- Media Downloader Stub ---

// StubMediaDownloader implements MediaDownloader by writing placeholder
// files under Dir, so rollback and persistence paths are exercised for
// real.
type StubMediaDownloader struct {
	BaseLifecycle
	Dir string
}

// DownloadMedia implements MediaDownloader.
func (s *StubMediaDownloader) DownloadMedia(_ context.Context, items []model.MediaItem, platform model.Platform, postID string, onProgress func(pct int)) ([]model.DownloadedMedia, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "stub media: create dir %s", s.Dir)
	}

	downloaded := make([]model.DownloadedMedia, 0, len(items))
	for i, item := range items {
		name := fmt.Sprintf("%s-%s-%d%s", platform, sanitizeName(postID), i+1, mediaExt(item.Type))
		path := filepath.Join(s.Dir, name)
		payload := []byte("placeholder media: " + item.URL + "\n")
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			return nil, eris.Wrapf(err, "stub media: write %s", path)
		}
		downloaded = append(downloaded, model.DownloadedMedia{
			Item:      item,
			LocalPath: path,
			Bytes:     int64(len(payload)),
		})
		if onProgress != nil {
			onProgress((i + 1) * 100 / len(items))
		}
	}
	return downloaded, nil
}

// DeleteMedia implements MediaDownloader.
func (s *StubMediaDownloader) DeleteMedia(_ context.Context, localPath string) error {
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "stub media: delete %s", localPath)
	}
	return nil
}

func mediaExt(mediaType string) string {
	switch mediaType {
	case "video":
		return ".mp4"
	case "gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

// --- Converter Stub ---

// StubConverter renders a post as a vault note with YAML frontmatter.
type StubConverter struct {
	BaseLifecycle
}

// Convert implements Converter.
func (s *StubConverter) Convert(_ context.Context, post *model.Post, opts ConvertOptions) (*model.Document, error) {
	var body strings.Builder
	body.WriteString(post.Text)
	body.WriteString("\n")

	if opts.Summary != "" {
		body.WriteString("\n## Summary\n\n")
		body.WriteString(opts.Summary)
		body.WriteString("\n")
	}

	if len(opts.Media) > 0 {
		body.WriteString("\n## Media\n\n")
		for _, m := range opts.Media {
			body.WriteString(fmt.Sprintf("![%s](%s)\n", m.Item.AltText, filepath.Base(m.LocalPath)))
		}
	}

	title := fmt.Sprintf("%s post by @%s", post.Platform, post.Author)
	doc := &model.Document{
		Title: title,
		Frontmatter: map[string]any{
			"platform": string(post.Platform),
			"author":   post.Author,
			"url":      post.URL,
			"date":     post.PostedAt.Format("2006-01-02"),
			"like":     false,
			"archive":  true,
		},
		Body: body.String(),
	}
	for _, m := range opts.Media {
		doc.MediaPaths = append(doc.MediaPaths, m.LocalPath)
	}
	if opts.Template != "" {
		doc.Meta = map[string]string{"template": opts.Template}
	}
	return doc, nil
}

// --- Share Linker Stub ---

// StubShareLinker returns a deterministic local share URL.
type StubShareLinker struct {
	BaseLifecycle
}

// CreateShareLink implements ShareLinker.
func (s *StubShareLinker) CreateShareLink(_ context.Context, path string) (string, error) {
	sum := sha1.Sum([]byte(path))
	return "https://share.postkeep.local/" + hex.EncodeToString(sum[:8]), nil
}

// --- Summarizer Stub ---

// StubSummarizer returns canned summaries without calling a model.
type StubSummarizer struct {
	BaseLifecycle
}

// Summarize implements Summarizer.
func (s *StubSummarizer) Summarize(_ context.Context, post *model.Post, deepResearch bool) (string, error) {
	if deepResearch {
		return stubDeepSummary, nil
	}
	return fmt.Sprintf("A post by @%s about release engineering practices.", post.Author), nil
}

// --- Canned Content ---

const stubPostText = `Shipped the new deploy pipeline today. Canary rollouts cut our
incident rate in half last quarter, and the rollback path is now a single
command. Write-up with numbers coming next week.`

const stubDeepSummary = `The author describes replacing a big-bang deployment process
with canary rollouts, reporting a 50% reduction in incident rate over one quarter.
They emphasize that an automated single-command rollback path was the prerequisite
that made the migration safe, and promise a follow-up with supporting data.`
