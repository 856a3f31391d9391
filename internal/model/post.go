// Package model defines the domain types shared across the archiving pipeline.
package model

import "time"

// Platform identifies the social network a post URL belongs to.
type Platform string

const (
	PlatformX        Platform = "x"
	PlatformThreads  Platform = "threads"
	PlatformMastodon Platform = "mastodon"
	PlatformBluesky  Platform = "bluesky"
	PlatformUnknown  Platform = "unknown"
)

// MediaItem describes one media attachment on a post.
type MediaItem struct {
	URL      string `json:"url"`
	Type     string `json:"type"` // "image", "video", "gif"
	AltText  string `json:"alt_text,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int    `json:"duration_secs,omitempty"`
}

// Post is the normalized representation of a fetched social-media post.
type Post struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	Platform   Platform    `json:"platform"`
	Author     string      `json:"author"`
	AuthorName string      `json:"author_name,omitempty"`
	Text       string      `json:"text"`
	Media      []MediaItem `json:"media,omitempty"`
	PostedAt   time.Time   `json:"posted_at"`
	FetchedAt  time.Time   `json:"fetched_at"`
}

// DownloadedMedia is a media attachment that has been written to the vault.
type DownloadedMedia struct {
	Item      MediaItem `json:"item"`
	LocalPath string    `json:"local_path"`
	Bytes     int64     `json:"bytes"`
}

// Document is the converted markdown representation of a post, ready to persist.
type Document struct {
	Title       string            `json:"title"`
	Frontmatter map[string]any    `json:"frontmatter,omitempty"`
	Body        string            `json:"body"`
	MediaPaths  []string          `json:"media_paths,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}
