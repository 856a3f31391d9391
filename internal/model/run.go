package model

import "time"

// RunStatus tracks an archive run through its lifecycle.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusFetching  RunStatus = "fetching"
	RunStatusMedia     RunStatus = "downloading_media"
	RunStatusConvert   RunStatus = "converting"
	RunStatusPersist   RunStatus = "persisting"
	RunStatusComplete  RunStatus = "complete"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ArchiveOptions control optional behavior of a single archive run.
type ArchiveOptions struct {
	EnableAI          bool   `json:"enable_ai,omitempty"`
	DownloadMedia     bool   `json:"download_media,omitempty"`
	GenerateShareLink bool   `json:"generate_share_link,omitempty"`
	DeepResearch      bool   `json:"deep_research,omitempty"`
	CustomTemplate    string `json:"custom_template,omitempty"`
	OrganizeStrategy  string `json:"organize_strategy,omitempty"` // "by-platform", "by-date", "flat"
	SkipCache         bool   `json:"skip_cache,omitempty"`
}

// ArchiveResult is the structured outcome of Archive. Exactly one of the
// success or failure halves is meaningful, discriminated by Success.
type ArchiveResult struct {
	Success     bool   `json:"success"`
	URL         string `json:"url"`
	Path        string `json:"path,omitempty"`
	ShareURL    string `json:"share_url,omitempty"`
	CreditsUsed int    `json:"credits_used"`
	FromCache   bool   `json:"from_cache,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Run is a persisted record of one archive attempt.
type Run struct {
	ID        string         `json:"id"`
	URL       string         `json:"url"`
	Platform  Platform       `json:"platform,omitempty"`
	Options   ArchiveOptions `json:"options"`
	Status    RunStatus      `json:"status"`
	Result    *ArchiveResult `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
