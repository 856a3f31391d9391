// Package store persists archive run history, the durable result cache and
// the credit audit log. The pipeline's correctness never depends on it: the
// in-process ledger and rollback work identically against NopStore.
package store

import (
	"context"
	"time"

	"github.com/postkeep/postkeep/internal/credit"
	"github.com/postkeep/postkeep/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	URL    string          `json:"url,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the archiving pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, url string, opts model.ArchiveOptions) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, result *model.ArchiveResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Durable archive cache
	GetCachedArchive(ctx context.Context, url string) (*model.ArchiveResult, error)
	SetCachedArchive(ctx context.Context, url string, result *model.ArchiveResult, ttl time.Duration) error
	DeleteExpired(ctx context.Context) (int, error)

	// Credit audit log
	AppendCreditTransaction(ctx context.Context, tx credit.Transaction) error
	ListCreditTransactions(ctx context.Context, limit int) ([]credit.Transaction, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
