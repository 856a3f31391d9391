package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/postkeep/postkeep/internal/credit"
	"github.com/postkeep/postkeep/internal/model"
)

// NopStore discards everything. It is the default when no database is
// configured: the pipeline runs entirely in process.
type NopStore struct{}

func NewNop() *NopStore { return &NopStore{} }

func (NopStore) CreateRun(_ context.Context, url string, opts model.ArchiveOptions) (*model.Run, error) {
	now := time.Now().UTC()
	return &model.Run{
		ID:        uuid.New().String(),
		URL:       url,
		Options:   opts,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (NopStore) UpdateRunStatus(context.Context, string, model.RunStatus) error { return nil }

func (NopStore) CompleteRun(context.Context, string, *model.ArchiveResult) error { return nil }

func (NopStore) GetRun(context.Context, string) (*model.Run, error) { return nil, nil }

func (NopStore) ListRuns(context.Context, RunFilter) ([]model.Run, error) { return nil, nil }

func (NopStore) GetCachedArchive(context.Context, string) (*model.ArchiveResult, error) {
	return nil, nil
}

func (NopStore) SetCachedArchive(context.Context, string, *model.ArchiveResult, time.Duration) error {
	return nil
}

func (NopStore) DeleteExpired(context.Context) (int, error) { return 0, nil }

func (NopStore) AppendCreditTransaction(context.Context, credit.Transaction) error { return nil }

func (NopStore) ListCreditTransactions(context.Context, int) ([]credit.Transaction, error) {
	return nil, nil
}

func (NopStore) Migrate(context.Context) error { return nil }

func (NopStore) Close() error { return nil }
