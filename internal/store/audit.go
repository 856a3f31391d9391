package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/postkeep/postkeep/internal/credit"
)

// AuditObserver mirrors completed ledger transactions into the store's
// credit_log table. Persistence failures are logged and swallowed; the
// in-process ledger stays authoritative.
type AuditObserver struct {
	store   Store
	timeout time.Duration
}

func NewAuditObserver(s Store) *AuditObserver {
	return &AuditObserver{store: s, timeout: 5 * time.Second}
}

func (a *AuditObserver) BalanceUpdated(int, int) {}

func (a *AuditObserver) ReservationCreated(credit.Reservation) {}

func (a *AuditObserver) ReservationReleased(credit.Reservation, string) {}

func (a *AuditObserver) TransactionCompleted(tx credit.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.store.AppendCreditTransaction(ctx, tx); err != nil {
		zap.L().Warn("credit audit write failed",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
}
