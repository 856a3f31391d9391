// Package credit meters a finite, periodically replenished credit balance
// against archive operations, with advance reservation and depletion alerts.
//
// All ledger state is owned by a single goroutine; public methods are
// request/response messages into that goroutine, so check-and-reserve is
// atomic by construction and no mutex guards partial reads.
package credit

import (
	"context"
	"time"
)

// License describes the plan and balance returned by the authority.
type License struct {
	Key              string    `json:"key"`
	Plan             string    `json:"plan"`
	CreditsRemaining int       `json:"credits_remaining"`
	CreditLimit      int       `json:"credit_limit"`
	ResetDate        time.Time `json:"reset_date"`
	Features         []string  `json:"features,omitempty"`
}

// Authority is the external service that owns the authoritative balance.
type Authority interface {
	ValidateLicense(ctx context.Context, key string) (*License, error)
	GetBalance(ctx context.Context) (int, error)
	UseCredits(ctx context.Context, class string, amount int) (remaining int, err error)
	RefundCredits(ctx context.Context, class string, amount int, ref string) (remaining int, err error)
}

// Reservation is a hold against available balance, not yet deducted.
type Reservation struct {
	ID        string    `json:"id"`
	Class     string    `json:"class"`
	Amount    int       `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TransactionType discriminates ledger transactions.
type TransactionType string

const (
	TransactionDeduct TransactionType = "deduct"
	TransactionRefund TransactionType = "refund"
)

// Transaction is one immutable row in the append-only audit ledger.
type Transaction struct {
	ID            string          `json:"id"`
	Type          TransactionType `json:"type"`
	Class         string          `json:"class"`
	Amount        int             `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	Reference     string          `json:"reference,omitempty"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	BalanceBefore int             `json:"balance_before"`
	BalanceAfter  int             `json:"balance_after"`
}

// AlertLevel orders depletion alerts by severity.
type AlertLevel string

const (
	AlertMedium   AlertLevel = "medium"
	AlertLow      AlertLevel = "low"
	AlertCritical AlertLevel = "critical"
)

// Threshold pairs an alert level with the balance percentage that arms it.
type Threshold struct {
	Level   AlertLevel `json:"level"`
	Percent float64    `json:"percent"`
}

// DefaultThresholds returns the descending alert ladder.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Level: AlertMedium, Percent: 50},
		{Level: AlertLow, Percent: 20},
		{Level: AlertCritical, Percent: 5},
	}
}

// Alert is fired once when the balance crosses a threshold downward.
type Alert struct {
	Level       AlertLevel `json:"level"`
	Percent     float64    `json:"percent"`
	Balance     int        `json:"balance"`
	CreditLimit int        `json:"credit_limit"`
	Timestamp   time.Time  `json:"timestamp"`
}

// AlertSink receives threshold alerts. Implementations must not block.
type AlertSink interface {
	CreditAlert(alert Alert)
}

// Observer receives ledger lifecycle events. Attach/Detach are explicit;
// a panicking observer is isolated and never aborts delivery to others.
type Observer interface {
	BalanceUpdated(balance, available int)
	ReservationCreated(res Reservation)
	ReservationReleased(res Reservation, reason string)
	TransactionCompleted(tx Transaction)
}

// Snapshot is a consistent read of the ledger's mutable state.
type Snapshot struct {
	Plan               string        `json:"plan"`
	Balance            int           `json:"balance"`
	AvailableBalance   int           `json:"available_balance"`
	CreditLimit        int           `json:"credit_limit"`
	ResetDate          time.Time     `json:"reset_date"`
	ActiveReservations []Reservation `json:"active_reservations,omitempty"`
	Transactions       []Transaction `json:"transactions,omitempty"`
}
