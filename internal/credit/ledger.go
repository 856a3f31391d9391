package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Sentinel errors surfaced by ledger operations.
var (
	ErrNotStarted          = eris.New("credit: ledger not started")
	ErrNotInitialized      = eris.New("credit: not initialized, load a license first")
	ErrClosed              = eris.New("credit: ledger closed")
	ErrInsufficientCredits = eris.New("credit: insufficient credits")
	ErrReservationNotFound = eris.New("credit: reservation not found or expired")
	ErrTransactionNotFound = eris.New("credit: transaction not found or not a successful deduct")
)

// Config controls ledger behavior.
type Config struct {
	// Costs maps a resource class to its credit cost. Classes not listed
	// cost DefaultCost.
	Costs map[string]int

	// DefaultCost is charged for unlisted resource classes. Default: 1.
	DefaultCost int

	// ReservationTimeout bounds how long an uncommitted reservation can
	// suppress available balance. Default: 5m.
	ReservationTimeout time.Duration

	// SweepInterval is how often expired reservations are released.
	// Default: 60s.
	SweepInterval time.Duration

	// Thresholds is the descending alert ladder. Default: DefaultThresholds.
	Thresholds []Threshold

	// AlertSink receives threshold alerts; nil disables alerting.
	AlertSink AlertSink
}

func (c Config) withDefaults() Config {
	if c.DefaultCost <= 0 {
		c.DefaultCost = 1
	}
	if c.ReservationTimeout <= 0 {
		c.ReservationTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if len(c.Thresholds) == 0 {
		c.Thresholds = DefaultThresholds()
	}
	return c
}

// Ledger tracks balance, reservations and the append-only transaction log.
// A single goroutine owns all mutable state; every exported method sends a
// closure into that goroutine and waits for the reply.
type Ledger struct {
	authority Authority
	cfg       Config

	requests chan func()
	done     chan struct{}
	stopped  chan struct{}
	started  bool

	// Owned by the actor goroutine; never touched outside run().
	initialized  bool
	license      *License
	balance      int
	creditLimit  int
	reservations map[string]*Reservation
	transactions []Transaction
	alerted      map[AlertLevel]bool
	observers    map[Observer]struct{}

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewLedger creates a stopped ledger. Call Start before use and Close when done.
func NewLedger(authority Authority, cfg Config) *Ledger {
	return &Ledger{
		authority:    authority,
		cfg:          cfg.withDefaults(),
		requests:     make(chan func()),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		reservations: make(map[string]*Reservation),
		alerted:      make(map[AlertLevel]bool),
		observers:    make(map[Observer]struct{}),
		nowFunc:      time.Now,
	}
}

// Start launches the owning goroutine and the reservation expiry sweep.
func (l *Ledger) Start() {
	if l.started {
		return
	}
	l.started = true
	go l.run()
}

// Close stops the owning goroutine. Pending calls fail with ErrClosed.
func (l *Ledger) Close() {
	if !l.started {
		return
	}
	select {
	case <-l.done:
		return
	default:
	}
	close(l.done)
	<-l.stopped
}

func (l *Ledger) run() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	defer close(l.stopped)

	for {
		select {
		case fn := <-l.requests:
			fn()
		case <-ticker.C:
			l.sweepExpired()
		case <-l.done:
			return
		}
	}
}

// call runs fn inside the actor goroutine and waits for it to finish.
func (l *Ledger) call(ctx context.Context, fn func() error) error {
	if !l.started {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	select {
	case l.requests <- func() { reply <- fn() }:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadLicense validates the key against the authority and adopts its balance.
func (l *Ledger) LoadLicense(ctx context.Context, key string) (*License, error) {
	var lic *License
	err := l.call(ctx, func() error {
		got, authErr := l.authority.ValidateLicense(ctx, key)
		if authErr != nil {
			return eris.Wrap(authErr, "credit: validate license")
		}
		l.license = got
		l.initialized = true
		l.balance = got.CreditsRemaining
		l.creditLimit = got.CreditLimit
		l.checkThresholds()
		l.notifyBalance()
		lic = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lic, nil
}

// RefreshBalance re-reads the authoritative balance.
func (l *Ledger) RefreshBalance(ctx context.Context) (int, error) {
	var balance int
	err := l.call(ctx, func() error {
		if !l.initialized {
			return ErrNotInitialized
		}
		got, authErr := l.authority.GetBalance(ctx)
		if authErr != nil {
			return eris.Wrap(authErr, "credit: refresh balance")
		}
		l.balance = got
		l.checkThresholds()
		l.notifyBalance()
		balance = got
		return nil
	})
	return balance, err
}

// Cost returns the configured credit cost of a resource class.
func (l *Ledger) Cost(class string) int {
	if c, ok := l.cfg.Costs[class]; ok {
		return c
	}
	return l.cfg.DefaultCost
}

// ReserveCredits holds the class's cost against available balance and returns
// the reservation id. The ledger balance itself is untouched until commit, so
// an unused or expired reservation costs nothing.
func (l *Ledger) ReserveCredits(ctx context.Context, class, reference string) (string, error) {
	var id string
	err := l.call(ctx, func() error {
		if !l.initialized {
			return ErrNotInitialized
		}
		cost := l.Cost(class)
		if l.availableLocked() < cost {
			return eris.Wrapf(ErrInsufficientCredits, "need %d, available %d", cost, l.availableLocked())
		}
		now := l.nowFunc()
		res := &Reservation{
			ID:        uuid.New().String(),
			Class:     class,
			Amount:    cost,
			Reference: reference,
			CreatedAt: now,
			ExpiresAt: now.Add(l.cfg.ReservationTimeout),
		}
		l.reservations[res.ID] = res
		l.notify(func(o Observer) { o.ReservationCreated(*res) })
		id = res.ID
		return nil
	})
	return id, err
}

// ReserveAmount is like ReserveCredits with an explicit amount, for callers
// that compute a composite cost from operation options.
func (l *Ledger) ReserveAmount(ctx context.Context, class string, amount int, reference string) (string, error) {
	var id string
	err := l.call(ctx, func() error {
		if !l.initialized {
			return ErrNotInitialized
		}
		if amount <= 0 {
			return eris.New("credit: reservation amount must be positive")
		}
		if l.availableLocked() < amount {
			return eris.Wrapf(ErrInsufficientCredits, "need %d, available %d", amount, l.availableLocked())
		}
		now := l.nowFunc()
		res := &Reservation{
			ID:        uuid.New().String(),
			Class:     class,
			Amount:    amount,
			Reference: reference,
			CreatedAt: now,
			ExpiresAt: now.Add(l.cfg.ReservationTimeout),
		}
		l.reservations[res.ID] = res
		l.notify(func(o Observer) { o.ReservationCreated(*res) })
		id = res.ID
		return nil
	})
	return id, err
}

// CommitReservation converts the reservation into a ledger deduction. The
// caller's success flag records whether chargeable work actually happened; on
// success=false the balance is untouched but a failed audit row is appended.
// Commit is terminal: the reservation is released even if the deduction fails.
func (l *Ledger) CommitReservation(ctx context.Context, id string, success bool) error {
	return l.call(ctx, func() error {
		if !l.initialized {
			return ErrNotInitialized
		}
		res, ok := l.reservations[id]
		if !ok || l.nowFunc().After(res.ExpiresAt) {
			return ErrReservationNotFound
		}
		delete(l.reservations, id)
		l.notify(func(o Observer) { o.ReservationReleased(*res, "committed") })
		return l.deductLocked(ctx, res.Class, res.Amount, res.Reference, success)
	})
}

// ReleaseReservation drops the hold without any deduction.
func (l *Ledger) ReleaseReservation(ctx context.Context, id string) error {
	return l.call(ctx, func() error {
		res, ok := l.reservations[id]
		if !ok {
			return ErrReservationNotFound
		}
		delete(l.reservations, id)
		l.notify(func(o Observer) { o.ReservationReleased(*res, "released") })
		return nil
	})
}

// DeductCredits charges the authority directly, outside any reservation.
func (l *Ledger) DeductCredits(ctx context.Context, class string, amount int, reference string, success bool) error {
	return l.call(ctx, func() error {
		if !l.initialized {
			return ErrNotInitialized
		}
		return l.deductLocked(ctx, class, amount, reference, success)
	})
}

// RefundCredits reverses a successful deduct transaction through the authority.
func (l *Ledger) RefundCredits(ctx context.Context, transactionID, reason string) error {
	return l.call(ctx, func() error {
		if !l.initialized {
			return ErrNotInitialized
		}
		var orig *Transaction
		for i := range l.transactions {
			if l.transactions[i].ID == transactionID {
				orig = &l.transactions[i]
				break
			}
		}
		if orig == nil || orig.Type != TransactionDeduct || !orig.Success {
			return ErrTransactionNotFound
		}

		remaining, authErr := l.authority.RefundCredits(ctx, orig.Class, orig.Amount, reason)
		if authErr != nil {
			return eris.Wrap(authErr, "credit: refund")
		}

		before := l.balance
		l.balance = remaining
		tx := Transaction{
			ID:            uuid.New().String(),
			Type:          TransactionRefund,
			Class:         orig.Class,
			Amount:        orig.Amount,
			Timestamp:     l.nowFunc(),
			Reference:     reason,
			Success:       true,
			BalanceBefore: before,
			BalanceAfter:  l.balance,
		}
		l.transactions = append(l.transactions, tx)
		l.checkThresholds()
		l.notify(func(o Observer) { o.TransactionCompleted(tx) })
		l.notifyBalance()
		return nil
	})
}

// Snapshot returns a consistent view of the ledger state.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := l.call(ctx, func() error {
		snap.Balance = l.balance
		snap.AvailableBalance = l.availableLocked()
		snap.CreditLimit = l.creditLimit
		if l.license != nil {
			snap.Plan = l.license.Plan
			snap.ResetDate = l.license.ResetDate
		}
		for _, r := range l.reservations {
			snap.ActiveReservations = append(snap.ActiveReservations, *r)
		}
		snap.Transactions = append(snap.Transactions, l.transactions...)
		return nil
	})
	return snap, err
}

// Balance returns the ledger balance.
func (l *Ledger) Balance(ctx context.Context) (int, error) {
	snap, err := l.Snapshot(ctx)
	return snap.Balance, err
}

// AvailableBalance returns balance minus the sum of active reservations.
func (l *Ledger) AvailableBalance(ctx context.Context) (int, error) {
	snap, err := l.Snapshot(ctx)
	return snap.AvailableBalance, err
}

// Attach registers an observer for ledger events.
func (l *Ledger) Attach(ctx context.Context, o Observer) error {
	return l.call(ctx, func() error {
		l.observers[o] = struct{}{}
		return nil
	})
}

// Detach removes a previously attached observer.
func (l *Ledger) Detach(ctx context.Context, o Observer) error {
	return l.call(ctx, func() error {
		delete(l.observers, o)
		return nil
	})
}

// --- actor-internal helpers (only called from within run) ---

func (l *Ledger) availableLocked() int {
	held := 0
	for _, r := range l.reservations {
		held += r.Amount
	}
	return l.balance - held
}

func (l *Ledger) deductLocked(ctx context.Context, class string, amount int, reference string, success bool) error {
	before := l.balance
	tx := Transaction{
		ID:            uuid.New().String(),
		Type:          TransactionDeduct,
		Class:         class,
		Amount:        amount,
		Timestamp:     l.nowFunc(),
		Reference:     reference,
		Success:       success,
		BalanceBefore: before,
		BalanceAfter:  before,
	}

	var authErr error
	if success {
		var remaining int
		remaining, authErr = l.authority.UseCredits(ctx, class, amount)
		if authErr != nil {
			tx.Success = false
			tx.Error = authErr.Error()
		} else {
			l.balance = remaining
			tx.BalanceAfter = remaining
		}
	}
	// A failed operation performed no chargeable work: balance untouched,
	// but the audit row is still appended.

	l.transactions = append(l.transactions, tx)
	l.checkThresholds()
	l.notify(func(o Observer) { o.TransactionCompleted(tx) })
	l.notifyBalance()

	if authErr != nil {
		return eris.Wrap(authErr, "credit: deduct")
	}
	return nil
}

func (l *Ledger) sweepExpired() {
	now := l.nowFunc()
	for id, res := range l.reservations {
		if now.After(res.ExpiresAt) {
			delete(l.reservations, id)
			zap.L().Info("credit: reservation expired",
				zap.String("reservation_id", id),
				zap.String("class", res.Class),
				zap.Int("amount", res.Amount),
			)
			l.notify(func(o Observer) { o.ReservationReleased(*res, "expired") })
		}
	}
}

func (l *Ledger) checkThresholds() {
	if l.creditLimit <= 0 {
		return
	}
	pct := float64(l.balance) / float64(l.creditLimit) * 100

	for _, th := range l.cfg.Thresholds {
		if pct <= th.Percent {
			if !l.alerted[th.Level] {
				l.alerted[th.Level] = true
				if l.cfg.AlertSink != nil {
					l.cfg.AlertSink.CreditAlert(Alert{
						Level:       th.Level,
						Percent:     th.Percent,
						Balance:     l.balance,
						CreditLimit: l.creditLimit,
						Timestamp:   l.nowFunc(),
					})
				}
			}
		} else {
			// Recovered above the threshold: re-arm it.
			l.alerted[th.Level] = false
		}
	}
}

func (l *Ledger) notifyBalance() {
	balance, available := l.balance, l.availableLocked()
	l.notify(func(o Observer) { o.BalanceUpdated(balance, available) })
}

// notify delivers an event to each observer, isolating panics per observer.
func (l *Ledger) notify(fn func(Observer)) {
	for o := range l.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					zap.L().Warn("credit: observer panicked", zap.Any("panic", r))
				}
			}()
			fn(o)
		}()
	}
}
