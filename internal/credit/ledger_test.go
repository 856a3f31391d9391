package credit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeAuthority is an in-memory Authority with injectable failures.
type fakeAuthority struct {
	mu          sync.Mutex
	balance     int
	limit       int
	validateErr error
	useErr      error
	refundErr   error
	useCalls    int
}

func (f *fakeAuthority) ValidateLicense(_ context.Context, key string) (*License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &License{
		Key:              key,
		Plan:             "pro",
		CreditsRemaining: f.balance,
		CreditLimit:      f.limit,
		ResetDate:        time.Now().Add(30 * 24 * time.Hour),
	}, nil
}

func (f *fakeAuthority) GetBalance(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeAuthority) UseCredits(_ context.Context, _ string, amount int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.useCalls++
	if f.useErr != nil {
		return 0, f.useErr
	}
	f.balance -= amount
	return f.balance, nil
}

func (f *fakeAuthority) RefundCredits(_ context.Context, _ string, amount int, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return 0, f.refundErr
	}
	f.balance += amount
	return f.balance, nil
}

func newTestLedger(t *testing.T, auth *fakeAuthority, cfg Config) *Ledger {
	t.Helper()
	l := NewLedger(auth, cfg)
	l.Start()
	t.Cleanup(l.Close)
	if _, err := l.LoadLicense(context.Background(), "test-key"); err != nil {
		t.Fatalf("load license: %v", err)
	}
	return l
}

func TestLedger_NotStarted(t *testing.T) {
	l := NewLedger(&fakeAuthority{balance: 10, limit: 10}, Config{})
	if _, err := l.ReserveCredits(context.Background(), "x", "ref"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestLedger_NotInitialized(t *testing.T) {
	l := NewLedger(&fakeAuthority{balance: 10, limit: 10}, Config{})
	l.Start()
	defer l.Close()

	if _, err := l.ReserveCredits(context.Background(), "x", "ref"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestLedger_LoadLicenseFailure(t *testing.T) {
	auth := &fakeAuthority{validateErr: errors.New("invalid key")}
	l := NewLedger(auth, Config{})
	l.Start()
	defer l.Close()

	if _, err := l.LoadLicense(context.Background(), "bad"); err == nil {
		t.Fatal("expected error from authority")
	}
}

func TestLedger_ReserveThenRelease_BalanceUnchanged(t *testing.T) {
	l := newTestLedger(t, &fakeAuthority{balance: 10, limit: 100}, Config{
		Costs: map[string]int{"x": 3},
	})
	ctx := context.Background()

	before, _ := l.AvailableBalance(ctx)

	id, err := l.ReserveCredits(ctx, "x", "op-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	during, _ := l.AvailableBalance(ctx)
	if during != before-3 {
		t.Errorf("expected available %d during hold, got %d", before-3, during)
	}
	if b, _ := l.Balance(ctx); b != 10 {
		t.Errorf("reservation must not touch balance, got %d", b)
	}

	if err := l.ReleaseReservation(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}

	after, _ := l.AvailableBalance(ctx)
	if after != before {
		t.Errorf("expected available restored to %d, got %d", before, after)
	}
	if b, _ := l.Balance(ctx); b != 10 {
		t.Errorf("release must not touch balance, got %d", b)
	}
}

func TestLedger_InsufficientCredits(t *testing.T) {
	l := newTestLedger(t, &fakeAuthority{balance: 2, limit: 100}, Config{
		Costs: map[string]int{"x": 3},
	})

	if _, err := l.ReserveCredits(context.Background(), "x", "op"); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestLedger_ConcurrentReserves_NeverOverReserve(t *testing.T) {
	// balance 5, cost 3: two concurrent reserves, exactly one may win.
	// The actor serializes check-and-reserve so sum(active) <= balance holds.
	l := newTestLedger(t, &fakeAuthority{balance: 5, limit: 100}, Config{
		Costs: map[string]int{"x": 3},
	})
	ctx := context.Background()

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ReserveCredits(ctx, "x", "race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly 1 winning reservation, got %d", wins)
	}

	snap, _ := l.Snapshot(ctx)
	held := 0
	for _, r := range snap.ActiveReservations {
		held += r.Amount
	}
	if held > snap.Balance {
		t.Errorf("reserved %d exceeds balance %d", held, snap.Balance)
	}
}

func TestLedger_CommitSuccess_DeductsBalance(t *testing.T) {
	auth := &fakeAuthority{balance: 10, limit: 100}
	l := newTestLedger(t, auth, Config{Costs: map[string]int{"x": 3}})
	ctx := context.Background()

	id, _ := l.ReserveCredits(ctx, "x", "op")
	if err := l.CommitReservation(ctx, id, true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap, _ := l.Snapshot(ctx)
	if snap.Balance != 7 {
		t.Errorf("expected balance 7, got %d", snap.Balance)
	}
	if len(snap.ActiveReservations) != 0 {
		t.Error("commit must release the reservation")
	}
	if len(snap.Transactions) != 1 || !snap.Transactions[0].Success {
		t.Errorf("expected one successful deduct transaction, got %+v", snap.Transactions)
	}
}

func TestLedger_CommitFailure_BalanceUntouchedButAudited(t *testing.T) {
	auth := &fakeAuthority{balance: 10, limit: 100}
	l := newTestLedger(t, auth, Config{Costs: map[string]int{"x": 3}})
	ctx := context.Background()

	id, _ := l.ReserveCredits(ctx, "x", "op")
	if err := l.CommitReservation(ctx, id, false); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap, _ := l.Snapshot(ctx)
	if snap.Balance != 10 {
		t.Errorf("failed operation must not charge, got balance %d", snap.Balance)
	}
	if auth.useCalls != 0 {
		t.Errorf("authority must not be called for a failed operation, got %d calls", auth.useCalls)
	}
	if len(snap.Transactions) != 1 {
		t.Fatalf("expected audit transaction, got %d", len(snap.Transactions))
	}
	if snap.Transactions[0].Success {
		t.Error("audit transaction must record success=false")
	}
}

func TestLedger_CommitUnknownReservation(t *testing.T) {
	l := newTestLedger(t, &fakeAuthority{balance: 10, limit: 100}, Config{})

	if err := l.CommitReservation(context.Background(), "nope", true); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestLedger_CommitIsTerminalOnAuthorityError(t *testing.T) {
	auth := &fakeAuthority{balance: 10, limit: 100, useErr: errors.New("authority down")}
	l := newTestLedger(t, auth, Config{Costs: map[string]int{"x": 2}})
	ctx := context.Background()

	id, _ := l.ReserveCredits(ctx, "x", "op")
	err := l.CommitReservation(ctx, id, true)
	if err == nil {
		t.Fatal("expected deduct error surfaced")
	}

	snap, _ := l.Snapshot(ctx)
	if len(snap.ActiveReservations) != 0 {
		t.Error("reservation must be released even when the deduction fails")
	}
	if len(snap.Transactions) != 1 || snap.Transactions[0].Success {
		t.Error("expected a failed audit transaction recording the authority error")
	}
	if snap.Balance != 10 {
		t.Errorf("balance must be untouched on authority failure, got %d", snap.Balance)
	}
}

func TestLedger_ReservationExpirySweep(t *testing.T) {
	l := newTestLedger(t, &fakeAuthority{balance: 10, limit: 100}, Config{
		Costs:              map[string]int{"x": 3},
		ReservationTimeout: 10 * time.Millisecond,
		SweepInterval:      5 * time.Millisecond,
	})
	ctx := context.Background()

	if _, err := l.ReserveCredits(ctx, "x", "abandoned"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		avail, _ := l.AvailableBalance(ctx)
		if avail == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired reservation never swept, available=%d", avail)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLedger_Refund(t *testing.T) {
	auth := &fakeAuthority{balance: 10, limit: 100}
	l := newTestLedger(t, auth, Config{Costs: map[string]int{"x": 4}})
	ctx := context.Background()

	id, _ := l.ReserveCredits(ctx, "x", "op")
	_ = l.CommitReservation(ctx, id, true)

	snap, _ := l.Snapshot(ctx)
	txID := snap.Transactions[0].ID

	if err := l.RefundCredits(ctx, txID, "user complaint"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	snap, _ = l.Snapshot(ctx)
	if snap.Balance != 10 {
		t.Errorf("expected balance restored to 10, got %d", snap.Balance)
	}
	last := snap.Transactions[len(snap.Transactions)-1]
	if last.Type != TransactionRefund || !last.Success {
		t.Errorf("expected successful refund transaction, got %+v", last)
	}
}

func TestLedger_RefundRejectsNonDeduct(t *testing.T) {
	l := newTestLedger(t, &fakeAuthority{balance: 10, limit: 100}, Config{})

	if err := l.RefundCredits(context.Background(), "missing", "x"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

// recordingSink collects alerts for assertions.
type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingSink) CreditAlert(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingSink) byLevel(level AlertLevel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Level == level {
			n++
		}
	}
	return n
}

func TestLedger_ThresholdAlerts_LatchAndRearm(t *testing.T) {
	sink := &recordingSink{}
	auth := &fakeAuthority{balance: 100, limit: 100}
	l := newTestLedger(t, auth, Config{
		DefaultCost: 1,
		Thresholds:  []Threshold{{Level: AlertLow, Percent: 50}},
		AlertSink:   sink,
	})
	ctx := context.Background()

	// Drop to 45%: one alert.
	if err := l.DeductCredits(ctx, "bulk", 55, "op-1", true); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if got := sink.byLevel(AlertLow); got != 1 {
		t.Fatalf("expected 1 alert after crossing, got %d", got)
	}

	// Hovering below the threshold must not re-fire.
	_ = l.DeductCredits(ctx, "bulk", 5, "op-2", true)
	if got := sink.byLevel(AlertLow); got != 1 {
		t.Fatalf("expected alert latched, got %d", got)
	}

	// Recover above 50%, then drop again: fires once more.
	snap, _ := l.Snapshot(ctx)
	refundID := snap.Transactions[0].ID
	if err := l.RefundCredits(ctx, refundID, "re-arm"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	_ = l.DeductCredits(ctx, "bulk", 50, "op-3", true)
	if got := sink.byLevel(AlertLow); got != 2 {
		t.Fatalf("expected re-armed alert to fire, got %d", got)
	}
}

// recordingObserver captures ledger events.
type recordingObserver struct {
	mu       sync.Mutex
	created  int
	released map[string]int
	txs      int
}

func (o *recordingObserver) BalanceUpdated(_, _ int) {}

func (o *recordingObserver) ReservationCreated(_ Reservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *recordingObserver) ReservationReleased(_ Reservation, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released == nil {
		o.released = make(map[string]int)
	}
	o.released[reason]++
}

func (o *recordingObserver) TransactionCompleted(_ Transaction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.txs++
}

// panickyObserver panics on every event.
type panickyObserver struct{}

func (panickyObserver) BalanceUpdated(_, _ int)                     { panic("boom") }
func (panickyObserver) ReservationCreated(_ Reservation)            { panic("boom") }
func (panickyObserver) ReservationReleased(_ Reservation, _ string) { panic("boom") }
func (panickyObserver) TransactionCompleted(_ Transaction)          { panic("boom") }

func TestLedger_ObserverEvents_PanicIsolation(t *testing.T) {
	l := newTestLedger(t, &fakeAuthority{balance: 10, limit: 100}, Config{Costs: map[string]int{"x": 2}})
	ctx := context.Background()

	rec := &recordingObserver{}
	if err := l.Attach(ctx, panickyObserver{}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := l.Attach(ctx, rec); err != nil {
		t.Fatalf("attach: %v", err)
	}

	id, _ := l.ReserveCredits(ctx, "x", "op")
	_ = l.CommitReservation(ctx, id, true)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.created != 1 {
		t.Errorf("expected 1 created event despite panicking peer, got %d", rec.created)
	}
	if rec.released["committed"] != 1 {
		t.Errorf("expected 1 committed release, got %v", rec.released)
	}
	if rec.txs != 1 {
		t.Errorf("expected 1 transaction event, got %d", rec.txs)
	}
}

func TestLedger_Detach(t *testing.T) {
	l := newTestLedger(t, &fakeAuthority{balance: 10, limit: 100}, Config{})
	ctx := context.Background()

	rec := &recordingObserver{}
	_ = l.Attach(ctx, rec)
	_ = l.Detach(ctx, rec)

	_, _ = l.ReserveCredits(ctx, "x", "op")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.created != 0 {
		t.Errorf("detached observer must not receive events, got %d", rec.created)
	}
}

func TestLedger_CloseIsIdempotent(t *testing.T) {
	l := NewLedger(&fakeAuthority{balance: 1, limit: 1}, Config{})
	l.Start()
	l.Close()
	l.Close()

	if _, err := l.Balance(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
