package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/sandeepmv/resilipay/internal/domain"
	"github.com/sandeepmv/resilipay/internal/events"
	"github.com/sandeepmv/resilipay/internal/ledger"
	"github.com/sandeepmv/resilipay/internal/mode"
	"github.com/sandeepmv/resilipay/internal/settlement"
)

// fakeAuthority answers deterministically and can observe call timing.
type fakeAuthority struct {
	onlineAccept  bool
	offlineAccept bool
	verifyAccept  bool
	fundsAccept   bool

	onlineCalls  int
	offlineCalls int

	onOnline func()
}

func (f *fakeAuthority) AttemptOnline(ctx context.Context, senderID, receiverID int64, amount float64) (settlement.Result, error) {
	f.onlineCalls++
	if f.onOnline != nil {
		f.onOnline()
	}
	return result(f.onlineAccept, "REF-TEST"), nil
}

func (f *fakeAuthority) AttemptOffline(ctx context.Context, senderID, receiverID int64, amount float64) (settlement.Result, error) {
	f.offlineCalls++
	return result(f.offlineAccept, "EMG-TEST"), nil
}

func (f *fakeAuthority) Verify(ctx context.Context, transactionID int64) (settlement.Result, error) {
	return result(f.verifyAccept, "VRF-TEST"), nil
}

func (f *fakeAuthority) AddFunds(ctx context.Context, userID int64, amount float64) (settlement.Result, error) {
	return result(f.fundsAccept, "ADD-TEST"), nil
}

func result(accepted bool, ref string) settlement.Result {
	if accepted {
		return settlement.Result{Accepted: true, Reference: ref}
	}
	return settlement.Result{Accepted: false, Reason: "declined by test"}
}

type fixture struct {
	store     *ledger.MemoryStore
	authority *fakeAuthority
	modes     *mode.Controller
	proc      *Processor
	alice     *domain.User
	bob       *domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBroadcaster()
	store := ledger.NewMemoryStore()
	modes := mode.NewController(filepath.Join(t.TempDir(), "mode.json"), bus, logger)
	authority := &fakeAuthority{onlineAccept: true, offlineAccept: true, verifyAccept: true, fundsAccept: true}

	ctx := context.Background()
	alice, err := store.CreateUser(ctx, "Alice", "9000000001", 1000, 200)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := store.CreateUser(ctx, "Bob", "9000000002", 500, 100)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		store:     store,
		authority: authority,
		modes:     modes,
		proc:      New(store, authority, modes, bus, logger),
		alice:     alice,
		bob:       bob,
	}
}

func (f *fixture) balance(t *testing.T, id int64) (float64, float64) {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return u.Balance, u.EmergencyBalance
}

func TestPayOnlineSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.proc.PayOnline(ctx, f.alice.ID, f.bob.ID, 300, false)
	if err != nil {
		t.Fatalf("PayOnline: %v", err)
	}
	if txn.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", txn.Status)
	}
	if txn.IsOffline {
		t.Error("online transaction flagged offline")
	}

	aliceMain, _ := f.balance(t, f.alice.ID)
	bobMain, _ := f.balance(t, f.bob.ID)
	if aliceMain != 700 {
		t.Errorf("sender balance = %v, want 700", aliceMain)
	}
	if bobMain != 800 {
		t.Errorf("receiver balance = %v, want 800", bobMain)
	}
}

func TestPayOnlineReservesBeforeSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var balanceDuringSettlement float64
	f.authority.onOnline = func() {
		u, _ := f.store.GetUser(ctx, f.alice.ID)
		balanceDuringSettlement = u.Balance
	}

	if _, err := f.proc.PayOnline(ctx, f.alice.ID, f.bob.ID, 250, false); err != nil {
		t.Fatal(err)
	}
	if balanceDuringSettlement != 750 {
		t.Errorf("balance during settlement = %v, want 750 (debit before authority call)", balanceDuringSettlement)
	}
}

func TestPayOnlineSettlementDeclinedKeepsDebit(t *testing.T) {
	f := newFixture(t)
	f.authority.onlineAccept = false
	ctx := context.Background()

	txn, err := f.proc.PayOnline(ctx, f.alice.ID, f.bob.ID, 300, false)
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("got %v, want ErrSettlementFailed", err)
	}
	if txn == nil || txn.Status != domain.StatusFailed {
		t.Fatalf("transaction = %+v, want failed record", txn)
	}

	// The sender is not re-credited on decline.
	aliceMain, _ := f.balance(t, f.alice.ID)
	if aliceMain != 700 {
		t.Errorf("sender balance = %v, want 700 (no refund)", aliceMain)
	}
	bobMain, _ := f.balance(t, f.bob.ID)
	if bobMain != 500 {
		t.Errorf("receiver balance = %v, want unchanged 500", bobMain)
	}
}

func TestPayOnlineInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.PayOnline(ctx, f.alice.ID, f.bob.ID, 2000, false)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	aliceMain, _ := f.balance(t, f.alice.ID)
	if aliceMain != 1000 {
		t.Errorf("balance changed on rejection: %v", aliceMain)
	}
	txns, _ := f.store.TransactionsByUser(ctx, f.alice.ID)
	if len(txns) != 0 {
		t.Errorf("transaction created despite rejection: %+v", txns)
	}
	if f.authority.onlineCalls != 0 {
		t.Error("settlement contacted despite rejection")
	}
}

func TestPayOnlineUnknownReceiver(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.PayOnline(context.Background(), f.alice.ID, 999, 10, false)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	aliceMain, _ := f.balance(t, f.alice.ID)
	if aliceMain != 1000 {
		t.Errorf("balance mutated before receiver check: %v", aliceMain)
	}
}

func TestPayOnlineModeGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.modes.Set(domain.ModeOffline); err != nil {
		t.Fatal(err)
	}
	if _, err := f.proc.PayOnline(ctx, f.alice.ID, f.bob.ID, 10, false); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("offline mode: got %v, want ErrServiceUnavailable", err)
	}

	// forceOnline is the explicit escape hatch.
	if _, err := f.proc.PayOnline(ctx, f.alice.ID, f.bob.ID, 10, true); err != nil {
		t.Fatalf("forceOnline in offline mode: %v", err)
	}
}

func TestEmergencyModeEssentialGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Bob is an essential-service merchant; Carol is not.
	if _, err := f.store.CreateMerchant(ctx, &domain.Merchant{
		UserID: f.bob.ID, Name: "MedPlus Pharmacy", Category: "medical", IsEssential: true,
	}); err != nil {
		t.Fatal(err)
	}
	carol, err := f.store.CreateUser(ctx, "Carol", "9000000003", 100, 50)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.modes.Set(domain.ModeEmergency); err != nil {
		t.Fatal(err)
	}

	if _, err := f.proc.PayOnline(ctx, f.alice.ID, carol.ID, 10, false); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("non-essential receiver: got %v, want ErrServiceUnavailable", err)
	}
	if _, err := f.proc.PayOnline(ctx, f.alice.ID, carol.ID, 10, true); err != nil {
		t.Fatalf("non-essential receiver with forceOnline: %v", err)
	}
	if _, err := f.proc.PayOnline(ctx, f.alice.ID, f.bob.ID, 10, false); err != nil {
		t.Fatalf("essential receiver in emergency mode: %v", err)
	}
}

func TestPayEmergency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.proc.PayEmergency(ctx, f.alice.ID, f.bob.ID, 150, domain.MethodBluetooth)
	if err != nil {
		t.Fatalf("PayEmergency: %v", err)
	}
	if txn.Status != domain.StatusPending {
		t.Errorf("status = %q, want pending", txn.Status)
	}
	if !txn.IsOffline {
		t.Error("emergency transaction not flagged offline")
	}

	_, aliceEmergency := f.balance(t, f.alice.ID)
	if aliceEmergency != 50 {
		t.Errorf("emergency balance = %v, want 50", aliceEmergency)
	}
	bobMain, _ := f.balance(t, f.bob.ID)
	if bobMain != 500 {
		t.Errorf("receiver credited before reconciliation: %v", bobMain)
	}

	pending, _ := f.store.PendingReconciliations(ctx)
	if len(pending) != 1 || pending[0].TransactionID != txn.ID {
		t.Fatalf("pending queue = %+v", pending)
	}
}

func TestPayEmergencyIgnoresOfflineOutcome(t *testing.T) {
	f := newFixture(t)
	f.authority.offlineAccept = false
	ctx := context.Background()

	txn, err := f.proc.PayEmergency(ctx, f.alice.ID, f.bob.ID, 150, domain.MethodBluetooth)
	if err != nil {
		t.Fatalf("submission must succeed once funds are reserved: %v", err)
	}
	if txn.Status != domain.StatusPending {
		t.Errorf("status = %q, want pending regardless of offline outcome", txn.Status)
	}
	if f.authority.offlineCalls != 1 {
		t.Errorf("offline authority calls = %d, want 1", f.authority.offlineCalls)
	}

	_, aliceEmergency := f.balance(t, f.alice.ID)
	if aliceEmergency != 50 {
		t.Errorf("emergency balance = %v, want 50", aliceEmergency)
	}
}

func TestPayEmergencyInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.PayEmergency(ctx, f.alice.ID, f.bob.ID, 500, domain.MethodBluetooth)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	pending, _ := f.store.PendingReconciliations(ctx)
	if len(pending) != 0 {
		t.Errorf("queue entry created despite rejection: %+v", pending)
	}
}

func TestPayValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.proc.PayOnline(ctx, f.alice.ID, f.bob.ID, 0, false); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := f.proc.PayOnline(ctx, f.alice.ID, f.alice.ID, 10, false); !errors.Is(err, ErrSameAccount) {
		t.Errorf("self pay: got %v", err)
	}
	if _, err := f.proc.PayEmergency(ctx, f.alice.ID, f.alice.ID, 10, domain.MethodBluetooth); !errors.Is(err, ErrSameAccount) {
		t.Errorf("self emergency pay: got %v", err)
	}
}

func TestAddFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	balance, err := f.proc.AddFunds(ctx, f.alice.ID, domain.BalanceEmergency, 300)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 500 {
		t.Errorf("emergency balance = %v, want 500", balance)
	}

	f.authority.fundsAccept = false
	if _, err := f.proc.AddFunds(ctx, f.alice.ID, domain.BalanceMain, 100); !errors.Is(err, ErrGatewayDeclined) {
		t.Fatalf("got %v, want ErrGatewayDeclined", err)
	}
	aliceMain, _ := f.balance(t, f.alice.ID)
	if aliceMain != 1000 {
		t.Errorf("balance credited despite decline: %v", aliceMain)
	}
}
