package reconcile

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandeepmv/resilipay/internal/domain"
	"github.com/sandeepmv/resilipay/internal/mode"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTriggerSweepsOnReconnect(t *testing.T) {
	sweeper, store, _, bus, alice, bob := newSweeperFixture(t, 10)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	modes := mode.NewController(filepath.Join(t.TempDir(), "mode-state.json"), bus, logger)

	if _, err := store.Credit(ctx, alice.ID, domain.BalanceEmergency, 1000); err != nil {
		t.Fatal(err)
	}

	trigger := NewTrigger(sweeper, bus, logger)
	trigger.Start(context.Background())
	defer trigger.Stop()

	seed := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			seedOfflinePayment(t, store, alice.ID, bob.ID, 10)
		}
	}
	drained := func() bool {
		pending, err := store.PendingReconciliations(ctx)
		return err == nil && len(pending) == 0
	}

	// Well past the subscription buffer: every finalized entry publishes
	// three events, so this sweep emits more than the watcher can hold if
	// it stops draining.
	seed(30)
	if _, err := modes.Set(domain.ModeOffline); err != nil {
		t.Fatal(err)
	}
	if _, err := modes.Set(domain.ModeOnline); err != nil {
		t.Fatal(err)
	}
	waitFor(t, drained, "first triggered sweep never drained the queue")

	if bus.SubscriberCount() == 0 {
		t.Fatal("trigger lost its subscription during its own sweep")
	}

	// The watcher must still react to the next reconnect.
	seed(30)
	if _, err := modes.Set(domain.ModeOffline); err != nil {
		t.Fatal(err)
	}
	if _, err := modes.Set(domain.ModeOnline); err != nil {
		t.Fatal(err)
	}
	waitFor(t, drained, "second triggered sweep never ran")

	receiver, _ := store.GetUser(ctx, bob.ID)
	if receiver.Balance != 1100 {
		t.Errorf("receiver balance = %v, want 1100 after both sweeps", receiver.Balance)
	}
}
