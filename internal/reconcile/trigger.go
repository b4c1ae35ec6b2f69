package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sandeepmv/resilipay/internal/domain"
	"github.com/sandeepmv/resilipay/internal/events"
)

// Trigger watches mode changes and runs a sweep whenever connectivity
// returns to online, so queued offline payments settle without an operator
// having to call the reconcile endpoint.
//
// Sweeps run on their own goroutine: the watcher keeps draining its
// subscription while a sweep publishes, so the sweep's own events can never
// fill the watcher's buffer and get it disconnected. If the bus drops the
// watcher anyway, it resubscribes instead of dying.
type Trigger struct {
	sweeper *Sweeper
	bus     *events.Broadcaster
	logger  *slog.Logger

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	sweeping sync.Mutex
}

func NewTrigger(sweeper *Sweeper, bus *events.Broadcaster, logger *slog.Logger) *Trigger {
	return &Trigger{sweeper: sweeper, bus: bus, logger: logger}
}

// Start launches the background watcher. Stop must be called on shutdown.
func (t *Trigger) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel

	t.wg.Add(1)
	go t.watch(ctx)
}

func (t *Trigger) watch(ctx context.Context) {
	defer t.wg.Done()

	ch, unsubscribe := t.bus.Subscribe()
	defer func() { unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				t.logger.Warn("mode watcher fell behind, resubscribing")
				ch, unsubscribe = t.bus.Subscribe()
				continue
			}
			change, isMode := ev.Data.(events.ModeChange)
			if ev.Type != events.TypeModeChanged || !isMode {
				continue
			}
			if domain.Mode(change.Current) != domain.ModeOnline {
				continue
			}

			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				// One triggered sweep at a time; a flapping mode just
				// queues the next sweep behind the running one.
				t.sweeping.Lock()
				defer t.sweeping.Unlock()

				t.logger.Info("connectivity restored, sweeping pending reconciliations")
				if _, err := t.sweeper.RunSweep(ctx); err != nil {
					t.logger.Error("triggered sweep failed", "error", err)
				}
			}()
		}
	}
}

func (t *Trigger) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
