package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sandeepmv/resilipay/internal/domain"
	"github.com/sandeepmv/resilipay/internal/events"
	"github.com/sandeepmv/resilipay/internal/ledger"
	"github.com/sandeepmv/resilipay/internal/settlement"
)

var sweepEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payments_reconciliation_entries_total",
	Help: "Reconciliation queue entries processed by outcome",
}, []string{"outcome"})

// Sweeper drains the pending-reconciliation queue against the settlement
// authority. It is safe to run concurrently with new emergency payments and
// with itself: the store's claim-on-finalize makes each entry settle at most
// once.
type Sweeper struct {
	store      ledger.Store
	authority  settlement.Authority
	bus        *events.Broadcaster
	logger     *slog.Logger
	maxRetries int
}

func NewSweeper(store ledger.Store, authority settlement.Authority, bus *events.Broadcaster, logger *slog.Logger, maxRetries int) *Sweeper {
	return &Sweeper{
		store:      store,
		authority:  authority,
		bus:        bus,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// RunSweep verifies every queued entry once. Verified entries are finalized
// (receiver credited, transaction completed, queue entry removed); declined
// entries stay queued with a bumped retry count until the retry ceiling
// abandons them.
func (s *Sweeper) RunSweep(ctx context.Context) ([]domain.SweepResult, error) {
	pending, err := s.store.PendingReconciliations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	results := make([]domain.SweepResult, 0, len(pending))
	var completed, stillPending, abandoned int

	for _, entry := range pending {
		res, err := s.sweepOne(ctx, entry)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return results, err
			}
			s.logger.Error("sweep entry failed", "transaction_id", entry.TransactionID, "error", err)
			continue
		}
		if res == nil {
			// Entry resolved by a concurrent sweep between listing and
			// verification.
			continue
		}
		results = append(results, *res)
		switch res.Status {
		case domain.StatusCompleted:
			completed++
		case domain.StatusFailed:
			abandoned++
		default:
			stillPending++
		}
	}

	s.bus.Publish(events.TypeReconciliationReport, events.ReconciliationReport{
		Completed:    completed,
		StillPending: stillPending,
		Abandoned:    abandoned,
	})
	s.logger.Info("reconciliation sweep finished",
		"completed", completed, "still_pending", stillPending, "abandoned", abandoned)
	return results, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, entry domain.PendingReconciliation) (*domain.SweepResult, error) {
	verdict, err := s.authority.Verify(ctx, entry.TransactionID)
	if err != nil {
		return nil, err
	}

	if verdict.Accepted {
		return s.finalize(ctx, entry.TransactionID)
	}
	return s.recordFailure(ctx, entry.TransactionID)
}

func (s *Sweeper) finalize(ctx context.Context, transactionID int64) (*domain.SweepResult, error) {
	txn, claimed, err := s.store.FinalizeReconciliation(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	sweepEntries.WithLabelValues("completed").Inc()

	if receiver, err := s.store.GetUser(ctx, txn.ReceiverID); err == nil {
		s.bus.Publish(events.TypeBalanceUpdate, events.BalanceUpdate{
			UserID:      receiver.ID,
			BalanceKind: string(domain.BalanceMain),
			Balance:     receiver.Balance,
		})
	}
	s.bus.Publish(events.TypeTransactionUpdate, events.TransactionUpdate{
		TransactionID:   txn.ID,
		TransactionCode: txn.TransactionCode,
		Status:          txn.Status,
		IsOffline:       true,
		Message:         "transaction successfully reconciled",
	})
	s.bus.Publish(events.TypeEmergencyCompleted, events.TransactionUpdate{
		TransactionID:   txn.ID,
		TransactionCode: txn.TransactionCode,
		Status:          txn.Status,
		IsOffline:       true,
	})

	s.logger.Info("reconciled", "transaction_id", txn.ID, "code", txn.TransactionCode)
	return &domain.SweepResult{
		TransactionID: txn.ID,
		Status:        txn.Status,
		Message:       "transaction successfully reconciled",
	}, nil
}

func (s *Sweeper) recordFailure(ctx context.Context, transactionID int64) (*domain.SweepResult, error) {
	count, err := s.store.RecordRetry(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if count >= s.maxRetries {
		return s.abandon(ctx, transactionID, count)
	}

	sweepEntries.WithLabelValues("retried").Inc()
	return &domain.SweepResult{
		TransactionID: transactionID,
		Status:        domain.StatusPending,
		RetryCount:    count,
		Message:       "reconciliation failed, will retry",
	}, nil
}

// abandon is the retry ceiling: the transaction fails for good and the
// never-settled reserve returns to the sender's emergency pool.
func (s *Sweeper) abandon(ctx context.Context, transactionID int64, count int) (*domain.SweepResult, error) {
	txn, claimed, err := s.store.AbandonReconciliation(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	sweepEntries.WithLabelValues("abandoned").Inc()

	if sender, err := s.store.GetUser(ctx, txn.SenderID); err == nil {
		s.bus.Publish(events.TypeBalanceUpdate, events.BalanceUpdate{
			UserID:      sender.ID,
			BalanceKind: string(domain.BalanceEmergency),
			Balance:     sender.EmergencyBalance,
		})
	}
	s.bus.Publish(events.TypeTransactionUpdate, events.TransactionUpdate{
		TransactionID:   txn.ID,
		TransactionCode: txn.TransactionCode,
		Status:          txn.Status,
		IsOffline:       true,
		Message:         "abandoned after retry ceiling, emergency funds returned",
	})

	s.logger.Warn("reconciliation abandoned",
		"transaction_id", txn.ID, "retries", count)
	return &domain.SweepResult{
		TransactionID: txn.ID,
		Status:        txn.Status,
		RetryCount:    count,
		Message:       "abandoned after retry ceiling, emergency funds returned",
	}, nil
}
