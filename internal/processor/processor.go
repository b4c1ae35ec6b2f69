package processor

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
	"github.com/sandeepmv/resilipay/internal/mode"
	"github.com/sandeepmv/resilipay/internal/settlement"
)

var (
	ErrInvalidAmount = errors.New("amount must be greater than zero")
	ErrSameAccount   = errors.New("cannot pay yourself")
	// ErrServiceUnavailable is the mode-gating rejection: the current mode
	// forbids the online path for this receiver.
	ErrServiceUnavailable = errors.New("online payments unavailable in current mode")
	// ErrSettlementFailed is terminal for the online path.
	ErrSettlementFailed = errors.New("settlement declined")
	// ErrGatewayDeclined covers add-funds rejections.
	ErrGatewayDeclined = errors.New("payment gateway declined")
)

var settlementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payments_settlement_attempts_total",
	Help: "Settlement authority attempts by path and outcome",
}, []string{"path", "outcome"})

// Processor orchestrates payments: it snapshots the mode, reserves funds,
// records the transaction, and drives the settlement path that the snapshot
// selected. A transaction's path never changes after submission, no matter
// how the mode flips later.
type Processor struct {
	store     ledger.Store
	authority settlement.Authority
	modes     *mode.Controller
	bus       *events.Broadcaster
	logger    *slog.Logger
}

func New(store ledger.Store, authority settlement.Authority, modes *mode.Controller, bus *events.Broadcaster, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		authority: authority,
		modes:     modes,
		bus:       bus,
		logger:    logger,
	}
}

// PayOnline runs the online settlement path against the sender's main
// balance. The mode snapshot taken here is the one the whole attempt is
// judged by. Callers holding an explicit override pass forceOnline.
//
// Once funds are reserved and the record exists, a settlement decline does
// not restore the sender's balance: the transaction is marked failed and
// returned alongside ErrSettlementFailed.
func (p *Processor) PayOnline(ctx context.Context, senderID, receiverID int64, amount float64, forceOnline bool) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if senderID == receiverID {
		return nil, ErrSameAccount
	}

	snapshot := p.modes.Current()
	allowed, err := p.onlineAllowed(ctx, snapshot, receiverID, forceOnline)
	if err != nil {
		return nil, err
	}
	if !allowed {
		p.logger.Warn("online payment gated",
			"mode", snapshot, "sender_id", senderID, "receiver_id", receiverID)
		return nil, ErrServiceUnavailable
	}

	// Receiver existence is checked before any mutation.
	if _, err := p.store.GetUser(ctx, receiverID); err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}

	newBalance, err := p.store.Debit(ctx, senderID, domain.BalanceMain, amount)
	if err != nil {
		return nil, err
	}
	p.bus.Publish(events.TypeBalanceUpdate, events.BalanceUpdate{
		UserID: senderID, BalanceKind: string(domain.BalanceMain), Balance: newBalance,
	})

	txn, err := p.store.CreateTransaction(ctx, &domain.Transaction{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
		Status:     domain.StatusPending,
		Method:     domain.MethodUPI,
		IsOffline:  false,
	})
	if err != nil {
		return nil, err
	}
	p.publishTransaction(txn, "")

	result, err := p.authority.AttemptOnline(ctx, senderID, receiverID, amount)
	if err != nil {
		// Caller timeout or cancellation: the debit and record stay; the
		// transaction remains discoverable and pending.
		p.logger.Error("online settlement interrupted",
			"transaction_id", txn.ID, "error", err)
		return txn, fmt.Errorf("settlement attempt: %w", err)
	}

	if !result.Accepted {
		settlementAttempts.WithLabelValues("online", "declined").Inc()
		if err := p.store.SetTransactionStatus(ctx, txn.ID, domain.StatusFailed); err != nil {
			return txn, err
		}
		txn.Status = domain.StatusFailed
		p.publishTransaction(txn, result.Reason)
		p.logger.Warn("online payment failed",
			"transaction_id", txn.ID, "reason", result.Reason)
		return txn, fmt.Errorf("%w: %s", ErrSettlementFailed, result.Reason)
	}

	settlementAttempts.WithLabelValues("online", "accepted").Inc()
	receiverBalance, err := p.store.Credit(ctx, receiverID, domain.BalanceMain, amount)
	if err != nil {
		return txn, err
	}
	if err := p.store.SetTransactionStatus(ctx, txn.ID, domain.StatusCompleted); err != nil {
		return txn, err
	}
	txn.Status = domain.StatusCompleted

	p.bus.Publish(events.TypeBalanceUpdate, events.BalanceUpdate{
		UserID: receiverID, BalanceKind: string(domain.BalanceMain), Balance: receiverBalance,
	})
	p.publishTransaction(txn, result.Reference)

	p.logger.Info("online payment completed",
		"transaction_id", txn.ID, "code", txn.TransactionCode, "reference", result.Reference)
	return txn, nil
}

// PayEmergency reserves from the sender's emergency balance and records an
// offline transaction plus its reconciliation entry in one unit of work.
// The offline settlement attempt only simulates proximity acceptance; its
// outcome is deliberately ignored and the transaction stays pending until a
// sweep settles it.
func (p *Processor) PayEmergency(ctx context.Context, senderID, receiverID int64, amount float64, method domain.Method) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if senderID == receiverID {
		return nil, ErrSameAccount
	}
	if method != domain.MethodUPI && method != domain.MethodBluetooth {
		method = domain.MethodOther
	}

	if _, err := p.store.GetUser(ctx, receiverID); err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}

	newBalance, err := p.store.Debit(ctx, senderID, domain.BalanceEmergency, amount)
	if err != nil {
		return nil, err
	}
	p.bus.Publish(events.TypeBalanceUpdate, events.BalanceUpdate{
		UserID: senderID, BalanceKind: string(domain.BalanceEmergency), Balance: newBalance,
	})

	txn, err := p.store.CreateTransaction(ctx, &domain.Transaction{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
		Status:     domain.StatusPending,
		Method:     method,
		IsOffline:  true,
	})
	if err != nil {
		return nil, err
	}

	if result, err := p.authority.AttemptOffline(ctx, senderID, receiverID, amount); err != nil {
		p.logger.Warn("offline acceptance interrupted", "transaction_id", txn.ID, "error", err)
	} else {
		outcome := "declined"
		if result.Accepted {
			outcome = "accepted"
		}
		settlementAttempts.WithLabelValues("offline", outcome).Inc()
		p.logger.Info("offline acceptance simulated",
			"transaction_id", txn.ID, "accepted", result.Accepted)
	}

	p.publishTransaction(txn, "payment accepted, awaiting reconciliation")
	p.logger.Info("emergency payment accepted",
		"transaction_id", txn.ID, "code", txn.TransactionCode, "method", method)
	return txn, nil
}

// AddFunds tops up the selected balance through the gateway.
func (p *Processor) AddFunds(ctx context.Context, userID int64, kind domain.BalanceKind, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if _, err := p.store.GetUser(ctx, userID); err != nil {
		return 0, err
	}

	result, err := p.authority.AddFunds(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("add funds: %w", err)
	}
	if !result.Accepted {
		return 0, fmt.Errorf("%w: %s", ErrGatewayDeclined, result.Reason)
	}

	newBalance, err := p.store.Credit(ctx, userID, kind, amount)
	if err != nil {
		return 0, err
	}
	p.bus.Publish(events.TypeBalanceUpdate, events.BalanceUpdate{
		UserID: userID, BalanceKind: string(kind), Balance: newBalance,
	})
	return newBalance, nil
}

// onlineAllowed applies the gating policy to one mode snapshot. In
// emergency mode only essential-service receivers keep the online path;
// forceOnline is the explicit operator escape hatch.
func (p *Processor) onlineAllowed(ctx context.Context, snapshot domain.Mode, receiverID int64, forceOnline bool) (bool, error) {
	if forceOnline || snapshot == domain.ModeOnline {
		return true, nil
	}
	if snapshot == domain.ModeEmergency {
		return p.store.IsEssentialReceiver(ctx, receiverID)
	}
	return false, nil
}

func (p *Processor) publishTransaction(t *domain.Transaction, message string) {
	p.bus.Publish(events.TypeTransactionUpdate, events.TransactionUpdate{
		TransactionID:   t.ID,
		TransactionCode: t.TransactionCode,
		Status:          t.Status,
		IsOffline:       t.IsOffline,
		Message:         message,
	})
}
