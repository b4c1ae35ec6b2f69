package ledger

import (
	"context"
	"errors"

	"github.com/sandeepmv/resilipay/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrDuplicatePhone      = errors.New("phone number already registered")
	ErrTransitionViolation = errors.New("illegal transaction status transition")
)

// Epsilon absorbs floating-point rounding when comparing balances. A debit
// within Epsilon of the available balance is allowed; a genuine shortfall
// is rejected.
const Epsilon = 0.001

// Store is the ledger contract. It exclusively owns User and Transaction
// mutation. Balance operations on a single user are serialized; operations
// on different users may proceed concurrently. All operations are short and
// never block on external I/O.
type Store interface {
	CreateUser(ctx context.Context, name, phone string, balance, emergencyBalance float64) (*domain.User, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*domain.User, error)

	// Debit atomically checks and subtracts from the selected balance,
	// returning the new value. It never lets a balance go negative beyond
	// Epsilon.
	Debit(ctx context.Context, userID int64, kind domain.BalanceKind, amount float64) (float64, error)
	// Credit atomically adds to the selected balance, returning the new
	// value. It succeeds whenever the user exists.
	Credit(ctx context.Context, userID int64, kind domain.BalanceKind, amount float64) (float64, error)

	// CreateTransaction assigns a unique id and transaction code. When the
	// transaction is offline it also enqueues the pending-reconciliation
	// entry in the same unit of work.
	CreateTransaction(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	TransactionsByUser(ctx context.Context, userID int64) ([]domain.Transaction, error)
	// SetTransactionStatus enforces the transition invariant: a terminal
	// status never changes. Same-value writes are no-ops.
	SetTransactionStatus(ctx context.Context, id int64, status string) error

	PendingReconciliations(ctx context.Context) ([]domain.PendingReconciliation, error)
	// FinalizeReconciliation claims and deletes the queue entry, credits the
	// receiver's main balance, and completes the transaction, all in one
	// unit of work. It reports claimed=false when the entry is already gone,
	// which makes concurrent sweeps idempotent.
	FinalizeReconciliation(ctx context.Context, transactionID int64) (*domain.Transaction, bool, error)
	// RecordRetry bumps the retry counter and last-attempt timestamp,
	// returning the new count.
	RecordRetry(ctx context.Context, transactionID int64) (int, error)
	// AbandonReconciliation deletes the queue entry, fails the transaction,
	// and refunds the sender's emergency balance. Reports claimed=false when
	// the entry is already gone.
	AbandonReconciliation(ctx context.Context, transactionID int64) (*domain.Transaction, bool, error)

	CreateMerchant(ctx context.Context, m *domain.Merchant) (*domain.Merchant, error)
	GetMerchant(ctx context.Context, id int64) (*domain.Merchant, error)
	Merchants(ctx context.Context) ([]domain.Merchant, error)
	EssentialMerchants(ctx context.Context) ([]domain.Merchant, error)
	// IsEssentialReceiver reports whether the user is registered as an
	// essential-service merchant.
	IsEssentialReceiver(ctx context.Context, userID int64) (bool, error)
}

// validTransition applies the status-transition invariant.
func validTransition(current, next string) bool {
	if current == next {
		return true
	}
	if current != domain.StatusPending {
		return false
	}
	return next == domain.StatusCompleted || next == domain.StatusFailed || next == domain.StatusPending
}
