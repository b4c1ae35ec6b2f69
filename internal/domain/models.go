package domain

import "time"

// Mode is the process-wide connectivity state. It gates which settlement
// path a payment is allowed to take.
type Mode string

const (
	ModeOnline    Mode = "online"
	ModeOffline   Mode = "offline"
	ModeEmergency Mode = "emergency"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	return m == ModeOnline || m == ModeOffline || m == ModeEmergency
}

// BalanceKind selects which of a user's two balances an operation targets.
type BalanceKind string

const (
	BalanceMain      BalanceKind = "main"
	BalanceEmergency BalanceKind = "emergency"
)

// Method is how a payment was initiated.
type Method string

const (
	MethodUPI       Method = "UPI"
	MethodBluetooth Method = "BLUETOOTH"
	MethodOther     Method = "OTHER"
)

// Transaction status values. Status only ever moves pending->completed or
// pending->failed; a completed transaction is immutable.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// User holds the two independently funded balances. The main balance is
// spendable only through the online settlement path; the emergency balance
// backs offline/emergency payments.
type User struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Phone            string    `json:"phone"`
	Balance          float64   `json:"balance"`
	EmergencyBalance float64   `json:"emergency_balance"`
	CreatedAt        time.Time `json:"created_at"`
}

// Transaction is the record of a payment attempt. Only Status changes after
// creation.
type Transaction struct {
	ID              int64     `json:"id"`
	SenderID        int64     `json:"sender_id"`
	ReceiverID      int64     `json:"receiver_id"`
	Amount          float64   `json:"amount"`
	Status          string    `json:"status"`
	Method          Method    `json:"method"`
	IsOffline       bool      `json:"is_offline"`
	TransactionCode string    `json:"transaction_code"`
	Description     string    `json:"description,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PendingReconciliation tracks one unresolved offline transaction. At most
// one entry exists per transaction; it is deleted in the same unit of work
// that finalizes the transaction.
type PendingReconciliation struct {
	TransactionID int64     `json:"transaction_id"`
	RetryCount    int       `json:"retry_count"`
	LastAttempt   time.Time `json:"last_attempt"`
}

// Merchant ties a receiving user to a category. Essential merchants stay
// reachable through the online path even in emergency mode.
type Merchant struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	IsEssential bool      `json:"is_essential"`
	CreatedAt   time.Time `json:"created_at"`
}

// SweepResult is the per-entry outcome of one reconciliation pass.
type SweepResult struct {
	TransactionID int64  `json:"transaction_id"`
	Status        string `json:"status"`
	RetryCount    int    `json:"retry_count,omitempty"`
	Message       string `json:"message"`
}

// NearbyDevice is a simulated proximity-scan candidate counterparty.
type NearbyDevice struct {
	ID       string  `json:"id"`
	UserID   int64   `json:"user_id"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}
