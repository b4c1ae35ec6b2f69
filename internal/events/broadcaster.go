package events

import (
	"sync"
	"time"
)

// Event types pushed to observers.
const (
	TypeTransactionUpdate    = "transaction-update"
	TypeBalanceUpdate        = "balance-update"
	TypeEmergencyCompleted   = "emergency-transaction-completed"
	TypeReconciliationReport = "reconciliation-complete"
	TypeModeChanged          = "mode-changed"
)

// Event is a single notification toward the UI boundary.
type Event struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// TransactionUpdate reports a status change for one transaction. Per
// transaction these are causally ordered: accepted before completed/failed.
type TransactionUpdate struct {
	TransactionID   int64  `json:"transaction_id"`
	TransactionCode string `json:"transaction_code"`
	Status          string `json:"status"`
	IsOffline       bool   `json:"is_offline"`
	Message         string `json:"message,omitempty"`
}

// BalanceUpdate reports a new balance value for one user.
type BalanceUpdate struct {
	UserID      int64   `json:"user_id"`
	BalanceKind string  `json:"balance_kind"`
	Balance     float64 `json:"balance"`
}

// ReconciliationReport summarizes one sweep.
type ReconciliationReport struct {
	Completed    int `json:"completed"`
	StillPending int `json:"still_pending"`
	Abandoned    int `json:"abandoned"`
}

// ModeChange carries a mode transition.
type ModeChange struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// subscriber owns one delivery channel. Its lock serializes sends with the
// close, so a timed-out delivery can never race a send onto a closed channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver reports false when the subscriber could not drain its buffer
// within the timeout.
func (s *subscriber) deliver(ev Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster fans events out to all subscribers. Publish never blocks the
// caller indefinitely: a subscriber that cannot drain its buffer within the
// send timeout is dropped rather than stalling state-change paths. The
// registry lock is held only for bookkeeping, never across a send, so one
// stalled subscriber cannot serialize other publishers or Subscribe calls.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	buffer      int
	sendTimeout time.Duration
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int]*subscriber),
		buffer:      64,
		sendTimeout: time.Second,
	}
}

// Subscribe registers a new observer. The returned cancel func must be
// called when the observer goes away.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.buffer)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	cancel := func() { b.remove(id) }
	return sub.ch, cancel
}

// Publish delivers the event to every current subscriber. Callers must only
// publish after the state change has committed.
func (b *Broadcaster) Publish(eventType string, data interface{}) {
	ev := Event{Type: eventType, At: time.Now().UTC(), Data: data}

	b.mu.Lock()
	targets := make(map[int]*subscriber, len(b.subscribers))
	for id, sub := range b.subscribers {
		targets[id] = sub
	}
	b.mu.Unlock()

	for id, sub := range targets {
		if !sub.deliver(ev, b.sendTimeout) {
			// Buffer stayed full for the whole timeout: disconnect the
			// subscriber so slow readers cannot back-pressure the ledger.
			b.remove(id)
		}
	}
}

func (b *Broadcaster) remove(id int) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount reports how many observers are connected.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
