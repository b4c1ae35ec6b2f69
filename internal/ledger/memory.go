package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandeepmv/resilipay/internal/domain"
)

// userRecord carries its own lock so balance mutations on one user are
// serialized without blocking other users.
type userRecord struct {
	mu   sync.Mutex
	user domain.User
}

// MemoryStore is the in-process Store used for demo runs and tests. The
// structural lock guards the maps and counters; balances are guarded per
// user.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[int64]*userRecord
	txns      map[int64]*domain.Transaction
	pending   map[int64]*domain.PendingReconciliation
	merchants map[int64]*domain.Merchant

	nextUserID     int64
	nextTxnID      int64
	nextMerchantID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          make(map[int64]*userRecord),
		txns:           make(map[int64]*domain.Transaction),
		pending:        make(map[int64]*domain.PendingReconciliation),
		merchants:      make(map[int64]*domain.Merchant),
		nextUserID:     1,
		nextTxnID:      1,
		nextMerchantID: 1,
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, name, phone string, balance, emergencyBalance float64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.users {
		if rec.user.Phone == phone {
			return nil, ErrDuplicatePhone
		}
	}

	u := domain.User{
		ID:               s.nextUserID,
		Name:             name,
		Phone:            phone,
		Balance:          balance,
		EmergencyBalance: emergencyBalance,
		CreatedAt:        time.Now().UTC(),
	}
	s.nextUserID++
	s.users[u.ID] = &userRecord{user: u}
	out := u
	return &out, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	rec, err := s.userRecord(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := rec.user
	return &out, nil
}

func (s *MemoryStore) GetUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.users {
		if rec.user.Phone == phone {
			out := rec.user
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Debit(ctx context.Context, userID int64, kind domain.BalanceKind, amount float64) (float64, error) {
	rec, err := s.userRecord(userID)
	if err != nil {
		return 0, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	current := balanceOf(&rec.user, kind)
	if current+Epsilon < amount {
		return current, ErrInsufficientFunds
	}
	setBalance(&rec.user, kind, current-amount)
	return balanceOf(&rec.user, kind), nil
}

func (s *MemoryStore) Credit(ctx context.Context, userID int64, kind domain.BalanceKind, amount float64) (float64, error) {
	rec, err := s.userRecord(userID)
	if err != nil {
		return 0, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	setBalance(&rec.user, kind, balanceOf(&rec.user, kind)+amount)
	return balanceOf(&rec.user, kind), nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *t
	stored.ID = s.nextTxnID
	s.nextTxnID++
	stored.TransactionCode = newTransactionCode(stored.IsOffline)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.txns[stored.ID] = &stored

	if stored.IsOffline {
		s.pending[stored.ID] = &domain.PendingReconciliation{
			TransactionID: stored.ID,
			RetryCount:    0,
			LastAttempt:   stored.CreatedAt,
		}
	}

	out := stored
	return &out, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) TransactionsByUser(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return nil, ErrNotFound
	}

	var out []domain.Transaction
	for _, t := range s.txns {
		if t.SenderID == userID || t.ReceiverID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SetTransactionStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(id, status)
}

func (s *MemoryStore) setStatusLocked(id int64, status string) error {
	t, ok := s.txns[id]
	if !ok {
		return ErrNotFound
	}
	if !validTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionViolation, t.Status, status)
	}
	t.Status = status
	return nil
}

func (s *MemoryStore) PendingReconciliations(ctx context.Context) ([]domain.PendingReconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PendingReconciliation, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

func (s *MemoryStore) FinalizeReconciliation(ctx context.Context, transactionID int64) (*domain.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[transactionID]; !ok {
		return nil, false, nil
	}
	t, ok := s.txns[transactionID]
	if !ok {
		return nil, false, ErrNotFound
	}

	// Claim first: once the entry is gone no concurrent sweep can apply the
	// credit again.
	delete(s.pending, transactionID)

	if err := s.setStatusLocked(transactionID, domain.StatusCompleted); err != nil {
		return nil, false, err
	}

	rec, ok := s.users[t.ReceiverID]
	if !ok {
		return nil, false, ErrNotFound
	}
	rec.mu.Lock()
	rec.user.Balance += t.Amount
	rec.mu.Unlock()

	out := *t
	return &out, true, nil
}

func (s *MemoryStore) RecordRetry(ctx context.Context, transactionID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[transactionID]
	if !ok {
		return 0, ErrNotFound
	}
	p.RetryCount++
	p.LastAttempt = time.Now().UTC()
	return p.RetryCount, nil
}

func (s *MemoryStore) AbandonReconciliation(ctx context.Context, transactionID int64) (*domain.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[transactionID]; !ok {
		return nil, false, nil
	}
	t, ok := s.txns[transactionID]
	if !ok {
		return nil, false, ErrNotFound
	}

	delete(s.pending, transactionID)

	if err := s.setStatusLocked(transactionID, domain.StatusFailed); err != nil {
		return nil, false, err
	}

	// The reserve was never settled, so it goes back to the sender's
	// emergency pool.
	rec, ok := s.users[t.SenderID]
	if !ok {
		return nil, false, ErrNotFound
	}
	rec.mu.Lock()
	rec.user.EmergencyBalance += t.Amount
	rec.mu.Unlock()

	out := *t
	return &out, true, nil
}

func (s *MemoryStore) CreateMerchant(ctx context.Context, m *domain.Merchant) (*domain.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[m.UserID]; !ok {
		return nil, ErrNotFound
	}

	stored := *m
	stored.ID = s.nextMerchantID
	s.nextMerchantID++
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.merchants[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (s *MemoryStore) GetMerchant(ctx context.Context, id int64) (*domain.Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merchants[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *MemoryStore) Merchants(ctx context.Context) ([]domain.Merchant, error) {
	return s.listMerchants(false), nil
}

func (s *MemoryStore) EssentialMerchants(ctx context.Context) ([]domain.Merchant, error) {
	return s.listMerchants(true), nil
}

func (s *MemoryStore) listMerchants(essentialOnly bool) []domain.Merchant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Merchant, 0, len(s.merchants))
	for _, m := range s.merchants {
		if essentialOnly && !m.IsEssential {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) IsEssentialReceiver(ctx context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.merchants {
		if m.UserID == userID && m.IsEssential {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) userRecord(id int64) (*userRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func balanceOf(u *domain.User, kind domain.BalanceKind) float64 {
	if kind == domain.BalanceEmergency {
		return u.EmergencyBalance
	}
	return u.Balance
}

func setBalance(u *domain.User, kind domain.BalanceKind, v float64) {
	if kind == domain.BalanceEmergency {
		u.EmergencyBalance = v
	} else {
		u.Balance = v
	}
}

func newTransactionCode(offline bool) string {
	prefix := "TXN"
	if offline {
		prefix = "EMG"
	}
	return fmt.Sprintf("%s%s", prefix, strings.ToUpper(uuid.NewString()[:8]))
}
