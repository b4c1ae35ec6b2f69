package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sandeepmv/resilipay/internal/domain"
)

// PostgresStore implements Store on a pgx connection pool. Row locks give
// the per-user serialization the contract requires; multi-step operations
// run inside a single database transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) CreateUser(ctx context.Context, name, phone string, balance, emergencyBalance float64) (*domain.User, error) {
	u := domain.User{Name: name, Phone: phone, Balance: balance, EmergencyBalance: emergencyBalance}
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (name, phone, balance, emergency_balance)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		name, phone, balance, emergencyBalance,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicatePhone
		}
		return nil, fmt.Errorf("user insert failed: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx,
		`SELECT id, name, phone, balance, emergency_balance, created_at FROM users WHERE id = $1`,
		id).Scan(&u.ID, &u.Name, &u.Phone, &u.Balance, &u.EmergencyBalance, &u.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx,
		`SELECT id, name, phone, balance, emergency_balance, created_at FROM users WHERE phone = $1`,
		phone).Scan(&u.ID, &u.Name, &u.Phone, &u.Balance, &u.EmergencyBalance, &u.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) Debit(ctx context.Context, userID int64, kind domain.BalanceKind, amount float64) (float64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	col := balanceColumn(kind)
	var current float64
	err = tx.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM users WHERE id = $1 FOR UPDATE", col),
		userID).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lock acquisition failed: %w", err)
	}

	if current+Epsilon < amount {
		return current, ErrInsufficientFunds
	}

	newBalance := current - amount
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("UPDATE users SET %s = $1 WHERE id = $2", col),
		newBalance, userID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return newBalance, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID int64, kind domain.BalanceKind, amount float64) (float64, error) {
	col := balanceColumn(kind)
	var newBalance float64
	err := s.db.QueryRow(ctx,
		fmt.Sprintf("UPDATE users SET %s = %s + $1 WHERE id = $2 RETURNING %s", col, col, col),
		amount, userID).Scan(&newBalance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return newBalance, nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	stored := *t
	stored.TransactionCode = newTransactionCode(stored.IsOffline)
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (sender_id, receiver_id, amount, status, method, is_offline, transaction_code, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
		stored.SenderID, stored.ReceiverID, stored.Amount, stored.Status,
		string(stored.Method), stored.IsOffline, stored.TransactionCode, stored.Description,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("transaction insert failed: %w", err)
	}

	if stored.IsOffline {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pending_reconciliations (transaction_id, retry_count, last_attempt)
			 VALUES ($1, 0, $2)`,
			stored.ID, stored.CreatedAt); err != nil {
			return nil, fmt.Errorf("pending enqueue failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &stored, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	var t domain.Transaction
	var method string
	err := s.db.QueryRow(ctx,
		`SELECT id, sender_id, receiver_id, amount, status, method, is_offline, transaction_code, description, created_at
		 FROM transactions WHERE id = $1`,
		id).Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Status,
		&method, &t.IsOffline, &t.TransactionCode, &t.Description, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Method = domain.Method(method)
	return &t, nil
}

func (s *PostgresStore) TransactionsByUser(ctx context.Context, userID int64) ([]domain.Transaction, error) {
	var exists bool
	if err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, sender_id, receiver_id, amount, status, method, is_offline, transaction_code, description, created_at
		 FROM transactions WHERE sender_id = $1 OR receiver_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var method string
		if err := rows.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Status,
			&method, &t.IsOffline, &t.TransactionCode, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Method = domain.Method(method)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetTransactionStatus(ctx context.Context, id int64, status string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := setStatusTx(ctx, tx, id, status); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func setStatusTx(ctx context.Context, tx pgx.Tx, id int64, status string) error {
	var current string
	err := tx.QueryRow(ctx,
		"SELECT status FROM transactions WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if !validTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionViolation, current, status)
	}
	if current == status {
		return nil
	}
	_, err = tx.Exec(ctx, "UPDATE transactions SET status = $1 WHERE id = $2", status, id)
	return err
}

func (s *PostgresStore) PendingReconciliations(ctx context.Context) ([]domain.PendingReconciliation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT transaction_id, retry_count, last_attempt
		 FROM pending_reconciliations ORDER BY transaction_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingReconciliation
	for rows.Next() {
		var p domain.PendingReconciliation
		if err := rows.Scan(&p.TransactionID, &p.RetryCount, &p.LastAttempt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FinalizeReconciliation(ctx context.Context, transactionID int64) (*domain.Transaction, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Claiming the queue row is the idempotency point: only the transaction
	// that deletes it applies the credit.
	ct, err := tx.Exec(ctx,
		"DELETE FROM pending_reconciliations WHERE transaction_id = $1", transactionID)
	if err != nil {
		return nil, false, err
	}
	if ct.RowsAffected() == 0 {
		return nil, false, nil
	}

	t, err := getTransactionTx(ctx, tx, transactionID)
	if err != nil {
		return nil, false, err
	}

	if err := setStatusTx(ctx, tx, transactionID, domain.StatusCompleted); err != nil {
		return nil, false, err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE users SET balance = balance + $1 WHERE id = $2",
		t.Amount, t.ReceiverID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("tx commit failed: %w", err)
	}
	t.Status = domain.StatusCompleted
	return t, true, nil
}

func (s *PostgresStore) RecordRetry(ctx context.Context, transactionID int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`UPDATE pending_reconciliations
		 SET retry_count = retry_count + 1, last_attempt = now()
		 WHERE transaction_id = $1 RETURNING retry_count`,
		transactionID).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) AbandonReconciliation(ctx context.Context, transactionID int64) (*domain.Transaction, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx,
		"DELETE FROM pending_reconciliations WHERE transaction_id = $1", transactionID)
	if err != nil {
		return nil, false, err
	}
	if ct.RowsAffected() == 0 {
		return nil, false, nil
	}

	t, err := getTransactionTx(ctx, tx, transactionID)
	if err != nil {
		return nil, false, err
	}

	if err := setStatusTx(ctx, tx, transactionID, domain.StatusFailed); err != nil {
		return nil, false, err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE users SET emergency_balance = emergency_balance + $1 WHERE id = $2",
		t.Amount, t.SenderID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("tx commit failed: %w", err)
	}
	t.Status = domain.StatusFailed
	return t, true, nil
}

func getTransactionTx(ctx context.Context, tx pgx.Tx, id int64) (*domain.Transaction, error) {
	var t domain.Transaction
	var method string
	err := tx.QueryRow(ctx,
		`SELECT id, sender_id, receiver_id, amount, status, method, is_offline, transaction_code, description, created_at
		 FROM transactions WHERE id = $1`,
		id).Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Status,
		&method, &t.IsOffline, &t.TransactionCode, &t.Description, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Method = domain.Method(method)
	return &t, nil
}

func (s *PostgresStore) CreateMerchant(ctx context.Context, m *domain.Merchant) (*domain.Merchant, error) {
	stored := *m
	err := s.db.QueryRow(ctx,
		`INSERT INTO merchants (user_id, name, category, is_essential)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		m.UserID, m.Name, m.Category, m.IsEssential,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("merchant insert failed: %w", err)
	}
	return &stored, nil
}

func (s *PostgresStore) GetMerchant(ctx context.Context, id int64) (*domain.Merchant, error) {
	var m domain.Merchant
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, name, category, is_essential, created_at FROM merchants WHERE id = $1`,
		id).Scan(&m.ID, &m.UserID, &m.Name, &m.Category, &m.IsEssential, &m.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) Merchants(ctx context.Context) ([]domain.Merchant, error) {
	return s.queryMerchants(ctx,
		`SELECT id, user_id, name, category, is_essential, created_at FROM merchants ORDER BY id`)
}

func (s *PostgresStore) EssentialMerchants(ctx context.Context) ([]domain.Merchant, error) {
	return s.queryMerchants(ctx,
		`SELECT id, user_id, name, category, is_essential, created_at FROM merchants WHERE is_essential ORDER BY id`)
}

func (s *PostgresStore) queryMerchants(ctx context.Context, query string) ([]domain.Merchant, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Merchant
	for rows.Next() {
		var m domain.Merchant
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.Category, &m.IsEssential, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsEssentialReceiver(ctx context.Context, userID int64) (bool, error) {
	var essential bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM merchants WHERE user_id = $1 AND is_essential)",
		userID).Scan(&essential)
	return essential, err
}

func balanceColumn(kind domain.BalanceKind) string {
	if kind == domain.BalanceEmergency {
		return "emergency_balance"
	}
	return "balance"
}
