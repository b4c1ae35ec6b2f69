package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is the settlement authority's answer for one attempt.
type Result struct {
	Accepted  bool      `json:"accepted"`
	Reference string    `json:"reference,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Authority is the external system of record that confirms or denies
// transfers. Implementations may block to simulate network latency; they
// must honor context cancellation.
type Authority interface {
	AttemptOnline(ctx context.Context, senderID, receiverID int64, amount float64) (Result, error)
	AttemptOffline(ctx context.Context, senderID, receiverID int64, amount float64) (Result, error)
	Verify(ctx context.Context, transactionID int64) (Result, error)
	AddFunds(ctx context.Context, userID int64, amount float64) (Result, error)
}

// Profile tunes one settlement path: a uniform latency window and an
// acceptance probability.
type Profile struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64
}

// Config carries the per-path profiles for the simulated authority.
type Config struct {
	Online   Profile
	Offline  Profile
	Verify   Profile
	AddFunds Profile
}

// DefaultConfig mirrors the observed behavior of the real demo gateway.
func DefaultConfig() Config {
	return Config{
		Online:   Profile{MinLatency: 500 * time.Millisecond, MaxLatency: 2 * time.Second, SuccessRate: 0.95},
		Offline:  Profile{MinLatency: 1 * time.Second, MaxLatency: 5 * time.Second, SuccessRate: 0.80},
		Verify:   Profile{MinLatency: 1 * time.Second, MaxLatency: 3 * time.Second, SuccessRate: 0.85},
		AddFunds: Profile{MinLatency: 500 * time.Millisecond, MaxLatency: 2 * time.Second, SuccessRate: 0.98},
	}
}

// Simulated is a stateless stand-in for the banking network: each call
// sleeps inside its profile's latency window and then flips a weighted coin.
type Simulated struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulated(cfg Config, logger *slog.Logger) *Simulated {
	return &Simulated{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSimulatedWithSeed pins the randomness for reproducible runs.
func NewSimulatedWithSeed(cfg Config, logger *slog.Logger, seed int64) *Simulated {
	s := NewSimulated(cfg, logger)
	s.rng = rand.New(rand.NewSource(seed))
	return s
}

func (s *Simulated) AttemptOnline(ctx context.Context, senderID, receiverID int64, amount float64) (Result, error) {
	s.logger.Info("processing online transfer", "sender_id", senderID, "receiver_id", receiverID, "amount", amount)
	return s.attempt(ctx, s.cfg.Online, "REF", "transaction failed: network or issuer error")
}

func (s *Simulated) AttemptOffline(ctx context.Context, senderID, receiverID int64, amount float64) (Result, error) {
	s.logger.Info("processing offline transfer", "sender_id", senderID, "receiver_id", receiverID, "amount", amount)
	return s.attempt(ctx, s.cfg.Offline, "EMG", "offline transaction failed: verification error")
}

func (s *Simulated) Verify(ctx context.Context, transactionID int64) (Result, error) {
	s.logger.Info("verifying pending transaction", "transaction_id", transactionID)
	return s.attempt(ctx, s.cfg.Verify, "VRF", "transaction verification failed")
}

func (s *Simulated) AddFunds(ctx context.Context, userID int64, amount float64) (Result, error) {
	s.logger.Info("adding funds", "user_id", userID, "amount", amount)
	return s.attempt(ctx, s.cfg.AddFunds, "ADD", "failed to add funds: payment gateway error")
}

func (s *Simulated) attempt(ctx context.Context, p Profile, refPrefix, failReason string) (Result, error) {
	delay, accepted := s.roll(p)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
	}

	res := Result{Accepted: accepted, Timestamp: time.Now().UTC()}
	if accepted {
		res.Reference = fmt.Sprintf("%s-%s", refPrefix, uuid.NewString()[:8])
	} else {
		res.Reason = failReason
	}
	return res, nil
}

// roll draws the latency and outcome in one critical section; rand.Rand is
// not safe for concurrent use.
func (s *Simulated) roll(p Profile) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := p.MinLatency
	if window := p.MaxLatency - p.MinLatency; window > 0 {
		delay += time.Duration(s.rng.Int63n(int64(window)))
	}
	return delay, s.rng.Float64() < p.SuccessRate
}
