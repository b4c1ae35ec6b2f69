package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig removes the latency simulation so tests run instantly.
func fastConfig(rate float64) Config {
	p := Profile{SuccessRate: rate}
	return Config{Online: p, Offline: p, Verify: p, AddFunds: p}
}

func TestCertainAcceptance(t *testing.T) {
	s := NewSimulated(fastConfig(1.0), discardLogger())
	ctx := context.Background()

	res, err := s.AttemptOnline(ctx, 1, 2, 100)
	if err != nil {
		t.Fatalf("AttemptOnline: %v", err)
	}
	if !res.Accepted {
		t.Error("rate 1.0 attempt declined")
	}
	if res.Reason != "" {
		t.Errorf("accepted result carries reason %q", res.Reason)
	}
	if res.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestCertainDecline(t *testing.T) {
	s := NewSimulated(fastConfig(0), discardLogger())
	ctx := context.Background()

	res, err := s.Verify(ctx, 9)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Accepted {
		t.Error("rate 0 attempt accepted")
	}
	if res.Reference != "" {
		t.Errorf("declined result carries reference %q", res.Reference)
	}
	if res.Reason == "" {
		t.Error("declined result missing reason")
	}
}

func TestReferencePrefixes(t *testing.T) {
	s := NewSimulated(fastConfig(1.0), discardLogger())
	ctx := context.Background()

	cases := []struct {
		name   string
		call   func() (Result, error)
		prefix string
	}{
		{"online", func() (Result, error) { return s.AttemptOnline(ctx, 1, 2, 10) }, "REF-"},
		{"offline", func() (Result, error) { return s.AttemptOffline(ctx, 1, 2, 10) }, "EMG-"},
		{"verify", func() (Result, error) { return s.Verify(ctx, 3) }, "VRF-"},
		{"add funds", func() (Result, error) { return s.AddFunds(ctx, 1, 10) }, "ADD-"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.call()
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(res.Reference, tc.prefix) {
				t.Errorf("reference = %q, want prefix %q", res.Reference, tc.prefix)
			}
		})
	}
}

func TestSeededRunsAreReproducible(t *testing.T) {
	cfg := fastConfig(0.5)
	a := NewSimulatedWithSeed(cfg, discardLogger(), 42)
	b := NewSimulatedWithSeed(cfg, discardLogger(), 42)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ra, err := a.AttemptOnline(ctx, 1, 2, 10)
		if err != nil {
			t.Fatal(err)
		}
		rb, err := b.AttemptOnline(ctx, 1, 2, 10)
		if err != nil {
			t.Fatal(err)
		}
		if ra.Accepted != rb.Accepted {
			t.Fatalf("attempt %d diverged: %v vs %v", i, ra.Accepted, rb.Accepted)
		}
	}
}

func TestLatencyStaysInWindow(t *testing.T) {
	cfg := Config{Online: Profile{
		MinLatency:  20 * time.Millisecond,
		MaxLatency:  60 * time.Millisecond,
		SuccessRate: 1.0,
	}}
	s := NewSimulated(cfg, discardLogger())

	start := time.Now()
	if _, err := s.AttemptOnline(context.Background(), 1, 2, 10); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, before the latency floor", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("returned after %v, far past the latency ceiling", elapsed)
	}
}

func TestAttemptHonorsCancellation(t *testing.T) {
	cfg := Config{Offline: Profile{
		MinLatency:  5 * time.Second,
		MaxLatency:  5 * time.Second,
		SuccessRate: 1.0,
	}}
	s := NewSimulated(cfg, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.AttemptOffline(ctx, 1, 2, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
}
