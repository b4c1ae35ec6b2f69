package insights

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sandeepmv/resilipay/internal/domain"
)

// WindowDays is the analysis window for a report.
const WindowDays = 30

// Emergency-readiness thresholds, in currency units.
const (
	recommendedEmergencyFund = 10000.0
	idealEmergencyFund       = 50000.0
)

// Summary aggregates a user's activity inside the window.
type Summary struct {
	TotalSpent         float64 `json:"total_spent"`
	TotalReceived      float64 `json:"total_received"`
	NetCashflow        float64 `json:"net_cashflow"`
	OfflineCount       int     `json:"offline_transaction_count"`
	OfflineAmount      float64 `json:"offline_transaction_amount"`
	TransactionsPerDay float64 `json:"transactions_per_day"`
	AverageAmount      float64 `json:"average_transaction_amount"`
	LargestAmount      float64 `json:"largest_transaction"`
	PendingCount       int     `json:"pending_transactions"`
}

// CategoryBreakdown is outgoing spend grouped by the receiver's merchant
// category.
type CategoryBreakdown struct {
	Category   string  `json:"category"`
	Amount     float64 `json:"amount"`
	Percentage float64 `json:"percentage"`
	Count      int     `json:"count"`
}

// MerchantActivity describes completed outgoing spend toward one receiver.
type MerchantActivity struct {
	ReceiverID    int64   `json:"receiver_id"`
	MerchantName  string  `json:"merchant_name"`
	TotalSpent    float64 `json:"total_spent"`
	Count         int     `json:"transaction_count"`
	Frequency     string  `json:"frequency"`
	AverageAmount float64 `json:"average_amount"`
}

// Report is the read-only insights view for one user.
type Report struct {
	Summary            Summary             `json:"summary"`
	Categories         []CategoryBreakdown `json:"category_breakdowns"`
	TopMerchants       []MerchantActivity  `json:"top_merchants"`
	EmergencyReadiness int                 `json:"emergency_readiness"`
	WindowDays         int                 `json:"window_days"`
	GeneratedAt        time.Time           `json:"generated_at"`
}

// Generate computes a report from the user's transaction history. It is a
// pure function of its inputs; callers pass the clock so reports are
// reproducible in tests.
func Generate(user *domain.User, transactions []domain.Transaction, merchants []domain.Merchant, now time.Time) Report {
	cutoff := now.AddDate(0, 0, -WindowDays)
	recent := make([]domain.Transaction, 0, len(transactions))
	for _, t := range transactions {
		if !t.CreatedAt.Before(cutoff) {
			recent = append(recent, t)
		}
	}

	summary := summarize(user.ID, recent)
	return Report{
		Summary:            summary,
		Categories:         categoryBreakdowns(user.ID, recent, merchants),
		TopMerchants:       topMerchants(user.ID, recent, merchants, 5),
		EmergencyReadiness: readinessScore(user, summary),
		WindowDays:         WindowDays,
		GeneratedAt:        now,
	}
}

func summarize(userID int64, transactions []domain.Transaction) Summary {
	var s Summary
	for _, t := range transactions {
		if t.Amount > s.LargestAmount {
			s.LargestAmount = t.Amount
		}
		if t.Status == domain.StatusPending {
			s.PendingCount++
		}
		if t.IsOffline {
			s.OfflineCount++
			s.OfflineAmount += t.Amount
		}
		if t.SenderID == userID {
			s.TotalSpent += t.Amount
		} else if t.ReceiverID == userID {
			s.TotalReceived += t.Amount
		}
	}

	s.NetCashflow = s.TotalReceived - s.TotalSpent
	s.TransactionsPerDay = float64(len(transactions)) / WindowDays
	if len(transactions) > 0 {
		s.AverageAmount = (s.TotalSpent + s.TotalReceived) / float64(len(transactions))
	}
	return s
}

func categoryBreakdowns(userID int64, transactions []domain.Transaction, merchants []domain.Merchant) []CategoryBreakdown {
	categoryOf := make(map[int64]string, len(merchants))
	for _, m := range merchants {
		categoryOf[m.UserID] = m.Category
	}

	type bucket struct {
		amount float64
		count  int
	}
	buckets := make(map[string]*bucket)
	var totalSpent float64

	for _, t := range transactions {
		if t.SenderID != userID {
			continue
		}
		category, ok := categoryOf[t.ReceiverID]
		if !ok {
			category = "other"
		}
		b, ok := buckets[category]
		if !ok {
			b = &bucket{}
			buckets[category] = b
		}
		b.amount += t.Amount
		b.count++
		totalSpent += t.Amount
	}

	out := make([]CategoryBreakdown, 0, len(buckets))
	for category, b := range buckets {
		pct := 0.0
		if totalSpent > 0 {
			pct = b.amount / totalSpent * 100
		}
		out = append(out, CategoryBreakdown{
			Category:   category,
			Amount:     b.amount,
			Percentage: pct,
			Count:      b.count,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount > out[j].Amount })
	return out
}

func topMerchants(userID int64, transactions []domain.Transaction, merchants []domain.Merchant, limit int) []MerchantActivity {
	nameOf := make(map[int64]string, len(merchants))
	for _, m := range merchants {
		nameOf[m.UserID] = m.Name
	}

	byReceiver := make(map[int64]*MerchantActivity)
	for _, t := range transactions {
		if t.SenderID != userID || t.Status != domain.StatusCompleted {
			continue
		}
		a, ok := byReceiver[t.ReceiverID]
		if !ok {
			name, known := nameOf[t.ReceiverID]
			if !known {
				name = fmt.Sprintf("Merchant %d", t.ReceiverID)
			}
			a = &MerchantActivity{ReceiverID: t.ReceiverID, MerchantName: name}
			byReceiver[t.ReceiverID] = a
		}
		a.TotalSpent += t.Amount
		a.Count++
	}

	out := make([]MerchantActivity, 0, len(byReceiver))
	for _, a := range byReceiver {
		a.Frequency = frequencyLabel(a.Count)
		a.AverageAmount = a.TotalSpent / float64(a.Count)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalSpent > out[j].TotalSpent })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func frequencyLabel(count int) string {
	switch {
	case count >= 15:
		return "daily"
	case count >= 4:
		return "weekly"
	case count >= 2:
		return "monthly"
	default:
		return "occasional"
	}
}

// readinessScore rates emergency preparedness 0-100: up to 60 points for the
// funded emergency pool, 20 for having exercised the offline path, 20 for
// cash flow.
func readinessScore(user *domain.User, s Summary) int {
	var score float64

	eb := user.EmergencyBalance
	switch {
	case eb >= idealEmergencyFund:
		score += 60
	case eb >= recommendedEmergencyFund:
		score += 40 + (eb-recommendedEmergencyFund)/(idealEmergencyFund-recommendedEmergencyFund)*20
	case eb > 0:
		score += eb / recommendedEmergencyFund * 40
	}

	if s.OfflineCount > 0 {
		score += 20
	} else {
		score += 10
	}

	switch {
	case s.NetCashflow > 0:
		score += 20
	case s.NetCashflow == 0:
		score += 10
	default:
		if s.TotalSpent > 0 {
			score += math.Max(0, 10+s.NetCashflow/s.TotalSpent*10)
		}
	}

	return int(math.Round(math.Min(100, math.Max(0, score))))
}
