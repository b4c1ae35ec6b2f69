package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/sandeepmv/resilipay/internal/insights"
	"github.com/sandeepmv/resilipay/internal/ledger"
)

// GetUserInsights serves the read-only spending analysis for one user,
// computed on demand from transaction history.
func (h *Handler) GetUserInsights(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/users/{id}/insights")
	if !ok {
		return
	}

	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "User not found", "GET", "/users/{id}/insights")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch user", "GET", "/users/{id}/insights")
		return
	}

	txns, err := h.store.TransactionsByUser(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch transactions", "GET", "/users/{id}/insights")
		return
	}
	merchants, err := h.store.Merchants(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch merchants", "GET", "/users/{id}/insights")
		return
	}

	report := insights.Generate(user, txns, merchants, time.Now().UTC())
	h.respondJSON(w, http.StatusOK, report, "GET", "/users/{id}/insights")
}
