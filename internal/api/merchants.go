package api

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"

	"github.com/sandeepmv/resilipay/internal/domain"
	"github.com/sandeepmv/resilipay/internal/ledger"
)

type createMerchantRequest struct {
	UserID      int64  `json:"user_id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	IsEssential bool   `json:"is_essential"`
}

func (h *Handler) CreateMerchant(w http.ResponseWriter, r *http.Request) {
	var req createMerchantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/merchants")
		return
	}
	if req.Name == "" || req.Category == "" || req.UserID <= 0 {
		h.respondError(w, http.StatusBadRequest, "user_id, name and category are required", "POST", "/merchants")
		return
	}

	merchant, err := h.store.CreateMerchant(r.Context(), &domain.Merchant{
		UserID:      req.UserID,
		Name:        req.Name,
		Category:    req.Category,
		IsEssential: req.IsEssential,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "User not found", "POST", "/merchants")
			return
		}
		h.requestLogger(r).Error("merchant creation failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to create merchant", "POST", "/merchants")
		return
	}

	h.respondJSON(w, http.StatusCreated, merchant, "POST", "/merchants")
}

func (h *Handler) ListMerchants(w http.ResponseWriter, r *http.Request) {
	merchants, err := h.store.Merchants(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to list merchants", "GET", "/merchants")
		return
	}
	h.respondJSON(w, http.StatusOK, merchants, "GET", "/merchants")
}

func (h *Handler) ListEssentialMerchants(w http.ResponseWriter, r *http.Request) {
	merchants, err := h.store.EssentialMerchants(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Failed to list merchants", "GET", "/merchants/essential")
		return
	}
	h.respondJSON(w, http.StatusOK, merchants, "GET", "/merchants/essential")
}

func (h *Handler) GetMerchant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/merchants/{id}")
	if !ok {
		return
	}

	merchant, err := h.store.GetMerchant(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Merchant not found", "GET", "/merchants/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch merchant", "GET", "/merchants/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, merchant, "GET", "/merchants/{id}")
}

// ProximityScan simulates device discovery: it surfaces nearby registered
// merchants as candidate counterparties. There is no transport behind it.
func (h *Handler) ProximityScan(w http.ResponseWriter, r *http.Request) {
	merchants, err := h.store.Merchants(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Scan failed", "POST", "/proximity/scan")
		return
	}

	devices := make([]domain.NearbyDevice, 0, 3)
	for i, m := range merchants {
		if i >= 3 {
			break
		}
		devices = append(devices, domain.NearbyDevice{
			ID:       m.Name,
			UserID:   m.UserID,
			Name:     m.Name,
			Distance: 1 + rand.Float64()*4,
		})
	}
	h.respondJSON(w, http.StatusOK, devices, "POST", "/proximity/scan")
}
