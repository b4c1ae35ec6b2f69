package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sandeepmv/resilipay/internal/domain"
	"github.com/sandeepmv/resilipay/internal/events"
	"github.com/sandeepmv/resilipay/internal/ledger"
	"github.com/sandeepmv/resilipay/internal/middleware"
	"github.com/sandeepmv/resilipay/internal/mode"
	"github.com/sandeepmv/resilipay/internal/processor"
	"github.com/sandeepmv/resilipay/internal/reconcile"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store     ledger.Store
	processor *processor.Processor
	sweeper   *reconcile.Sweeper
	modes     *mode.Controller
	bus       *events.Broadcaster
	logger    *slog.Logger
}

func NewHandler(store ledger.Store, proc *processor.Processor, sweeper *reconcile.Sweeper, modes *mode.Controller, bus *events.Broadcaster, logger *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		processor: proc,
		sweeper:   sweeper,
		modes:     modes,
		bus:       bus,
		logger:    logger,
	}
}

// Register mounts all API routes on the router.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/users", h.CreateUser).Methods("POST")
	api.HandleFunc("/users/{id}", h.GetUser).Methods("GET")
	api.HandleFunc("/users/{id}/transactions", h.GetUserTransactions).Methods("GET")
	api.HandleFunc("/users/{id}/funds", h.AddFunds).Methods("POST")
	api.HandleFunc("/users/{id}/insights", h.GetUserInsights).Methods("GET")

	api.HandleFunc("/transfers", h.CreateTransfer).Methods("POST")
	api.HandleFunc("/emergency-payments", h.CreateEmergencyPayment).Methods("POST")
	api.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	api.HandleFunc("/reconcile", h.Reconcile).Methods("POST")

	api.HandleFunc("/system/mode", h.GetMode).Methods("GET")
	api.HandleFunc("/system/mode", h.SetMode).Methods("POST")

	api.HandleFunc("/merchants", h.CreateMerchant).Methods("POST")
	api.HandleFunc("/merchants", h.ListMerchants).Methods("GET")
	api.HandleFunc("/merchants/essential", h.ListEssentialMerchants).Methods("GET")
	api.HandleFunc("/merchants/{id}", h.GetMerchant).Methods("GET")

	api.HandleFunc("/proximity/scan", h.ProximityScan).Methods("POST")
	api.HandleFunc("/events", h.StreamEvents).Methods("GET")
}

type transferRequest struct {
	SenderID    int64   `json:"sender_id"`
	ReceiverID  int64   `json:"receiver_id"`
	Amount      float64 `json:"amount"`
	ForceOnline bool    `json:"force_online"`
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transfers")
		return
	}

	txn, err := h.processor.PayOnline(r.Context(), req.SenderID, req.ReceiverID, req.Amount, req.ForceOnline)
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrServiceUnavailable):
			h.respondError(w, http.StatusServiceUnavailable,
				"Online payments unavailable in current mode; use the emergency payment path", "POST", "/transfers")
		case errors.Is(err, ledger.ErrInsufficientFunds):
			h.respondError(w, http.StatusBadRequest, "Insufficient funds", "POST", "/transfers")
		case errors.Is(err, ledger.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "User not found", "POST", "/transfers")
		case errors.Is(err, processor.ErrInvalidAmount), errors.Is(err, processor.ErrSameAccount):
			h.respondError(w, http.StatusBadRequest, err.Error(), "POST", "/transfers")
		case errors.Is(err, processor.ErrSettlementFailed):
			// The reserve is spent and the transaction is failed; the record
			// is returned so the client can show the outcome.
			h.respondJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":       "Settlement declined",
				"transaction": txn,
			}, "POST", "/transfers")
		default:
			h.requestLogger(r).Error("transfer failed", "error", err)
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/transfers")
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, txn, "POST", "/transfers")
}

type emergencyPaymentRequest struct {
	SenderID   int64   `json:"sender_id"`
	ReceiverID int64   `json:"receiver_id"`
	Amount     float64 `json:"amount"`
	Method     string  `json:"method"`
}

func (h *Handler) CreateEmergencyPayment(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/emergency-payments"))
	defer timer.ObserveDuration()

	var req emergencyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/emergency-payments")
		return
	}

	txn, err := h.processor.PayEmergency(r.Context(), req.SenderID, req.ReceiverID, req.Amount, domain.Method(req.Method))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			h.respondError(w, http.StatusBadRequest, "Insufficient emergency funds", "POST", "/emergency-payments")
		case errors.Is(err, ledger.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "User not found", "POST", "/emergency-payments")
		case errors.Is(err, processor.ErrInvalidAmount), errors.Is(err, processor.ErrSameAccount):
			h.respondError(w, http.StatusBadRequest, err.Error(), "POST", "/emergency-payments")
		default:
			h.requestLogger(r).Error("emergency payment failed", "error", err)
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/emergency-payments")
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, txn, "POST", "/emergency-payments")
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/reconcile"))
	defer timer.ObserveDuration()

	results, err := h.sweeper.RunSweep(r.Context())
	if err != nil {
		h.requestLogger(r).Error("reconciliation sweep failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to reconcile transactions", "POST", "/reconcile")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Reconciliation process completed",
		"results": results,
	}, "POST", "/reconcile")
}

func (h *Handler) GetMode(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{
		"mode": string(h.modes.Current()),
	}, "GET", "/system/mode")
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/system/mode")
		return
	}

	previous, err := h.modes.Set(domain.Mode(req.Mode))
	if err != nil {
		if !domain.Mode(req.Mode).Valid() {
			h.respondError(w, http.StatusBadRequest, "Mode must be online, offline, or emergency", "POST", "/system/mode")
			return
		}
		h.requestLogger(r).Error("mode change failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to persist mode", "POST", "/system/mode")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"previous": string(previous),
		"current":  req.Mode,
	}, "POST", "/system/mode")
}

type createUserRequest struct {
	Name             string  `json:"name"`
	Phone            string  `json:"phone"`
	Balance          float64 `json:"balance"`
	EmergencyBalance float64 `json:"emergency_balance"`
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/users")
		return
	}
	if req.Name == "" || req.Phone == "" {
		h.respondError(w, http.StatusBadRequest, "Name and phone are required", "POST", "/users")
		return
	}
	if req.Balance < 0 || req.EmergencyBalance < 0 {
		h.respondError(w, http.StatusBadRequest, "Balances must not be negative", "POST", "/users")
		return
	}

	user, err := h.store.CreateUser(r.Context(), req.Name, req.Phone, req.Balance, req.EmergencyBalance)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicatePhone) {
			h.respondError(w, http.StatusConflict, "User with this phone number already exists", "POST", "/users")
			return
		}
		h.requestLogger(r).Error("user creation failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to create user", "POST", "/users")
		return
	}

	h.respondJSON(w, http.StatusCreated, user, "POST", "/users")
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/users/{id}")
	if !ok {
		return
	}

	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "User not found", "GET", "/users/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch user", "GET", "/users/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, user, "GET", "/users/{id}")
}

func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/users/{id}/transactions")
	if !ok {
		return
	}

	txns, err := h.store.TransactionsByUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "User not found", "GET", "/users/{id}/transactions")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch transactions", "GET", "/users/{id}/transactions")
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	h.respondJSON(w, http.StatusOK, txns, "GET", "/users/{id}/transactions")
}

type addFundsRequest struct {
	Amount float64 `json:"amount"`
	Target string  `json:"target"`
}

func (h *Handler) AddFunds(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "POST", "/users/{id}/funds")
	if !ok {
		return
	}

	var req addFundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/users/{id}/funds")
		return
	}

	kind := domain.BalanceMain
	if req.Target == string(domain.BalanceEmergency) {
		kind = domain.BalanceEmergency
	}

	balance, err := h.processor.AddFunds(r.Context(), id, kind, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrInvalidAmount):
			h.respondError(w, http.StatusBadRequest, err.Error(), "POST", "/users/{id}/funds")
		case errors.Is(err, ledger.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "User not found", "POST", "/users/{id}/funds")
		case errors.Is(err, processor.ErrGatewayDeclined):
			h.respondError(w, http.StatusPaymentRequired, "Payment gateway declined the top-up", "POST", "/users/{id}/funds")
		default:
			h.requestLogger(r).Error("add funds failed", "error", err)
			h.respondError(w, http.StatusInternalServerError, "Failed to add funds", "POST", "/users/{id}/funds")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": id,
		"target":  string(kind),
		"balance": balance,
	}, "POST", "/users/{id}/funds")
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/transactions/{id}")
	if !ok {
		return
	}

	txn, err := h.store.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Transaction not found", "GET", "/transactions/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch transaction", "GET", "/transactions/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, txn, "GET", "/transactions/{id}")
}

// Helpers

// requestLogger tags log entries with the request id the middleware
// assigned, so server-side errors can be matched to a client's X-Request-ID.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid id", method, endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
