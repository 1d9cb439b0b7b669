package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"receipt-validator/internal/features"
	"receipt-validator/internal/models"
	"receipt-validator/internal/service"
	"receipt-validator/internal/store"
	"receipt-validator/internal/validation"
)

// Handler exposes the validation engine over HTTP to the calling application.
type Handler struct {
	service     *service.Service
	store       *store.MemoryStore
	features    *features.Manager
	maxBodySize int64
	logger      *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service, st *store.MemoryStore, flags *features.Manager) *Handler {
	return NewHandlerWithOptions(svc, st, flags, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, st *store.MemoryStore, flags *features.Manager, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		store:       st,
		features:    flags,
		maxBodySize: opts.MaxBodySize,
		logger:      opts.Logger.With("component", "handler"),
	}
}

// Routes mounts the bridge endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/purchases", h.CreatePurchase)
	r.Get("/orders", h.ListOrders)

	r.Route("/inventory", func(r chi.Router) {
		r.Get("/", h.GetInventory)
		r.Post("/sync", h.SyncInventory)
		r.Get("/{product_id}/owned", h.GetOwnership)
	})

	r.Post("/restore", h.Restore)

	r.Get("/user", h.GetUser)
	r.Put("/user", h.SetUser)

	r.Get("/features", h.ListFeatures)
	r.Put("/features/{name}", h.SetFeature)
}

// CreatePurchase handles POST /purchases. The order is recorded with the
// store first, like a purchase callback from the platform SDK, then run
// through the engine. Purchased and Failed close the transaction here;
// Pending leaves it open for the engine to resolve.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var order models.Order
	if !h.decode(w, r, &order) {
		return
	}

	validation.SanitizeOrder(&order)
	if err := validation.ValidateOrder(order); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.store.Record(order)
	outcome := h.service.RequestPurchase(r.Context(), order)

	if outcome != models.Pending && order.TransactionID != "" {
		if err := h.store.Confirm(order); err != nil {
			h.logger.Error("failed to confirm transaction", "transaction_id", order.TransactionID, "error", err)
		}
	}

	h.respondJSON(w, http.StatusOK, models.PurchaseResponse{
		ProductID:     order.ProductID,
		TransactionID: order.TransactionID,
		Outcome:       outcome,
	})
}

// ListOrders handles GET /orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.store.Entries())
}

// GetInventory handles GET /inventory
func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Inventory())
}

// SyncInventory handles POST /inventory/sync
func (h *Handler) SyncInventory(w http.ResponseWriter, r *http.Request) {
	started := h.service.RequestInventory(r.Context())
	h.respondJSON(w, http.StatusAccepted, models.SyncResponse{Started: started})
}

// GetOwnership handles GET /inventory/{product_id}/owned
func (h *Handler) GetOwnership(w http.ResponseWriter, r *http.Request) {
	productID := validation.SanitizeString(chi.URLParam(r, "product_id"))
	if err := validation.ValidateProductID(productID, "product_id"); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, models.OwnershipResponse{
		ProductID: productID,
		Owned:     h.service.IsOwned(productID),
	})
}

// Restore handles POST /restore
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	scheduled := h.service.RequestRestore(r.Context())
	h.respondJSON(w, http.StatusAccepted, models.RestoreResponse{Scheduled: scheduled})
}

// GetUser handles GET /user
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, models.SetUserRequest{UserID: h.service.UserID()})
}

// SetUser handles PUT /user
func (h *Handler) SetUser(w http.ResponseWriter, r *http.Request) {
	var req models.SetUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.UserID = validation.SanitizeString(req.UserID)
	if err := validation.ValidateUserID(req.UserID); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.service.SetUserID(req.UserID)
	h.respondJSON(w, http.StatusOK, req)
}

// ListFeatures handles GET /features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.features.All())
}

// SetFeature handles PUT /features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req models.FeatureToggleRequest
	if !h.decode(w, r, &req) {
		return
	}

	if !h.features.Set(name, req.Enabled) {
		h.respondError(w, http.StatusNotFound, "unknown feature: "+name)
		return
	}
	h.logger.Info("feature toggled", "feature", name, "enabled", req.Enabled)
	h.respondJSON(w, http.StatusOK, features.FeatureFlag{Name: name, Enabled: req.Enabled})
}

// decode reads a size-limited JSON body into dst, answering 400 or 413 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &maxErr):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
