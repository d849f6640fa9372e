package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/inventory"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

type StockHandler struct {
	Manager *inventory.Manager
	Query   *inventory.QueryService
}

type ReserveReq struct {
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id,omitempty"`
	Quantity    int    `json:"quantity"`
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	CartItemID  string `json:"cart_item_id,omitempty"`
}

type ReserveResp struct {
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type ConfirmReq struct {
	ReservationID string `json:"reservation_id"`
}

type SuccessResp struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorResp struct {
	Error          string `json:"error"`
	Message        string `json:"message,omitempty"`
	AvailableStock *int   `json:"available_stock,omitempty"`
}

func (h *StockHandler) Register(r chi.Router) {
	r.Post("/reservations", h.reserve)
	r.Get("/reservations", h.listReservations)
	r.Post("/reservations/{id}/confirm", h.confirm)
	r.Post("/confirm", h.confirm)
	r.Delete("/reservations/{id}", h.release)
	r.Get("/stock/{productID}", h.getStock)
	r.Post("/stock/{productID}/resync", h.resync)
	r.Get("/stock/{productID}/audit", h.audit)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps core errors to status codes. Only a lost lock backend is a 503.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *stock.InsufficientStockError
	switch inventory.Outcome(err) {
	case "insufficient_stock":
		errors.As(err, &insufficient)
		n := insufficient.Available
		writeJSON(w, http.StatusConflict, ErrorResp{Error: "INSUFFICIENT_STOCK", AvailableStock: &n})
	case "lock_busy":
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, ErrorResp{Error: "LOCK_BUSY", Message: "please retry"})
	case "limit_exceeded":
		writeJSON(w, http.StatusTooManyRequests, ErrorResp{Error: "LIMIT_EXCEEDED"})
	case "not_found", "product_not_found":
		writeJSON(w, http.StatusNotFound, ErrorResp{Error: "NOT_FOUND", Message: err.Error()})
	case "invalid_state":
		writeJSON(w, http.StatusConflict, ErrorResp{Error: "INVALID_STATE", Message: err.Error()})
	case "invalid_request":
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "INVALID_REQUEST", Message: err.Error()})
	case "backend_unavailable":
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Error: "BACKEND_UNAVAILABLE"})
	case "catalog_unavailable":
		writeJSON(w, http.StatusBadGateway, ErrorResp{Error: "CATALOG_UNAVAILABLE"})
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "INTERNAL"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "INVALID_REQUEST", Message: msg})
}

func (h *StockHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.ProductID == "" {
		badRequest(w, "missing product_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Manager.CreateReservation(ctx, inventory.ReserveRequest{
		ProductID:   req.ProductID,
		VariationID: req.VariationID,
		Quantity:    req.Quantity,
		Owner:       stock.Owner{UserID: req.UserID, SessionID: req.SessionID},
		CartItemID:  req.CartItemID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReserveResp{ReservationID: res.ID, ExpiresAt: res.ExpiresAt})
}

func (h *StockHandler) confirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		var req ConfirmReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReservationID == "" {
			badRequest(w, "missing reservation_id")
			return
		}
		id = req.ReservationID
	}
	h.finish(w, r, id, h.Manager.ConfirmReservation)
}

func (h *StockHandler) release(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, chi.URLParam(r, "id"), h.Manager.ReleaseReservation)
}

// finish answers {success} for confirm and release. A non-active reservation
// is success=false, not an error, so duplicate client retries are harmless.
func (h *StockHandler) finish(w http.ResponseWriter, r *http.Request, id string, op func(context.Context, string) (bool, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok, err := op(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SuccessResp{Success: ok})
	case errors.Is(err, stock.ErrInvalidState):
		writeJSON(w, http.StatusOK, SuccessResp{Success: false, Reason: err.Error()})
	case errors.Is(err, stock.ErrNotFound):
		writeJSON(w, http.StatusNotFound, SuccessResp{Success: false, Reason: "not found"})
	default:
		writeError(w, r, err)
	}
}

func (h *StockHandler) listReservations(w http.ResponseWriter, r *http.Request) {
	owner := stock.Owner{UserID: r.URL.Query().Get("user_id"), SessionID: r.URL.Query().Get("session_id")}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out, err := h.Manager.ListActiveReservations(ctx, owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []stock.Reservation{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *StockHandler) getStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	snap, err := h.Query.CheckAvailableStock(ctx, keyFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *StockHandler) resync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snap, err := h.Manager.ResyncStock(ctx, keyFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *StockHandler) audit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = min(n, 500)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out, err := h.Manager.AuditTrail(ctx, keyFrom(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []stock.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, out)
}

func keyFrom(r *http.Request) stock.Key {
	return stock.Key{ProductID: chi.URLParam(r, "productID"), VariationID: r.URL.Query().Get("variation_id")}
}
