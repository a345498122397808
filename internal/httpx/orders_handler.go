package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/ariefcatur/go-virtual-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const IdempotencyHeader = "Idempotency-Key"

type OrderService interface {
	CreateOrder(ctx context.Context, req orders.CreateRequest) (orders.OrderView, error)
	ReplaceItems(ctx context.Context, orderID int64, lines []orders.Line) (orders.OrderView, error)
	SetStatus(ctx context.Context, orderID int64, status orders.Status) (orders.OrderView, error)
	DeleteOrder(ctx context.Context, orderID int64) error
	GetOrder(ctx context.Context, orderID int64) (orders.OrderView, error)
	ListUserOrders(ctx context.Context, userID int64) ([]orders.OrderView, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
	StockCredentials(ctx context.Context, productID int64, secrets []string) ([]orders.Credential, error)
}

type OrdersHandler struct {
	Orders OrderService
	Cache  *redisx.ViewCache    // optional
	Idem   *redisx.Idempotency // optional
	Log    *zap.Logger

	sfg singleflight.Group
}

type CreateOrderReq struct {
	UserID       int64          `json:"user_id"`
	Items        []orders.Line  `json:"items"`
	CustomerNote string         `json:"customer_note"`
	Status       *orders.Status `json:"status,omitempty"`
}

type ReplaceItemsReq struct {
	Items []orders.Line `json:"items"`
}

type SetStatusReq struct {
	Status orders.Status `json:"status"`
}

type StockReq struct {
	Secrets []string `json:"secrets"`
}

type StockResp struct {
	ProductID int64   `json:"product_id"`
	IDs       []int64 `json:"ids"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Put("/orders/{id}/items", h.replaceItems)
	r.Patch("/orders/{id}/status", h.setStatus)
	r.Delete("/orders/{id}", h.deleteOrder)
	r.Get("/users/{id}/orders", h.listUserOrders)
	r.Get("/products", h.listProducts)
	r.Post("/products/{id}/credentials", h.stockCredentials)
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log != nil {
		return h.Log
	}
	return zap.NewNop()
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return false
	}
	return true
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if !decode(w, r, &req) {
		return
	}
	if req.UserID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "missing user_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	claimed := false
	if key != "" && h.Idem != nil {
		prev, ok, err := h.Idem.Claim(ctx, key)
		switch {
		case errors.Is(err, redisx.ErrInFlight):
			writeError(w, err)
			return
		case err != nil:
			// redis is only a shortcut; carry on without it
			h.log().Warn("idempotency claim failed", zap.String("key", key), zap.Error(err))
		case !ok:
			v, err := h.Orders.GetOrder(ctx, prev)
			if err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Idempotent-Replay", "true")
			writeJSON(w, http.StatusOK, v)
			return
		default:
			claimed = true
		}
	}

	v, err := h.Orders.CreateOrder(ctx, orders.CreateRequest{
		UserID: req.UserID,
		Lines:  req.Items,
		Note:   req.CustomerNote,
		Status: req.Status,
	})
	if err != nil {
		if claimed {
			_ = h.Idem.Abandon(ctx, key)
		}
		writeError(w, err)
		return
	}
	if claimed {
		if err := h.Idem.Complete(ctx, key, v.ID); err != nil {
			h.log().Warn("idempotency complete failed", zap.String("key", key), zap.Error(err))
		}
	}
	h.cacheView(ctx, v)
	writeJSON(w, http.StatusCreated, v)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	v, err, _ := h.sfg.Do(strconv.FormatInt(id, 10), func() (any, error) {
		if h.Cache != nil {
			v, err := h.Cache.Get(ctx, id)
			if err == nil {
				return v, nil
			}
			if !errors.Is(err, redisx.ErrCacheMiss) {
				h.log().Warn("order view cache get failed", zap.Int64("order_id", id), zap.Error(err))
			}
		}
		v, err := h.Orders.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		h.cacheView(ctx, v)
		return v, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) replaceItems(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	var req ReplaceItemsReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := h.Orders.ReplaceItems(ctx, id, req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheView(ctx, v)
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	var req SetStatusReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := h.Orders.SetStatus(ctx, id, orders.Status(strings.ToUpper(strings.TrimSpace(string(req.Status)))))
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheView(ctx, v)
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Orders.DeleteOrder(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Invalidate(ctx, id); err != nil {
			h.log().Warn("order view cache invalidate failed", zap.Int64("order_id", id), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) listUserOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Orders.ListUserOrders(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Orders.ListProducts(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *OrdersHandler) stockCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	var req StockReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	creds, err := h.Orders.StockCredentials(ctx, id, req.Secrets)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StockResp{ProductID: id, IDs: make([]int64, 0, len(creds))}
	for _, c := range creds {
		resp.IDs = append(resp.IDs, c.ID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// cacheView offers v to the cache after a read or a mutation. The cache
// keeps whichever view of the order was updated last.
func (h *OrdersHandler) cacheView(ctx context.Context, v orders.OrderView) {
	if h.Cache == nil {
		return
	}
	if _, err := h.Cache.Put(ctx, v); err != nil {
		h.log().Warn("order view cache set failed", zap.Int64("order_id", v.ID), zap.Error(err))
	}
}
