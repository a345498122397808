package httpx

import (
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/ariefcatur/go-virtual-checkout/internal/redisx"
	"net/http"
)

type errorResp struct {
	Error     string `json:"error"`
	ProductID int64  `json:"product_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, orders.ErrInventoryShortage),
		errors.Is(err, orders.ErrIllegalState),
		errors.Is(err, redisx.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	resp := errorResp{Error: err.Error()}
	if code == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	var short *orders.ShortageError
	if errors.As(err, &short) {
		avail := short.Available
		resp.ProductID = short.ProductID
		resp.Requested = short.Requested
		resp.Available = &avail
	}
	writeJSON(w, code, resp)
}
