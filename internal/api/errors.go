package api

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
	"github.com/example/ec-order-placement/internal/query"
)

type errorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	Available *int   `json:"available,omitempty"`
	Requested *int   `json:"requested,omitempty"`
}

// respondError maps domain errors to status codes. Anything unrecognised
// is a 500 and its detail is not echoed to the client.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ise *order.InsufficientStockError
	switch {
	case errors.As(err, &ise):
		respondJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient_stock",
			Detail:    ise.Error(),
			Available: &ise.Available,
			Requested: &ise.Requested,
		})
	case errors.Is(err, order.ErrInvalidQuantity),
		errors.Is(err, product.ErrInvalidName),
		errors.Is(err, product.ErrInvalidPrice),
		errors.Is(err, product.ErrInvalidStock),
		errors.Is(err, query.ErrInvalidPage),
		errors.Is(err, query.ErrInvalidStatus):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: err.Error()})
	case errors.Is(err, order.ErrOrderNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: "Order not found"})
	case errors.Is(err, product.ErrProductNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: "Product not found"})
	case errors.Is(err, product.ErrProductInUse):
		respondJSON(w, http.StatusConflict, errorResponse{Error: "product_in_use", Detail: err.Error()})
	case errors.Is(err, order.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unavailable", Detail: "Service temporarily unavailable, please retry"})
	case errors.Is(err, context.Canceled):
		// The client is gone; nobody reads this.
		w.WriteHeader(499)
	default:
		h.logger.Error("unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error"})
	}
}
