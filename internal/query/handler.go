package query

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
	"github.com/example/ec-order-placement/internal/infrastructure/cache"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
	"github.com/example/ec-order-placement/internal/tracker"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

var (
	ErrInvalidPage   = errors.New("page must be at least 1 and page_size between 1 and 100")
	ErrInvalidStatus = errors.New("unknown status filter")
)

// ProductLoader serves product reads through a cache.
type ProductLoader interface {
	GetOrLoad(ctx context.Context, id string, load cache.LoadFunc) (*product.Product, error)
}

// Page is one slice of a listing plus the numbers needed to walk it.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// StatusView is the polling response for an order.
type StatusView = tracker.StatusView

type Handler struct {
	orders   store.OrderStore
	statuses *tracker.Tracker
	products store.ProductStore
	cache    ProductLoader
	logger   *zap.Logger
}

// NewHandler builds the read side. cache may be nil.
func NewHandler(orders store.OrderStore, products store.ProductStore, cache ProductLoader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		orders:   orders,
		statuses: tracker.New(orders, logger),
		products: products,
		cache:    cache,
		logger:   logger.Named("query"),
	}
}

// Orders
func (h *Handler) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return h.orders.GetOrder(ctx, id)
}

// GetStatus reports where an order is in its lifecycle.
func (h *Handler) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	return h.statuses.GetStatus(ctx, id)
}

func (h *Handler) ListOrders(ctx context.Context, page, pageSize int, status string) (*Page[*order.Order], error) {
	if err := checkPage(page, pageSize); err != nil {
		return nil, err
	}
	filter := store.ListFilter{Limit: pageSize, Offset: (page - 1) * pageSize}
	if status != "" {
		s, err := order.ParseStatus(status)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		filter.Status = s
	}

	items, total, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		h.logger.Error("list orders failed", zap.Error(err))
		return nil, err
	}
	return newPage(items, total, page, pageSize), nil
}

// Products
func (h *Handler) GetProduct(ctx context.Context, id string) (*product.Product, error) {
	if h.cache == nil {
		return h.products.GetProduct(ctx, id)
	}
	return h.cache.GetOrLoad(ctx, id, h.products.GetProduct)
}

func (h *Handler) ListProducts(ctx context.Context, page, pageSize int, search string) (*Page[*product.Product], error) {
	if err := checkPage(page, pageSize); err != nil {
		return nil, err
	}
	items, total, err := h.products.ListProducts(ctx, pageSize, (page-1)*pageSize, search)
	if err != nil {
		h.logger.Error("list products failed", zap.Error(err))
		return nil, err
	}
	return newPage(items, total, page, pageSize), nil
}

// checkPage also bounds the offset (page-1)*pageSize to int32 so it can
// neither overflow nor go negative.
func checkPage(page, pageSize int) error {
	if page < 1 || pageSize < 1 || pageSize > MaxPageSize || page-1 > math.MaxInt32/pageSize {
		return fmt.Errorf("%w: page=%d page_size=%d", ErrInvalidPage, page, pageSize)
	}
	return nil
}

func newPage[T any](items []T, total, page, pageSize int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}
	return &Page[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}
