package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/dispatch"
	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
)

// enqueueTimeout bounds the post-commit hand-off. It is detached from the
// request so a client that hangs up does not abort it.
const enqueueTimeout = 10 * time.Second

// Invalidator drops cached product details after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, productID string) error
}

type Handler struct {
	ledger     store.Ledger
	protocol   store.Protocol
	products   store.ProductStore
	dispatcher dispatch.Enqueuer
	cache      Invalidator
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewHandler wires the order coordinator. cache may be nil.
func NewHandler(
	ledger store.Ledger,
	protocol store.Protocol,
	products store.ProductStore,
	dispatcher dispatch.Enqueuer,
	cache Invalidator,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ledger:     ledger,
		protocol:   protocol,
		products:   products,
		dispatcher: dispatcher,
		cache:      cache,
		logger:     logger.Named("coordinator"),
		tracer:     otel.Tracer("github.com/example/ec-order-placement/internal/command"),
		now:        time.Now,
	}
}

// PlaceOrder runs the purchase through the ledger and, only once it has
// committed, hands the order to the dispatcher. A failed hand-off is logged
// and does not undo the order; the redriver enqueues it later.
func (h *Handler) PlaceOrder(ctx context.Context, cmd PlaceOrder) (*order.Order, error) {
	ctx, span := h.tracer.Start(ctx, "command.PlaceOrder", trace.WithAttributes(
		attribute.String("product.id", cmd.ProductID),
		attribute.Int("order.quantity", cmd.Quantity),
		attribute.String("ledger.protocol", string(h.protocol)),
	))
	defer span.End()

	log := h.logger.With(
		zap.String("product_id", cmd.ProductID),
		zap.Int("quantity", cmd.Quantity))

	if err := order.ValidateQuantity(cmd.Quantity); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if strings.TrimSpace(cmd.ProductID) == "" {
		span.SetStatus(codes.Error, product.ErrProductNotFound.Error())
		return nil, product.ErrProductNotFound
	}

	o, err := h.ledger.AttemptPurchase(ctx, cmd.ProductID, cmd.Quantity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, order.ErrInsufficientStock), errors.Is(err, product.ErrProductNotFound):
			log.Info("order rejected", zap.Error(err))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.Info("order abandoned by caller", zap.Error(err))
		default:
			log.Error("order placement failed", zap.Error(err))
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	log.Info("order placed", zap.String("order_id", o.ID), zap.Int64("total_price", o.TotalPrice))

	h.invalidate(ctx, cmd.ProductID)

	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if err := h.dispatcher.Enqueue(enqCtx, o.ID); err != nil {
		span.AddEvent("enqueue failed")
		log.Error("enqueue failed after commit, left for redrive",
			zap.String("order_id", o.ID),
			zap.Error(err))
	}

	return o, nil
}

// CreateProduct validates and stores a new product.
func (h *Handler) CreateProduct(ctx context.Context, cmd CreateProduct) (*product.Product, error) {
	p, err := product.New(cmd.Name, cmd.Price, cmd.Stock, h.now())
	if err != nil {
		return nil, err
	}
	if err := h.products.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	h.logger.Info("product created", zap.String("product_id", p.ID), zap.Int("stock", p.Stock))
	return p, nil
}

// UpdateProduct overwrites the fields that are set. A stock written here is an
// administrative correction, not a sale. The store applies the patch to the
// current row, so purchases committed meanwhile keep their decrement unless
// the caller explicitly sets Stock.
func (h *Handler) UpdateProduct(ctx context.Context, cmd UpdateProduct) (*product.Product, error) {
	patch := product.Patch{Price: cmd.Price, Stock: cmd.Stock}
	if cmd.Name != nil {
		name := strings.TrimSpace(*cmd.Name)
		patch.Name = &name
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	p, err := h.products.UpdateProduct(ctx, cmd.ProductID, patch, h.now())
	if err != nil {
		return nil, err
	}
	h.invalidate(ctx, p.ID)
	return p, nil
}

// DeleteProduct removes a product that no order references.
func (h *Handler) DeleteProduct(ctx context.Context, cmd DeleteProduct) error {
	if err := h.products.DeleteProduct(ctx, cmd.ProductID); err != nil {
		return err
	}
	h.invalidate(ctx, cmd.ProductID)
	return nil
}

func (h *Handler) invalidate(ctx context.Context, productID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx, productID); err != nil {
		h.logger.Warn("cache invalidation failed", zap.String("product_id", productID), zap.Error(err))
	}
}
