// Package service holds the order intake and moderation operations shared by
// the HTTP handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"restaurant-ordering/batch"
	"restaurant-ordering/cache"
	"restaurant-ordering/events"
	"restaurant-ordering/models"
	"restaurant-ordering/statemachine"
	"restaurant-ordering/store"
)

const (
	MinQuantity   = 1
	MaxQuantity   = 100
	MaxNoteLength = 500
)

// Actor is the authenticated caller as established by the auth middleware.
type Actor struct {
	UserID uint
	Role   models.UserRole
}

func (a Actor) IsAdmin() bool { return a.Role == models.RoleAdmin }

type Deps struct {
	DB      *gorm.DB
	Queue   *batch.Queue
	Flusher *batch.Flusher
	Ledger  *store.Ledger
	Cache   cache.Cache
	Events  events.Publisher
}

type Options struct {
	OrderTTL   time.Duration
	ListingTTL time.Duration
	Now        func() time.Time
}

type OrderService struct {
	db      *gorm.DB
	queue   *batch.Queue
	flusher *batch.Flusher
	ledger  *store.Ledger
	cache   cache.Cache
	events  events.Publisher
	opts    Options
	logger  zerolog.Logger
}

func NewOrderService(deps Deps, opts Options, logger zerolog.Logger) *OrderService {
	if opts.OrderTTL <= 0 {
		opts.OrderTTL = 5 * time.Minute
	}
	if opts.ListingTTL <= 0 {
		opts.ListingTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &OrderService{
		db:      deps.DB,
		queue:   deps.Queue,
		flusher: deps.Flusher,
		ledger:  deps.Ledger,
		cache:   deps.Cache,
		events:  deps.Events,
		opts:    opts,
		logger:  logger.With().Str("component", "order_service").Logger(),
	}
}

type PlaceOrderInput struct {
	UserID   uint
	DishID   uint
	Quantity int
	Note     string
}

// Receipt acknowledges an accepted order. The order has no id yet; it gets
// one when its batch is written.
type Receipt struct {
	UserID       uint               `json:"user_id"`
	RestaurantID uint               `json:"restaurant_id"`
	DishID       uint               `json:"dish_id"`
	Quantity     int                `json:"quantity"`
	UnitPrice    decimal.Decimal    `json:"unit_price"`
	TotalAmount  decimal.Decimal    `json:"total_amount"`
	Status       models.OrderStatus `json:"status"`
	OrderTime    time.Time          `json:"order_time"`
	Queued       int                `json:"queued"`
}

// PlaceOrder validates the request, builds the order and its single line and
// queues both for the next batch. Persistence happens later; its failures
// are retried by the flusher and never reach the caller.
func (s *OrderService) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Receipt, error) {
	if in.Quantity < MinQuantity || in.Quantity > MaxQuantity {
		return nil, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be between %d and %d", MinQuantity, MaxQuantity)}
	}
	if utf8.RuneCountInString(in.Note) > MaxNoteLength {
		return nil, &ValidationError{Field: "note", Reason: fmt.Sprintf("must be at most %d characters", MaxNoteLength)}
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, in.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	var dish models.Dish
	if err := s.db.WithContext(ctx).First(&dish, in.DishID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDishNotFound
		}
		return nil, fmt.Errorf("load dish: %w", err)
	}
	if !dish.IsAvailable {
		return nil, ErrDishUnavailable
	}

	order := models.NewOrder(user.ID, dish.RestaurantID, user.Address, in.Note, s.opts.Now())
	detail := order.AddDetail(dish.ID, in.Quantity, dish.Price)
	if err := order.CheckIntegrity([]*models.OrderDetail{detail}); err != nil {
		return nil, err
	}

	// the records belong to the queue once enqueued
	receipt := &Receipt{
		UserID:       order.UserID,
		RestaurantID: order.RestaurantID,
		DishID:       detail.DishID,
		Quantity:     detail.Quantity,
		UnitPrice:    detail.UnitPrice,
		TotalAmount:  order.TotalAmount,
		Status:       order.Status,
		OrderTime:    order.OrderTime,
	}
	n := s.queue.Enqueue(batch.OrderRecord(order), batch.DetailRecord(detail))
	receipt.Queued = n

	s.logger.Debug().
		Uint("user_id", user.ID).
		Uint("dish_id", dish.ID).
		Int("queued", n).
		Msg("order queued")

	// a client hanging up must not abort a flush it happened to trigger
	s.flusher.TriggerIfFull(context.WithoutCancel(ctx), n)
	return receipt, nil
}

// UpdateStatus moves an order to the status named by token. The steps run
// in a fixed order: authorize, load, parse, transition, commit, and only
// after a successful commit drop the cached order view.
func (s *OrderService) UpdateStatus(ctx context.Context, actor Actor, orderID uint, token string) (*models.Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	var from models.OrderStatus
	order, err := s.ledger.UpdateStatus(ctx, orderID, actor.UserID, func(o *models.Order) error {
		to, ok := models.ParseOrderStatus(token)
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidStatus, token)
		}
		from = o.Status
		return statemachine.Apply(o, to)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrOrderNotFound
	case errors.Is(err, store.ErrStaleStatus):
		return nil, ErrConflict
	case err != nil:
		return nil, err
	}

	s.logger.Info().
		Uint("order_id", order.ID).
		Str("from", string(from)).
		Str("to", string(order.Status)).
		Uint("changed_by", actor.UserID).
		Msg("order status changed")

	if err := s.cache.Delete(ctx, cache.OrderKey(order.ID)); err != nil {
		s.logger.Warn().Err(err).Uint("order_id", order.ID).Msg("failed to invalidate cached order")
	}
	if err := s.events.Publish(ctx, events.StatusChanged(order, from, actor.UserID, s.opts.Now())); err != nil {
		s.logger.Warn().Err(err).Uint("order_id", order.ID).Msg("failed to publish status change")
	}
	return order, nil
}

// GetOrder returns one order with its lines and history. Customers only see
// their own orders.
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID uint) (*models.Order, error) {
	key := cache.OrderKey(orderID)
	var order *models.Order

	var cached models.Order
	hit, err := cache.GetJSON(ctx, s.cache, key, &cached)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	if hit {
		order = &cached
	} else {
		order, err = s.ledger.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		if err != nil {
			return nil, err
		}
		if err := cache.SetJSON(ctx, s.cache, key, order, s.opts.OrderTTL); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}

	if !actor.IsAdmin() && order.UserID != actor.UserID {
		return nil, ErrForbidden
	}
	return order, nil
}

// ListOrders returns a page of orders, newest first. Admins see every order.
// Pages are cached briefly and expire on their own.
func (s *OrderService) ListOrders(ctx context.Context, actor Actor, page int, status string) (*store.OrderPage, error) {
	if page < 1 {
		page = 1
	}
	filter := store.OrderFilter{Page: page}
	scope := "all"
	if !actor.IsAdmin() {
		filter.UserID = actor.UserID
		scope = "user_" + strconv.FormatUint(uint64(actor.UserID), 10)
	}
	if status != "" {
		st, ok := models.ParseOrderStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		filter.Status = st
		scope += "_" + string(st)
	}

	key := cache.ListingKey(scope, page)
	var cached store.OrderPage
	hit, err := cache.GetJSON(ctx, s.cache, key, &cached)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	if hit {
		return &cached, nil
	}

	result, err := s.ledger.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, s.cache, key, result, s.opts.ListingTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return result, nil
}

// QueueStats reports the state of the write pipeline.
func (s *OrderService) QueueStats() batch.Stats {
	return s.flusher.Stats()
}
