package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"restaurant-ordering/batch"
	"restaurant-ordering/cache"
	"restaurant-ordering/config"
	"restaurant-ordering/events"
	"restaurant-ordering/models"
	"restaurant-ordering/statemachine"
	"restaurant-ordering/store"
)

type recordingCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	deleted []string
}

func newRecordingCache() *recordingCache {
	return &recordingCache{data: map[string][]byte{}}
}

func (c *recordingCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *recordingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	c.deleted = append(c.deleted, key)
	return nil
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evs ...events.Event) error {
	p.events = append(p.events, evs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	db      *gorm.DB
	svc     *OrderService
	queue   *batch.Queue
	ledger  *store.Ledger
	cache   *recordingCache
	events  *recordingPublisher
	admin   Actor
	alice   Actor
	bob     Actor
	dish    models.Dish
	soldOut models.Dish
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := config.OpenDB(":memory:")
	require.NoError(t, err)

	admin := models.User{Username: "admin", PasswordHash: "x", Role: models.RoleAdmin}
	alice := models.User{Username: "alice", PasswordHash: "x", Role: models.RoleCustomer, Address: "1 Main St"}
	bob := models.User{Username: "bobby", PasswordHash: "x", Role: models.RoleCustomer}
	require.NoError(t, db.Create(&admin).Error)
	require.NoError(t, db.Create(&alice).Error)
	require.NoError(t, db.Create(&bob).Error)

	r := models.Restaurant{Name: "Noodle Bar"}
	require.NoError(t, db.Create(&r).Error)
	dish := models.Dish{RestaurantID: r.ID, Name: "Ramen", Price: decimal.RequireFromString("12.50"), IsAvailable: true}
	soldOut := models.Dish{RestaurantID: r.ID, Name: "Gyoza", Price: decimal.RequireFromString("6.00"), IsAvailable: true}
	require.NoError(t, db.Create(&dish).Error)
	require.NoError(t, db.Create(&soldOut).Error)
	// gorm skips zero values on create, so the default would win
	require.NoError(t, db.Model(&soldOut).Update("is_available", false).Error)

	queue := batch.NewQueue()
	ledger := store.NewLedger(db)
	flusher := batch.NewFlusher(queue, ledger, batch.Options{BatchSize: 10}, zerolog.Nop())
	c := newRecordingCache()
	pub := &recordingPublisher{}
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	svc := NewOrderService(Deps{
		DB:      db,
		Queue:   queue,
		Flusher: flusher,
		Ledger:  ledger,
		Cache:   c,
		Events:  pub,
	}, Options{Now: func() time.Time { return now }}, zerolog.Nop())

	return &fixture{
		db:      db,
		svc:     svc,
		queue:   queue,
		ledger:  ledger,
		cache:   c,
		events:  pub,
		admin:   Actor{UserID: admin.ID, Role: admin.Role},
		alice:   Actor{UserID: alice.ID, Role: alice.Role},
		bob:     Actor{UserID: bob.ID, Role: bob.Role},
		dish:    dish,
		soldOut: soldOut,
	}
}

// persistedOrder writes an order for user straight to the ledger.
func (f *fixture) persistedOrder(t *testing.T, userID uint, status models.OrderStatus) *models.Order {
	t.Helper()
	o := models.NewOrder(userID, f.dish.RestaurantID, "", "", time.Now())
	d := o.AddDetail(f.dish.ID, 1, f.dish.Price)
	o.Status = status
	require.NoError(t, f.ledger.BulkInsert(context.Background(), []batch.Record{batch.OrderRecord(o), batch.DetailRecord(d)}))
	return o
}

func (f *fixture) orderCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Order{}).Count(&n).Error)
	return n
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    PlaceOrderInput
		field string
	}{
		{"zero quantity", PlaceOrderInput{UserID: f.alice.UserID, DishID: f.dish.ID, Quantity: 0}, "quantity"},
		{"quantity above limit", PlaceOrderInput{UserID: f.alice.UserID, DishID: f.dish.ID, Quantity: 101}, "quantity"},
		{"note too long", PlaceOrderInput{UserID: f.alice.UserID, DishID: f.dish.ID, Quantity: 1, Note: strings.Repeat("a", 501)}, "note"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(ctx, tt.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Zero(t, f.queue.Len())
}

func TestPlaceOrder_Lookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, PlaceOrderInput{UserID: 999, DishID: f.dish.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = f.svc.PlaceOrder(ctx, PlaceOrderInput{UserID: f.alice.UserID, DishID: 999, Quantity: 1})
	assert.ErrorIs(t, err, ErrDishNotFound)

	_, err = f.svc.PlaceOrder(ctx, PlaceOrderInput{UserID: f.alice.UserID, DishID: f.soldOut.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrDishUnavailable)

	assert.Zero(t, f.queue.Len())
}

func TestPlaceOrder_QueuesWithoutWriting(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: f.alice.UserID, DishID: f.dish.ID, Quantity: 3, Note: "extra spicy",
	})
	require.NoError(t, err)
	assert.True(t, receipt.TotalAmount.Equal(decimal.RequireFromString("37.50")))
	assert.True(t, receipt.UnitPrice.Equal(f.dish.Price))
	assert.Equal(t, models.StatusPending, receipt.Status)
	assert.Equal(t, 2, receipt.Queued)

	assert.Equal(t, 2, f.queue.Len())
	assert.Zero(t, f.orderCount(t))
}

func TestPlaceOrder_InlineFlushAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := PlaceOrderInput{UserID: f.alice.UserID, DishID: f.dish.ID, Quantity: 1}

	for i := 0; i < 4; i++ {
		_, err := f.svc.PlaceOrder(ctx, in)
		require.NoError(t, err)
	}
	assert.Equal(t, 8, f.queue.Len())
	assert.Zero(t, f.orderCount(t))

	_, err := f.svc.PlaceOrder(ctx, in)
	require.NoError(t, err)
	assert.Zero(t, f.queue.Len())
	assert.EqualValues(t, 5, f.orderCount(t))

	var details []models.OrderDetail
	require.NoError(t, f.db.Find(&details).Error)
	require.Len(t, details, 5)
	for _, d := range details {
		assert.NotZero(t, d.OrderID)
	}
}

func TestUpdateStatus_RejectedTransitionLeavesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.persistedOrder(t, f.alice.UserID, models.StatusPending)

	_, err := f.svc.UpdateStatus(ctx, f.admin, o.ID, "COMPLETED")
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)
	var terr *statemachine.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.StatusPending, terr.From)
	assert.Equal(t, models.StatusCompleted, terr.To)

	got, err := f.ledger.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, f.cache.deleted)
	assert.Empty(t, f.events.events)
}

func TestUpdateStatus_InvalidatesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.persistedOrder(t, f.alice.UserID, models.StatusProcessing)

	updated, err := f.svc.UpdateStatus(ctx, f.admin, o.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, updated.Status)

	assert.Equal(t, []string{cache.OrderKey(o.ID)}, f.cache.deleted)
	require.Len(t, f.events.events, 1)
	ev := f.events.events[0]
	assert.Equal(t, events.OrderStatusChanged, ev.Type)
	assert.Equal(t, models.StatusProcessing, ev.FromStatus)
	assert.Equal(t, models.StatusCancelled, ev.ToStatus)
	assert.Equal(t, f.admin.UserID, ev.ChangedBy)

	got, err := f.ledger.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestUpdateStatus_LogsCommittedChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.persistedOrder(t, f.alice.UserID, models.StatusPending)

	var buf bytes.Buffer
	svc := NewOrderService(Deps{DB: f.db, Queue: f.queue, Ledger: f.ledger, Cache: f.cache}, Options{}, zerolog.New(&buf))

	_, err := svc.UpdateStatus(ctx, f.admin, o.ID, "COMPLETED")
	require.Error(t, err)
	assert.Empty(t, buf.String(), "a rejected transition logs nothing")

	_, err = svc.UpdateStatus(ctx, f.admin, o.ID, "PROCESSING")
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "order status changed", entry["message"])
	assert.Equal(t, "order_service", entry["component"])
	assert.Equal(t, "PENDING", entry["from"])
	assert.Equal(t, "PROCESSING", entry["to"])
	assert.EqualValues(t, o.ID, entry["order_id"])
}

func TestUpdateStatus_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.persistedOrder(t, f.alice.UserID, models.StatusPending)

	_, err := f.svc.UpdateStatus(ctx, f.alice, o.ID, "PROCESSING")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.UpdateStatus(ctx, f.admin, o.ID, "SHIPPED")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.UpdateStatus(ctx, f.admin, 9999, "PROCESSING")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	assert.Empty(t, f.cache.deleted)
}

func TestGetOrder_CachesAndChecksOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.persistedOrder(t, f.alice.UserID, models.StatusPending)

	got, err := f.svc.GetOrder(ctx, f.alice, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Details, 1)
	assert.Contains(t, f.cache.data, cache.OrderKey(o.ID))

	// served from the cache from now on
	require.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", o.ID).Update("note", "changed").Error)
	got, err = f.svc.GetOrder(ctx, f.alice, o.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Note)
	assert.True(t, got.TotalAmount.Equal(f.dish.Price))

	_, err = f.svc.GetOrder(ctx, f.bob, o.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GetOrder(ctx, f.admin, o.ID)
	assert.NoError(t, err)

	_, err = f.svc.GetOrder(ctx, f.admin, 9999)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetOrder_ReloadsAfterStatusChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.persistedOrder(t, f.alice.UserID, models.StatusPending)

	_, err := f.svc.GetOrder(ctx, f.alice, o.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, f.admin, o.ID, "PROCESSING")
	require.NoError(t, err)

	got, err := f.svc.GetOrder(ctx, f.alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Len(t, got.StatusHistory, 1)
}

func TestListOrders_Scopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.persistedOrder(t, f.alice.UserID, models.StatusPending)
	f.persistedOrder(t, f.alice.UserID, models.StatusCompleted)
	f.persistedOrder(t, f.bob.UserID, models.StatusPending)

	page, err := f.svc.ListOrders(ctx, f.alice, 1, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	assert.Contains(t, f.cache.data, cache.ListingKey("user_2", 1))

	page, err = f.svc.ListOrders(ctx, f.admin, 0, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Contains(t, f.cache.data, cache.ListingKey("all", 1))

	page, err = f.svc.ListOrders(ctx, f.admin, 1, "pending")
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	_, err = f.svc.ListOrders(ctx, f.admin, 1, "lost")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
