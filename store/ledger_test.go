package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"restaurant-ordering/batch"
	"restaurant-ordering/config"
	"restaurant-ordering/models"
	"restaurant-ordering/statemachine"
	"restaurant-ordering/store"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenDB(":memory:")
	require.NoError(t, err)
	return db
}

func pair(userID uint, qty int, price string, at time.Time) (*models.Order, *models.OrderDetail) {
	o := models.NewOrder(userID, 1, "1 Main St", "", at)
	d := o.AddDetail(3, qty, decimal.RequireFromString(price))
	return o, d
}

func TestLedger_BulkInsertLinksDetailsToOrders(t *testing.T) {
	db := newDB(t)
	ledger := store.NewLedger(db)
	ctx := context.Background()

	o1, d1 := pair(1, 2, "4.50", time.Now())
	o2, d2 := pair(2, 1, "10.00", time.Now())
	records := []batch.Record{
		batch.OrderRecord(o1), batch.DetailRecord(d1),
		batch.OrderRecord(o2), batch.DetailRecord(d2),
	}

	require.NoError(t, ledger.BulkInsert(ctx, records))
	assert.NotZero(t, o1.ID)
	assert.Equal(t, o1.ID, d1.OrderID)
	assert.Equal(t, o2.ID, d2.OrderID)

	got, err := ledger.GetOrder(ctx, o1.ID)
	require.NoError(t, err)
	require.Len(t, got.Details, 1)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("9.00")))
	assert.True(t, got.Details[0].Subtotal.Equal(got.TotalAmount))
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestLedger_BulkInsertIsAllOrNothing(t *testing.T) {
	db := newDB(t)
	ledger := store.NewLedger(db)
	ctx := context.Background()

	existing, existingDetail := pair(1, 1, "1.00", time.Now())
	require.NoError(t, ledger.BulkInsert(ctx, []batch.Record{batch.OrderRecord(existing), batch.DetailRecord(existingDetail)}))

	fresh, freshDetail := pair(2, 1, "2.00", time.Now())
	clash := &models.Order{ID: existing.ID, UserID: 3, RestaurantID: 1, OrderTime: time.Now(), Status: models.StatusPending}
	records := []batch.Record{
		batch.OrderRecord(fresh), batch.DetailRecord(freshDetail),
		batch.OrderRecord(clash),
	}

	err := ledger.BulkInsert(ctx, records)
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	require.NoError(t, db.Model(&models.OrderDetail{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	assert.Zero(t, fresh.ID, "ids from the rolled back transaction are cleared")
	assert.Zero(t, freshDetail.ID)
	assert.Zero(t, freshDetail.OrderID)
	assert.Equal(t, existing.ID, clash.ID, "caller supplied ids are kept")
}

func TestLedger_BulkInsertRejectsOrphanDetail(t *testing.T) {
	ledger := store.NewLedger(newDB(t))
	_, d := pair(1, 1, "1.00", time.Now())

	err := ledger.BulkInsert(context.Background(), []batch.Record{batch.DetailRecord(d)})
	assert.ErrorIs(t, err, store.ErrOrphanDetail)
}

func TestLedger_BulkInsertDetailOfEarlierBatch(t *testing.T) {
	ledger := store.NewLedger(newDB(t))
	ctx := context.Background()
	o, d := pair(1, 1, "1.00", time.Now())

	require.NoError(t, ledger.BulkInsert(ctx, []batch.Record{batch.OrderRecord(o)}))
	require.NoError(t, ledger.BulkInsert(ctx, []batch.Record{batch.DetailRecord(d)}))
	assert.Equal(t, o.ID, d.OrderID)
}

func TestLedger_UpdateStatus(t *testing.T) {
	db := newDB(t)
	ledger := store.NewLedger(db)
	ctx := context.Background()
	o, d := pair(1, 1, "1.00", time.Now())
	require.NoError(t, ledger.BulkInsert(ctx, []batch.Record{batch.OrderRecord(o), batch.DetailRecord(d)}))

	updated, err := ledger.UpdateStatus(ctx, o.ID, 42, func(order *models.Order) error {
		return statemachine.Apply(order, models.StatusProcessing)
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, updated.Status)

	got, err := ledger.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.Len(t, got.StatusHistory, 1)
	assert.Equal(t, models.StatusPending, got.StatusHistory[0].FromStatus)
	assert.Equal(t, models.StatusProcessing, got.StatusHistory[0].ToStatus)
	assert.EqualValues(t, 42, got.StatusHistory[0].ChangedBy)

	_, err = ledger.UpdateStatus(ctx, o.ID, 42, func(order *models.Order) error {
		return statemachine.Apply(order, models.StatusPending)
	})
	assert.ErrorIs(t, err, statemachine.ErrInvalidTransition)
	got, err = ledger.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Len(t, got.StatusHistory, 1)
}

func TestLedger_UpdateStatusNotFound(t *testing.T) {
	ledger := store.NewLedger(newDB(t))
	_, err := ledger.UpdateStatus(context.Background(), 404, 1, func(*models.Order) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = ledger.GetOrder(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLedger_ListOrdersPaginatesNewestFirst(t *testing.T) {
	ledger := store.NewLedger(newDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var records []batch.Record
	for i := 0; i < 25; i++ {
		userID := uint(1)
		if i%5 == 0 {
			userID = 2
		}
		o, d := pair(userID, 1, "1.00", base.Add(time.Duration(i)*time.Minute))
		records = append(records, batch.OrderRecord(o), batch.DetailRecord(d))
	}
	require.NoError(t, ledger.BulkInsert(ctx, records))

	page, err := ledger.ListOrders(ctx, store.OrderFilter{Page: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 25, page.Total)
	require.Len(t, page.Orders, store.DefaultPerPage)
	assert.True(t, page.Orders[0].OrderTime.After(page.Orders[1].OrderTime))
	assert.Len(t, page.Orders[0].Details, 1)

	page, err = ledger.ListOrders(ctx, store.OrderFilter{Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Orders, 5)

	page, err = ledger.ListOrders(ctx, store.OrderFilter{UserID: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	for _, o := range page.Orders {
		assert.EqualValues(t, 2, o.UserID)
	}

	page, err = ledger.ListOrders(ctx, store.OrderFilter{Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, page.Orders)
	assert.NotNil(t, page.Orders)
}

func TestDeadLetters_Bury(t *testing.T) {
	db := newDB(t)
	dl := store.NewDeadLetters(db)
	o, d := pair(1, 2, "3.00", time.Now())
	records := []batch.Record{
		{Order: o, Attempts: 3},
		{Detail: d, Attempts: 3},
	}

	require.NoError(t, dl.Bury(context.Background(), records, errors.New("constraint failed")))

	var rows []models.DeadLetter
	require.NoError(t, db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "order", rows[0].Kind)
	assert.Equal(t, "order_detail", rows[1].Kind)
	assert.Equal(t, 3, rows[1].Attempts)
	assert.Equal(t, "constraint failed", rows[1].LastError)
	assert.Contains(t, rows[1].Payload, `"quantity":2`)
}
