// Package store is the gorm-backed ledger for orders and their lines.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"restaurant-ordering/batch"
	"restaurant-ordering/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleStatus means the order's status changed between read and write.
	ErrStaleStatus = errors.New("order status changed concurrently")
	// ErrOrphanDetail means a detail reached the ledger before its order.
	ErrOrphanDetail = errors.New("order detail has no persisted order")
)

type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// BulkInsert writes records in drain order inside one transaction. Ids the
// transaction handed out are cleared again when it rolls back, so a requeued
// batch is retried from a clean state.
func (l *Ledger) BulkInsert(ctx context.Context, records []batch.Record) error {
	var assigned []func()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, rec := range records {
			switch rec.Kind() {
			case batch.KindOrder:
				o := rec.Order
				if o.ID == 0 {
					assigned = append(assigned, func() { o.ID = 0 })
				}
				if err := tx.Omit(clause.Associations).Create(o).Error; err != nil {
					return fmt.Errorf("insert order (record %d): %w", i, err)
				}
			case batch.KindDetail:
				d := rec.Detail
				if d.OrderID == 0 {
					if d.Order == nil || d.Order.ID == 0 {
						return fmt.Errorf("record %d: %w", i, ErrOrphanDetail)
					}
					d.OrderID = d.Order.ID
					assigned = append(assigned, func() { d.OrderID = 0 })
				}
				if d.ID == 0 {
					assigned = append(assigned, func() { d.ID = 0 })
				}
				if err := tx.Omit(clause.Associations).Create(d).Error; err != nil {
					return fmt.Errorf("insert order detail (record %d): %w", i, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		for _, undo := range assigned {
			undo()
		}
		return err
	}
	return nil
}

// GetOrder loads an order with its lines and status history.
func (l *Ledger) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	var order models.Order
	err := l.db.WithContext(ctx).
		Preload("Details").
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB { return db.Order("id asc") }).
		First(&order, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return &order, nil
}

// UpdateStatus loads the order, lets mutate change it in memory and writes
// the new status plus a history row in the same transaction. The write only
// succeeds if the stored status is still the one mutate saw; otherwise
// ErrStaleStatus is returned and nothing is written.
func (l *Ledger) UpdateStatus(ctx context.Context, id, changedBy uint, mutate func(*models.Order) error) (*models.Order, error) {
	var order models.Order
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		from := order.Status
		if err := mutate(&order); err != nil {
			return err
		}
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, from).
			Update("status", order.Status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleStatus
		}
		return tx.Create(&models.OrderStatusHistory{
			OrderID:    order.ID,
			FromStatus: from,
			ToStatus:   order.Status,
			ChangedBy:  changedBy,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderFilter selects a page of orders. Zero fields do not filter.
type OrderFilter struct {
	UserID       uint
	RestaurantID uint
	Status       models.OrderStatus
	Page         int
	PerPage      int
}

const DefaultPerPage = 20

type OrderPage struct {
	Orders  []models.Order `json:"orders"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
	Total   int64          `json:"total"`
}

// ListOrders returns one page of orders, newest first.
func (l *Ledger) ListOrders(ctx context.Context, f OrderFilter) (*OrderPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = DefaultPerPage
	}

	query := l.db.WithContext(ctx).Model(&models.Order{})
	if f.UserID != 0 {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.RestaurantID != 0 {
		query = query.Where("restaurant_id = ?", f.RestaurantID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	page := &OrderPage{Page: f.Page, PerPage: f.PerPage, Orders: []models.Order{}}
	if err := query.Session(&gorm.Session{}).Count(&page.Total).Error; err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	err := query.Session(&gorm.Session{}).Preload("Details").
		Order("order_time desc, id desc").
		Offset((f.Page - 1) * f.PerPage).
		Limit(f.PerPage).
		Find(&page.Orders).Error
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return page, nil
}

// DeadLetters persists batches the flusher gave up on.
type DeadLetters struct {
	db *gorm.DB
}

func NewDeadLetters(db *gorm.DB) *DeadLetters {
	return &DeadLetters{db: db}
}

func (d *DeadLetters) Bury(ctx context.Context, records []batch.Record, cause error) error {
	rows := make([]models.DeadLetter, 0, len(records))
	for _, rec := range records {
		var payload any = rec.Order
		if rec.Kind() == batch.KindDetail {
			payload = rec.Detail
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode dead letter: %w", err)
		}
		rows = append(rows, models.DeadLetter{
			Kind:      string(rec.Kind()),
			Payload:   string(body),
			Attempts:  rec.Attempts,
			LastError: truncate(cause.Error(), 1000),
		})
	}
	return d.db.WithContext(ctx).Create(&rows).Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
