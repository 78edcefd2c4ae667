package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents all possible states of an order
type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusProcessing OrderStatus = "PROCESSING"
	StatusCompleted  OrderStatus = "COMPLETED"
	StatusCancelled  OrderStatus = "CANCELLED"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []OrderStatus{StatusPending, StatusProcessing, StatusCompleted, StatusCancelled}

// ParseOrderStatus maps a status token to a known status. Matching ignores case.
func ParseOrderStatus(token string) (OrderStatus, bool) {
	s := OrderStatus(strings.ToUpper(strings.TrimSpace(token)))
	for _, known := range AllStatuses {
		if s == known {
			return known, true
		}
	}
	return "", false
}

// ErrIntegrity is returned when the money arithmetic of an order does not add up.
var ErrIntegrity = errors.New("order integrity check failed")

type Order struct {
	ID              uint                 `json:"id" gorm:"primaryKey"`
	UserID          uint                 `json:"user_id" gorm:"not null;index:idx_user_status,priority:1"`
	RestaurantID    uint                 `json:"restaurant_id" gorm:"not null;index:idx_restaurant_status,priority:1"`
	OrderTime       time.Time            `json:"order_time" gorm:"not null;index:idx_order_time,sort:desc"`
	Status          OrderStatus          `json:"status" gorm:"size:20;not null;default:'PENDING';index:idx_user_status,priority:2;index:idx_restaurant_status,priority:2"`
	TotalAmount     decimal.Decimal      `json:"total_amount" gorm:"type:decimal(10,2);not null"`
	DeliveryAddress string               `json:"delivery_address" gorm:"size:200"`
	Note            string               `json:"note" gorm:"size:500"`
	Details         []OrderDetail        `json:"details,omitempty" gorm:"foreignKey:OrderID"`
	StatusHistory   []OrderStatusHistory `json:"status_history,omitempty" gorm:"foreignKey:OrderID"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// OrderDetail is a single line of an order. UnitPrice is a snapshot of the
// dish price at order time.
type OrderDetail struct {
	ID        uint            `json:"id" gorm:"primaryKey"`
	OrderID   uint            `json:"order_id" gorm:"not null;index"`
	Order     *Order          `json:"-" gorm:"-"`
	DishID    uint            `json:"dish_id" gorm:"not null;index"`
	Quantity  int             `json:"quantity" gorm:"not null"`
	UnitPrice decimal.Decimal `json:"unit_price" gorm:"type:decimal(10,2);not null"`
	Subtotal  decimal.Decimal `json:"subtotal" gorm:"type:decimal(10,2);not null"`
}

// OrderStatusHistory tracks every committed status change
type OrderStatusHistory struct {
	ID         uint        `json:"id" gorm:"primaryKey"`
	OrderID    uint        `json:"order_id" gorm:"not null;index"`
	FromStatus OrderStatus `json:"from_status" gorm:"size:20"`
	ToStatus   OrderStatus `json:"to_status" gorm:"size:20;not null"`
	ChangedBy  uint        `json:"changed_by"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewOrder builds a pending order that has not been persisted yet.
func NewOrder(userID, restaurantID uint, address, note string, now time.Time) *Order {
	return &Order{
		UserID:          userID,
		RestaurantID:    restaurantID,
		OrderTime:       now.UTC(),
		Status:          StatusPending,
		TotalAmount:     decimal.Zero,
		DeliveryAddress: address,
		Note:            note,
	}
}

// NewOrderDetail builds a line for order with the subtotal computed from
// unitPrice and quantity. The order's total is not touched; see AddDetail.
func NewOrderDetail(order *Order, dishID uint, quantity int, unitPrice decimal.Decimal) *OrderDetail {
	return &OrderDetail{
		Order:     order,
		DishID:    dishID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Subtotal:  unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}
}

// AddDetail builds a line for the order and adds its subtotal to the total.
func (o *Order) AddDetail(dishID uint, quantity int, unitPrice decimal.Decimal) *OrderDetail {
	d := NewOrderDetail(o, dishID, quantity, unitPrice)
	o.TotalAmount = o.TotalAmount.Add(d.Subtotal)
	return d
}

// CheckIntegrity verifies quantity, unit price and subtotal of a line.
func (d *OrderDetail) CheckIntegrity() error {
	if d.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be greater than 0, got %d", ErrIntegrity, d.Quantity)
	}
	if !d.UnitPrice.IsPositive() {
		return fmt.Errorf("%w: unit price must be greater than 0, got %s", ErrIntegrity, d.UnitPrice)
	}
	want := d.UnitPrice.Mul(decimal.NewFromInt(int64(d.Quantity)))
	if !d.Subtotal.Equal(want) {
		return fmt.Errorf("%w: subtotal %s != %s x %d", ErrIntegrity, d.Subtotal, d.UnitPrice, d.Quantity)
	}
	return nil
}

// CheckIntegrity verifies every line and that the total equals the sum of
// the subtotals.
func (o *Order) CheckIntegrity(details []*OrderDetail) error {
	if len(details) == 0 {
		return fmt.Errorf("%w: order has no lines", ErrIntegrity)
	}
	sum := decimal.Zero
	for _, d := range details {
		if err := d.CheckIntegrity(); err != nil {
			return err
		}
		sum = sum.Add(d.Subtotal)
	}
	if !o.TotalAmount.Equal(sum) {
		return fmt.Errorf("%w: total %s != sum of subtotals %s", ErrIntegrity, o.TotalAmount, sum)
	}
	return nil
}
