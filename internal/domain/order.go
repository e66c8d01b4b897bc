package domain

import "time"

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusFulfilled  OrderStatus = "fulfilled"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCanceled   OrderStatus = "canceled"
)

// Terminal reports whether no further status transitions may occur.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFulfilled, OrderStatusFailed, OrderStatusCanceled:
		return true
	}
	return false
}

// Order is a user request that spawns one or more generations. Status only
// advances pending -> processing -> {fulfilled|failed|canceled}.
type Order struct {
	ID             string
	Model          string
	Prompt         string
	BaseParameters map[string]any
	Status         OrderStatus
	ProjectID      string
	CreatedAt      time.Time
}

// Active reports whether the order can still change state.
func (o *Order) Active() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusProcessing
}

// CanBeCanceled reports whether cancellation is still meaningful.
func (o *Order) CanBeCanceled() bool {
	return o.Active()
}
