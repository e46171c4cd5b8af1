package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// OrderItem is a snapshot of a cart line taken at settlement time.
type OrderItem struct {
	ProductID ProductID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
}

type Order struct {
	ID                OrderID         `json:"id"`
	PaymentOrderID    PaymentOrderID  `json:"payment_order_id"`
	IdentityID        IdentityID      `json:"identity_id"`
	ShippingAddressID AddressID       `json:"shipping_address_id,omitempty"`
	Items             []OrderItem     `json:"items"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Currency          string          `json:"currency"`
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CartItem is a line item as the cart collaborator reports it.
type CartItem struct {
	ProductID ProductID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
}

type Cart struct {
	ID                CartID     `json:"id"`
	IdentityID        IdentityID `json:"identity_id"`
	Items             []CartItem `json:"items"`
	ShippingAddressID AddressID  `json:"shipping_address_id,omitempty"`
}

// Total sums price × quantity over the cart's items.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
