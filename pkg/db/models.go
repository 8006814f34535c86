package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the internal order status vocabulary.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusFailed          OrderStatus = "FAILED"
	StatusError           OrderStatus = "ERROR"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether no further transition may occur.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Order is the durable record of a trade intent and its lifecycle.
// Rows are never deleted; terminal statuses are final.
type Order struct {
	ID            string
	ChatID        int64
	MessageID     int64
	Symbol        string
	Side          string
	OrderType     string
	Price         decimal.NullDecimal
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	Status        OrderStatus
	BrokerOrderID string
	Leverage      int
	Metadata      string // JSON blob: originating signal + inbound metadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Position tracks net exposure per symbol. size > 0 is net long,
// size < 0 net short. avg_price is 0 whenever size is 0.
type Position struct {
	Symbol    string
	Size      decimal.Decimal
	AvgPrice  decimal.Decimal
	UpdatedAt time.Time
}
