package common

import "github.com/shopspring/decimal"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// MarginMode selects futures margin handling.
type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.NullDecimal // required for LIMIT
	Leverage   int
	MarginMode MarginMode
	ClientID   string // optional client order id
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	BrokerOrderID string
	Status        string // raw exchange status, e.g. NEW
}

// OrderDetail is the exchange's current view of an order.
type OrderDetail struct {
	BrokerOrderID string
	Status        string // raw exchange status
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.NullDecimal
}
