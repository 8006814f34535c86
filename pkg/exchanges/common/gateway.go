package common

import (
	"context"
	"errors"
)

// Gateway abstracts a trading venue.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrder(ctx context.Context, symbol, brokerOrderID string) (OrderDetail, error)
}

// rejection is implemented by venue errors that are definitive answers
// (insufficient margin, bad symbol) as opposed to transport failures.
type rejection interface {
	Rejection() bool
}

// IsRejection reports whether err is a business-level rejection by the venue.
func IsRejection(err error) bool {
	var r rejection
	return errors.As(err, &r) && r.Rejection()
}
