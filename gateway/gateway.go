// Package gateway defines the trading-API capability consumed by the order
// lifecycle manager. Implementations live in subpackages per venue; the
// core only ever sees this interface.
package gateway

import (
	"context"
	"errors"

	"arbiflow/models"
)

var (
	// ErrOrderRejected is returned when the venue answers a placement with
	// a non-success status. Callers decide retry policy.
	ErrOrderRejected = errors.New("order rejected")
	// ErrAuth marks a signing or credential rejection. Fatal, no retry.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound is returned when the venue does not know the order id.
	ErrNotFound = errors.New("order not found")
)

// Signer is the opaque request-signing capability. The engine only calls
// it; the signing scheme itself is a venue collaborator.
type Signer interface {
	Sign(method, host, path string, params map[string]string) map[string]string
}

// Gateway is the abstract exchange trading surface.
//
// PlaceOrder quantity semantics follow the venue: for market buys the
// quantity is the quote amount to spend, for everything else it is the
// base quantity.
type Gateway interface {
	ListSymbols(ctx context.Context) ([]models.Symbol, error)
	Balances(ctx context.Context, accountID string) ([]models.Balance, error)
	PlaceOrder(ctx context.Context, symbol string, side models.Side, kind models.Kind, price, quantity float64) (string, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}
