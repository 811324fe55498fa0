// Package trader drives the order lifecycle against the exchange gateway:
// placement with bounded retry, deadline-bound polling, cancellation with
// the fill-during-cancel race resolved as success, and market fallback for
// unfilled remainders.
package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	appconfig "arbiflow/config"
	"arbiflow/gateway"
	"arbiflow/logger"
	"arbiflow/models"
)

// ErrTimeout is returned when an order does not reach a terminal state
// within the caller's wall-clock deadline. The latest observed order is
// returned alongside it.
var ErrTimeout = errors.New("order polling deadline exceeded")

// Manager owns orders for the duration of their lifecycle.
type Manager struct {
	config *appconfig.Config
	gw     gateway.Gateway
	log    *logger.Log
}

// cancelDeadline bounds how long a cancel confirmation may be polled.
const cancelDeadline = 15 * time.Second

// NewManager creates an order lifecycle manager on top of a gateway.
func NewManager(cfg *appconfig.Config, gw gateway.Gateway) *Manager {
	return &Manager{
		config: cfg,
		gw:     gw,
		log:    logger.GetLogger(),
	}
}

// Place submits an order. Rejections are retried a bounded number of times
// with exponential backoff; any other failure is returned immediately.
func (m *Manager) Place(ctx context.Context, symbol string, side models.Side, kind models.Kind, price, quantity float64) (string, error) {
	retry := m.config.Trading.Retry
	log := m.log.WithComponent("trader").WithFields(logger.Fields{
		"symbol":   symbol,
		"side":     side,
		"kind":     kind,
		"price":    price,
		"quantity": quantity,
	})

	delay := retry.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		orderID, err := m.gw.PlaceOrder(ctx, symbol, side, kind, price, quantity)
		if err == nil {
			log.WithFields(logger.Fields{"order_id": orderID, "attempt": attempt}).Info("order placed")
			return orderID, nil
		}
		if !errors.Is(err, gateway.ErrOrderRejected) {
			return "", err
		}

		lastErr = err
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("order rejected")

		if attempt == retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= time.Duration(retry.BackoffMultiplier)
		if delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
	}
	return "", fmt.Errorf("place order after %d attempts: %w", retry.MaxAttempts, lastErr)
}

// Query fetches the current order state once.
func (m *Manager) Query(ctx context.Context, orderID string) (*models.Order, error) {
	return m.gw.GetOrder(ctx, orderID)
}

// Await polls the order until it reaches a terminal state or the deadline
// expires. The first poll happens immediately, so an already-filled order
// costs exactly one round trip. On deadline the latest observed order is
// returned together with ErrTimeout.
func (m *Manager) Await(ctx context.Context, orderID string, deadline time.Duration) (*models.Order, error) {
	interval := m.config.Trading.PollInterval
	limit := time.Now().Add(deadline)

	var last *models.Order
	for {
		ord, err := m.gw.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, gateway.ErrAuth) {
				return nil, err
			}
			m.log.WithComponent("trader").WithError(err).WithFields(logger.Fields{
				"order_id": orderID,
			}).Warn("order poll failed")
		} else {
			last = ord
			if ord.State.Terminal() {
				return ord, nil
			}
		}

		if time.Now().After(limit) {
			return last, fmt.Errorf("order %s: %w", orderID, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Cancel submits a cancel request and polls until a terminal state is
// observed. An order that filled before the cancel applied is a success
// outcome, reported through the returned state, never as an error.
func (m *Manager) Cancel(ctx context.Context, orderID string) (*models.Order, error) {
	log := m.log.WithComponent("trader").WithFields(logger.Fields{"order_id": orderID})

	applied, err := m.gw.CancelOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gateway.ErrAuth) {
			return nil, err
		}
		// the order may already be terminal; resolve by polling
		log.WithError(err).Warn("cancel submission failed")
	} else if !applied {
		log.Info("cancel refused, order already terminal")
	}

	ord, err := m.Await(ctx, orderID, cancelDeadline)
	if err != nil {
		return ord, fmt.Errorf("confirm cancel: %w", err)
	}
	log.WithFields(logger.Fields{"state": ord.State}).Info("order resolved after cancel")
	return ord, nil
}

// MarketFallback converts an unfilled remainder into an immediate market
// order and waits for its terminal state. Following gateway semantics the
// quantity is the quote amount for buys and the base quantity for sells.
func (m *Manager) MarketFallback(ctx context.Context, symbol string, side models.Side, quantity float64) (*models.Order, error) {
	log := m.log.WithComponent("trader").WithFields(logger.Fields{
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity,
	})
	log.Info("falling back to market order")

	orderID, err := m.Place(ctx, symbol, side, models.KindMarket, 0, quantity)
	if err != nil {
		return nil, fmt.Errorf("market fallback: %w", err)
	}

	ord, err := m.Await(ctx, orderID, cancelDeadline)
	if err != nil {
		return ord, fmt.Errorf("market fallback %s: %w", orderID, err)
	}
	return ord, nil
}
