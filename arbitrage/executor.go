package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appconfig "arbiflow/config"
	"arbiflow/book"
	"arbiflow/gateway"
	"arbiflow/internal/precision"
	"arbiflow/logger"
	"arbiflow/models"
	"arbiflow/trader"
)

// Journal receives finished attempts for durable record keeping.
type Journal interface {
	Record(attempt *models.Attempt)
}

var errLegUnfilled = errors.New("first leg expired with no fill")

// Executor runs one triangle attempt end to end: three sequential legs,
// each a limit order with a wall-clock deadline, with unfilled remainders
// on legs two and three converted to market orders. Only the first leg may
// abort the attempt cleanly.
type Executor struct {
	config  *appconfig.Config
	arena   *book.Arena
	manager *trader.Manager
	gw      gateway.Gateway
	table   models.SymbolTable
	journal Journal
	log     *logger.Log
}

// NewExecutor wires an executor over the trading stack.
func NewExecutor(cfg *appconfig.Config, arena *book.Arena, manager *trader.Manager, gw gateway.Gateway, journal Journal) *Executor {
	return &Executor{
		config:  cfg,
		arena:   arena,
		manager: manager,
		gw:      gw,
		table:   cfg.SymbolTable(),
		journal: journal,
		log:     logger.GetLogger(),
	}
}

// legOutcome is the net effect of one executed leg after fees.
type legOutcome struct {
	result models.LegResult
	// base acquired or sold net of fees, usable by the next leg
	netBase float64
	// quote received net of fees, meaningful for sells
	netCash float64
}

// Execute runs a triangle in the given direction with the configured
// capital. The attempt is journaled whether it completes or aborts.
func (e *Executor) Execute(ctx context.Context, tri models.Triangle, direction models.Direction, expected float64) {
	trading := e.config.Trading
	attempt := &models.Attempt{
		ID:        uuid.NewString(),
		Triangle:  tri.Name,
		Direction: direction,
		Capital:   trading.Capital,
		Expected:  expected,
		StartedAt: time.Now(),
	}
	log := e.log.WithComponent("executor").WithFields(logger.Fields{
		"attempt":   attempt.ID,
		"triangle":  tri.Name,
		"direction": direction,
		"expected":  expected,
	})
	log.Info("starting attempt")
	logger.IncrementAttemptStarted()

	defer func() {
		attempt.FinishedAt = time.Now()
		log.WithFields(logger.Fields{
			"status":       attempt.Status,
			"reason":       attempt.Reason,
			"final_quote":  attempt.FinalQuote,
			"profit_ratio": attempt.ProfitRatio,
		}).Info("attempt finished")
		if e.journal != nil {
			e.journal.Record(attempt)
		}
	}()

	if reason := e.checkBalance(ctx, tri, direction); reason != "" {
		attempt.Status = models.AttemptAborted
		attempt.Reason = reason
		return
	}

	var finalQuote float64
	var err error
	switch direction {
	case models.DirectionClockwise:
		finalQuote, err = e.runClockwise(ctx, tri, attempt)
	default:
		finalQuote, err = e.runReverse(ctx, tri, attempt)
	}
	if err != nil {
		attempt.Status = models.AttemptAborted
		attempt.Reason = err.Error()
		return
	}

	attempt.FinalQuote = finalQuote
	attempt.ProfitRatio = finalQuote / trading.Capital
	attempt.Status = models.AttemptCompleted
}

// runClockwise buys the source, buys the middle with the acquired base,
// then sells the last back into the starting quote currency.
func (e *Executor) runClockwise(ctx context.Context, tri models.Triangle, attempt *models.Attempt) (float64, error) {
	trading := e.config.Trading

	srcAsk, midAsk, lastBid, err := e.quotes(tri, models.DirectionClockwise)
	if err != nil {
		return 0, err
	}

	// leg 1: spend the capital buying source base
	p1 := srcAsk * trading.BuySlippage
	q1 := trading.Capital / p1
	leg1, err := e.runLeg(ctx, tri.Source, models.SideBuy, p1, q1, trading.Leg1Timeout, false)
	if err != nil {
		return 0, err
	}
	attempt.Legs = append(attempt.Legs, leg1.result)

	// leg 2: convert source base into middle base
	p2 := midAsk * trading.BuySlippage
	q2 := leg1.netBase / p2
	leg2, err := e.runLeg(ctx, tri.Middle, models.SideBuy, p2, q2, trading.Leg2Timeout, true)
	if err != nil {
		return 0, err
	}
	attempt.Legs = append(attempt.Legs, leg2.result)

	// leg 3: sell middle base back into the quote currency
	p3 := lastBid * trading.SellSlippage * tri.RateFactor
	leg3, err := e.runLeg(ctx, tri.Last, models.SideSell, p3, leg2.netBase, trading.Leg3Timeout, true)
	if err != nil {
		return 0, err
	}
	attempt.Legs = append(attempt.Legs, leg3.result)

	return leg3.netCash, nil
}

// runReverse buys the last, sells the middle for the source base, then
// sells the source back into the starting quote currency.
func (e *Executor) runReverse(ctx context.Context, tri models.Triangle, attempt *models.Attempt) (float64, error) {
	trading := e.config.Trading

	lastAsk, midBid, srcBid, err := e.quotes(tri, models.DirectionReverse)
	if err != nil {
		return 0, err
	}

	// leg 1: spend the capital buying last base
	p1 := lastAsk * trading.BuySlippage * tri.RateFactor
	q1 := trading.Capital / p1
	leg1, err := e.runLeg(ctx, tri.Last, models.SideBuy, p1, q1, trading.Leg1Timeout, false)
	if err != nil {
		return 0, err
	}
	attempt.Legs = append(attempt.Legs, leg1.result)

	// leg 2: sell last base on the middle market for source base
	p2 := midBid * trading.SellSlippage
	leg2, err := e.runLeg(ctx, tri.Middle, models.SideSell, p2, leg1.netBase, trading.Leg2Timeout, true)
	if err != nil {
		return 0, err
	}
	attempt.Legs = append(attempt.Legs, leg2.result)

	// leg 3: the middle sale's proceeds are the source base, sell them
	// back into the quote currency
	p3 := srcBid * trading.SellSlippage
	leg3, err := e.runLeg(ctx, tri.Source, models.SideSell, p3, leg2.netCash, trading.Leg3Timeout, true)
	if err != nil {
		return 0, err
	}
	attempt.Legs = append(attempt.Legs, leg3.result)

	return leg3.netCash, nil
}

// runLeg places a limit order, waits for it up to the deadline, cancels on
// expiry and, when allowed, market-orders the unfilled remainder. The
// returned outcome combines both fills into one volume-weighted result.
// With fallback disabled an expired leg with no fill fails the attempt.
func (e *Executor) runLeg(ctx context.Context, symbol string, side models.Side, price, quantity float64, deadline time.Duration, fallback bool) (*legOutcome, error) {
	sym, ok := e.table.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("symbol %s not configured", symbol)
	}

	price, err := precision.Truncate(price, sym.PricePrecision)
	if err != nil {
		return nil, err
	}
	quantity, err = precision.Truncate(quantity, sym.QuantityPrecision)
	if err != nil {
		return nil, err
	}
	if price <= 0 || quantity <= 0 {
		return nil, fmt.Errorf("leg %s %s: degenerate order %v @ %v", symbol, side, quantity, price)
	}

	orderID, err := e.manager.Place(ctx, symbol, side, models.KindLimit, price, quantity)
	if err != nil {
		return nil, fmt.Errorf("leg %s %s: %w", symbol, side, err)
	}

	ord, err := e.manager.Await(ctx, orderID, deadline)
	if errors.Is(err, trader.ErrTimeout) {
		ord, err = e.manager.Cancel(ctx, orderID)
	}
	if err != nil || ord == nil {
		return nil, fmt.Errorf("leg %s %s order %s: %w", symbol, side, orderID, err)
	}

	totalQty := ord.FilledQuantity
	totalCash := ord.FilledCash
	totalFees := ord.FilledFees
	avgPrice := ord.AvgPrice()

	if remaining := ord.Remaining(); remaining > 0 {
		if !fallback {
			if totalQty == 0 {
				return nil, errLegUnfilled
			}
			// partial fill on the first leg: continue with what we got
		} else {
			// market buys are denominated in quote spend on the venue
			marketQty := remaining
			if side == models.SideBuy {
				marketQty = remaining * price
			}
			mord, err := e.manager.MarketFallback(ctx, symbol, side, marketQty)
			if err != nil {
				return nil, fmt.Errorf("leg %s %s remainder: %w", symbol, side, err)
			}
			avgPrice = precision.WeightedAvg(avgPrice, totalQty, mord.AvgPrice(), mord.FilledQuantity)
			totalQty += mord.FilledQuantity
			totalCash += mord.FilledCash
			totalFees += mord.FilledFees
		}
	}

	out := &legOutcome{
		result: models.LegResult{
			Symbol:   symbol,
			Side:     side,
			Price:    avgPrice,
			Quantity: totalQty,
			Cash:     totalCash,
			Fees:     totalFees,
		},
	}
	// venue fees come out of what the order produced: base for buys,
	// quote for sells
	if side == models.SideBuy {
		out.netBase = totalQty - totalFees
		out.netCash = totalCash
	} else {
		out.netBase = totalQty
		out.netCash = totalCash - totalFees
	}
	return out, nil
}

// quotes reads the three prices an attempt is built on from the arena at
// the configured depth. Any missing or stale book fails the attempt before
// the first order goes out.
func (e *Executor) quotes(tri models.Triangle, direction models.Direction) (float64, float64, float64, error) {
	depth := e.config.Trading.DepthIndex

	src, ok := e.arena.Snapshot(tri.Source)
	if !ok {
		return 0, 0, 0, fmt.Errorf("book %s unavailable", tri.Source)
	}
	mid, ok := e.arena.Snapshot(tri.Middle)
	if !ok {
		return 0, 0, 0, fmt.Errorf("book %s unavailable", tri.Middle)
	}
	last, ok := e.arena.Snapshot(tri.Last)
	if !ok {
		return 0, 0, 0, fmt.Errorf("book %s unavailable", tri.Last)
	}

	if direction == models.DirectionClockwise {
		srcAsk, ok1 := src.Ask(depth)
		midAsk, ok2 := mid.Ask(depth)
		lastBid, ok3 := last.Bid(depth)
		if !ok1 || !ok2 || !ok3 {
			return 0, 0, 0, fmt.Errorf("triangle %s: books too shallow at depth %d", tri.Name, depth)
		}
		return srcAsk.Price, midAsk.Price, lastBid.Price, nil
	}

	lastAsk, ok1 := last.Ask(depth)
	midBid, ok2 := mid.Bid(depth)
	srcBid, ok3 := src.Bid(depth)
	if !ok1 || !ok2 || !ok3 {
		return 0, 0, 0, fmt.Errorf("triangle %s: books too shallow at depth %d", tri.Name, depth)
	}
	return lastAsk.Price, midBid.Price, srcBid.Price, nil
}

// checkBalance verifies the starting quote currency holds at least the
// configured capital before any order goes out. Returns an abort reason or
// the empty string.
func (e *Executor) checkBalance(ctx context.Context, tri models.Triangle, direction models.Direction) string {
	start := tri.Source
	if direction == models.DirectionReverse {
		start = tri.Last
	}
	sym, ok := e.table.Get(start)
	if !ok {
		return fmt.Sprintf("symbol %s not configured", start)
	}
	currency := strings.ToLower(sym.QuoteCurrency)

	balances, err := e.gw.Balances(ctx, e.config.Trading.AccountID)
	if err != nil {
		return fmt.Sprintf("balance check failed: %v", err)
	}
	for _, b := range balances {
		if strings.ToLower(b.Currency) == currency {
			if b.Available >= e.config.Trading.Capital {
				return ""
			}
			return fmt.Sprintf("insufficient %s balance: %v available, %v required",
				currency, b.Available, e.config.Trading.Capital)
		}
	}
	return fmt.Sprintf("no %s balance on account", currency)
}
