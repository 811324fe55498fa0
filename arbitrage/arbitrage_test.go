package arbitrage

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	appconfig "arbiflow/config"
	"arbiflow/book"
	"arbiflow/models"
	"arbiflow/trader"
)

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{
		Symbols: []models.Symbol{
			{Name: "btcusdt", BaseCurrency: "btc", QuoteCurrency: "usdt", PricePrecision: 2, QuantityPrecision: 4},
			{Name: "ethbtc", BaseCurrency: "eth", QuoteCurrency: "btc", PricePrecision: 6, QuantityPrecision: 4},
			{Name: "ethusdt", BaseCurrency: "eth", QuoteCurrency: "usdt", PricePrecision: 2, QuantityPrecision: 4},
		},
		Triangles: []models.Triangle{
			{Name: "btc-eth", Source: "btcusdt", Middle: "ethbtc", Last: "ethusdt", RateFactor: 1},
		},
	}
	cfg.Trading.Enabled = true
	cfg.Trading.Capital = 100
	cfg.Trading.FeeRate = 0.003
	cfg.Trading.Threshold = 1.01
	cfg.Trading.BuySlippage = 1
	cfg.Trading.SellSlippage = 1
	cfg.Trading.PollInterval = time.Millisecond
	cfg.Trading.Leg1Timeout = 100 * time.Millisecond
	cfg.Trading.Leg2Timeout = 100 * time.Millisecond
	cfg.Trading.Leg3Timeout = 100 * time.Millisecond
	cfg.Trading.Retry.MaxAttempts = 2
	cfg.Trading.Retry.BaseDelay = time.Millisecond
	cfg.Trading.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Trading.Retry.BackoffMultiplier = 2
	return cfg
}

func loadBook(t *testing.T, arena *book.Arena, symbol string, bid, ask float64) {
	t.Helper()
	ok := arena.ApplyReplace(&models.BookSnapshot{
		Exchange:  "huobi",
		Symbol:    symbol,
		Bids:      []models.BookLevel{{Price: bid, Quantity: 10}},
		Asks:      []models.BookLevel{{Price: ask, Quantity: 10}},
		UpdateID:  time.Now().UnixNano(),
		Timestamp: time.Now(),
	})
	if !ok {
		t.Fatalf("snapshot for %s rejected", symbol)
	}
}

func TestProfitsClockwiseAboveThreshold(t *testing.T) {
	cfg := testConfig()
	arena := book.NewArena(16)
	loadBook(t, arena, "btcusdt", 99, 100)
	loadBook(t, arena, "ethbtc", 1.9, 2)
	loadBook(t, arena, "ethusdt", 210, 211)

	d := NewDetector(cfg, arena, nil)
	clockwise, _, ok := d.profits(cfg.Triangles[0])
	if !ok {
		t.Fatal("profits unavailable")
	}

	// 210 / (100 * 2) * (1-0.003)^3
	want := 210.0 / 200.0 * math.Pow(1-0.003, 3)
	if math.Abs(clockwise-want) > 1e-9 {
		t.Errorf("clockwise = %v, want %v", clockwise, want)
	}
	if clockwise <= cfg.Trading.Threshold {
		t.Errorf("clockwise = %v, expected above threshold %v", clockwise, cfg.Trading.Threshold)
	}
}

func TestProfitsBelowThresholdDoesNotClear(t *testing.T) {
	cfg := testConfig()
	arena := book.NewArena(16)
	loadBook(t, arena, "btcusdt", 99, 100)
	loadBook(t, arena, "ethbtc", 1.9, 2)
	loadBook(t, arena, "ethusdt", 190, 191)

	d := NewDetector(cfg, arena, nil)
	clockwise, reverse, ok := d.profits(cfg.Triangles[0])
	if !ok {
		t.Fatal("profits unavailable")
	}
	if clockwise > cfg.Trading.Threshold {
		t.Errorf("clockwise = %v, must not clear threshold", clockwise)
	}
	if reverse > cfg.Trading.Threshold {
		t.Errorf("reverse = %v, must not clear threshold", reverse)
	}
}

func TestProfitsReverseDirection(t *testing.T) {
	cfg := testConfig()
	arena := book.NewArena(16)
	loadBook(t, arena, "btcusdt", 100, 101)
	loadBook(t, arena, "ethbtc", 2.1, 2.2)
	loadBook(t, arena, "ethusdt", 199, 200)

	d := NewDetector(cfg, arena, nil)
	_, reverse, ok := d.profits(cfg.Triangles[0])
	if !ok {
		t.Fatal("profits unavailable")
	}

	// 2.1 * 100 / 200 * (1-0.003)^3
	want := 2.1 * 100.0 / 200.0 * math.Pow(1-0.003, 3)
	if math.Abs(reverse-want) > 1e-9 {
		t.Errorf("reverse = %v, want %v", reverse, want)
	}
}

func TestProfitsSkipsMissingBook(t *testing.T) {
	cfg := testConfig()
	arena := book.NewArena(16)
	loadBook(t, arena, "btcusdt", 99, 100)
	loadBook(t, arena, "ethbtc", 1.9, 2)
	// ethusdt never arrives

	d := NewDetector(cfg, arena, nil)
	if _, _, ok := d.profits(cfg.Triangles[0]); ok {
		t.Fatal("expected profits to be unavailable without all three books")
	}
}

func TestProfitsSkipsStaleBook(t *testing.T) {
	cfg := testConfig()
	arena := book.NewArena(16)
	loadBook(t, arena, "btcusdt", 99, 100)
	loadBook(t, arena, "ethbtc", 1.9, 2)
	loadBook(t, arena, "ethusdt", 210, 211)
	arena.MarkStale("ethusdt")

	d := NewDetector(cfg, arena, nil)
	if _, _, ok := d.profits(cfg.Triangles[0]); ok {
		t.Fatal("expected profits to be unavailable with a stale book")
	}
}

// fillGateway fills every limit order immediately at the requested price
// and reports a single quote balance.
type fillGateway struct {
	balance float64
	orders  map[string]*models.Order
	nextID  int
	feeRate float64
}

func newFillGateway(balance float64) *fillGateway {
	return &fillGateway{balance: balance, orders: make(map[string]*models.Order)}
}

func (f *fillGateway) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	return nil, nil
}

func (f *fillGateway) Balances(ctx context.Context, accountID string) ([]models.Balance, error) {
	return []models.Balance{{Currency: "usdt", Available: f.balance}}, nil
}

func (f *fillGateway) PlaceOrder(ctx context.Context, symbol string, side models.Side, kind models.Kind, price, quantity float64) (string, error) {
	f.nextID++
	id := fmt.Sprintf("%d", f.nextID)
	ord := &models.Order{
		ID:       id,
		Symbol:   symbol,
		Side:     side,
		Kind:     kind,
		Price:    price,
		Quantity: quantity,
		State:    models.StateFilled,
	}
	ord.FilledQuantity = quantity
	ord.FilledCash = price * quantity
	if side == models.SideBuy {
		ord.FilledFees = quantity * f.feeRate
	} else {
		ord.FilledFees = ord.FilledCash * f.feeRate
	}
	f.orders[id] = ord
	return id, nil
}

func (f *fillGateway) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return f.orders[orderID], nil
}

func (f *fillGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return false, nil
}

// partialGateway fills a fixed base amount of the limit leg, flips it to
// partial-canceled once the cancel lands, and fills the market remainder
// at its own price. Market buys are sized in quote spend, matching the
// venue contract.
type partialGateway struct {
	limitFill   float64
	marketPrice float64
	feeRate     float64

	nextID int
	limit  *models.Order
	market *models.Order
}

func (p *partialGateway) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	return nil, nil
}

func (p *partialGateway) Balances(ctx context.Context, accountID string) ([]models.Balance, error) {
	return []models.Balance{{Currency: "usdt", Available: 1e6}}, nil
}

func (p *partialGateway) PlaceOrder(ctx context.Context, symbol string, side models.Side, kind models.Kind, price, quantity float64) (string, error) {
	p.nextID++
	id := fmt.Sprintf("%d", p.nextID)
	ord := &models.Order{ID: id, Symbol: symbol, Side: side, Kind: kind, Price: price, Quantity: quantity}
	if kind == models.KindLimit {
		ord.State = models.StatePartialFilled
		ord.FilledQuantity = p.limitFill
		ord.FilledCash = p.limitFill * price
		p.applyFee(ord)
		p.limit = ord
	} else {
		filled := quantity
		if side == models.SideBuy {
			filled = quantity / p.marketPrice
		}
		ord.State = models.StateFilled
		ord.FilledQuantity = filled
		ord.FilledCash = filled * p.marketPrice
		p.applyFee(ord)
		p.market = ord
	}
	return id, nil
}

func (p *partialGateway) applyFee(ord *models.Order) {
	if ord.Side == models.SideBuy {
		ord.FilledFees = ord.FilledQuantity * p.feeRate
	} else {
		ord.FilledFees = ord.FilledCash * p.feeRate
	}
}

func (p *partialGateway) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if p.market != nil && p.market.ID == orderID {
		return p.market, nil
	}
	return p.limit, nil
}

func (p *partialGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	p.limit.State = models.StatePartialCanceled
	return true, nil
}

func TestRunLegMarketsBuyRemainderInQuote(t *testing.T) {
	cfg := testConfig()
	gw := &partialGateway{limitFill: 0.2, marketPrice: 2.5, feeRate: 0.01}
	mgr := trader.NewManager(cfg, gw)
	exec := NewExecutor(cfg, book.NewArena(16), mgr, gw, nil)

	out, err := exec.runLeg(context.Background(), "ethbtc", models.SideBuy, 2, 0.5, 20*time.Millisecond, true)
	if err != nil {
		t.Fatalf("runLeg: %v", err)
	}

	if gw.market == nil || gw.market.Kind != models.KindMarket {
		t.Fatal("expected a market order for the unfilled remainder")
	}
	// the 0.3 base remainder buys its worth of quote at the limit price
	if q := gw.market.Quantity; math.Abs(q-0.6) > 1e-9 {
		t.Errorf("market quantity = %v, want 0.6 quote", q)
	}

	// 0.2 @ 2 from the limit fill plus 0.6 quote / 2.5 = 0.24 from the market
	if math.Abs(out.result.Quantity-0.44) > 1e-9 {
		t.Errorf("combined quantity = %v, want 0.44", out.result.Quantity)
	}
	if math.Abs(out.result.Price-1.0/0.44) > 1e-9 {
		t.Errorf("combined price = %v, want volume-weighted %v", out.result.Price, 1.0/0.44)
	}
	if math.Abs(out.result.Cash-1.0) > 1e-9 {
		t.Errorf("combined cash = %v, want 1", out.result.Cash)
	}
	if math.Abs(out.result.Fees-0.0044) > 1e-9 {
		t.Errorf("combined fees = %v, want 0.0044", out.result.Fees)
	}
	if math.Abs(out.netBase-0.4356) > 1e-9 {
		t.Errorf("net base = %v, want combined quantity minus fees", out.netBase)
	}
}

func TestRunLegMarketsSellRemainderInBase(t *testing.T) {
	cfg := testConfig()
	gw := &partialGateway{limitFill: 0.2, marketPrice: 205, feeRate: 0.01}
	mgr := trader.NewManager(cfg, gw)
	exec := NewExecutor(cfg, book.NewArena(16), mgr, gw, nil)

	out, err := exec.runLeg(context.Background(), "ethusdt", models.SideSell, 210, 0.5, 20*time.Millisecond, true)
	if err != nil {
		t.Fatalf("runLeg: %v", err)
	}

	if gw.market == nil || gw.market.Kind != models.KindMarket {
		t.Fatal("expected a market order for the unfilled remainder")
	}
	if q := gw.market.Quantity; math.Abs(q-0.3) > 1e-9 {
		t.Errorf("market quantity = %v, want 0.3 base", q)
	}

	if math.Abs(out.result.Quantity-0.5) > 1e-9 {
		t.Errorf("combined quantity = %v, want 0.5", out.result.Quantity)
	}
	// 42 usdt from the limit fill plus 0.3 * 205 = 61.5 from the market,
	// fees netted from the quote proceeds on sells
	if math.Abs(out.result.Cash-103.5) > 1e-9 {
		t.Errorf("combined cash = %v, want 103.5", out.result.Cash)
	}
	if math.Abs(out.netCash-102.465) > 1e-9 {
		t.Errorf("net cash = %v, want proceeds minus fees", out.netCash)
	}
	if math.Abs(out.netBase-0.5) > 1e-9 {
		t.Errorf("net base = %v, want full combined quantity", out.netBase)
	}
}

type captureJournal struct {
	attempts []*models.Attempt
}

func (c *captureJournal) Record(attempt *models.Attempt) {
	c.attempts = append(c.attempts, attempt)
}

func TestExecuteClockwiseCompletes(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.FeeRate = 0 // isolate the leg arithmetic

	arena := book.NewArena(16)
	loadBook(t, arena, "btcusdt", 99, 100)
	loadBook(t, arena, "ethbtc", 1.9, 2)
	loadBook(t, arena, "ethusdt", 210, 211)

	gw := newFillGateway(1000)
	mgr := trader.NewManager(cfg, gw)
	journal := &captureJournal{}
	exec := NewExecutor(cfg, arena, mgr, gw, journal)

	exec.Execute(context.Background(), cfg.Triangles[0], models.DirectionClockwise, 1.05)

	if len(journal.attempts) != 1 {
		t.Fatalf("journaled attempts = %d, want 1", len(journal.attempts))
	}
	attempt := journal.attempts[0]
	if attempt.Status != models.AttemptCompleted {
		t.Fatalf("status = %s (%s), want completed", attempt.Status, attempt.Reason)
	}
	if len(attempt.Legs) != 3 {
		t.Fatalf("legs = %d, want 3", len(attempt.Legs))
	}

	// 100 usdt -> 1 btc -> 0.5 eth -> 105 usdt
	if math.Abs(attempt.FinalQuote-105) > 1e-9 {
		t.Errorf("final quote = %v, want 105", attempt.FinalQuote)
	}
	if math.Abs(attempt.ProfitRatio-1.05) > 1e-9 {
		t.Errorf("profit ratio = %v, want 1.05", attempt.ProfitRatio)
	}
	if attempt.Legs[0].Side != models.SideBuy || attempt.Legs[2].Side != models.SideSell {
		t.Errorf("unexpected leg sides: %+v", attempt.Legs)
	}
}

func TestExecuteAbortsOnInsufficientBalance(t *testing.T) {
	cfg := testConfig()

	arena := book.NewArena(16)
	loadBook(t, arena, "btcusdt", 99, 100)
	loadBook(t, arena, "ethbtc", 1.9, 2)
	loadBook(t, arena, "ethusdt", 210, 211)

	gw := newFillGateway(10) // below the configured capital
	mgr := trader.NewManager(cfg, gw)
	journal := &captureJournal{}
	exec := NewExecutor(cfg, arena, mgr, gw, journal)

	exec.Execute(context.Background(), cfg.Triangles[0], models.DirectionClockwise, 1.05)

	if len(journal.attempts) != 1 {
		t.Fatalf("journaled attempts = %d, want 1", len(journal.attempts))
	}
	attempt := journal.attempts[0]
	if attempt.Status != models.AttemptAborted {
		t.Fatalf("status = %s, want aborted", attempt.Status)
	}
	if len(attempt.Legs) != 0 {
		t.Errorf("no orders should have been placed, got %d legs", len(attempt.Legs))
	}
}

func TestDispatchGuardsInflightTriangle(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.Enabled = false // dispatch logs and releases without executing

	arena := book.NewArena(16)
	d := NewDetector(cfg, arena, nil)

	tri := cfg.Triangles[0]
	guard := d.inflight[tri.Name]
	guard.Store(true)
	d.dispatch(tri, models.DirectionClockwise, 1.05) // must return without touching the executor

	if !guard.Load() {
		t.Fatal("dispatch on a busy triangle must not release the guard")
	}
}
