// Package arbitrage detects triangular price dislocations across the
// replicated order books and executes them as three sequential legs.
package arbitrage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	appconfig "arbiflow/config"
	"arbiflow/book"
	"arbiflow/logger"
	"arbiflow/models"
)

// rescanInterval bounds detection staleness when book updates go quiet.
const rescanInterval = 2 * time.Second

// Detector watches book updates and evaluates every triangle touching the
// changed symbol. An attempt dispatches at most once per triangle at a
// time; evaluation continues for other triangles while one executes.
type Detector struct {
	config   *appconfig.Config
	arena    *book.Arena
	executor *Executor

	bySymbol map[string][]models.Triangle
	inflight map[string]*atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewDetector builds a detector over the configured triangles.
func NewDetector(cfg *appconfig.Config, arena *book.Arena, executor *Executor) *Detector {
	bySymbol := make(map[string][]models.Triangle)
	inflight := make(map[string]*atomic.Bool, len(cfg.Triangles))
	for _, tri := range cfg.Triangles {
		inflight[tri.Name] = &atomic.Bool{}
		for _, sym := range tri.Symbols() {
			bySymbol[sym] = append(bySymbol[sym], tri)
		}
	}
	return &Detector{
		config:   cfg,
		arena:    arena,
		executor: executor,
		bySymbol: bySymbol,
		inflight: inflight,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	d.wg.Add(1)
	go d.run()

	d.log.WithComponent("detector").WithFields(logger.Fields{
		"triangles": len(d.config.Triangles),
		"threshold": d.config.Trading.Threshold,
	}).Info("detector started")
	return nil
}

func (d *Detector) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}

	d.cancel()
	d.wg.Wait()
	d.running = false

	d.log.WithComponent("detector").Info("detector stopped")
	return nil
}

// run consumes book update notifications and periodically rescans every
// triangle so quiet markets still get re-evaluated.
func (d *Detector) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case symbol := <-d.arena.Updates():
			for _, tri := range d.bySymbol[symbol] {
				d.evaluate(tri)
			}
		case <-ticker.C:
			for _, tri := range d.config.Triangles {
				d.evaluate(tri)
			}
		}
	}
}

// evaluate computes both directions' profit ratios for one triangle and
// dispatches an attempt when one clears the threshold. Triangles with a
// missing, stale or shallow book are skipped silently; they come back on
// the next update.
func (d *Detector) evaluate(tri models.Triangle) {
	clockwise, reverse, ok := d.profits(tri)
	if !ok {
		return
	}

	threshold := d.config.Trading.Threshold
	switch {
	case clockwise > threshold:
		d.dispatch(tri, models.DirectionClockwise, clockwise)
	case reverse > threshold:
		d.dispatch(tri, models.DirectionReverse, reverse)
	}
}

// profits returns the expected multiple on capital for each direction,
// after slippage and three legs of commission.
func (d *Detector) profits(tri models.Triangle) (float64, float64, bool) {
	trading := d.config.Trading
	depth := trading.DepthIndex

	src, ok := d.arena.Snapshot(tri.Source)
	if !ok {
		return 0, 0, false
	}
	mid, ok := d.arena.Snapshot(tri.Middle)
	if !ok {
		return 0, 0, false
	}
	last, ok := d.arena.Snapshot(tri.Last)
	if !ok {
		return 0, 0, false
	}

	srcBid, ok1 := src.Bid(depth)
	srcAsk, ok2 := src.Ask(depth)
	midBid, ok3 := mid.Bid(depth)
	midAsk, ok4 := mid.Ask(depth)
	lastBid, ok5 := last.Bid(depth)
	lastAsk, ok6 := last.Ask(depth)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return 0, 0, false
	}

	commission := 1 - trading.FeeRate
	factor := commission * commission * commission

	clockwise := (lastBid.Price * trading.SellSlippage * tri.RateFactor) /
		(srcAsk.Price * trading.BuySlippage * midAsk.Price * trading.BuySlippage) * factor
	reverse := (midBid.Price * trading.SellSlippage * srcBid.Price * trading.SellSlippage) /
		(lastAsk.Price * trading.BuySlippage * tri.RateFactor) * factor
	return clockwise, reverse, true
}

// dispatch starts one attempt for the triangle unless one is already in
// flight. Detection never blocks on execution.
func (d *Detector) dispatch(tri models.Triangle, direction models.Direction, expected float64) {
	guard := d.inflight[tri.Name]
	if !guard.CompareAndSwap(false, true) {
		return
	}

	log := d.log.WithComponent("detector").WithFields(logger.Fields{
		"triangle":  tri.Name,
		"direction": direction,
		"expected":  expected,
	})

	if !d.config.Trading.Enabled {
		guard.Store(false)
		log.Info("opportunity detected, trading disabled")
		return
	}
	log.Info("opportunity detected")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer guard.Store(false)
		d.executor.Execute(d.ctx, tri, direction, expected)
	}()
}
