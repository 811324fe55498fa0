// Package binance streams incremental depth diffs and keeps the book in
// diff-replication mode. Sequence gaps mark the book stale; a resync worker
// then fetches a fresh REST snapshot before any further diff is trusted.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"

	appconfig "arbiflow/config"
	"arbiflow/book"
	"arbiflow/internal/symbols"
	"arbiflow/logger"
	"arbiflow/models"
)

// Reader subscribes to the diff depth stream per configured symbol and
// applies updates to the arena.
type Reader struct {
	config  *appconfig.Config
	client  *binance.Client
	arena   *book.Arena
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	symbols []string
	resync  chan string
}

// NewReader creates a binance diff reader using the binance-go client.
func NewReader(cfg *appconfig.Config, arena *book.Arena) *Reader {
	client := binance.NewClient("", "")
	if cfg.Source.Binance.URL != "" {
		if parsed, err := url.Parse(cfg.Source.Binance.URL); err == nil {
			client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}

	return &Reader{
		config:  cfg,
		client:  client,
		arena:   arena,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		symbols: cfg.Source.Binance.Symbols,
		resync:  make(chan string, len(cfg.Source.Binance.Symbols)+1),
	}
}

// Start subscribes to diff depth streams for configured symbols.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Binance
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("binance depth stream is disabled")
		return fmt.Errorf("binance depth stream is disabled")
	}

	log.WithFields(logger.Fields{"symbols": r.symbols}).Info("starting binance reader")

	r.wg.Add(1)
	go r.resyncWorker()

	for _, symbol := range r.symbols {
		r.wg.Add(1)
		go r.streamSymbol(symbol)
	}

	log.Info("binance reader started successfully")
	return nil
}

// Stop terminates all websocket subscriptions.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_reader").Info("stopping binance reader")
	r.wg.Wait()
	r.log.WithComponent("binance_reader").Info("binance reader stopped")
}

func (r *Reader) streamSymbol(symbol string) {
	defer r.wg.Done()

	canonical := symbols.ToCanonical("binance", symbol)
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbol": canonical,
		"worker": "depth_stream",
	})

	reconnectDelay := r.config.Source.Binance.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}

	handler := func(event *binance.WsDepthEvent) {
		diff := models.DepthDiff{
			Exchange:      "binance",
			Symbol:        canonical,
			FirstUpdateID: event.FirstUpdateID,
			FinalUpdateID: event.LastUpdateID,
			Bids:          parseLevels(event.Bids),
			Asks:          parseLevels(event.Asks),
			EventTime:     event.Time,
		}
		if err := r.arena.ApplyDiff(diff); err != nil {
			if errors.Is(err, book.ErrStale) {
				r.requestResync(canonical)
				return
			}
			log.WithError(err).Warn("failed to apply depth diff")
		}
	}

	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		doneC, stopC, err := binance.WsDepthServe(symbols.ToBinance(canonical), handler, errHandler)
		if err != nil {
			log.WithError(err).Warn("failed to open depth stream")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		// prime the baseline snapshot for the fresh stream
		r.requestResync(canonical)

		select {
		case <-r.ctx.Done():
			close(stopC)
			return
		case <-doneC:
			r.arena.MarkStale(canonical)
			log.Warn("binance websocket disconnected, reconnecting")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

func (r *Reader) requestResync(symbol string) {
	select {
	case r.resync <- symbol:
	default:
		// a resync for this cycle is already queued
	}
}

// resyncWorker serves snapshot refetches whenever a book loses sequence
// continuity. Diffs for the symbol stay rejected until the fetched
// snapshot is published.
func (r *Reader) resyncWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"worker": "resync"})

	for {
		select {
		case <-r.ctx.Done():
			return
		case symbol := <-r.resync:
			if err := r.fetchSnapshot(symbol); err != nil {
				log.WithFields(logger.Fields{"symbol": symbol}).WithError(err).Warn("snapshot refetch failed")
				// keep the book stale and try again shortly
				go func(sym string) {
					select {
					case <-r.ctx.Done():
					case <-time.After(time.Second):
						r.requestResync(sym)
					}
				}(symbol)
				continue
			}
			log.WithFields(logger.Fields{"symbol": symbol}).Info("book resynced from snapshot")
		}
	}
}

func (r *Reader) fetchSnapshot(symbol string) error {
	depth := r.config.Source.Binance.SnapshotDepth
	if depth <= 0 {
		depth = 100
	}

	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()

	res, err := r.client.NewDepthService().
		Symbol(symbols.ToBinance(symbol)).
		Limit(depth).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("depth service: %w", err)
	}

	snap := &models.BookSnapshot{
		Exchange:  "binance",
		Symbol:    symbol,
		Bids:      parseLevels(res.Bids),
		Asks:      parseLevels(res.Asks),
		UpdateID:  res.LastUpdateID,
		Timestamp: time.Now(),
	}
	r.arena.ApplyReplace(snap)
	return nil
}

// parseLevels converts venue price levels. Bid and Ask both alias
// common.PriceLevel, so one signature covers both sides.
func parseLevels(rows []binance.Bid) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		price, err1 := strconv.ParseFloat(row.Price, 64)
		qty, err2 := strconv.ParseFloat(row.Quantity, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, models.BookLevel{Price: price, Quantity: qty})
	}
	return levels
}
