// Package kucoin streams level2 depth changes from the KuCoin futures
// websocket. The venue sequences per message, so every change event maps to
// a diff whose first and final update ids are the same sequence number.
package kucoin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	kumex "github.com/Kucoin/kucoin-futures-go-sdk"

	appconfig "arbiflow/config"
	"arbiflow/book"
	"arbiflow/internal/symbols"
	"arbiflow/logger"
	"arbiflow/models"
)

// Reader subscribes to level2 streams for the configured symbols. Config
// lists canonical symbols; conversion to the venue's contract form happens
// at the topic and snapshot boundaries.
type Reader struct {
	config  *appconfig.Config
	service *kumex.ApiService
	arena   *book.Arena
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	symbols []string
	resync  chan string
}

// NewReader creates a kucoin depth reader.
func NewReader(cfg *appconfig.Config, arena *book.Arena) *Reader {
	baseURL := cfg.Source.Kucoin.URL
	if parsed, err := url.Parse(baseURL); err == nil && parsed.Host != "" {
		baseURL = fmt.Sprintf("https://%s", parsed.Host)
	}

	return &Reader{
		config:  cfg,
		service: kumex.NewApiService(kumex.ApiBaseURIOption(baseURL)),
		arena:   arena,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		symbols: cfg.Source.Kucoin.Symbols,
		resync:  make(chan string, len(cfg.Source.Kucoin.Symbols)+1),
	}
}

// Start subscribes to level2 streams for configured symbols.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("kucoin reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Kucoin
	log := r.log.WithComponent("kucoin_reader").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("kucoin depth stream is disabled")
		return fmt.Errorf("kucoin depth stream is disabled")
	}

	log.WithFields(logger.Fields{"symbols": r.symbols}).Info("starting kucoin reader")

	r.wg.Add(1)
	go r.resyncWorker()

	r.wg.Add(1)
	go r.stream(r.symbols)

	log.Info("kucoin reader started successfully")
	return nil
}

// Stop terminates all websocket subscriptions.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("kucoin_reader").Info("stopping kucoin reader")
	r.wg.Wait()
	r.log.WithComponent("kucoin_reader").Info("kucoin reader stopped")
}

func (r *Reader) stream(symbolList []string) {
	defer r.wg.Done()

	log := r.log.WithComponent("kucoin_reader").WithFields(logger.Fields{"worker": "depth_stream"})

	reconnectDelay := r.config.Source.Kucoin.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		rsp, err := r.service.WebSocketPublicToken()
		if err != nil {
			log.WithError(err).Warn("failed to get websocket token")
			time.Sleep(reconnectDelay)
			continue
		}

		tk := &kumex.WebSocketTokenModel{}
		if err := rsp.ReadData(tk); err != nil {
			log.WithError(err).Warn("failed to read websocket token")
			time.Sleep(reconnectDelay)
			continue
		}

		c := r.service.NewWebSocketClient(tk)
		mc, ec, err := c.Connect()
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket")
			time.Sleep(reconnectDelay)
			continue
		}

		topics := make([]string, len(symbolList))
		for i, symbol := range symbolList {
			topic := topicFor(symbol)
			topics[i] = topic
			sub := kumex.NewSubscribeMessage(topic, false)
			if err := c.Subscribe(sub); err != nil {
				log.WithFields(logger.Fields{"topic": topic}).WithError(err).Warn("failed to subscribe")
			}
		}

		log.WithFields(logger.Fields{"topics": topics}).Info("subscribed to topics")

		for _, symbol := range symbolList {
			r.requestResync(symbol)
		}

		// message loop
		for {
			select {
			case <-r.ctx.Done():
				c.Stop()
				return
			case err := <-ec:
				if err != nil {
					log.WithError(err).Warn("websocket error")
				}
				c.Stop()
				r.markAllStale()
				time.Sleep(reconnectDelay)
				goto reconnect
			case msg, ok := <-mc:
				if !ok {
					c.Stop()
					r.markAllStale()
					time.Sleep(reconnectDelay)
					goto reconnect
				}
				var data struct {
					Sequence  int64  `json:"sequence"`
					Symbol    string `json:"symbol"`
					Timestamp int64  `json:"timestamp"`
					Changes   struct {
						Bids [][]string `json:"bids"`
						Asks [][]string `json:"asks"`
					} `json:"changes"`
				}
				if err := msg.ReadData(&data); err != nil {
					log.WithError(err).Warn("failed to read level2 data")
					continue
				}

				diff := models.DepthDiff{
					Exchange:      "kucoin",
					Symbol:        symbols.ToCanonical("kucoin", data.Symbol),
					FirstUpdateID: data.Sequence,
					FinalUpdateID: data.Sequence,
					Bids:          parseRows(data.Changes.Bids),
					Asks:          parseRows(data.Changes.Asks),
					EventTime:     data.Timestamp,
				}

				if err := r.arena.ApplyDiff(diff); err != nil {
					if errors.Is(err, book.ErrStale) {
						r.requestResync(diff.Symbol)
						continue
					}
					log.WithError(err).Warn("failed to apply depth diff")
				}
			}
		}

	reconnect:
		if r.ctx.Err() != nil {
			return
		}
		log.Warn("kucoin websocket disconnected, reconnecting")
	}
}

func (r *Reader) markAllStale() {
	for _, symbol := range r.symbols {
		r.arena.MarkStale(symbol)
	}
}

// topicFor builds the level2 topic for a canonical symbol in the venue's
// futures contract form.
func topicFor(symbol string) string {
	return fmt.Sprintf("/contractMarket/level2:%s", symbols.ToKucoin(symbol))
}

func (r *Reader) requestResync(symbol string) {
	select {
	case r.resync <- symbol:
	default:
	}
}

// resyncWorker refetches a full level2 snapshot for any symbol whose book
// lost sequence continuity.
func (r *Reader) resyncWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("kucoin_reader").WithFields(logger.Fields{"worker": "resync"})

	for {
		select {
		case <-r.ctx.Done():
			return
		case symbol := <-r.resync:
			if err := r.fetchSnapshot(symbol); err != nil {
				log.WithFields(logger.Fields{"symbol": symbol}).WithError(err).Warn("snapshot refetch failed")
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
	rsp, err := r.service.Level2Snapshot(symbols.ToKucoin(symbol))
	if err != nil {
		return fmt.Errorf("level2 snapshot: %w", err)
	}

	var data struct {
		Symbol   string      `json:"symbol"`
		Sequence int64       `json:"sequence"`
		Bids     [][]float64 `json:"bids"`
		Asks     [][]float64 `json:"asks"`
	}
	if err := rsp.ReadData(&data); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	snap := &models.BookSnapshot{
		Exchange:  "kucoin",
		Symbol:    symbol,
		Bids:      toLevels(data.Bids),
		Asks:      toLevels(data.Asks),
		UpdateID:  data.Sequence,
		Timestamp: time.Now(),
	}
	r.arena.ApplyReplace(snap)
	return nil
}

func parseRows(rows [][]string) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(row[0], 64)
		qty, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, models.BookLevel{Price: price, Quantity: qty})
	}
	return levels
}

func toLevels(rows [][]float64) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		levels = append(levels, models.BookLevel{Price: row[0], Quantity: row[1]})
	}
	return levels
}
