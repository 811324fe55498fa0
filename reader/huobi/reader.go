// Package huobi streams market depth over the exchange websocket. Payloads
// arrive gzip-compressed; the server probes liveness with {"ping": n}
// messages that must be echoed back as {"pong": n}. Depth messages carry
// the complete bid/ask arrays, so the book runs in full-replace mode.
package huobi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "arbiflow/config"
	"arbiflow/book"
	"arbiflow/internal/symbols"
	"arbiflow/logger"
	"arbiflow/models"
)

// Reader subscribes to depth topics for the configured symbols and feeds
// full snapshots into the arena. It reconnects on any failure without
// external supervision.
type Reader struct {
	config  *appconfig.Config
	arena   *book.Arena
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	symbols []string
}

// NewReader creates a huobi depth reader for the configured symbols.
func NewReader(cfg *appconfig.Config, arena *book.Arena) *Reader {
	return &Reader{
		config:  cfg,
		arena:   arena,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		symbols: cfg.Source.Huobi.Symbols,
	}
}

// Start launches the stream worker.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("huobi reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Huobi
	log := r.log.WithComponent("huobi_reader").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("huobi depth stream is disabled")
		return fmt.Errorf("huobi depth stream is disabled")
	}

	log.WithFields(logger.Fields{"symbols": r.symbols, "url": cfg.URL}).Info("starting huobi reader")

	r.wg.Add(1)
	go r.stream()

	log.Info("huobi reader started successfully")
	return nil
}

// Stop terminates the websocket subscription.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("huobi_reader").Info("stopping huobi reader")
	r.wg.Wait()
	r.log.WithComponent("huobi_reader").Info("huobi reader stopped")
}

func (r *Reader) stream() {
	defer r.wg.Done()

	cfg := r.config.Source.Huobi
	log := r.log.WithComponent("huobi_reader").WithFields(logger.Fields{"worker": "depth_stream"})

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		if err := r.runConnection(log); err != nil {
			log.WithError(err).Warn("huobi websocket disconnected, reconnecting")
		}
		// a broken stream leaves the held snapshots untrusted
		for _, sym := range r.symbols {
			r.arena.MarkStale(symbols.ToCanonical("huobi", sym))
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// runConnection dials, subscribes and pumps messages until the connection
// breaks or the context is canceled.
func (r *Reader) runConnection(log *logger.Entry) error {
	cfg := r.config.Source.Huobi

	conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// The watcher unblocks ReadMessage on shutdown and exits with this
	// connection so reconnect cycles do not accumulate goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	step := cfg.DepthStep
	if step == "" {
		step = "step0"
	}

	for _, sym := range r.symbols {
		sub := subscribeMessage{
			Sub: fmt.Sprintf("market.%s.depth.%s", sym, step),
			ID:  sym,
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}
	log.WithFields(logger.Fields{"topics": len(r.symbols)}).Info("subscribed to depth topics")

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		payload, err := decodePayload(msgType, raw)
		if err != nil {
			log.WithError(err).Warn("failed to decompress payload")
			continue
		}

		if ping, ok := parsePing(payload); ok {
			if err := conn.WriteJSON(pongMessage{Pong: ping}); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
			continue
		}

		snap, ok, err := parseDepth(payload)
		if err != nil {
			log.WithError(err).Warn("failed to parse depth message")
			continue
		}
		if !ok {
			// subscription acks and status messages
			continue
		}

		r.arena.ApplyReplace(snap)
	}
}

type subscribeMessage struct {
	Sub string `json:"sub"`
	ID  string `json:"id"`
}

type pongMessage struct {
	Pong int64 `json:"pong"`
}

type depthMessage struct {
	Ch   string `json:"ch"`
	Ts   int64  `json:"ts"`
	Tick struct {
		Bids    [][2]float64 `json:"bids"`
		Asks    [][2]float64 `json:"asks"`
		Version int64        `json:"version"`
		Ts      int64        `json:"ts"`
	} `json:"tick"`
}

// decodePayload unwraps the gzip framing used on binary messages. Text
// frames pass through untouched.
func decodePayload(msgType int, raw []byte) ([]byte, error) {
	if msgType != websocket.BinaryMessage {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

// parsePing extracts the keepalive token from a liveness probe.
func parsePing(payload []byte) (int64, bool) {
	var probe struct {
		Ping int64 `json:"ping"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Ping == 0 {
		return 0, false
	}
	return probe.Ping, true
}

// parseDepth converts a depth broadcast into a book snapshot. ok is false
// for non-depth messages such as subscription acks.
func parseDepth(payload []byte) (*models.BookSnapshot, bool, error) {
	var msg depthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, false, err
	}
	if !strings.HasPrefix(msg.Ch, "market.") || !strings.Contains(msg.Ch, ".depth.") {
		return nil, false, nil
	}

	parts := strings.Split(msg.Ch, ".")
	if len(parts) < 4 {
		return nil, false, fmt.Errorf("malformed channel %q", msg.Ch)
	}
	symbol := symbols.ToCanonical("huobi", parts[1])

	updateID := msg.Tick.Version
	if updateID == 0 {
		updateID = msg.Tick.Ts
	}
	if updateID == 0 {
		updateID = msg.Ts
	}

	snap := &models.BookSnapshot{
		Exchange:  "huobi",
		Symbol:    symbol,
		Bids:      toLevels(msg.Tick.Bids),
		Asks:      toLevels(msg.Tick.Asks),
		UpdateID:  updateID,
		Timestamp: time.Now(),
	}
	return snap, true, nil
}

func toLevels(pairs [][2]float64) []models.BookLevel {
	levels := make([]models.BookLevel, 0, len(pairs))
	for _, p := range pairs {
		levels = append(levels, models.BookLevel{Price: p[0], Quantity: p[1]})
	}
	return levels
}
