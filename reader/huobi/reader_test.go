package huobi

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "arbiflow/config"
	"arbiflow/book"
)

func gzipped(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestDecodePayloadUnwrapsGzip(t *testing.T) {
	raw := gzipped(t, `{"ping":123}`)

	out, err := decodePayload(websocket.BinaryMessage, raw)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if string(out) != `{"ping":123}` {
		t.Errorf("payload = %q", out)
	}
}

func TestDecodePayloadPassesTextThrough(t *testing.T) {
	out, err := decodePayload(websocket.TextMessage, []byte(`{"status":"ok"}`))
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if string(out) != `{"status":"ok"}` {
		t.Errorf("payload = %q", out)
	}
}

func TestDecodePayloadRejectsCorruptGzip(t *testing.T) {
	if _, err := decodePayload(websocket.BinaryMessage, []byte("not gzip")); err == nil {
		t.Fatal("expected error for corrupt gzip payload")
	}
}

func TestRunConnectionReleasesWatcherGoroutines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	cfg := &appconfig.Config{}
	cfg.Source.Huobi = appconfig.HuobiSourceConfig{
		Enabled:     true,
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:     []string{"btcusdt"},
		ReadTimeout: 100 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReader(cfg, book.NewArena(4))
	r.ctx = ctx
	log := r.log.WithComponent("huobi_reader")

	before := runtime.NumGoroutine()
	const connections = 40
	for i := 0; i < connections; i++ {
		if err := r.runConnection(log); err == nil {
			t.Fatal("expected dropped connection to surface an error")
		}
	}

	// the per-connection watcher exits shortly after runConnection returns
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("goroutines = %d after %d connections, started with %d",
		runtime.NumGoroutine(), connections, before)
}

func TestParsePing(t *testing.T) {
	n, ok := parsePing([]byte(`{"ping":1693452345}`))
	if !ok || n != 1693452345 {
		t.Errorf("parsePing = %d, %v", n, ok)
	}

	if _, ok := parsePing([]byte(`{"ch":"market.btcusdt.depth.step0"}`)); ok {
		t.Error("non-ping message classified as ping")
	}
}

func TestParseDepth(t *testing.T) {
	payload := []byte(`{
		"ch": "market.btcusdt.depth.step0",
		"ts": 1693452345000,
		"tick": {
			"bids": [[50000.5, 1.2], [50000.0, 3.4]],
			"asks": [[50001.0, 0.5]],
			"version": 987654321,
			"ts": 1693452344990
		}
	}`)

	snap, ok, err := parseDepth(payload)
	if err != nil {
		t.Fatalf("parseDepth: %v", err)
	}
	if !ok {
		t.Fatal("depth message not recognized")
	}
	if snap.Symbol != "btcusdt" || snap.Exchange != "huobi" {
		t.Errorf("identity = %s/%s", snap.Exchange, snap.Symbol)
	}
	if snap.UpdateID != 987654321 {
		t.Errorf("update id = %d, want tick version", snap.UpdateID)
	}
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 50000.5 || snap.Bids[0].Quantity != 1.2 {
		t.Errorf("bids = %v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 50001.0 {
		t.Errorf("asks = %v", snap.Asks)
	}
}

func TestParseDepthFallsBackToTimestamps(t *testing.T) {
	payload := []byte(`{
		"ch": "market.ethusdt.depth.step0",
		"ts": 1693452345000,
		"tick": {"bids": [[210, 1]], "asks": [[211, 1]]}
	}`)

	snap, ok, err := parseDepth(payload)
	if err != nil || !ok {
		t.Fatalf("parseDepth: %v, %v", ok, err)
	}
	if snap.UpdateID != 1693452345000 {
		t.Errorf("update id = %d, want outer ts fallback", snap.UpdateID)
	}
}

func TestParseDepthIgnoresAcks(t *testing.T) {
	_, ok, err := parseDepth([]byte(`{"id":"btcusdt","status":"ok","subbed":"market.btcusdt.depth.step0"}`))
	if err != nil {
		t.Fatalf("parseDepth: %v", err)
	}
	if ok {
		t.Error("subscription ack classified as depth")
	}
}
