package binance

import (
	"testing"

	binance "github.com/adshao/go-binance/v2"
)

func TestParseLevels(t *testing.T) {
	rows := []binance.Bid{
		{Price: "50000.5", Quantity: "1.2"},
		{Price: "not-a-number", Quantity: "1"},
		{Price: "49999.0", Quantity: "0"},
	}

	levels := parseLevels(rows)
	if len(levels) != 2 {
		t.Fatalf("levels = %d, want 2 (junk row dropped)", len(levels))
	}
	if levels[0].Price != 50000.5 || levels[0].Quantity != 1.2 {
		t.Errorf("first level = %+v", levels[0])
	}
	// zero quantity rows survive parsing, they delete levels downstream
	if levels[1].Price != 49999.0 || levels[1].Quantity != 0 {
		t.Errorf("delete level = %+v", levels[1])
	}
}
