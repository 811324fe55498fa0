package symbols

import "strings"

// ToCanonical converts an exchange-specific symbol to the canonical key used
// throughout the engine: lower-case base+quote with no separators, e.g.
// "btcusdt". Supported exchanges: huobi, binance, kucoin.
func ToCanonical(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "binance":
		// already BASEQUOTE, just case
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(strings.ToUpper(sym), "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "huobi":
		// huobi symbols are already lower-case concatenated
	}
	return strings.ToLower(sym)
}

// ToKucoin converts a canonical symbol to KuCoin futures form, e.g.
// "btcusdt" -> "XBTUSDTM".
func ToKucoin(sym string) string {
	sym = strings.ToUpper(sym)
	if strings.HasPrefix(sym, "BTC") {
		sym = "XBT" + sym[3:]
	}
	return sym + "M"
}

// ToBinance converts a canonical symbol to Binance form, e.g.
// "btcusdt" -> "BTCUSDT".
func ToBinance(sym string) string {
	return strings.ToUpper(sym)
}
