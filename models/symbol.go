package models

// Symbol describes one tradable pair and its declared precisions. Symbols
// are loaded once at startup and never mutated afterwards; all components
// share the same table keyed by the canonical symbol string.
type Symbol struct {
	Name              string `json:"name" yaml:"name"`
	BaseCurrency      string `json:"base_currency" yaml:"base_currency"`
	QuoteCurrency     string `json:"quote_currency" yaml:"quote_currency"`
	PricePrecision    int32  `json:"price_precision" yaml:"price_precision"`
	QuantityPrecision int32  `json:"quantity_precision" yaml:"quantity_precision"`
}

// SymbolTable is an immutable lookup of symbols by canonical name.
type SymbolTable map[string]Symbol

// Get looks up a symbol by canonical name.
func (t SymbolTable) Get(name string) (Symbol, bool) {
	s, ok := t[name]
	return s, ok
}

// Balance is one currency position of a trading account.
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Frozen    float64 `json:"frozen"`
}
