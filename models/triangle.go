package models

import "time"

// Direction selects which way around a triangle an attempt trades.
type Direction string

const (
	// DirectionClockwise buys the source, buys the middle, sells the last.
	DirectionClockwise Direction = "clockwise"
	// DirectionReverse buys the last, sells the middle, sells the source.
	DirectionReverse Direction = "reverse"
)

// Triangle is an ordered chain of three symbols such that trading
// source -> middle -> last cycles back to exactly the starting quote
// currency. RateFactor normalizes the last leg's price for cross-listed
// configurations; it is 1 for same-venue triangles.
type Triangle struct {
	Name       string  `yaml:"name"`
	Source     string  `yaml:"source"`
	Middle     string  `yaml:"middle"`
	Last       string  `yaml:"last"`
	RateFactor float64 `yaml:"rate_factor"`
}

// Symbols returns the three symbols in leg order.
func (t Triangle) Symbols() [3]string {
	return [3]string{t.Source, t.Middle, t.Last}
}

// Contains reports whether the triangle trades the given symbol.
func (t Triangle) Contains(symbol string) bool {
	return t.Source == symbol || t.Middle == symbol || t.Last == symbol
}

// AttemptStatus is the terminal disposition of one arbitrage attempt.
type AttemptStatus string

const (
	AttemptCompleted AttemptStatus = "completed"
	AttemptAborted   AttemptStatus = "aborted"
)

// LegResult captures the realized outcome of one executed leg, combining
// the limit fill and any market fallback fill.
type LegResult struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Cash     float64 `json:"cash"`
	Fees     float64 `json:"fees"`
}

// Attempt is the bookkeeping for one triangle execution. It lives only for
// the duration of the attempt; nothing survives a process restart.
type Attempt struct {
	ID          string        `json:"id"`
	Triangle    string        `json:"triangle"`
	Direction   Direction     `json:"direction"`
	Capital     float64       `json:"capital"`
	Expected    float64       `json:"expected"`
	Legs        []LegResult   `json:"legs"`
	FinalQuote  float64       `json:"final_quote"`
	ProfitRatio float64       `json:"profit_ratio"`
	Status      AttemptStatus `json:"status"`
	Reason      string        `json:"reason"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}
