package models

import "time"

// BookLevel represents a single price level of resting liquidity.
type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BookSnapshot is an immutable depth view for one symbol. Bids are sorted
// strictly descending by price, asks strictly ascending, no duplicate price
// per side. Snapshots are published by reference swap and must never be
// mutated after publication; writers build a fresh one instead.
type BookSnapshot struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	UpdateID  int64       `json:"update_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the highest bid level. ok is false when the side is empty.
func (s *BookSnapshot) BestBid() (BookLevel, bool) {
	if s == nil || len(s.Bids) == 0 {
		return BookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level. ok is false when the side is empty.
func (s *BookSnapshot) BestAsk() (BookLevel, bool) {
	if s == nil || len(s.Asks) == 0 {
		return BookLevel{}, false
	}
	return s.Asks[0], true
}

// Bid returns the bid level at the given depth index (0 = best).
func (s *BookSnapshot) Bid(depth int) (BookLevel, bool) {
	if s == nil || depth < 0 || depth >= len(s.Bids) {
		return BookLevel{}, false
	}
	return s.Bids[depth], true
}

// Ask returns the ask level at the given depth index (0 = best).
func (s *BookSnapshot) Ask(depth int) (BookLevel, bool) {
	if s == nil || depth < 0 || depth >= len(s.Asks) {
		return BookLevel{}, false
	}
	return s.Asks[depth], true
}

// DepthDiff is a normalized incremental order book update. A quantity of
// exactly zero deletes the level at that price; any other quantity upserts
// it. FirstUpdateID/FinalUpdateID bound the update id range covered by the
// diff; venues that sequence per message set both to the same value.
type DepthDiff struct {
	Exchange      string      `json:"exchange"`
	Symbol        string      `json:"symbol"`
	FirstUpdateID int64       `json:"first_update_id"`
	FinalUpdateID int64       `json:"final_update_id"`
	Bids          []BookLevel `json:"bids"`
	Asks          []BookLevel `json:"asks"`
	EventTime     int64       `json:"event_time"`
}
