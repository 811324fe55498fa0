// Package book maintains the locally replicated order book view. Each
// symbol's depth is held as an immutable snapshot behind an atomic pointer:
// writers build a complete new snapshot and publish it with a single swap,
// readers always observe a fully consistent prior or current view.
package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"arbiflow/logger"
	"arbiflow/models"
)

// ErrStale signals that the replica lost sequence continuity for a symbol.
// No further diff is applied until a fresh full snapshot is accepted.
var ErrStale = errors.New("order book stale")

type state struct {
	mu    sync.Mutex
	snap  atomic.Pointer[models.BookSnapshot]
	stale atomic.Bool
}

// Arena owns one order book per symbol. All mutation goes through
// ApplyReplace/ApplyDiff; callers only ever receive immutable snapshots.
type Arena struct {
	mu      sync.RWMutex
	books   map[string]*state
	updates chan string
	log     *logger.Log
}

// NewArena creates an empty arena. updateBuffer sizes the notification
// channel consumed by the detector; notifications are dropped when the
// consumer falls behind, which is safe because the snapshot itself is
// always current.
func NewArena(updateBuffer int) *Arena {
	if updateBuffer <= 0 {
		updateBuffer = 1024
	}
	return &Arena{
		books:   make(map[string]*state),
		updates: make(chan string, updateBuffer),
		log:     logger.GetLogger(),
	}
}

// Updates returns the per-symbol update notification channel.
func (a *Arena) Updates() <-chan string {
	return a.updates
}

func (a *Arena) state(symbol string) *state {
	a.mu.RLock()
	st, ok := a.books[symbol]
	a.mu.RUnlock()
	if ok {
		return st
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok = a.books[symbol]; ok {
		return st
	}
	st = &state{}
	a.books[symbol] = st
	return st
}

// Snapshot returns the current published snapshot for a symbol. ok is false
// when the book has not been initialized yet or is marked stale.
func (a *Arena) Snapshot(symbol string) (*models.BookSnapshot, bool) {
	a.mu.RLock()
	st, ok := a.books[symbol]
	a.mu.RUnlock()
	if !ok || st.stale.Load() {
		return nil, false
	}
	snap := st.snap.Load()
	if snap == nil {
		return nil, false
	}
	return snap, true
}

// Stale reports whether the symbol's book needs a full resync.
func (a *Arena) Stale(symbol string) bool {
	a.mu.RLock()
	st, ok := a.books[symbol]
	a.mu.RUnlock()
	return ok && st.stale.Load()
}

// MarkStale flags a symbol's book as untrusted, typically on transport
// failure. The flag clears when the next full snapshot is accepted.
func (a *Arena) MarkStale(symbol string) {
	st := a.state(symbol)
	st.stale.Store(true)
}

// ApplyReplace swaps in a complete new depth view. The message is dropped
// unless its sequence marker is strictly newer than the held snapshot's.
// Accepting a replace clears staleness. Returns true when published.
func (a *Arena) ApplyReplace(snap *models.BookSnapshot) bool {
	st := a.state(snap.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	cur := st.snap.Load()
	if cur != nil && snap.UpdateID <= cur.UpdateID {
		a.log.WithComponent("book").WithFields(logger.Fields{
			"symbol":  snap.Symbol,
			"held":    cur.UpdateID,
			"message": snap.UpdateID,
		}).Debug("dropping non-newer snapshot")
		return false
	}

	published := &models.BookSnapshot{
		Exchange:  snap.Exchange,
		Symbol:    snap.Symbol,
		Bids:      normalizeSide(snap.Bids, true),
		Asks:      normalizeSide(snap.Asks, false),
		UpdateID:  snap.UpdateID,
		Timestamp: snap.Timestamp,
	}

	st.snap.Store(published)
	st.stale.Store(false)
	logger.IncrementBookUpdate()
	a.notify(snap.Symbol)
	return true
}

// ApplyDiff applies an incremental update. The diff is accepted only when
// firstUpdateID <= held+1 <= finalUpdateID. Replayed diffs (final <= held)
// are a no-op. A gap marks the book stale and returns ErrStale; the caller
// must resync with a full snapshot before further diffs are trusted.
func (a *Arena) ApplyDiff(diff models.DepthDiff) error {
	st := a.state(diff.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.stale.Load() {
		return fmt.Errorf("%w: %s awaiting resync", ErrStale, diff.Symbol)
	}

	cur := st.snap.Load()
	if cur == nil {
		st.stale.Store(true)
		return fmt.Errorf("%w: %s has no baseline snapshot", ErrStale, diff.Symbol)
	}

	if diff.FinalUpdateID <= cur.UpdateID {
		return nil
	}
	if diff.FirstUpdateID > cur.UpdateID+1 {
		st.stale.Store(true)
		a.log.WithComponent("book").WithFields(logger.Fields{
			"symbol": diff.Symbol,
			"held":   cur.UpdateID,
			"first":  diff.FirstUpdateID,
			"final":  diff.FinalUpdateID,
		}).Warn("sequence gap detected, book marked stale")
		return fmt.Errorf("%w: %s gap after %d", ErrStale, diff.Symbol, cur.UpdateID)
	}

	published := &models.BookSnapshot{
		Exchange:  cur.Exchange,
		Symbol:    cur.Symbol,
		Bids:      applySide(cur.Bids, diff.Bids, true),
		Asks:      applySide(cur.Asks, diff.Asks, false),
		UpdateID:  diff.FinalUpdateID,
		Timestamp: time.Now(),
	}

	st.snap.Store(published)
	logger.IncrementBookUpdate()
	a.notify(diff.Symbol)
	return nil
}

func (a *Arena) notify(symbol string) {
	select {
	case a.updates <- symbol:
	default:
		// consumer behind; the snapshot is current regardless
	}
}

// normalizeSide sorts a full side and drops duplicate prices, keeping the
// first occurrence. Bids descend, asks ascend.
func normalizeSide(levels []models.BookLevel, descending bool) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(levels))
	for _, l := range levels {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	dedup := out[:0]
	for i, l := range out {
		if i > 0 && l.Price == out[i-1].Price {
			continue
		}
		dedup = append(dedup, l)
	}
	return dedup
}

// applySide copies a sorted side and applies upserts/deletes from a diff,
// preserving strict ordering. Zero quantity removes the level.
func applySide(levels, changes []models.BookLevel, descending bool) []models.BookLevel {
	out := make([]models.BookLevel, len(levels))
	copy(out, levels)

	for _, c := range changes {
		idx := sort.Search(len(out), func(i int) bool {
			if descending {
				return out[i].Price <= c.Price
			}
			return out[i].Price >= c.Price
		})
		found := idx < len(out) && out[idx].Price == c.Price

		switch {
		case c.Quantity == 0 && found:
			out = append(out[:idx], out[idx+1:]...)
		case c.Quantity == 0:
			// deleting an absent level is a no-op
		case found:
			out[idx].Quantity = c.Quantity
		default:
			out = append(out, models.BookLevel{})
			copy(out[idx+1:], out[idx:])
			out[idx] = c
		}
	}
	return out
}
