package book

import (
	"sync"

	"github.com/shopspring/decimal"

	"betstream/logger"
)

// Level is a single ladder entry. Level is the exchange-assigned depth rank
// (0 = best), not a price key: the wire protocol addresses ladder positions,
// so a price moving from rank 2 to rank 0 arrives as two independent updates.
type Level struct {
	Level int             `json:"level"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Orderbook holds the available-to-back and available-to-lay ladders for one
// selection. Both slices are kept sorted ascending by level with at most one
// entry per level. Depth is exchange-configured (typically 3-10), so linear
// scans are used throughout.
//
// Orderbook itself is not synchronized; Books serializes all mutation through
// its write lock.
type Orderbook struct {
	bids []Level
	asks []Level
}

func NewOrderbook() *Orderbook {
	return &Orderbook{}
}

// AddBid applies a ladder update to the back side. A zero size deletes the
// level, otherwise the level is replaced in place or inserted at its rank.
func (ob *Orderbook) AddBid(level int, price, size decimal.Decimal) {
	ob.bids = applyLevel(ob.bids, level, price, size)
}

// AddAsk applies a ladder update to the lay side.
func (ob *Orderbook) AddAsk(level int, price, size decimal.Decimal) {
	ob.asks = applyLevel(ob.asks, level, price, size)
}

// BestBid returns the level-0 back entry if the ladder is non-empty.
func (ob *Orderbook) BestBid() (Level, bool) {
	if len(ob.bids) == 0 {
		return Level{}, false
	}
	return ob.bids[0], true
}

// BestAsk returns the level-0 lay entry if the ladder is non-empty.
func (ob *Orderbook) BestAsk() (Level, bool) {
	if len(ob.asks) == 0 {
		return Level{}, false
	}
	return ob.asks[0], true
}

// Bids returns a copy of the back ladder.
func (ob *Orderbook) Bids() []Level {
	out := make([]Level, len(ob.bids))
	copy(out, ob.bids)
	return out
}

// Asks returns a copy of the lay ladder.
func (ob *Orderbook) Asks() []Level {
	out := make([]Level, len(ob.asks))
	copy(out, ob.asks)
	return out
}

// Depth returns the number of populated bid and ask levels.
func (ob *Orderbook) Depth() (bids, asks int) {
	return len(ob.bids), len(ob.asks)
}

func applyLevel(ladder []Level, level int, price, size decimal.Decimal) []Level {
	if level < 0 || price.IsNegative() || size.IsNegative() {
		logger.GetLogger().WithComponent("book").WithFields(logger.Fields{
			"level": level,
			"price": price.String(),
			"size":  size.String(),
		}).Warn("discarding invalid ladder update")
		return ladder
	}

	if size.IsZero() {
		for i := range ladder {
			if ladder[i].Level == level {
				return append(ladder[:i], ladder[i+1:]...)
			}
		}
		return ladder
	}

	for i := range ladder {
		if ladder[i].Level == level {
			ladder[i].Price = price
			ladder[i].Size = size
			return ladder
		}
	}

	entry := Level{Level: level, Price: price, Size: size}
	for i := range ladder {
		if ladder[i].Level > level {
			ladder = append(ladder, Level{})
			copy(ladder[i+1:], ladder[i:])
			ladder[i] = entry
			return ladder
		}
	}
	return append(ladder, entry)
}

// Books is the shared registry of orderbooks keyed by market then selection.
// A single writer (the stream dispatch goroutine) mutates it while any number
// of readers take snapshots through the read lock.
type Books struct {
	mu      sync.RWMutex
	markets map[string]map[int64]*Orderbook
}

func NewBooks() *Books {
	return &Books{markets: make(map[string]map[int64]*Orderbook)}
}

// Apply runs fn against the orderbook for the given market selection under
// the write lock, creating the book on first reference.
func (b *Books) Apply(marketID string, selectionID int64, fn func(*Orderbook)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	runners, ok := b.markets[marketID]
	if !ok {
		runners = make(map[int64]*Orderbook)
		b.markets[marketID] = runners
	}
	ob, ok := runners[selectionID]
	if !ok {
		ob = NewOrderbook()
		runners[selectionID] = ob
	}
	fn(ob)
}

// ResetMarket discards all selection books for a market. Used when a fresh
// subscription image replaces prior state.
func (b *Books) ResetMarket(marketID string) {
	b.mu.Lock()
	delete(b.markets, marketID)
	b.mu.Unlock()
}

// Snapshot returns a deep copy of one selection's ladders. The second return
// is false when the selection has never been referenced.
func (b *Books) Snapshot(marketID string, selectionID int64) (bids, asks []Level, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	runners, found := b.markets[marketID]
	if !found {
		return nil, nil, false
	}
	ob, found := runners[selectionID]
	if !found {
		return nil, nil, false
	}
	return ob.Bids(), ob.Asks(), true
}

// BestBid returns the best back entry for a selection.
func (b *Books) BestBid(marketID string, selectionID int64) (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if runners, ok := b.markets[marketID]; ok {
		if ob, ok := runners[selectionID]; ok {
			return ob.BestBid()
		}
	}
	return Level{}, false
}

// BestAsk returns the best lay entry for a selection.
func (b *Books) BestAsk(marketID string, selectionID int64) (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if runners, ok := b.markets[marketID]; ok {
		if ob, ok := runners[selectionID]; ok {
			return ob.BestAsk()
		}
	}
	return Level{}, false
}

// Markets lists the market identifiers currently holding state.
func (b *Books) Markets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.markets))
	for id := range b.markets {
		out = append(out, id)
	}
	return out
}

// Selections lists the selection identifiers known for a market.
func (b *Books) Selections(marketID string) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	runners, ok := b.markets[marketID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(runners))
	for id := range runners {
		out = append(out, id)
	}
	return out
}
