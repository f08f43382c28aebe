package ordercache

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"betstream/models"
)

// RunnerOrders holds the live order state for one selection: unmatched orders
// keyed by bet id plus matched-back and matched-lay aggregates keyed by the
// canonical decimal string of the price.
type RunnerOrders struct {
	unmatched    map[string]models.UnmatchedOrder
	matchedBacks map[string]models.PriceSize
	matchedLays  map[string]models.PriceSize
}

func newRunnerOrders() *RunnerOrders {
	return &RunnerOrders{
		unmatched:    make(map[string]models.UnmatchedOrder),
		matchedBacks: make(map[string]models.PriceSize),
		matchedLays:  make(map[string]models.PriceSize),
	}
}

// Cache is the order state for all subscribed markets, keyed by market then
// selection. A single writer (the stream dispatch goroutine) mutates it while
// readers take copies through the read lock. Selections are created lazily on
// first reference.
type Cache struct {
	mu      sync.RWMutex
	markets map[string]map[int64]*RunnerOrders
}

func NewCache() *Cache {
	return &Cache{markets: make(map[string]map[int64]*RunnerOrders)}
}

func (c *Cache) runner(marketID string, selectionID int64) *RunnerOrders {
	runners, ok := c.markets[marketID]
	if !ok {
		runners = make(map[int64]*RunnerOrders)
		c.markets[marketID] = runners
	}
	ro, ok := runners[selectionID]
	if !ok {
		ro = newRunnerOrders()
		runners[selectionID] = ro
	}
	return ro
}

// ApplyFullImage replaces the entire unmatched-order set for a selection.
// Used when the subscription delivers an initial or replacement image.
func (c *Cache) ApplyFullImage(marketID string, selectionID int64, orders []models.UnmatchedOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ro := c.runner(marketID, selectionID)
	ro.unmatched = make(map[string]models.UnmatchedOrder, len(orders))
	for _, o := range orders {
		if o.Status == models.OrderStatusExecutionComplete {
			continue
		}
		ro.unmatched[o.BetID] = o
	}
}

// UpdateOrder upserts one unmatched order by bet id. Execution-complete
// status removes the id: the order is no longer live and must not linger as
// a marked entry.
func (c *Cache) UpdateOrder(marketID string, selectionID int64, order models.UnmatchedOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ro := c.runner(marketID, selectionID)
	if order.Status == models.OrderStatusExecutionComplete {
		delete(ro.unmatched, order.BetID)
		return
	}
	ro.unmatched[order.BetID] = order
}

// UpdateMatchedBacks sets the cumulative matched-back volume for each
// reported price. The exchange reports running totals, so each entry replaces
// the stored aggregate; a zero total removes the price.
func (c *Cache) UpdateMatchedBacks(marketID string, selectionID int64, entries []models.PriceSize) {
	c.mu.Lock()
	defer c.mu.Unlock()

	applyMatched(c.runner(marketID, selectionID).matchedBacks, entries)
}

// UpdateMatchedLays is the lay-side counterpart of UpdateMatchedBacks.
func (c *Cache) UpdateMatchedLays(marketID string, selectionID int64, entries []models.PriceSize) {
	c.mu.Lock()
	defer c.mu.Unlock()

	applyMatched(c.runner(marketID, selectionID).matchedLays, entries)
}

func applyMatched(agg map[string]models.PriceSize, entries []models.PriceSize) {
	for _, e := range entries {
		key := e.Price.String()
		if e.Size.IsZero() {
			delete(agg, key)
			continue
		}
		agg[key] = e
	}
}

// ActiveOrders returns every unmatched order for a market whose status is
// still executable.
func (c *Cache) ActiveOrders(marketID string) []models.UnmatchedOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()

	runners, ok := c.markets[marketID]
	if !ok {
		return nil
	}
	var out []models.UnmatchedOrder
	for _, ro := range runners {
		for _, o := range ro.unmatched {
			if o.Status == models.OrderStatusExecutable {
				out = append(out, o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BetID < out[j].BetID })
	return out
}

// Unmatched returns a copy of all unmatched orders for one selection.
func (c *Cache) Unmatched(marketID string, selectionID int64) []models.UnmatchedOrder {
	c.mu.RLock()
	defer c.mu.RUnlock()

	runners, ok := c.markets[marketID]
	if !ok {
		return nil
	}
	ro, ok := runners[selectionID]
	if !ok {
		return nil
	}
	out := make([]models.UnmatchedOrder, 0, len(ro.unmatched))
	for _, o := range ro.unmatched {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BetID < out[j].BetID })
	return out
}

// MatchedBacks returns the matched-back aggregates for one selection sorted
// ascending by price.
func (c *Cache) MatchedBacks(marketID string, selectionID int64) []models.PriceSize {
	return c.matched(marketID, selectionID, func(ro *RunnerOrders) map[string]models.PriceSize {
		return ro.matchedBacks
	})
}

// MatchedLays returns the matched-lay aggregates for one selection sorted
// ascending by price.
func (c *Cache) MatchedLays(marketID string, selectionID int64) []models.PriceSize {
	return c.matched(marketID, selectionID, func(ro *RunnerOrders) map[string]models.PriceSize {
		return ro.matchedLays
	})
}

func (c *Cache) matched(marketID string, selectionID int64, pick func(*RunnerOrders) map[string]models.PriceSize) []models.PriceSize {
	c.mu.RLock()
	defer c.mu.RUnlock()

	runners, ok := c.markets[marketID]
	if !ok {
		return nil
	}
	ro, ok := runners[selectionID]
	if !ok {
		return nil
	}
	agg := pick(ro)
	out := make([]models.PriceSize, 0, len(agg))
	for _, e := range agg {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

// MatchedVolume returns the cumulative matched size at one exact price, or
// zero when the price has no aggregate.
func (c *Cache) MatchedVolume(marketID string, selectionID int64, side string, price decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	runners, ok := c.markets[marketID]
	if !ok {
		return decimal.Zero
	}
	ro, ok := runners[selectionID]
	if !ok {
		return decimal.Zero
	}
	agg := ro.matchedBacks
	if side == models.SideLay {
		agg = ro.matchedLays
	}
	if e, ok := agg[price.String()]; ok {
		return e.Size
	}
	return decimal.Zero
}

// ClearMarket discards all order state for one market, e.g. when the market
// closes or a fresh image is about to replace it.
func (c *Cache) ClearMarket(marketID string) {
	c.mu.Lock()
	delete(c.markets, marketID)
	c.mu.Unlock()
}

// Clear discards all state, used when a resubscription delivers a fresh
// image for everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.markets = make(map[string]map[int64]*RunnerOrders)
	c.mu.Unlock()
}

// Markets lists the market identifiers currently holding order state.
func (c *Cache) Markets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.markets))
	for id := range c.markets {
		out = append(out, id)
	}
	return out
}
