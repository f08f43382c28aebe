package ordercache

import (
	"testing"

	"github.com/shopspring/decimal"

	"betstream/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func executable(id string) models.UnmatchedOrder {
	return models.UnmatchedOrder{
		BetID:         id,
		Price:         d("4.3"),
		Size:          d("2"),
		Side:          models.SideBack,
		Status:        models.OrderStatusExecutable,
		SizeRemaining: d("2"),
	}
}

func TestApplyFullImage(t *testing.T) {
	c := NewCache()
	c.UpdateOrder("1.123", 58805, executable("old"))

	c.ApplyFullImage("1.123", 58805, []models.UnmatchedOrder{
		executable("bet1"),
		executable("bet2"),
		executable("bet3"),
	})

	got := c.Unmatched("1.123", 58805)
	if len(got) != 3 {
		t.Fatalf("expected 3 orders after full image, got %d", len(got))
	}
	for _, o := range got {
		if o.BetID == "old" {
			t.Fatalf("full image did not replace prior set")
		}
	}
}

func TestUpdateOrderUpsertAndComplete(t *testing.T) {
	c := NewCache()
	c.UpdateOrder("1.123", 58805, executable("bet1"))

	updated := executable("bet1")
	updated.SizeRemaining = d("1.5")
	c.UpdateOrder("1.123", 58805, updated)

	got := c.Unmatched("1.123", 58805)
	if len(got) != 1 || !got[0].SizeRemaining.Equal(d("1.5")) {
		t.Fatalf("upsert mismatch: %+v", got)
	}

	done := executable("bet1")
	done.Status = models.OrderStatusExecutionComplete
	c.UpdateOrder("1.123", 58805, done)

	if got := c.Unmatched("1.123", 58805); len(got) != 0 {
		t.Fatalf("execution complete must remove the order, got %+v", got)
	}
}

func TestActiveOrdersFiltersByStatus(t *testing.T) {
	c := NewCache()
	c.UpdateOrder("1.123", 58805, executable("bet1"))

	pending := executable("bet2")
	pending.Status = "P"
	c.UpdateOrder("1.123", 58806, pending)

	got := c.ActiveOrders("1.123")
	if len(got) != 1 || got[0].BetID != "bet1" {
		t.Fatalf("expected only executable orders, got %+v", got)
	}
	if got := c.ActiveOrders("1.999"); got != nil {
		t.Fatalf("unknown market must report no active orders")
	}
}

func TestMatchedBacksCumulativeReplace(t *testing.T) {
	c := NewCache()
	c.UpdateMatchedBacks("1.123", 58805, []models.PriceSize{
		{Price: d("2.0"), Size: d("50")},
		{Price: d("2.5"), Size: d("100")},
	})
	c.UpdateMatchedBacks("1.123", 58805, []models.PriceSize{
		{Price: d("2.0"), Size: decimal.Zero},
	})

	got := c.MatchedBacks("1.123", 58805)
	if len(got) != 1 {
		t.Fatalf("expected single price after zero removal, got %+v", got)
	}
	if !got[0].Price.Equal(d("2.5")) || !got[0].Size.Equal(d("100")) {
		t.Fatalf("unexpected aggregate: %+v", got[0])
	}

	// A later report replaces, never increments.
	c.UpdateMatchedBacks("1.123", 58805, []models.PriceSize{
		{Price: d("2.5"), Size: d("120")},
	})
	if v := c.MatchedVolume("1.123", 58805, models.SideBack, d("2.5")); !v.Equal(d("120")) {
		t.Fatalf("expected cumulative replace to 120, got %s", v)
	}
}

func TestMatchedLaysIndependentOfBacks(t *testing.T) {
	c := NewCache()
	c.UpdateMatchedLays("1.123", 58805, []models.PriceSize{{Price: d("3.0"), Size: d("10")}})

	if got := c.MatchedBacks("1.123", 58805); len(got) != 0 {
		t.Fatalf("lay update leaked into backs: %+v", got)
	}
	if v := c.MatchedVolume("1.123", 58805, models.SideLay, d("3.0")); !v.Equal(d("10")) {
		t.Fatalf("expected lay volume 10, got %s", v)
	}
}

func TestLazyCreationAndClear(t *testing.T) {
	c := NewCache()
	// Referencing an unknown selection creates it rather than erroring.
	if got := c.Unmatched("1.123", 1); got != nil {
		t.Fatalf("expected nil for untouched selection")
	}
	c.UpdateMatchedBacks("1.123", 1, nil)
	if n := len(c.Markets()); n != 1 {
		t.Fatalf("expected lazy market creation, got %d markets", n)
	}

	c.ClearMarket("1.123")
	if n := len(c.Markets()); n != 0 {
		t.Fatalf("expected market cleared, got %d", n)
	}

	c.UpdateOrder("1.124", 2, executable("bet1"))
	c.Clear()
	if n := len(c.Markets()); n != 0 {
		t.Fatalf("expected cache cleared, got %d", n)
	}
}
