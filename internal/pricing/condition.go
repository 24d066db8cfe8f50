package pricing

import (
	"sort"

	"github.com/noah-isme/serial-entry/internal/function"
)

// Condition is a priority-matched price, discount and free-goods rule.
type Condition struct {
	*Base
	// Set is the source the condition was loaded from.
	Set SetKind
	// BundleID is non-empty for bundle pricing rules.
	BundleID string
	// RowRecordID restricts the condition to a single source row.
	RowRecordID string
	// Scales are the tiered refinements, ordered by lower boundary.
	Scales []*Scale
}

// Scale is a quantity or price tier refining a Condition.
type Scale struct {
	*Base
	ConditionID string
}

// IsBundle reports whether c is a bundle pricing rule.
func (c *Condition) IsBundle() bool { return c != nil && c.BundleID != "" }

// MatchIndex returns the key position at which c matches values, or -1.
// Keys are walked in keyOrder: a key the condition leaves empty is skipped, the
// first key it specifies ends the walk. A condition specifying none of the keys
// matches at len(keyOrder). maxMatchIndex < 0 disables the bound.
func (c *Condition) MatchIndex(values map[function.Name]string, keyOrder []function.Name, maxMatchIndex int) int {
	for i, key := range keyOrder {
		if maxMatchIndex >= 0 && i > maxMatchIndex {
			return -1
		}
		own := c.Data[key]
		if own == "" {
			continue
		}
		if own == values[key] {
			return i
		}
		return -1
	}
	if maxMatchIndex >= 0 && len(keyOrder) > maxMatchIndex {
		return -1
	}
	return len(keyOrder)
}

func (c *Condition) addScale(s *Scale) {
	c.Scales = append(c.Scales, s)
	sort.SliceStable(c.Scales, func(i, j int) bool {
		a, b := c.Scales[i], c.Scales[j]
		if a.MinQuantity != b.MinQuantity {
			return a.MinQuantity < b.MinQuantity
		}
		return a.MinEndPrice < b.MinEndPrice
	})
}

// Tier returns the scale matching quantity q, else the scale matching end price p.
func (c *Condition) Tier(q int, p float64) *Scale {
	for _, s := range c.Scales {
		if s.HasQuantityBoundaries && s.MatchesQuantity(q) {
			return s
		}
	}
	for _, s := range c.Scales {
		if !s.HasQuantityBoundaries && s.HasPriceBoundaries && s.MatchesEndPrice(p) {
			return s
		}
	}
	return nil
}

// Values are the attributes a condition yields for a concrete quantity and price.
type Values struct {
	UnitPrice    float64
	HasUnitPrice bool
	Discount     float64
	HasDiscount  bool
	FreeGoods    int
	HasFreeGoods bool
	// Boundary is the instance whose range produced the values.
	Boundary *Base
}

// Resolve returns the values c yields at quantity q and end price p. It reports
// false when the condition's own boundaries exclude q or p.
func (c *Condition) Resolve(q int, p float64) (Values, bool) {
	if c == nil || !c.Matches(q, p) {
		return Values{}, false
	}
	out := Values{Boundary: c.Base}
	tier := c.Tier(q, p)
	if tier != nil {
		out.Boundary = tier.Base
		out.take(tier.Base)
	}
	out.take(c.Base)
	return out, true
}

// HasFreeGoodsBoundaries reports whether c or any of its tiers yields free goods.
func (c *Condition) HasFreeGoodsBoundaries() bool {
	if c == nil {
		return false
	}
	if c.HasFreeGoods {
		return true
	}
	for _, s := range c.Scales {
		if s.HasFreeGoods {
			return true
		}
	}
	return false
}

// HasPriceScale reports whether c carries tiers with a unit price or discount.
func (c *Condition) HasPriceScale() bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scales {
		if s.HasUnitPrice || s.HasDiscount {
			return true
		}
	}
	return false
}

func (v *Values) take(b *Base) {
	if !v.HasUnitPrice && b.HasUnitPrice {
		v.UnitPrice, v.HasUnitPrice = b.UnitPrice, true
	}
	if !v.HasDiscount && b.HasDiscount {
		v.Discount, v.HasDiscount = b.Discount, true
	}
	if !v.HasFreeGoods && b.HasFreeGoods {
		v.FreeGoods, v.HasFreeGoods = b.FreeGoods, true
	}
}
