package pricing

// Source names where a resolved discount came from.
type Source int

const (
	SourceNone Source = iota
	SourceCondition
	SourceBundle
	SourceBulkVolume
	SourceOverall
)

func (s Source) String() string {
	switch s {
	case SourceCondition:
		return "condition"
	case SourceBundle:
		return "bundle"
	case SourceBulkVolume:
		return "bulk_volume"
	case SourceOverall:
		return "overall"
	default:
		return "none"
	}
}

// DiscountInfo is the cached discount resolution of a row.
type DiscountInfo struct {
	Discount     float64
	HasDiscount  bool
	FreeGoods    int
	HasFreeGoods bool
	Source       Source
	// Boundary is the quantity range for which the resolution stays valid.
	Boundary *Base
	// DontCache forces re-resolution on the next recompute.
	DontCache bool
}

// ValidForQuantity reports whether the cached resolution still applies at q.
func (d *DiscountInfo) ValidForQuantity(q int) bool {
	if d == nil || d.DontCache {
		return false
	}
	if d.Boundary == nil {
		return true
	}
	if d.Boundary.HasPriceBoundaries {
		return false
	}
	return !d.Boundary.HasQuantityBoundaries || d.Boundary.MatchesQuantity(q)
}

// RowPricing binds a position to its price snapshot.
type RowPricing struct {
	pos     Position
	price   *Price
	pricing *Pricing
}

// Price returns the snapshot.
func (r *RowPricing) Price() *Price { return r.price }

// Conditions returns the applicable conditions in priority order.
func (r *RowPricing) Conditions() []*Condition { return r.price.Conditions }

// BundleIdentification returns the bundle id of the first bundle condition.
func (r *RowPricing) BundleIdentification() string {
	for _, c := range r.price.Conditions {
		if c.IsBundle() {
			return c.BundleID
		}
	}
	return ""
}

// OtherPositions returns the active bundle siblings of the row.
func (r *RowPricing) OtherPositions() []Position {
	id := r.BundleIdentification()
	if id == "" {
		return nil
	}
	var out []Position
	for _, pos := range r.pricing.positionsForBundle(id) {
		if pos.PositionKey() != r.pos.PositionKey() {
			out = append(out, pos)
		}
	}
	return out
}

func (r *RowPricing) otherTotals() (int, float64) {
	var (
		qty   int
		price float64
	)
	for _, pos := range r.OtherPositions() {
		qty += pos.Quantity()
		price += pos.EndPrice()
	}
	return qty, price
}

type resolution struct {
	cond   *Condition
	values Values
}

// resolve evaluates every applicable condition at q and p. Bundle rules are
// evaluated at the bundle's running totals.
func (r *RowPricing) resolve(q int, p float64) []resolution {
	var (
		out          []resolution
		othersQ      int
		othersP      float64
		othersLoaded bool
	)
	for _, c := range r.price.Conditions {
		cq, cp := q, p
		if c.IsBundle() {
			if !othersLoaded {
				othersQ, othersP = r.otherTotals()
				othersLoaded = true
			}
			cq, cp = q+othersQ, p+othersP
		}
		if v, ok := c.Resolve(cq, cp); ok {
			out = append(out, resolution{cond: c, values: v})
		}
	}
	return out
}

// UnitPriceForQuantityRowPrice returns the pre-discount unit price at q and p,
// and whether it came from a bundle rule.
func (r *RowPricing) UnitPriceForQuantityRowPrice(q int, p float64) (price float64, fromBundle, ok bool) {
	for _, res := range r.resolve(q, p) {
		if res.values.HasUnitPrice {
			return res.values.UnitPrice, res.cond.IsBundle(), true
		}
	}
	if bv, found := r.price.BulkVolumeFor(q); found && bv.HasPrice {
		return bv.UnitPrice, false, true
	}
	if r.price.HasUnitPrice {
		return r.price.UnitPrice, false, true
	}
	return 0, false, false
}

// DiscountInfoForQuantityRowPrice resolves discount and free goods at q and p.
func (r *RowPricing) DiscountInfoForQuantityRowPrice(q int, p float64) *DiscountInfo {
	info := &DiscountInfo{}
	var supplier *resolution
	for _, res := range r.resolve(q, p) {
		if !info.HasDiscount && res.values.HasDiscount {
			info.Discount, info.HasDiscount = res.values.Discount, true
			if supplier == nil {
				supplier = &res
			}
		}
		if !info.HasFreeGoods && res.values.HasFreeGoods {
			info.FreeGoods, info.HasFreeGoods = res.values.FreeGoods, true
			if supplier == nil {
				supplier = &res
			}
		}
	}
	if supplier == nil {
		info.DontCache = true
		return info
	}
	info.Source = SourceCondition
	info.Boundary = supplier.values.Boundary
	if supplier.cond.IsBundle() {
		info.Source = SourceBundle
		othersQ, othersP := r.otherTotals()
		refined, err := NewRefinement(supplier.values.Boundary, othersQ, othersP)
		if err != nil {
			info.DontCache = true
		} else {
			info.Boundary = refined
		}
	}
	return info
}

// FreeGoodsForQuantityRowPrice returns the free goods allotted at q and p.
func (r *RowPricing) FreeGoodsForQuantityRowPrice(q int, p float64) (int, bool) {
	for _, res := range r.resolve(q, p) {
		if res.values.HasFreeGoods {
			return res.values.FreeGoods, true
		}
	}
	return 0, false
}

// BulkVolumeDiscountForQuantity returns the volume-scale discount at q.
func (r *RowPricing) BulkVolumeDiscountForQuantity(q int) (float64, bool) {
	bv, ok := r.price.BulkVolumeFor(q)
	if !ok || !bv.HasDiscount {
		return 0, false
	}
	return bv.Discount, true
}

// HasUnitPriceSource reports whether a direct or volume-scale price exists.
func (r *RowPricing) HasUnitPriceSource() bool {
	if r.price.HasUnitPrice || r.price.HasBulkVolumes() {
		return true
	}
	for _, c := range r.price.Conditions {
		if c.HasUnitPrice || c.HasPriceScale() {
			return true
		}
	}
	return false
}

// HasFreeGoods reports whether any applicable condition can yield free goods.
func (r *RowPricing) HasFreeGoods() bool {
	for _, c := range r.price.Conditions {
		if c.HasFreeGoodsBoundaries() {
			return true
		}
	}
	return false
}

// HasBundle reports whether the row is priced by a bundle rule.
func (r *RowPricing) HasBundle() bool { return r.BundleIdentification() != "" }
