package serialentry

import (
	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/obs"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/value"
)

// pricingOutputs are re-propagated to their copy columns after pricing.
var pricingOutputs = []function.Name{
	function.UnitPrice, function.PricingUnitPrice, function.BundleUnitPrice, function.ConditionUnitPrice,
	function.Discount, function.BundleDiscount, function.ConditionDiscount,
	function.FreeGoods, function.BundleFreeGoods, function.ConditionFreeGoods,
	function.EndPrice, function.NetPrice, function.DisablePricing,
}

// computeRow runs the recomputation cascade for an edit of column col and
// returns the other rows that need a non-cascading recompute. force bypasses
// the trigger check and is used for dependent rows.
func (s *Session) computeRow(r *Row, col int, includeDependent, force bool) []*Row {
	fn := s.cols.At(col).Function

	if fn == function.UnitPrice && !force && !s.opts.KeepPricingOnManualPrice {
		r.set(function.DisablePricing, value.Text("1"))
	}

	s.propagate(r, col)

	if !force && !s.opts.ComputeOnEveryColumn && !fn.IsPricingTrigger() {
		return nil
	}
	trigger := string(fn)
	if force {
		trigger = "dependent"
	}
	obs.IncRecompute(trigger)

	var (
		dependents  []*Row
		rp          = s.pricing.PriceForRow(r)
		qty         = r.Quantity()
		unitPrice   = r.float(function.UnitPrice)
		disabled    = r.pricingDisabled()
		discount    float64
		hasDiscount bool
		source      = pricing.SourceNone
	)

	if rp != nil && rp.HasUnitPriceSource() {
		if price, fromBundle, ok := rp.UnitPriceForQuantityRowPrice(qty, r.EndPrice()); ok {
			r.set(function.PricingUnitPrice, value.Number(price))
			if fromBundle {
				r.set(function.BundleUnitPrice, value.Number(price))
			} else {
				r.set(function.ConditionUnitPrice, value.Number(price))
			}
			if !disabled {
				r.set(function.UnitPrice, value.Number(price))
				unitPrice = price
			}
		}
	}
	endPrice := unitPrice * float64(qty)

	if rule := s.opts.OverallDiscount; rule.Configured() {
		total := endPrice
		for _, other := range s.rows {
			if other != r && other.Active() {
				total += other.EndPrice()
			}
		}
		if next, flipped := NextOverallState(s.overall, total, rule); flipped {
			s.overall = next
			obs.IncOverallFlip(next.String())
			s.logger.Debug().Str("state", next.String()).Float64("total", total).Msg("overall discount flipped")
			for _, other := range s.rows {
				if other != r && other.Active() {
					other.discountInfo = nil
					dependents = append(dependents, other)
				}
			}
		}
	}

	switch {
	case s.overall == OverallActive:
		discount, hasDiscount, source = s.opts.OverallDiscount.Discount, true, pricing.SourceOverall
	case rp != nil:
		if !r.discountInfo.ValidForQuantity(qty) {
			r.discountInfo = rp.DiscountInfoForQuantityRowPrice(qty, endPrice)
		}
		info := r.discountInfo
		if info.HasDiscount {
			discount, hasDiscount, source = info.Discount, true, info.Source
		} else if d, ok := rp.BulkVolumeDiscountForQuantity(qty); ok {
			discount, hasDiscount, source = d, true, pricing.SourceBulkVolume
		}
		if includeDependent {
			for _, pos := range rp.OtherPositions() {
				if other, ok := pos.(*Row); ok {
					dependents = append(dependents, other)
				}
			}
		}
	case r.overallApplied:
		// overall discount was lifted from a row without pricing
	default:
		discount = r.float(function.Discount)
		hasDiscount = !value.IsNegligible(discount)
	}

	if rp != nil && rp.HasFreeGoods() {
		var fg int
		if info := r.discountInfo; info != nil && info.HasFreeGoods {
			fg = info.FreeGoods
		} else if n, ok := rp.FreeGoodsForQuantityRowPrice(qty, endPrice); ok {
			fg = n
		}
		s.writeSpecific(r, source, function.BundleFreeGoods, function.ConditionFreeGoods, function.FreeGoods, value.Int(fg))
	}

	if rp != nil || source == pricing.SourceOverall || r.overallApplied {
		s.writeSpecific(r, source, function.BundleDiscount, function.ConditionDiscount, function.Discount,
			value.Text(value.FormatDiscount(discount)))
	}
	r.overallApplied = source == pricing.SourceOverall

	for _, i := range s.cols.Rebates() {
		rebate := r.values[i].Float()
		if value.IsNegligible(rebate) {
			continue
		}
		discount, hasDiscount = pricing.StackRebate(discount, hasDiscount, rebate)
	}

	if !s.opts.DontUpdateRowPrices {
		r.set(function.EndPrice, value.Text(value.FormatMoney(endPrice)))
		r.set(function.NetPrice, value.Text(value.FormatMoney(endPrice*(1-discount))))
	}

	for _, out := range pricingOutputs {
		if i, ok := s.cols.Index(out); ok {
			s.propagate(r, i)
		}
	}
	return uniqueRows(dependents, r)
}

// writeSpecific writes v into the bundle or condition column matching source
// and always into the generic column, which carries the effective value.
func (s *Session) writeSpecific(r *Row, source pricing.Source, bundle, condition, generic function.Name, v value.Value) {
	switch source {
	case pricing.SourceBundle:
		r.set(bundle, v)
	case pricing.SourceCondition:
		r.set(condition, v)
	}
	r.set(generic, v)
}

// propagate refreshes the child sum of col's function and fans the value of
// col out to its copy columns.
func (s *Session) propagate(r *Row, col int) {
	c := s.cols.At(col)
	if c.Function == "" {
		return
	}
	for _, i := range s.cols.All(c.Function) {
		if s.cols.At(i).ChildSum {
			r.values[i] = s.childSum(r, c.Function)
		}
	}
	if c.Kind == KindDestinationChild || c.ChildSum {
		return
	}
	v := r.values[col]
	for _, i := range s.cols.copies(c.Function) {
		r.values[i] = v
	}
}

func (s *Session) childSum(r *Row, fn function.Name) value.Value {
	var (
		sum   float64
		found bool
	)
	for _, i := range s.cols.childColumns(fn) {
		if v := r.values[i]; !v.IsEmpty() {
			sum += v.Float()
			found = true
		}
	}
	if !found {
		return value.Empty()
	}
	return value.Number(sum)
}

func uniqueRows(rows []*Row, exclude *Row) []*Row {
	if len(rows) == 0 {
		return nil
	}
	seen := make(map[*Row]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if r == exclude {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
