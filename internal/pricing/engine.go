package pricing

import "github.com/noah-isme/serial-entry/internal/value"

// Item describes a row used for totals calculation.
type Item struct {
	Qty       int
	UnitPrice float64
	Discount  float64
}

// Summary aggregates computed pricing components.
type Summary struct {
	Gross    float64
	Discount float64
	Net      float64
}

// Compute calculates the totals of items. Rows without quantity are skipped.
func Compute(items []Item) Summary {
	var s Summary
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		gross := float64(it.Qty) * it.UnitPrice
		net := gross
		if !value.IsNegligible(it.Discount) {
			net = gross * (1 - it.Discount)
		}
		s.Gross += gross
		s.Net += net
	}
	s.Discount = s.Gross - s.Net
	return s
}

// StackRebate folds a rebate into a discount multiplicatively. Negligible
// rebates leave the discount untouched.
func StackRebate(discount float64, hasDiscount bool, rebate float64) (float64, bool) {
	if value.IsNegligible(rebate) {
		return discount, hasDiscount
	}
	if hasDiscount && !value.IsNegligible(discount) {
		return 1 - (1-discount)*(1-rebate), true
	}
	return rebate, true
}

// OverallDiscount is the session-wide threshold rule.
type OverallDiscount struct {
	Threshold float64
	Discount  float64
}

// Configured reports whether a threshold is set.
func (o OverallDiscount) Configured() bool { return o.Threshold > 0 }

// Active reports whether total reaches the threshold.
func (o OverallDiscount) Active(total float64) bool {
	return o.Configured() && total >= o.Threshold-value.Epsilon
}
