// Package function names the semantic roles ("function names") configured on
// serial entry columns and condition table fields.
package function

import (
	"sort"
	"strconv"
	"strings"
)

// Name is a configured function name.
type Name string

// Function names understood by the engine.
const (
	Quantity           Name = "Quantity"
	UnitPrice          Name = "UnitPrice"
	PricingUnitPrice   Name = "PricingUnitPrice"
	BundleUnitPrice    Name = "BundleUnitPrice"
	ConditionUnitPrice Name = "ConditionUnitPrice"
	EndPrice           Name = "EndPrice"
	NetPrice           Name = "NetPrice"
	Discount           Name = "Discount"
	BundleDiscount     Name = "BundleDiscount"
	ConditionDiscount  Name = "ConditionDiscount"
	FreeGoods          Name = "FreeGoods"
	BundleFreeGoods    Name = "BundleFreeGoods"
	ConditionFreeGoods Name = "ConditionFreeGoods"
	DisablePricing     Name = "DisablePricing"
	ItemNumber         Name = "ItemNumber"
	Currency           Name = "Currency"
	PriceList          Name = "PriceList"
	MinQuantity        Name = "MinQuantity"
	MaxQuantity        Name = "MaxQuantity"
	MinEndPrice        Name = "MinEndPrice"
	MaxEndPrice        Name = "MaxEndPrice"
	ConditionID        Name = "ConditionID"
	BundleID           Name = "BundleID"
	RowRecordID        Name = "RowRecordID"
	QuotaQuantity      Name = "QuotaQuantity"
	QuotaPeriod        Name = "QuotaPeriod"
	QuotaIssued        Name = "QuotaIssued"

	// RebatePrefix marks rebate columns (Rebate, Rebate1, RebateCustomer, ...).
	RebatePrefix = "Rebate"
	// BulkVolumeQuantityPrefix, BulkVolumePricePrefix and BulkVolumeDiscountPrefix
	// are suffixed with the tier number on price list fields.
	BulkVolumeQuantityPrefix = "BulkVolumeQuantity"
	BulkVolumePricePrefix    = "BulkVolumePrice"
	BulkVolumeDiscountPrefix = "BulkVolumeDiscount"
)

// IsRebate reports whether n names a rebate column.
func (n Name) IsRebate() bool {
	return strings.HasPrefix(string(n), RebatePrefix)
}

// IsPricingTrigger reports whether an edit of n requires the pricing cascade.
func (n Name) IsPricingTrigger() bool {
	return n == Quantity || n == UnitPrice || n.IsRebate()
}

// IsPricingOutput reports whether n is written by the pricing cascade rather
// than entered by the user.
func (n Name) IsPricingOutput() bool {
	switch n {
	case UnitPrice, PricingUnitPrice, BundleUnitPrice, ConditionUnitPrice,
		EndPrice, NetPrice,
		Discount, BundleDiscount, ConditionDiscount,
		FreeGoods, BundleFreeGoods, ConditionFreeGoods,
		DisablePricing:
		return true
	}
	return false
}

// Tier splits a numbered name such as "BulkVolumePrice2" into its prefix
// match and tier number.
func (n Name) Tier(prefix string) (int, bool) {
	s := string(n)
	if !strings.HasPrefix(s, prefix) {
		return 0, false
	}
	num, err := strconv.Atoi(strings.TrimPrefix(s, prefix))
	if err != nil || num <= 0 {
		return 0, false
	}
	return num, true
}

// Index maps each function name to the ordered positions carrying it.
type Index struct {
	positions map[Name][]int
}

// NewIndex builds an index from position-ordered names. Empty names are skipped.
func NewIndex(names []Name) Index {
	idx := Index{positions: make(map[Name][]int)}
	for i, n := range names {
		if n == "" {
			continue
		}
		idx.positions[n] = append(idx.positions[n], i)
	}
	return idx
}

// IndexOf builds an index over plain strings.
func IndexOf(names []string) Index {
	typed := make([]Name, len(names))
	for i, n := range names {
		typed[i] = Name(n)
	}
	return NewIndex(typed)
}

// First returns the first position of n.
func (idx Index) First(n Name) (int, bool) {
	p := idx.positions[n]
	if len(p) == 0 {
		return -1, false
	}
	return p[0], true
}

// All returns every position of n.
func (idx Index) All(n Name) []int {
	return idx.positions[n]
}

// Has reports whether n is present.
func (idx Index) Has(n Name) bool {
	return len(idx.positions[n]) > 0
}

// Names returns the indexed names in lexical order.
func (idx Index) Names() []Name {
	out := make([]Name, 0, len(idx.positions))
	for n := range idx.positions {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WithPrefix returns the names starting with prefix, in lexical order.
func (idx Index) WithPrefix(prefix string) []Name {
	var out []Name
	for _, n := range idx.Names() {
		if strings.HasPrefix(string(n), prefix) {
			out = append(out, n)
		}
	}
	return out
}
