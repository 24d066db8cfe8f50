package pricing

import (
	"sort"
	"strings"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/value"
)

// BulkVolume is one tier of a price list's volume scale.
type BulkVolume struct {
	Quantity    int
	UnitPrice   float64
	HasPrice    bool
	Discount    float64
	HasDiscount bool
}

// Price is the authoritative article price snapshot for a row or item number.
type Price struct {
	Key          string
	ItemNumber   string
	UnitPrice    float64
	HasUnitPrice bool
	Currency     string
	PriceList    string
	BulkVolumes  []BulkVolume
	// Conditions holds the applicable conditions in priority order: action,
	// company, standard.
	Conditions []*Condition
}

// BulkVolumeFor returns the tier with the largest quantity not above q.
func (p *Price) BulkVolumeFor(q int) (BulkVolume, bool) {
	if p == nil {
		return BulkVolume{}, false
	}
	var (
		best  BulkVolume
		found bool
	)
	for _, bv := range p.BulkVolumes {
		if bv.Quantity <= q && (!found || bv.Quantity > best.Quantity) {
			best, found = bv, true
		}
	}
	return best, found
}

// HasBulkVolumes reports whether the snapshot carries a volume scale.
func (p *Price) HasBulkVolumes() bool { return p != nil && len(p.BulkVolumes) > 0 }

// priceListEntry is one raw price-list row before deduplication.
type priceListEntry struct {
	itemNumber string
	unitPrice  value.Value
	currency   string
	priceList  string
	bulk       []BulkVolume
}

func readPriceList(rows []query.Row, fields function.Index) []priceListEntry {
	itemPos, hasItem := fields.First(function.ItemNumber)
	cell := func(row query.Row, n function.Name) value.Value {
		pos, ok := fields.First(n)
		if !ok {
			return value.Empty()
		}
		return row.Value(pos)
	}
	out := make([]priceListEntry, 0, len(rows))
	for _, row := range rows {
		e := priceListEntry{
			unitPrice: cell(row, function.UnitPrice),
			currency:  cell(row, function.Currency).String(),
			priceList: cell(row, function.PriceList).String(),
		}
		if hasItem {
			e.itemNumber = row.RawValue(itemPos)
		}
		e.bulk = readBulkVolumes(row, fields)
		out = append(out, e)
	}
	return out
}

func readBulkVolumes(row query.Row, fields function.Index) []BulkVolume {
	tiers := make(map[int]*BulkVolume)
	get := func(n int) *BulkVolume {
		bv, ok := tiers[n]
		if !ok {
			bv = &BulkVolume{}
			tiers[n] = bv
		}
		return bv
	}
	for _, name := range fields.Names() {
		pos, _ := fields.First(name)
		v := row.Value(pos)
		if v.IsEmpty() {
			continue
		}
		if n, ok := name.Tier(function.BulkVolumeQuantityPrefix); ok {
			get(n).Quantity = v.Int()
		} else if n, ok := name.Tier(function.BulkVolumePricePrefix); ok {
			bv := get(n)
			bv.UnitPrice, bv.HasPrice = v.Float(), true
		} else if n, ok := name.Tier(function.BulkVolumeDiscountPrefix); ok {
			bv := get(n)
			bv.Discount, bv.HasDiscount = v.Float(), true
		}
	}
	nums := make([]int, 0, len(tiers))
	for n, bv := range tiers {
		if bv.Quantity > 0 && (bv.HasPrice || bv.HasDiscount) {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	out := make([]BulkVolume, 0, len(nums))
	for _, n := range nums {
		out = append(out, *tiers[n])
	}
	return out
}

// priceListRank orders duplicate price-list rows: a non-empty price list
// wins, then the target currency, then the converter's base currency.
func priceListRank(e priceListEntry, target, base string) int {
	rank := 0
	if e.priceList != "" && e.priceList != "0" {
		rank += 4
	}
	if target != "" && strings.EqualFold(e.currency, target) {
		rank += 2
	}
	if base != "" && strings.EqualFold(e.currency, base) {
		rank++
	}
	return rank
}

// dedupePriceList keeps one entry per item number. Ties keep the first loaded.
func dedupePriceList(entries []priceListEntry, target, base string) map[string]priceListEntry {
	out := make(map[string]priceListEntry)
	ranks := make(map[string]int)
	for _, e := range entries {
		r := priceListRank(e, target, base)
		if cur, ok := ranks[e.itemNumber]; ok && cur >= r {
			continue
		}
		out[e.itemNumber] = e
		ranks[e.itemNumber] = r
	}
	return out
}

func (e priceListEntry) snapshot(key, target string, conv Converter) *Price {
	p := &Price{
		Key:        key,
		ItemNumber: e.itemNumber,
		Currency:   e.currency,
		PriceList:  e.priceList,
	}
	rate := ExchangeRate(conv, e.currency, target)
	if !e.unitPrice.IsEmpty() {
		p.UnitPrice, p.HasUnitPrice = e.unitPrice.Float()*rate, true
	}
	for _, bv := range e.bulk {
		if bv.HasPrice {
			bv.UnitPrice *= rate
		}
		p.BulkVolumes = append(p.BulkVolumes, bv)
	}
	if target != "" && rate != 1 {
		p.Currency = target
	}
	return p
}
