package pricing

import (
	"errors"
	"fmt"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/value"
)

var (
	// ErrInvalidOperation reports a malformed condition table, such as a scale
	// refinement subtracting more than its upper boundary.
	ErrInvalidOperation = errors.New("pricing: invalid operation")
	// ErrMissingField reports a missing required search definition or field.
	ErrMissingField = errors.New("pricing: missing required field")
)

// Base holds the attributes shared by conditions and scale tiers. Price
// attributes are converted to the session's target currency at construction.
type Base struct {
	RecordID string
	Data     map[function.Name]string

	MinQuantity           int
	MaxQuantity           int
	HasQuantityBoundaries bool

	MinEndPrice        float64
	MaxEndPrice        float64
	HasPriceBoundaries bool

	UnitPrice    float64
	HasUnitPrice bool
	Discount     float64
	HasDiscount  bool
	FreeGoods    int
	HasFreeGoods bool

	Currency     string
	ExchangeRate float64

	// BaseScale is the instance this one refines. Its boundaries describe the
	// remaining range after the amounts already consumed by the base.
	BaseScale *Base
}

// NewBase reads a condition table row. fields lists the function name of every
// result column.
func NewBase(row query.Row, fields function.Index, targetCurrency string, conv Converter) *Base {
	b := &Base{
		RecordID: row.RootRecordID(),
		Data:     make(map[function.Name]string),
	}
	for _, name := range fields.Names() {
		pos, _ := fields.First(name)
		b.Data[name] = row.RawValue(pos)
	}
	raw := func(n function.Name) (value.Value, bool) {
		pos, ok := fields.First(n)
		if !ok {
			return value.Empty(), false
		}
		v := row.Value(pos)
		return v, !v.IsEmpty()
	}

	if v, ok := raw(function.MinQuantity); ok {
		b.MinQuantity = v.Int()
		b.HasQuantityBoundaries = true
	}
	if v, ok := raw(function.MaxQuantity); ok {
		b.MaxQuantity = v.Int()
		b.HasQuantityBoundaries = true
	}
	if v, ok := raw(function.MinEndPrice); ok {
		b.MinEndPrice = v.Float()
		b.HasPriceBoundaries = true
	}
	if v, ok := raw(function.MaxEndPrice); ok {
		b.MaxEndPrice = v.Float()
		b.HasPriceBoundaries = true
	}
	if v, ok := raw(function.UnitPrice); ok {
		b.UnitPrice = v.Float()
		b.HasUnitPrice = true
	}
	if v, ok := raw(function.Discount); ok {
		b.Discount = v.Float()
		b.HasDiscount = true
	}
	if v, ok := raw(function.FreeGoods); ok {
		b.FreeGoods = v.Int()
		b.HasFreeGoods = b.FreeGoods != 0
	}
	if v, ok := raw(function.Currency); ok {
		b.Currency = v.String()
	}

	b.ExchangeRate = ExchangeRate(conv, b.Currency, targetCurrency)
	if b.ExchangeRate != 1 {
		b.UnitPrice *= b.ExchangeRate
		b.MinEndPrice *= b.ExchangeRate
		b.MaxEndPrice *= b.ExchangeRate
	}
	return b
}

// MatchesQuantity reports whether q lies within [MinQuantity, MaxQuantity].
// A zero maximum is unbounded.
func (b *Base) MatchesQuantity(q int) bool {
	if b == nil {
		return false
	}
	if q < b.MinQuantity {
		return false
	}
	return b.MaxQuantity <= 0 || q <= b.MaxQuantity
}

// MatchesEndPrice reports whether p lies within [MinEndPrice, MaxEndPrice].
// A zero maximum is unbounded.
func (b *Base) MatchesEndPrice(p float64) bool {
	if b == nil {
		return false
	}
	if p < b.MinEndPrice-value.Epsilon {
		return false
	}
	return b.MaxEndPrice <= 0 || p <= b.MaxEndPrice+value.Epsilon
}

// Matches checks every boundary the instance declares.
func (b *Base) Matches(q int, p float64) bool {
	if b == nil {
		return false
	}
	if b.HasQuantityBoundaries && !b.MatchesQuantity(q) {
		return false
	}
	if b.HasPriceBoundaries && !b.MatchesEndPrice(p) {
		return false
	}
	return true
}

// NewRefinement derives the range left in base once minusQuantity and
// minusPrice have been consumed elsewhere (for example by bundle siblings).
func NewRefinement(base *Base, minusQuantity int, minusPrice float64) (*Base, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: refinement of nil base", ErrInvalidOperation)
	}
	if base.MaxQuantity > 0 && minusQuantity >= base.MaxQuantity {
		return nil, fmt.Errorf("%w: subtracting quantity %d from maximum %d", ErrInvalidOperation, minusQuantity, base.MaxQuantity)
	}
	if base.MaxEndPrice > 0 && minusPrice >= base.MaxEndPrice {
		return nil, fmt.Errorf("%w: subtracting price %.2f from maximum %.2f", ErrInvalidOperation, minusPrice, base.MaxEndPrice)
	}
	r := *base
	r.BaseScale = base
	r.MinQuantity = max(base.MinQuantity-minusQuantity, 0)
	if base.MaxQuantity > 0 {
		r.MaxQuantity = base.MaxQuantity - minusQuantity
	}
	r.MinEndPrice = max(base.MinEndPrice-minusPrice, 0)
	if base.MaxEndPrice > 0 {
		r.MaxEndPrice = base.MaxEndPrice - minusPrice
	}
	return &r, nil
}
