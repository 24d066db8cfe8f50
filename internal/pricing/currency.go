package pricing

import "strings"

// Converter supplies exchange rates between catalog currency codes.
type Converter interface {
	ExchangeRate(from, to string) float64
	BaseCurrency() string
}

// RateTable is an in-memory Converter. Rates are keyed "FROM>TO"; the inverse
// rate is derived when only one direction is present.
type RateTable struct {
	Base  string
	Rates map[string]float64
}

// ExchangeRate implements Converter.
func (t RateTable) ExchangeRate(from, to string) float64 {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return 1
	}
	if r, ok := t.Rates[from+">"+to]; ok {
		return r
	}
	if r, ok := t.Rates[to+">"+from]; ok && r != 0 {
		return 1 / r
	}
	if t.Base != "" && from != t.Base && to != t.Base {
		a := t.ExchangeRate(from, t.Base)
		b := t.ExchangeRate(t.Base, to)
		if a != 0 && b != 0 {
			return a * b
		}
	}
	return 0
}

// BaseCurrency implements Converter.
func (t RateTable) BaseCurrency() string { return t.Base }

// ExchangeRate returns the factor converting amounts in from into to. A
// missing converter, missing code or zero rate means no conversion.
func ExchangeRate(conv Converter, from, to string) float64 {
	if conv == nil || from == "" || to == "" || strings.EqualFold(from, to) {
		return 1
	}
	r := conv.ExchangeRate(from, to)
	if r <= 0 {
		return 1
	}
	return r
}
