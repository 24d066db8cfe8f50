package pricing_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/query"
)

type position struct {
	key    string
	values map[function.Name]string
	qty    int
	end    float64
	active bool
}

func (p *position) PositionKey() string                  { return p.key }
func (p *position) SourceRecordID() string               { return p.key }
func (p *position) MatchValue(name function.Name) string { return p.values[name] }
func (p *position) Quantity() int                        { return p.qty }
func (p *position) EndPrice() float64                    { return p.end }
func (p *position) Active() bool                         { return p.active }

func newPosition(key, item string, qty int) *position {
	return &position{key: key, values: map[function.Name]string{function.ItemNumber: item}, qty: qty, active: true}
}

func TestMatchesQuantityBoundaries(t *testing.T) {
	b := &pricing.Base{MinQuantity: 10, MaxQuantity: 50, HasQuantityBoundaries: true}
	require.False(t, b.MatchesQuantity(9))
	require.True(t, b.MatchesQuantity(10))
	require.True(t, b.MatchesQuantity(50))
	require.False(t, b.MatchesQuantity(51))

	open := &pricing.Base{MinQuantity: 10, HasQuantityBoundaries: true}
	require.True(t, open.MatchesQuantity(10000))
}

func TestRefinementSubtractsConsumedRange(t *testing.T) {
	base := &pricing.Base{MaxQuantity: 100, HasQuantityBoundaries: true}

	_, err := pricing.NewRefinement(base, 100, 0)
	require.ErrorIs(t, err, pricing.ErrInvalidOperation)

	r, err := pricing.NewRefinement(base, 40, 0)
	require.NoError(t, err)
	require.Equal(t, 60, r.MaxQuantity)
	require.Same(t, base, r.BaseScale)
}

func TestMatchIndexWalk(t *testing.T) {
	keys := []function.Name{function.ItemNumber, "ProductGroup"}
	values := map[function.Name]string{function.ItemNumber: "A1", "ProductGroup": "G1"}

	specific := &pricing.Condition{Base: &pricing.Base{Data: map[function.Name]string{function.ItemNumber: "A1"}}}
	group := &pricing.Condition{Base: &pricing.Base{Data: map[function.Name]string{"ProductGroup": "G1"}}}
	other := &pricing.Condition{Base: &pricing.Base{Data: map[function.Name]string{function.ItemNumber: "B2", "ProductGroup": "G1"}}}
	catchAll := &pricing.Condition{Base: &pricing.Base{Data: map[function.Name]string{}}}

	require.Equal(t, 0, specific.MatchIndex(values, keys, -1))
	require.Equal(t, 1, group.MatchIndex(values, keys, -1))
	require.Equal(t, -1, other.MatchIndex(values, keys, -1))
	require.Equal(t, 2, catchAll.MatchIndex(values, keys, -1))
	require.Equal(t, -1, group.MatchIndex(values, keys, 0))
}

func TestRebateStacking(t *testing.T) {
	d, ok := pricing.StackRebate(0.10, true, 0.05)
	require.True(t, ok)
	require.InDelta(t, 0.145, d, 1e-9)

	d, ok = pricing.StackRebate(0, false, 0.05)
	require.True(t, ok)
	require.InDelta(t, 0.05, d, 1e-9)

	d, ok = pricing.StackRebate(0.10, true, 0.00005)
	require.True(t, ok)
	require.InDelta(t, 0.10, d, 1e-9)

	_, ok = pricing.StackRebate(0, false, -0.0001)
	require.False(t, ok)
}

func TestComputeSummary(t *testing.T) {
	s := pricing.Compute([]pricing.Item{{Qty: 2, UnitPrice: 50, Discount: 0.1}, {Qty: 0, UnitPrice: 99}, {Qty: 1, UnitPrice: 20}})
	require.InDelta(t, 120, s.Gross, 1e-9)
	require.InDelta(t, 110, s.Net, 1e-9)
	require.InDelta(t, 10, s.Discount, 1e-9)
}

func conditionFinder() *query.FakeFinder {
	return query.NewFakeFinder().
		SetRecords("Condition",
			query.Record{Root: "C1", Values: []string{"A1", "", "", "0.10", ""}},
			query.Record{Root: "C2", Values: []string{"", "", "", "0.02", ""}},
		).
		SetRecords("Scale",
			query.Record{Root: "C1", Values: []string{"10", "49", "0.15"}},
			query.Record{Root: "C1", Values: []string{"50", "", "0.20"}},
		).
		SetRecords("Bundle",
			query.Record{Root: "B1", Values: []string{"BX", "BND", "", "0.05"}},
		).
		SetRecords("BundleScale",
			query.Record{Root: "B1", Values: []string{"10", "", "0.25"}},
		).
		SetRecords("PriceList",
			query.Record{Root: "P1", Values: []string{"A1", "12", "EUR", ""}},
			query.Record{Root: "P2", Values: []string{"A1", "10", "EUR", "PL1"}},
			query.Record{Root: "P3", Values: []string{"BX", "100", "USD", ""}},
		)
}

func testConfig() pricing.Config {
	return pricing.Config{
		Standard: pricing.SetConfig{
			Conditions: query.Request{Name: "Condition", Fields: []string{"ItemNumber", "MinQuantity", "MaxQuantity", "Discount", "UnitPrice"}},
			Scales:     query.Request{Name: "Scale", Fields: []string{"MinQuantity", "MaxQuantity", "Discount"}},
		},
		Action: pricing.SetConfig{
			Conditions:   query.Request{Name: "ActionCondition", Fields: []string{"ItemNumber", "Discount"}},
			Bundles:      query.Request{Name: "Bundle", Fields: []string{"ItemNumber", "BundleID", "MinQuantity", "Discount"}},
			BundleScales: query.Request{Name: "BundleScale", Fields: []string{"MinQuantity", "MaxQuantity", "Discount"}},
		},
		PriceList:      query.Request{Name: "PriceList", Fields: []string{"ItemNumber", "UnitPrice", "Currency", "PriceList"}},
		TargetCurrency: "EUR",
	}
}

func loadPricing(t *testing.T, finder query.Finder) *pricing.Pricing {
	t.Helper()
	conv := pricing.RateTable{Base: "EUR", Rates: map[string]float64{"USD>EUR": 0.5}}
	p, err := pricing.New(testConfig(), finder, conv, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background()))
	require.True(t, p.Loaded())
	return p
}

func TestPricingLoadsStepsInOrder(t *testing.T) {
	fake := conditionFinder()
	loadPricing(t, fake)
	require.Equal(t, []string{"Condition", "Scale", "ActionCondition", "Bundle", "BundleScale", "PriceList"}, fake.RequestNames())
}

func TestPricingPropagatesQueryErrors(t *testing.T) {
	fake := conditionFinder().Fail("Scale", errors.New("store offline"))
	p, err := pricing.New(testConfig(), fake, nil, zerolog.Nop())
	require.NoError(t, err)
	err = p.Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "store offline")
	require.Equal(t, pricing.StepStandard, p.Step())
	require.Nil(t, p.PriceForRow(newPosition("r1", "A1", 1)))
}

func TestPricingCancelledLoadDoesNotAdvance(t *testing.T) {
	fake := conditionFinder()
	fake.Deferred = true
	p, err := pricing.New(testConfig(), fake, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Load(ctx)
	require.ErrorIs(t, err, query.ErrCancelled)
	require.Equal(t, pricing.StepStandard, p.Step())
	set, ok := p.Set(pricing.SetStandard)
	require.True(t, ok)
	require.Equal(t, pricing.SetStepCondition, set.Step())
}

func TestNewRequiresSearches(t *testing.T) {
	_, err := pricing.New(pricing.Config{}, query.NewFakeFinder(), nil, zerolog.Nop())
	require.ErrorIs(t, err, pricing.ErrMissingField)

	_, err = pricing.NewSet(pricing.SetConfig{Conditions: query.Request{Name: "X"}}, query.NewFakeFinder(), "", nil, zerolog.Nop())
	require.ErrorIs(t, err, pricing.ErrMissingField)
}

func TestRowPricingResolvesScaleTiers(t *testing.T) {
	p := loadPricing(t, conditionFinder())
	pos := newPosition("r1", "A1", 5)
	rp := p.PriceForRow(pos)
	require.NotNil(t, rp)
	require.Same(t, rp, p.PriceForRow(pos))

	price, _, ok := rp.UnitPriceForQuantityRowPrice(5, 0)
	require.True(t, ok)
	require.InDelta(t, 10, price, 1e-9, "price list row with a price list wins")

	info := rp.DiscountInfoForQuantityRowPrice(5, 50)
	require.True(t, info.HasDiscount)
	require.InDelta(t, 0.10, info.Discount, 1e-9)

	info = rp.DiscountInfoForQuantityRowPrice(20, 200)
	require.InDelta(t, 0.15, info.Discount, 1e-9)
	require.True(t, info.ValidForQuantity(49))
	require.False(t, info.ValidForQuantity(50))

	info = rp.DiscountInfoForQuantityRowPrice(80, 800)
	require.InDelta(t, 0.20, info.Discount, 1e-9)
}

func TestFallsBackToCatchAllCondition(t *testing.T) {
	p := loadPricing(t, conditionFinder())
	rp := p.PriceForRow(newPosition("r2", "ZZ", 1))
	require.NotNil(t, rp)
	info := rp.DiscountInfoForQuantityRowPrice(1, 0)
	require.InDelta(t, 0.02, info.Discount, 1e-9)
}

func TestBundleUsesSiblingTotals(t *testing.T) {
	p := loadPricing(t, conditionFinder())
	a := newPosition("a", "BX", 4)
	b := newPosition("b", "BX", 7)

	rpA := p.PriceForRow(a)
	rpB := p.PriceForRow(b)
	require.Equal(t, "BND", rpA.BundleIdentification())
	require.Len(t, rpA.OtherPositions(), 1)

	price, _, ok := rpA.UnitPriceForQuantityRowPrice(4, 0)
	require.True(t, ok)
	require.InDelta(t, 50, price, 1e-9, "USD list price converted to EUR")

	info := rpA.DiscountInfoForQuantityRowPrice(4, 0)
	require.Equal(t, pricing.SourceBundle, info.Source)
	require.InDelta(t, 0.25, info.Discount, 1e-9, "bundle total 11 reaches the tier")
	require.True(t, info.ValidForQuantity(3))
	require.False(t, info.ValidForQuantity(2))

	a.active = false
	info = rpB.DiscountInfoForQuantityRowPrice(7, 0)
	require.InDelta(t, 0.05, info.Discount, 1e-9)
}

func TestItemNumberKeySharesSnapshots(t *testing.T) {
	cfg := testConfig()
	cfg.ItemNumberFunction = function.ItemNumber
	p, err := pricing.New(cfg, conditionFinder(), nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background()))

	a := p.PriceForRow(newPosition("a", "A1", 1))
	b := p.PriceForRow(newPosition("b", "A1", 2))
	require.NotSame(t, a, b)
	require.Same(t, a.Price(), b.Price())
}

func TestExchangeRateFallsBackToIdentity(t *testing.T) {
	conv := pricing.RateTable{Base: "EUR", Rates: map[string]float64{"USD>EUR": 0.5, "CHF>EUR": 2}}
	require.Equal(t, 1.0, pricing.ExchangeRate(nil, "USD", "EUR"))
	require.Equal(t, 1.0, pricing.ExchangeRate(conv, "JPY", "EUR"))
	require.InDelta(t, 0.5, pricing.ExchangeRate(conv, "USD", "EUR"), 1e-9)
	require.InDelta(t, 2, pricing.ExchangeRate(conv, "EUR", "USD"), 1e-9)
	require.InDelta(t, 0.25, pricing.ExchangeRate(conv, "USD", "CHF"), 1e-9)
}

func TestBulkVolumeTier(t *testing.T) {
	price := &pricing.Price{BulkVolumes: []pricing.BulkVolume{
		{Quantity: 10, UnitPrice: 9, HasPrice: true},
		{Quantity: 50, UnitPrice: 8, HasPrice: true},
	}}
	_, ok := price.BulkVolumeFor(5)
	require.False(t, ok)
	bv, ok := price.BulkVolumeFor(60)
	require.True(t, ok)
	require.Equal(t, 8.0, bv.UnitPrice)
}

func TestPriceListDeduplication(t *testing.T) {
	tests := []struct {
		name      string
		rows      [][]string
		currency  string
		priceList string
		unitPrice float64
	}{
		{
			name:      "price list wins over target currency",
			rows:      [][]string{{"A1", "10", "USD", ""}, {"A1", "11", "GBP", "PL1"}},
			currency:  "GBP",
			priceList: "PL1",
			unitPrice: 11,
		},
		{
			name:      "zero price list counts as empty",
			rows:      [][]string{{"A1", "10", "USD", "0"}, {"A1", "11", "GBP", ""}},
			currency:  "USD",
			priceList: "0",
			unitPrice: 10,
		},
		{
			name:      "target currency wins over base currency",
			rows:      [][]string{{"A1", "10", "EUR", ""}, {"A1", "11", "USD", ""}},
			currency:  "USD",
			unitPrice: 11,
		},
		{
			name:      "base currency wins over other currencies",
			rows:      [][]string{{"A1", "10", "GBP", ""}, {"A1", "11", "EUR", ""}},
			currency:  "EUR",
			unitPrice: 22,
		},
		{
			name:      "ties keep the first loaded row",
			rows:      [][]string{{"A1", "10", "GBP", ""}, {"A1", "11", "CHF", ""}},
			currency:  "GBP",
			unitPrice: 10,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			records := make([]query.Record, 0, len(tc.rows))
			for i, r := range tc.rows {
				records = append(records, query.Record{Root: "P" + strconv.Itoa(i+1), Values: r})
			}
			fake := query.NewFakeFinder().
				SetRecords("Condition", query.Record{Root: "C1", Values: []string{"", "0.01"}}).
				SetRecords("PriceList", records...)
			cfg := pricing.Config{
				Standard:       pricing.SetConfig{Conditions: query.Request{Name: "Condition", Fields: []string{"ItemNumber", "Discount"}}},
				PriceList:      query.Request{Name: "PriceList", Fields: []string{"ItemNumber", "UnitPrice", "Currency", "PriceList"}},
				TargetCurrency: "USD",
			}
			conv := pricing.RateTable{Base: "EUR", Rates: map[string]float64{"EUR>USD": 2}}
			p, err := pricing.New(cfg, fake, conv, zerolog.Nop())
			require.NoError(t, err)
			require.NoError(t, p.Load(context.Background()))

			price := p.PriceForRow(newPosition("r1", "A1", 1)).Price()
			require.Equal(t, tc.currency, price.Currency)
			require.Equal(t, tc.priceList, price.PriceList)
			require.True(t, price.HasUnitPrice)
			require.InDelta(t, tc.unitPrice, price.UnitPrice, 1e-9)
		})
	}
}

func TestConditionsOrderedActionCompanyStandard(t *testing.T) {
	fields := []string{"ItemNumber", "Discount"}
	fake := query.NewFakeFinder().
		SetRecords("Standard", query.Record{Root: "STD", Values: []string{"A1", "0.01"}}).
		SetRecords("Company", query.Record{Root: "CMP", Values: []string{"A1", "0.02"}}).
		SetRecords("Action", query.Record{Root: "ACT", Values: []string{"A1", "0.03"}})
	cfg := pricing.Config{
		Standard: pricing.SetConfig{Conditions: query.Request{Name: "Standard", Fields: fields}},
		Company:  pricing.SetConfig{Conditions: query.Request{Name: "Company", Fields: fields}},
		Action:   pricing.SetConfig{Conditions: query.Request{Name: "Action", Fields: fields}},
	}
	p, err := pricing.New(cfg, fake, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background()))

	conds := p.ConditionsForDataKeyOrder(map[function.Name]string{function.ItemNumber: "A1"}, []function.Name{function.ItemNumber}, "r1")
	require.Len(t, conds, 3)
	var got []string
	var sets []pricing.SetKind
	for _, c := range conds {
		got = append(got, c.RecordID)
		sets = append(sets, c.Set)
	}
	require.Equal(t, []string{"ACT", "CMP", "STD"}, got)
	require.Equal(t, []pricing.SetKind{pricing.SetAction, pricing.SetCompany, pricing.SetStandard}, sets)

	conds = p.ConditionsForDataKeyOrder(map[function.Name]string{function.ItemNumber: "ZZ"}, []function.Name{function.ItemNumber}, "r1")
	require.Empty(t, conds)
}

func TestEquallySpecificConditionsKeepLoadOrder(t *testing.T) {
	tests := []struct {
		name    string
		records []query.Record
		want    string
	}{
		{
			name: "first loaded wins a tie",
			records: []query.Record{
				{Root: "C1", Values: []string{"A1", "0.10"}},
				{Root: "C2", Values: []string{"A1", "0.20"}},
			},
			want: "C1",
		},
		{
			name: "tie order follows load order, not record id",
			records: []query.Record{
				{Root: "C9", Values: []string{"A1", "0.10"}},
				{Root: "C2", Values: []string{"A1", "0.20"}},
			},
			want: "C9",
		},
		{
			name: "a more specific condition beats an earlier catch-all",
			records: []query.Record{
				{Root: "ALL", Values: []string{"", "0.01"}},
				{Root: "C1", Values: []string{"A1", "0.10"}},
			},
			want: "C1",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := query.NewFakeFinder().SetRecords("Condition", tc.records...)
			cfg := pricing.Config{
				Standard: pricing.SetConfig{Conditions: query.Request{Name: "Condition", Fields: []string{"ItemNumber", "Discount"}}},
			}
			p, err := pricing.New(cfg, fake, nil, zerolog.Nop())
			require.NoError(t, err)
			require.NoError(t, p.Load(context.Background()))

			conds := p.ConditionsFor(newPosition("r1", "A1", 1))
			require.Len(t, conds, 1)
			require.Equal(t, tc.want, conds[0].RecordID)
		})
	}
}
