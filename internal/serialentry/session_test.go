package serialentry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/quota"
	"github.com/noah-isme/serial-entry/internal/serialentry"
	"github.com/noah-isme/serial-entry/internal/value"
)

const (
	colItem = iota
	colQuantity
	colUnitPrice
	colDiscount
	colEndPrice
	colNetPrice
)

func columns() []serialentry.Column {
	return []serialentry.Column{
		{Index: colItem, Function: function.ItemNumber, Kind: serialentry.KindSource},
		{Index: colQuantity, Function: function.Quantity, Kind: serialentry.KindDestination, Field: "quantity", EmptyValue: "0"},
		{Index: colUnitPrice, Function: function.UnitPrice, Kind: serialentry.KindDestination, Field: "unit_price"},
		{Index: colDiscount, Function: function.Discount, Kind: serialentry.KindDestination, Field: "discount"},
		{Index: colEndPrice, Function: function.EndPrice, Kind: serialentry.KindDestination, Field: "end_price"},
		{Index: colNetPrice, Function: function.NetPrice, Kind: serialentry.KindDestination, Field: "net_price"},
	}
}

func baseConfig() serialentry.Config {
	return serialentry.Config{
		Columns: columns(),
		Source:  query.Request{Name: "Source", Fields: []string{"ItemNumber", "UnitPrice"}},
		Layout:  changeset.Layout{InfoArea: "OrderItem", SourceInfoArea: "Article", ParentInfoArea: "Order"},
		Pricing: pricing.Config{
			Standard: pricing.SetConfig{Conditions: query.Request{Name: "Condition", Fields: []string{"ItemNumber", "Discount"}}},
		},
		ParentRecordID: "ORD1",
	}
}

func baseFinder() *query.FakeFinder {
	return query.NewFakeFinder().
		SetRecords("Source",
			query.Record{Values: []string{"A1", "100"}, Root: "S1"},
			query.Record{Values: []string{"A2", "50"}, Root: "S2"},
		).
		SetRecords("Condition",
			query.Record{Values: []string{"A1", "0.05"}, Root: "C1"},
			query.Record{Values: []string{"A2", "0.10"}, Root: "C2"},
		)
}

func build(t *testing.T, cfg serialentry.Config, opts serialentry.Options, deps serialentry.Deps) *serialentry.Session {
	t.Helper()
	if deps.Finder == nil {
		deps.Finder = baseFinder()
	}
	deps.Logger = zerolog.Nop()
	s, err := serialentry.New(cfg, opts, deps)
	require.NoError(t, err)
	require.NoError(t, s.Build(context.Background()))
	require.True(t, s.Loaded())
	return s
}

func rowFor(t *testing.T, s *serialentry.Session, sourceID string) *serialentry.Row {
	t.Helper()
	r, ok := s.Row(sourceID + "#0")
	require.True(t, ok)
	return r
}

func edit(t *testing.T, s *serialentry.Session, r *serialentry.Row, v value.Value, col int) (serialentry.EditResult, []*serialentry.Row) {
	t.Helper()
	res, affected, err := s.UpdateRow(r, v, col)
	require.NoError(t, err)
	return res, affected
}

func TestBuildPricesFreshRows(t *testing.T) {
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{})
	require.Len(t, s.Rows(), 2)

	r := rowFor(t, s, "S1")
	require.Equal(t, "A1", r.Value(colItem).String())
	require.Equal(t, "100", r.Value(colUnitPrice).String())
	require.Equal(t, "0.0500", r.Value(colDiscount).String())
	require.Equal(t, "0.00", r.Value(colEndPrice).String())
	require.False(t, r.Changed())
}

func TestEditComputesPricesAndIsIdempotent(t *testing.T) {
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{})
	r := rowFor(t, s, "S1")

	res, _ := edit(t, s, r, value.Int(5), colQuantity)
	require.Equal(t, serialentry.EditAdd, res)
	require.Equal(t, changeset.NewRecordID, r.DestinationRecordID())
	require.True(t, r.Changed())
	require.Equal(t, "500.00", r.Value(colEndPrice).String())
	require.Equal(t, "475.00", r.Value(colNetPrice).String())

	for i := 0; i < 2; i++ {
		res, affected := edit(t, s, r, value.Text("5"), colQuantity)
		require.Equal(t, serialentry.EditInvalid, res)
		require.Empty(t, affected)
	}
}

func TestOverallDiscountThresholdCrossing(t *testing.T) {
	opts := serialentry.Options{OverallDiscount: pricing.OverallDiscount{Threshold: 1000, Discount: 0.2}}
	s := build(t, baseConfig(), opts, serialentry.Deps{})
	a, b := rowFor(t, s, "S1"), rowFor(t, s, "S2")

	edit(t, s, a, value.Int(5), colQuantity)
	edit(t, s, b, value.Int(9), colQuantity)
	require.False(t, s.OverallDiscountActive())
	require.Equal(t, "0.1000", b.Value(colDiscount).String())

	_, affected := edit(t, s, a, value.Int(6), colQuantity)
	require.True(t, s.OverallDiscountActive())
	require.Equal(t, []*serialentry.Row{b}, affected)
	require.Equal(t, "0.2000", a.Value(colDiscount).String())
	require.Equal(t, "0.2000", b.Value(colDiscount).String())
	require.Equal(t, "360.00", b.Value(colNetPrice).String())

	_, affected = edit(t, s, a, value.Int(5), colQuantity)
	require.False(t, s.OverallDiscountActive())
	require.Equal(t, []*serialentry.Row{b}, affected)
	require.Equal(t, "0.0500", a.Value(colDiscount).String())
	require.Equal(t, "0.1000", b.Value(colDiscount).String())
	require.Equal(t, "405.00", b.Value(colNetPrice).String())
}

func TestRebateStacksOntoDiscount(t *testing.T) {
	cfg := baseConfig()
	cfg.Columns = append(cfg.Columns, serialentry.Column{Index: len(cfg.Columns), Function: "Rebate1", Kind: serialentry.KindDestination, Field: "rebate"})
	s := build(t, cfg, serialentry.Options{}, serialentry.Deps{})
	r := rowFor(t, s, "S2")

	edit(t, s, r, value.Int(10), colQuantity)
	require.Equal(t, "450.00", r.Value(colNetPrice).String())

	edit(t, s, r, value.Text("0.05"), len(cfg.Columns)-1)
	require.Equal(t, "0.1000", r.Value(colDiscount).String())
	require.Equal(t, "427.50", r.Value(colNetPrice).String())
}

func TestManualUnitPriceDisablesPricing(t *testing.T) {
	cfg := baseConfig()
	disable := len(cfg.Columns)
	cfg.Columns = append(cfg.Columns, serialentry.Column{Index: disable, Function: function.DisablePricing, Kind: serialentry.KindDestination, Field: "no_pricing"})
	s := build(t, cfg, serialentry.Options{}, serialentry.Deps{})
	r := rowFor(t, s, "S1")

	edit(t, s, r, value.Int(2), colQuantity)
	edit(t, s, r, value.Int(80), colUnitPrice)
	require.True(t, r.Value(disable).Truthy())

	edit(t, s, r, value.Int(3), colQuantity)
	require.Equal(t, "80", r.Value(colUnitPrice).String())
	require.Equal(t, "240.00", r.Value(colEndPrice).String())
}

func TestQuotaAutoCorrectsQuantity(t *testing.T) {
	cfg := baseConfig()
	cfg.Quota = quota.Config{
		Articles: query.Request{Name: "QuotaArticles", Fields: []string{"ItemNumber", "QuotaQuantity"}},
		Issued:   query.Request{Name: "QuotaIssued", Fields: []string{"ItemNumber", "QuotaIssued"}},
	}
	finder := baseFinder().
		SetRecords("QuotaArticles", query.Record{Values: []string{"A1", "10"}, Root: "Q1"}).
		SetRecords("QuotaIssued", query.Record{Values: []string{"A1", "7"}, Root: "I1"})
	s := build(t, cfg, serialentry.Options{AutoCorrectQuota: true}, serialentry.Deps{Finder: finder})
	require.NotNil(t, s.Quota())

	r := rowFor(t, s, "S1")
	edit(t, s, r, value.Int(5), colQuantity)
	require.Equal(t, 3, r.Quantity())

	other := rowFor(t, s, "S2")
	edit(t, s, other, value.Int(5), colQuantity)
	require.Equal(t, 5, other.Quantity(), "unlimited item is not corrected")
}

func TestMissingQuotaConfigurationDegrades(t *testing.T) {
	cfg := baseConfig()
	cfg.Quota = quota.Config{Articles: query.Request{Name: "QuotaArticles", Fields: []string{"ItemNumber"}}}
	s := build(t, cfg, serialentry.Options{AutoCorrectQuota: true}, serialentry.Deps{})
	require.Nil(t, s.Quota())

	r := rowFor(t, s, "S1")
	edit(t, s, r, value.Int(50), colQuantity)
	require.Equal(t, 50, r.Quantity())
}

type recordingPersister struct {
	batches []changeset.Batch
	result  func(changeset.Batch) changeset.Result
}

func (p *recordingPersister) Submit(_ context.Context, b changeset.Batch, done func(changeset.Result)) {
	p.batches = append(p.batches, b)
	if p.result != nil {
		done(p.result(b))
		return
	}
	done(changeset.Result{BatchID: b.ID})
}

func TestSaveRoundTripAndDeletion(t *testing.T) {
	persister := &recordingPersister{}
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{Persister: persister})
	r := rowFor(t, s, "S1")

	edit(t, s, r, value.Int(5), colQuantity)
	id, err := s.SaveAll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, persister.batches, 1)
	rows := persister.batches[0].Rows
	require.Len(t, rows, 1)
	root := rows[0].Records[0]
	require.True(t, root.IsRoot())
	require.True(t, root.HasValues)
	require.Equal(t, changeset.ModeInsert, root.Mode)

	require.Equal(t, root.RecordID, r.DestinationRecordID())
	require.False(t, r.Changed())
	require.Zero(t, s.Pending())

	id, err = s.SaveAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, id, "nothing left to save")

	res, _ := edit(t, s, r, value.Text("0"), colQuantity)
	require.Equal(t, serialentry.EditRemove, res)
	require.True(t, r.Deleted())

	_, err = s.Save(context.Background(), r)
	require.NoError(t, err)
	del := persister.batches[1].Rows[0].Records
	require.Equal(t, []changeset.Record{{InfoArea: "OrderItem", RecordID: root.RecordID, Mode: changeset.ModeDelete, Child: changeset.RootChild}}, del)
	require.Len(t, s.Rows(), 1)
}

func TestTotalsCoverActiveRows(t *testing.T) {
	persister := &recordingPersister{}
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{Persister: persister})
	a, b := rowFor(t, s, "S1"), rowFor(t, s, "S2")
	require.Zero(t, s.Totals().Gross)

	edit(t, s, a, value.Int(5), colQuantity)
	edit(t, s, b, value.Int(2), colQuantity)
	sum := s.Totals()
	require.InDelta(t, 600, sum.Gross, 1e-9)
	require.InDelta(t, 565, sum.Net, 1e-9)
	require.InDelta(t, 35, sum.Discount, 1e-9)

	saveAll(t, s)
	res, _ := edit(t, s, b, value.Text("0"), colQuantity)
	require.Equal(t, serialentry.EditRemove, res)
	sum = s.Totals()
	require.InDelta(t, 500, sum.Gross, 1e-9)
	require.InDelta(t, 475, sum.Net, 1e-9)
}

// deferredPersister holds confirmations until settle is called.
type deferredPersister struct {
	batches []changeset.Batch
	done    []func(changeset.Result)
}

func (p *deferredPersister) Submit(_ context.Context, b changeset.Batch, done func(changeset.Result)) {
	p.batches = append(p.batches, b)
	p.done = append(p.done, done)
}

func (p *deferredPersister) settle(i int) {
	p.done[i](changeset.Result{BatchID: p.batches[i].ID})
}

func saveAll(t *testing.T, s *serialentry.Session) string {
	t.Helper()
	id, err := s.SaveAll(context.Background())
	require.NoError(t, err)
	return id
}

func TestEditDuringSaveStaysPending(t *testing.T) {
	persister := &deferredPersister{}
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{Persister: persister})
	r := rowFor(t, s, "S1")

	edit(t, s, r, value.Int(5), colQuantity)
	require.NotEmpty(t, saveAll(t, s))
	edit(t, s, r, value.Int(7), colQuantity)
	require.Empty(t, saveAll(t, s), "row is in flight")

	persister.settle(0)
	inserted := persister.batches[0].Rows[0].Records[0]
	require.Equal(t, inserted.RecordID, r.DestinationRecordID())
	require.True(t, r.Changed())
	require.Equal(t, 7, r.Quantity())

	require.NotEmpty(t, saveAll(t, s))
	update := persister.batches[1].Rows[0].Records[0]
	require.Equal(t, changeset.ModeUpdate, update.Mode)
	require.Equal(t, inserted.RecordID, update.RecordID)
	qty, ok := update.Value("quantity")
	require.True(t, ok)
	require.Equal(t, "7", qty)

	persister.settle(1)
	require.False(t, r.Changed())
	require.Empty(t, saveAll(t, s))
}

func TestConfirmedDeleteKeepsRevivedRow(t *testing.T) {
	persister := &deferredPersister{}
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{Persister: persister})
	r := rowFor(t, s, "S1")

	edit(t, s, r, value.Int(5), colQuantity)
	saveAll(t, s)
	persister.settle(0)

	res, _ := edit(t, s, r, value.Text("0"), colQuantity)
	require.Equal(t, serialentry.EditRemove, res)
	require.NotEmpty(t, saveAll(t, s))
	res, _ = edit(t, s, r, value.Int(3), colQuantity)
	require.Equal(t, serialentry.EditAdd, res)

	persister.settle(1)
	_, ok := s.Row(r.Key())
	require.True(t, ok, "revived row stays in the session")
	require.Equal(t, changeset.NewRecordID, r.DestinationRecordID())
	require.True(t, r.Changed())

	require.NotEmpty(t, saveAll(t, s))
	insert := persister.batches[2].Rows[0].Records[0]
	require.Equal(t, changeset.ModeInsert, insert.Mode)
	qty, ok := insert.Value("quantity")
	require.True(t, ok)
	require.Equal(t, "3", qty)
}

func TestClearingDeletedRowKeepsDeletion(t *testing.T) {
	persister := &recordingPersister{}
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{Persister: persister})
	r := rowFor(t, s, "S1")

	edit(t, s, r, value.Int(5), colQuantity)
	saveAll(t, s)
	stored := r.DestinationRecordID()

	res, _ := edit(t, s, r, value.Text("0"), colQuantity)
	require.Equal(t, serialentry.EditRemove, res)
	res, _ = edit(t, s, r, value.Empty(), colQuantity)
	require.Equal(t, serialentry.EditChange, res)
	require.True(t, r.Deleted())

	saveAll(t, s)
	require.Equal(t, []changeset.Record{{InfoArea: "OrderItem", RecordID: stored, Mode: changeset.ModeDelete, Child: changeset.RootChild}},
		persister.batches[1].Rows[0].Records)
}

func TestEmptyingNewRowIsNotARemoval(t *testing.T) {
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{})
	r := rowFor(t, s, "S1")

	edit(t, s, r, value.Int(2), colQuantity)
	res, _ := edit(t, s, r, value.Text("0"), colQuantity)
	require.Equal(t, serialentry.EditChange, res)
	require.False(t, r.Deleted())
	require.Empty(t, r.DestinationRecordID())
}

func TestSaveAllFailureAttachesErrors(t *testing.T) {
	boom := errors.New("store offline")
	rowErr := errors.New("duplicate key")
	persister := &recordingPersister{}
	s := build(t, baseConfig(), serialentry.Options{}, serialentry.Deps{Persister: persister})
	a, b := rowFor(t, s, "S1"), rowFor(t, s, "S2")
	persister.result = func(batch changeset.Batch) changeset.Result {
		return changeset.Result{BatchID: batch.ID, Err: boom, RowErrs: map[string]error{b.Key(): rowErr}}
	}

	edit(t, s, a, value.Int(1), colQuantity)
	edit(t, s, b, value.Int(1), colQuantity)
	_, err := s.SaveAll(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, a.Err, serialentry.ErrSaveAll)
	require.ErrorIs(t, a.Err, boom)
	var saveAll *serialentry.SaveAllError
	require.ErrorAs(t, a.Err, &saveAll)
	require.Same(t, rowErr, b.Err)
	require.True(t, a.Changed())
	require.Equal(t, changeset.NewRecordID, a.DestinationRecordID())
}

func TestEditBeforeBuildFails(t *testing.T) {
	s, err := serialentry.New(baseConfig(), serialentry.Options{}, serialentry.Deps{Finder: baseFinder(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, _, err = s.UpdateRow(nil, value.Int(1), colQuantity)
	require.ErrorIs(t, err, serialentry.ErrNotLoaded)
	_, err = s.SaveAll(context.Background())
	require.ErrorIs(t, err, serialentry.ErrNotLoaded)
}

func TestBuildCancelledStaysAtStep(t *testing.T) {
	finder := baseFinder()
	finder.Deferred = true
	s, err := serialentry.New(baseConfig(), serialentry.Options{}, serialentry.Deps{Finder: finder, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Build(ctx), query.ErrCancelled)
	require.Equal(t, serialentry.BuildPricing, s.Step())

	finder.Deferred = false
	require.NoError(t, s.Build(context.Background()))
	require.True(t, s.Loaded())
}

func TestBuildFailureIsTerminal(t *testing.T) {
	finder := baseFinder().Fail("Source", errors.New("store offline"))
	s, err := serialentry.New(baseConfig(), serialentry.Options{}, serialentry.Deps{Finder: finder, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Error(t, s.Build(context.Background()))
	require.Equal(t, serialentry.BuildFailed, s.Step())
	require.ErrorIs(t, s.Build(context.Background()), serialentry.ErrBuildFailed)
}

func TestDestinationRecordsAndDuplicates(t *testing.T) {
	cfg := baseConfig()
	cfg.Destination = query.Request{Name: "Destination", Fields: []string{"SourceRecordID", "quantity"}}
	finder := baseFinder().SetRecords("Destination",
		query.Record{Values: []string{"S1", "2"}, Root: "D1"},
		query.Record{Values: []string{"S1", "3"}, Root: "D2"},
	)
	s := build(t, cfg, serialentry.Options{}, serialentry.Deps{Finder: finder})

	rows := s.Rows()
	require.Len(t, rows, 3)
	require.Equal(t, []string{"S1#0", "S1#1", "S2#0"}, []string{rows[0].Key(), rows[1].Key(), rows[2].Key()})
	require.Equal(t, "D1", rows[0].DestinationRecordID())
	require.Equal(t, "D2", rows[1].DestinationRecordID())
	require.Equal(t, 3, rows[1].Quantity())
	require.Equal(t, "300.00", rows[1].Value(colEndPrice).String())

	d, err := s.DuplicateRow(rows[0])
	require.NoError(t, err)
	require.Equal(t, "S1#2", d.Key())
	require.Empty(t, d.DestinationRecordID())
	require.Equal(t, "A1", d.Value(colItem).String())
	require.True(t, d.Value(colQuantity).IsEmpty())
	require.Equal(t, "S1#2", s.Rows()[2].Key())
}

func TestChildColumnsSumIntoParent(t *testing.T) {
	cfg := baseConfig()
	cfg.Columns[colQuantity].ChildSum = true
	first := len(cfg.Columns)
	cfg.Columns = append(cfg.Columns,
		serialentry.Column{Index: first, Function: function.Quantity, Kind: serialentry.KindDestinationChild, Field: "qty", ChildIndex: 0},
		serialentry.Column{Index: first + 1, Function: function.Quantity, Kind: serialentry.KindDestinationChild, Field: "qty", ChildIndex: 1},
	)
	cfg.Layout.Children = []changeset.Child{{InfoArea: "Delivery"}, {InfoArea: "Delivery"}}
	s := build(t, cfg, serialentry.Options{}, serialentry.Deps{})
	r := rowFor(t, s, "S1")

	edit(t, s, r, value.Int(2), first)
	edit(t, s, r, value.Int(3), first+1)
	require.Equal(t, 5, r.Quantity())
	require.Equal(t, "500.00", r.Value(colEndPrice).String())
}

func TestParentColumnEditClearsChildren(t *testing.T) {
	cfg := baseConfig()
	variant := len(cfg.Columns)
	cfg.Columns = append(cfg.Columns,
		serialentry.Column{Index: variant, Function: "Catalog", Kind: serialentry.KindDestination, Field: "catalog"},
		serialentry.Column{Index: variant + 1, Function: "SubCatalog", Kind: serialentry.KindDestination, Field: "sub_catalog", HasParent: true, ParentColumnIndex: variant},
	)
	s := build(t, cfg, serialentry.Options{}, serialentry.Deps{})
	r := rowFor(t, s, "S1")

	edit(t, s, r, value.Text("X"), variant+1)
	edit(t, s, r, value.Text("C1"), variant)
	require.True(t, r.Value(variant+1).IsEmpty())
}

func TestNewColumnsValidates(t *testing.T) {
	_, err := serialentry.NewColumns([]serialentry.Column{{Index: 1}})
	require.Error(t, err)

	_, err = serialentry.NewColumns([]serialentry.Column{{Index: 0, Kind: serialentry.KindDestination}})
	require.Error(t, err, "destination columns need a field")

	_, err = serialentry.NewColumns([]serialentry.Column{{Index: 0, HasParent: true, ParentColumnIndex: 0}})
	require.Error(t, err)

	cols, err := serialentry.NewColumns(columns())
	require.NoError(t, err)
	i, ok := cols.Index(function.Quantity)
	require.True(t, ok)
	require.Equal(t, colQuantity, i)
	layout := cols.Layout(changeset.Layout{InfoArea: "OrderItem"})
	require.Len(t, layout.Columns, 5)
}

func TestBuildStepTransitions(t *testing.T) {
	require.Equal(t, serialentry.BuildDestination, serialentry.NextBuildStep(serialentry.BuildPricing, serialentry.EventCompleted))
	require.Equal(t, serialentry.BuildListing, serialentry.NextBuildStep(serialentry.BuildListing, serialentry.EventCancelled))
	require.Equal(t, serialentry.BuildFailed, serialentry.NextBuildStep(serialentry.BuildQuota, serialentry.EventFailed))
	require.Equal(t, serialentry.BuildDone, serialentry.NextBuildStep(serialentry.BuildRows, serialentry.EventCompleted))
	require.Equal(t, serialentry.BuildDone, serialentry.NextBuildStep(serialentry.BuildDone, serialentry.EventFailed))
}

func TestOverallStateTransitions(t *testing.T) {
	rule := pricing.OverallDiscount{Threshold: 1000, Discount: 0.2}

	next, flipped := serialentry.NextOverallState(serialentry.OverallInactive, 1050, rule)
	require.Equal(t, serialentry.OverallActive, next)
	require.True(t, flipped)

	next, flipped = serialentry.NextOverallState(next, 1200, rule)
	require.Equal(t, serialentry.OverallActive, next)
	require.False(t, flipped)

	next, flipped = serialentry.NextOverallState(next, 950, rule)
	require.Equal(t, serialentry.OverallInactive, next)
	require.True(t, flipped)
}
