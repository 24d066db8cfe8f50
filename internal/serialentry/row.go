package serialentry

import (
	"strconv"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/value"
)

// Row is one line of the serial entry grid. Rows are owned by their session
// and must only be mutated through it.
type Row struct {
	cols *Columns

	key             string
	seq             int
	sourceRecordID  string
	listingRecordID string
	// destRecordID is "" before the row was touched, changeset.NewRecordID
	// once it will be created, and the stored id afterwards.
	destRecordID   string
	childRecordIDs []string

	values    []value.Value
	originals []value.Value
	source    map[function.Name]string

	changed        bool
	deleted        bool
	discountInfo   *pricing.DiscountInfo
	overallApplied bool

	// Err is the last persistence error of the row.
	Err error
}

func newRow(cols *Columns, sourceRecordID string, seq int, source map[function.Name]string) *Row {
	if source == nil {
		source = make(map[function.Name]string)
	}
	return &Row{
		cols:           cols,
		key:            sourceRecordID + "#" + strconv.Itoa(seq),
		seq:            seq,
		sourceRecordID: sourceRecordID,
		childRecordIDs: make([]string, cols.Children()),
		values:         make([]value.Value, cols.Len()),
		originals:      make([]value.Value, cols.Len()),
		source:         source,
	}
}

// Key returns the session-unique row key (source record id and sequence).
func (r *Row) Key() string { return r.key }

// Sequence returns the duplicate sequence number of the row.
func (r *Row) Sequence() int { return r.seq }

// Changed reports whether the row has unsaved edits.
func (r *Row) Changed() bool { return r.changed }

// Value returns the current cell of column i.
func (r *Row) Value(i int) value.Value { return r.ValueAt(i) }

// Values returns a copy of the current cells.
func (r *Row) Values() []value.Value {
	out := make([]value.Value, len(r.values))
	copy(out, r.values)
	return out
}

// DiscountInfo returns the cached discount resolution, if any.
func (r *Row) DiscountInfo() *pricing.DiscountInfo { return r.discountInfo }

// PositionKey implements pricing.Position.
func (r *Row) PositionKey() string { return r.key }

// SourceRecordID implements pricing.Position and changeset.Row.
func (r *Row) SourceRecordID() string { return r.sourceRecordID }

// MatchValue prefers the source snapshot and falls back to the row's column.
func (r *Row) MatchValue(name function.Name) string {
	if v, ok := r.source[name]; ok && v != "" {
		return v
	}
	if i, ok := r.cols.Index(name); ok {
		return r.values[i].String()
	}
	return ""
}

// Quantity implements pricing.Position.
func (r *Row) Quantity() int {
	i, ok := r.cols.Index(function.Quantity)
	if !ok {
		return 0
	}
	return r.values[i].Int()
}

// EndPrice returns the EndPrice column, or unit price times quantity when the
// column is absent or empty.
func (r *Row) EndPrice() float64 {
	if i, ok := r.cols.Index(function.EndPrice); ok && !r.values[i].IsEmpty() {
		return r.values[i].Float()
	}
	return r.float(function.UnitPrice) * float64(r.Quantity())
}

// Active implements pricing.Position and quota.Position.
func (r *Row) Active() bool { return !r.deleted }

// QuotaItemNumber implements quota.Position.
func (r *Row) QuotaItemNumber() string { return r.MatchValue(function.ItemNumber) }

// QuotaCount returns the stored quantity of a persisted row.
func (r *Row) QuotaCount() int {
	if !changeset.Persisted(r.destRecordID) {
		return 0
	}
	i, ok := r.cols.Index(function.Quantity)
	if !ok {
		return 0
	}
	return r.originals[i].Int()
}

// DestinationRecordID implements changeset.Row.
func (r *Row) DestinationRecordID() string { return r.destRecordID }

// ListingRecordID implements changeset.Row.
func (r *Row) ListingRecordID() string { return r.listingRecordID }

// ChildRecordID implements changeset.Row.
func (r *Row) ChildRecordID(c int) string {
	if c < 0 || c >= len(r.childRecordIDs) {
		return ""
	}
	return r.childRecordIDs[c]
}

// Deleted implements changeset.Row.
func (r *Row) Deleted() bool { return r.deleted }

// ValueAt implements changeset.Row.
func (r *Row) ValueAt(i int) value.Value {
	if i < 0 || i >= len(r.values) {
		return value.Empty()
	}
	return r.values[i]
}

// OriginalAt implements changeset.Row.
func (r *Row) OriginalAt(i int) value.Value {
	if i < 0 || i >= len(r.originals) {
		return value.Empty()
	}
	return r.originals[i]
}

// ValueForFunction implements changeset.Row.
func (r *Row) ValueForFunction(name function.Name) (value.Value, bool) {
	if i, ok := r.cols.Index(name); ok {
		return r.values[i], true
	}
	if v, ok := r.source[name]; ok {
		return value.Text(v), true
	}
	return value.Empty(), false
}

func (r *Row) float(name function.Name) float64 {
	if i, ok := r.cols.Index(name); ok {
		return r.values[i].Float()
	}
	return 0
}

// set writes v into every column fn names outside child relations. It
// reports whether a column exists.
func (r *Row) set(fn function.Name, v value.Value) bool {
	idx := r.cols.copies(fn)
	for _, i := range idx {
		r.values[i] = v
	}
	return len(idx) > 0
}

func (r *Row) pricingDisabled() bool {
	i, ok := r.cols.Index(function.DisablePricing)
	return ok && r.values[i].Truthy()
}

// isEmpty reports whether every destination column that is not derived by
// pricing is empty or holds its column's empty sentinel.
func (r *Row) isEmpty() bool {
	for i := 0; i < r.cols.Len(); i++ {
		col := r.cols.At(i)
		if col.Kind != KindDestination && col.Kind != KindDestinationChild {
			continue
		}
		if col.Function.IsPricingOutput() {
			continue
		}
		v := r.values[i]
		if v.IsEmpty() {
			continue
		}
		if col.EmptyValue != "" && v.Equal(value.Text(col.EmptyValue)) {
			continue
		}
		return false
	}
	return true
}

// duplicate copies the source and listing state into a fresh row without a
// destination identity.
func (r *Row) duplicate(seq int) *Row {
	d := newRow(r.cols, r.sourceRecordID, seq, r.source)
	d.listingRecordID = r.listingRecordID
	for i := 0; i < r.cols.Len(); i++ {
		switch r.cols.At(i).Kind {
		case KindSource, KindListing:
			d.values[i] = r.values[i]
		}
	}
	return d
}
