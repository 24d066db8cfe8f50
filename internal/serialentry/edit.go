package serialentry

import (
	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/obs"
	"github.com/noah-isme/serial-entry/internal/quota"
	"github.com/noah-isme/serial-entry/internal/value"
)

// EditResult classifies an accepted edit.
type EditResult int

const (
	// EditInvalid means the value did not change.
	EditInvalid EditResult = iota
	// EditAdd means the row now needs to be created (or was undeleted).
	EditAdd
	// EditChange means a row with an identity changed.
	EditChange
	// EditRemove means a stored row was emptied and is now deleted.
	EditRemove
)

func (e EditResult) String() string {
	switch e {
	case EditAdd:
		return "add"
	case EditChange:
		return "change"
	case EditRemove:
		return "remove"
	default:
		return "invalid"
	}
}

// NewValueForColumnIndex applies v to column col of r, runs the recomputation
// cascade and returns the other rows whose values changed as a consequence.
func (s *Session) NewValueForColumnIndex(r *Row, v value.Value, col int) (EditResult, []*Row, error) {
	if !s.Loaded() {
		return EditInvalid, nil, ErrNotLoaded
	}
	if col < 0 || col >= s.cols.Len() {
		return EditInvalid, nil, ErrInvalidColumn
	}
	if r.values[col].Equal(v) {
		return EditInvalid, nil, nil
	}

	wasDeleted := r.deleted
	r.values[col] = v
	for i := 0; i < s.cols.Len(); i++ {
		if c := s.cols.At(i); c.HasParent && c.ParentColumnIndex == col {
			r.values[i] = value.Text(c.EmptyValue)
		}
	}
	r.changed = true

	affected := s.computeRow(r, col, true, false)
	s.recomputeDependents(affected)

	def := s.cols.At(col)
	emptied := v.IsEmpty() || (def.EmptyValue != "" && v.Equal(value.Text(def.EmptyValue)))
	switch {
	case emptied && !wasDeleted && r.isEmpty():
		if changeset.Persisted(r.destRecordID) {
			r.deleted = true
			return EditRemove, affected, nil
		}
		r.destRecordID = ""
		r.changed = false
		return EditChange, affected, nil
	case wasDeleted && r.isEmpty():
		return EditChange, affected, nil
	case wasDeleted:
		r.deleted = false
		return EditAdd, affected, nil
	case r.destRecordID == "":
		r.destRecordID = changeset.NewRecordID
		return EditAdd, affected, nil
	default:
		return EditChange, affected, nil
	}
}

// recomputeDependents runs the non-cascading recompute on rows and marks them
// changed.
func (s *Session) recomputeDependents(rows []*Row) {
	col, ok := s.cols.Index(function.Quantity)
	if !ok {
		return
	}
	for _, r := range rows {
		s.computeRow(r, col, false, true)
		r.changed = true
	}
}

// UpdateRow is the edit gateway: it corrects quantities that exceed the
// remaining quota before applying the edit.
func (s *Session) UpdateRow(r *Row, v value.Value, col int) (EditResult, []*Row, error) {
	if !s.Loaded() {
		return EditInvalid, nil, ErrNotLoaded
	}
	if col >= 0 && col < s.cols.Len() && s.cols.At(col).Function == function.Quantity {
		v = s.correctQuota(r, v)
	}
	return s.NewValueForColumnIndex(r, v, col)
}

func (s *Session) correctQuota(r *Row, v value.Value) value.Value {
	if !s.opts.AutoCorrectQuota || !s.quota.Loaded() {
		return v
	}
	item := r.QuotaItemNumber()
	rq := s.quota.RowQuotaForItemNumber(item)
	if rq.Unlimited() {
		return v
	}
	newValue := v.Int()
	count := newValue
	for _, other := range s.rows {
		if other != r && other.Active() && other.QuotaItemNumber() == item {
			count += other.Quantity()
		}
	}
	corrected, ok := quota.AutoCorrect(newValue, rq.RemainingQuotaForCount(count))
	if !ok {
		return v
	}
	kind := "reduced"
	if corrected == 0 {
		kind = "zeroed"
	}
	obs.IncQuotaCorrection(kind)
	s.logger.Debug().
		Str("item", item).
		Int("requested", newValue).
		Int("corrected", corrected).
		Msg("quantity corrected to remaining quota")
	return value.Int(corrected)
}
