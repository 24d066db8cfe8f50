package serialentry

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/value"
)

// ErrSaveAll marks errors attached to rows by a failed batch.
var ErrSaveAll = errors.New("serialentry: save all failed")

// SaveAllError is attached to rows that failed only because their batch did.
type SaveAllError struct {
	Err error
}

func (e *SaveAllError) Error() string {
	if e == nil || e.Err == nil {
		return ErrSaveAll.Error()
	}
	return ErrSaveAll.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both ErrSaveAll and the batch error.
func (e *SaveAllError) Unwrap() []error { return []error{ErrSaveAll, e.Err} }

type pendingBatch struct {
	batch changeset.Batch
	rows  map[string]*Row
	// submitted holds the row values the batch was assembled from.
	submitted map[string][]value.Value
}

// Save assembles the change sets of rows and submits them as one batch. Rows
// without changes and rows already in flight are skipped. It returns the
// batch id, or "" when nothing was submitted.
func (s *Session) Save(ctx context.Context, rows ...*Row) (string, error) {
	if !s.Loaded() {
		return "", ErrNotLoaded
	}
	if s.persister == nil {
		return "", errors.New("serialentry: persister required")
	}
	pb := &pendingBatch{
		batch:     changeset.Batch{ID: uuid.NewString()},
		rows:      make(map[string]*Row),
		submitted: make(map[string][]value.Value),
	}

	s.mu.Lock()
	for _, r := range rows {
		if r == nil || (!r.changed && !r.deleted) {
			continue
		}
		if _, busy := s.inFlight[r.key]; busy {
			continue
		}
		recs := s.processor.ChangedChildRecordsForRootRecordParentRecord(r, s.cfg.ParentRecordID)
		if len(recs) == 0 {
			continue
		}
		pb.batch.Rows = append(pb.batch.Rows, changeset.RowChanges{RowKey: r.key, Records: recs})
		pb.rows[r.key] = r
		pb.submitted[r.key] = slices.Clone(r.values)
		s.inFlight[r.key] = pb.batch.ID
	}
	if len(pb.batch.Rows) == 0 {
		s.mu.Unlock()
		return "", nil
	}
	s.pending[pb.batch.ID] = pb
	s.mu.Unlock()

	s.logger.Debug().Str("batch", pb.batch.ID).Int("rows", len(pb.batch.Rows)).Msg("submitting change sets")
	s.persister.Submit(ctx, pb.batch, func(res changeset.Result) { s.Confirm(res) })
	return pb.batch.ID, nil
}

// SaveAll saves every changed or deleted row.
func (s *Session) SaveAll(ctx context.Context) (string, error) {
	return s.Save(ctx, s.Rows()...)
}

// Pending reports the number of unconfirmed batches.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Confirm applies the outcome of a submitted batch. Successful rows take their
// stored ids and become unchanged; confirmed deletions leave the session.
// Unknown batch ids are ignored and reported as false.
func (s *Session) Confirm(res changeset.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pb, ok := s.pending[res.BatchID]
	if !ok {
		return false
	}
	delete(s.pending, res.BatchID)

	for _, rc := range pb.batch.Rows {
		delete(s.inFlight, rc.RowKey)
		r := pb.rows[rc.RowKey]
		if err := res.RowErrs[rc.RowKey]; err != nil {
			r.Err = err
			continue
		}
		if res.Err != nil {
			r.Err = &SaveAllError{Err: res.Err}
			continue
		}
		s.applyConfirmed(r, rc.Records, pb.submitted[rc.RowKey])
	}
	if res.Err != nil {
		s.logger.Warn().Err(res.Err).Str("batch", res.BatchID).Msg("batch failed")
	}
	return true
}

// applyConfirmed records the stored ids of r. Edits made while the batch was
// in flight stay pending: originals take the submitted values, so the next
// save writes the difference.
func (s *Session) applyConfirmed(r *Row, records []changeset.Record, submitted []value.Value) {
	r.Err = nil
	for _, rec := range records {
		if !rec.IsRoot() && (rec.Child < 0 || rec.Child >= len(r.childRecordIDs)) {
			continue
		}
		switch {
		case rec.IsRoot() && rec.Mode == changeset.ModeDelete:
			if r.deleted {
				s.remove(r)
				return
			}
			// revived after the delete was sent: the row is new again
			r.destRecordID = changeset.NewRecordID
			clear(r.childRecordIDs)
			clear(r.originals)
			r.changed = true
			return
		case rec.IsRoot() && rec.Mode == changeset.ModeInsert:
			if r.destRecordID == "" && r.isEmpty() {
				// emptied after the insert was sent: the stored record goes
				r.deleted = true
			}
			r.destRecordID = rec.RecordID
		case !rec.IsRoot() && rec.Mode == changeset.ModeInsert:
			r.childRecordIDs[rec.Child] = rec.RecordID
		case !rec.IsRoot() && rec.Mode == changeset.ModeDelete:
			r.childRecordIDs[rec.Child] = ""
		}
	}
	if submitted == nil {
		submitted = r.values
	}
	copy(r.originals, submitted)
	r.changed = !slices.EqualFunc(r.values, r.originals, value.Value.Equal)
}

func (s *Session) remove(r *Row) {
	for i, cur := range s.rows {
		if cur == r {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			break
		}
	}
	s.pricing.Forget(r)
}
