package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/serialentry"
	"github.com/noah-isme/serial-entry/internal/value"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler exposes the session registry over HTTP.
type Handler struct {
	Sessions     *Registry
	BuildTimeout time.Duration
	Logger       zerolog.Logger
}

type columnView struct {
	Index    int    `json:"index"`
	Function string `json:"function,omitempty"`
	Kind     string `json:"kind"`
	Field    string `json:"field,omitempty"`
	Child    int    `json:"child,omitempty"`
}

type rowView struct {
	Key                 string `json:"key"`
	SourceRecordID      string `json:"source_record_id"`
	DestinationRecordID string `json:"destination_record_id,omitempty"`
	Changed             bool   `json:"changed"`
	Deleted             bool   `json:"deleted"`
	Error               string `json:"error,omitempty"`
	Values              []any  `json:"values"`
}

type totalsView struct {
	Gross    string `json:"gross"`
	Discount string `json:"discount"`
	Net      string `json:"net"`
}

type sessionView struct {
	ID              string       `json:"id"`
	ParentRecordID  string       `json:"parent_record_id"`
	Step            string       `json:"step"`
	OverallDiscount bool         `json:"overall_discount"`
	Pending         int          `json:"pending"`
	Totals          totalsView   `json:"totals"`
	Columns         []columnView `json:"columns"`
	Rows            []rowView    `json:"rows"`
}

type editRequest struct {
	Column   *int   `json:"column" validate:"required_without=Function,omitempty,gte=0"`
	Function string `json:"function" validate:"required_without=Column,omitempty,max=64"`
	Value    any    `json:"value"`
}

type editResponse struct {
	Result          string    `json:"result"`
	Row             rowView   `json:"row"`
	Affected        []rowView `json:"affected"`
	OverallDiscount bool      `json:"overall_discount"`
}

type saveRequest struct {
	Rows []string `json:"rows" validate:"dive,required"`
}

type saveResponse struct {
	BatchID string `json:"batch_id,omitempty"`
	Pending int    `json:"pending"`
}

type quotaResponse struct {
	ItemNumber string `json:"item_number"`
	Unlimited  bool   `json:"unlimited"`
	Ceiling    int    `json:"ceiling,omitempty"`
	Issued     int    `json:"issued,omitempty"`
	Remaining  int    `json:"remaining,omitempty"`
}

func encodeValue(v value.Value) any {
	switch v.Kind() {
	case value.KindEmpty:
		return nil
	case value.KindNumber:
		return v.Float()
	case value.KindBool:
		return v.Truthy()
	default:
		return v.String()
	}
}

func decodeValue(raw any) value.Value {
	switch v := raw.(type) {
	case nil:
		return value.Empty()
	case float64:
		return value.Number(v)
	case bool:
		return value.Bool(v)
	case string:
		return value.Text(v)
	default:
		return value.Empty()
	}
}

func viewRow(r *serialentry.Row) rowView {
	out := rowView{
		Key:                 r.Key(),
		SourceRecordID:      r.SourceRecordID(),
		DestinationRecordID: r.DestinationRecordID(),
		Changed:             r.Changed(),
		Deleted:             r.Deleted(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	vals := r.Values()
	out.Values = make([]any, len(vals))
	for i, v := range vals {
		out.Values[i] = encodeValue(v)
	}
	return out
}

func viewRows(rows []*serialentry.Row) []rowView {
	out := make([]rowView, 0, len(rows))
	for _, r := range rows {
		out = append(out, viewRow(r))
	}
	return out
}

func viewSession(e *Entry, s *serialentry.Session) sessionView {
	cols := s.Columns()
	out := sessionView{
		ID:              e.ID,
		ParentRecordID:  e.Parent,
		Step:            s.Step().String(),
		OverallDiscount: s.OverallDiscountActive(),
		Pending:         s.Pending(),
		Totals:          viewTotals(s.Totals()),
		Columns:         make([]columnView, cols.Len()),
		Rows:            viewRows(s.Rows()),
	}
	for i := 0; i < cols.Len(); i++ {
		c := cols.At(i)
		out.Columns[i] = columnView{Index: i, Function: string(c.Function), Kind: c.Kind.String(), Field: c.Field, Child: c.ChildIndex}
	}
	return out
}

func viewTotals(sum pricing.Summary) totalsView {
	return totalsView{
		Gross:    value.FormatMoney(sum.Gross),
		Discount: value.FormatMoney(sum.Discount),
		Net:      value.FormatMoney(sum.Net),
	}
}

func (h Handler) entry(r *http.Request) (*Entry, error) {
	return h.Sessions.Get(chi.URLParam(r, "sessionID"))
}

func rowKey(r *http.Request) string {
	raw := chi.URLParam(r, "rowKey")
	if key, err := url.PathUnescape(raw); err == nil {
		return key
	}
	return raw
}

func lookupRow(s *serialentry.Session, key string) (*serialentry.Row, error) {
	row, ok := s.Row(key)
	if !ok {
		return nil, serialentry.ErrUnknownRow
	}
	return row, nil
}

// Open builds a session from the posted definition.
func (h Handler) Open(w http.ResponseWriter, r *http.Request) {
	var def Definition
	if err := decodeJSON(r, &def); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(def); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	if h.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.BuildTimeout)
		defer cancel()
	}
	e, err := h.Sessions.Open(ctx, def)
	if err != nil {
		h.Logger.Warn().Err(err).Str("parent", def.ParentRecordID).Msg("open session failed")
		if !errors.As(err, new(*AppError)) && !errors.Is(err, serialentry.ErrInvalidColumn) {
			err = newAppError("BUILD_FAILED", err.Error(), http.StatusBadGateway, err)
		}
		writeError(w, err)
		return
	}
	var view sessionView
	_ = e.Do(func(s *serialentry.Session) error {
		view = viewSession(e, s)
		return nil
	})
	JSON(w, http.StatusCreated, view)
}

// Get renders the session grid.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.entry(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var view sessionView
	_ = e.Do(func(s *serialentry.Session) error {
		view = viewSession(e, s)
		return nil
	})
	JSON(w, http.StatusOK, view)
}

// Close drops the session.
func (h Handler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Close(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Row renders one row.
func (h Handler) Row(w http.ResponseWriter, r *http.Request) {
	e, err := h.entry(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var view rowView
	err = e.Do(func(s *serialentry.Session) error {
		row, err := lookupRow(s, rowKey(r))
		if err != nil {
			return err
		}
		view = viewRow(row)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// Edit applies a new cell value through the quota-correcting edit gateway.
func (h Handler) Edit(w http.ResponseWriter, r *http.Request) {
	e, err := h.entry(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, newAppError("INVALID_EDIT", "column or function required", http.StatusUnprocessableEntity, err))
		return
	}

	var resp editResponse
	err = e.Do(func(s *serialentry.Session) error {
		row, err := lookupRow(s, rowKey(r))
		if err != nil {
			return err
		}
		col := -1
		if req.Column != nil {
			col = *req.Column
		} else if i, ok := s.Columns().Index(function.Name(req.Function)); ok {
			col = i
		}
		result, affected, err := s.UpdateRow(row, decodeValue(req.Value), col)
		if err != nil {
			return err
		}
		resp = editResponse{
			Result:          result.String(),
			Row:             viewRow(row),
			Affected:        viewRows(affected),
			OverallDiscount: s.OverallDiscountActive(),
		}
		return nil
	})
	if err != nil {
		incEdit("error")
		writeError(w, err)
		return
	}
	incEdit(resp.Result)
	JSON(w, http.StatusOK, resp)
}

// Duplicate copies a row below itself.
func (h Handler) Duplicate(w http.ResponseWriter, r *http.Request) {
	e, err := h.entry(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var view rowView
	err = e.Do(func(s *serialentry.Session) error {
		row, err := lookupRow(s, rowKey(r))
		if err != nil {
			return err
		}
		d, err := s.DuplicateRow(row)
		if err != nil {
			return err
		}
		view = viewRow(d)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, view)
}

// Save submits the changed rows, or the listed ones, as one batch. The
// outcome arrives asynchronously and shows up on the rows.
func (h Handler) Save(w http.ResponseWriter, r *http.Request) {
	e, err := h.entry(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req saveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, newAppError("INVALID_SAVE", "row keys must not be empty", http.StatusUnprocessableEntity, err))
			return
		}
	}

	// The batch outlives the request; its result is awaited in the background.
	ctx := context.WithoutCancel(r.Context())
	var resp saveResponse
	err = e.Do(func(s *serialentry.Session) error {
		rows := s.Rows()
		if len(req.Rows) > 0 {
			rows = rows[:0]
			for _, key := range req.Rows {
				row, err := lookupRow(s, key)
				if err != nil {
					return err
				}
				rows = append(rows, row)
			}
		}
		id, err := s.Save(ctx, rows...)
		if err != nil {
			return err
		}
		resp = saveResponse{BatchID: id, Pending: s.Pending()}
		return nil
	})
	if err != nil {
		incSave("error")
		writeError(w, err)
		return
	}
	if resp.BatchID == "" {
		incSave("empty")
		JSON(w, http.StatusOK, resp)
		return
	}
	incSave("submitted")
	h.Logger.Info().Str("session", e.ID).Str("batch", resp.BatchID).Msg("save submitted")
	JSON(w, http.StatusAccepted, resp)
}

// Quota reports the remaining quota of an item number within the session.
func (h Handler) Quota(w http.ResponseWriter, r *http.Request) {
	e, err := h.entry(r)
	if err != nil {
		writeError(w, err)
		return
	}
	item, err := url.PathUnescape(chi.URLParam(r, "itemNumber"))
	if err != nil {
		writeError(w, newAppError("INVALID_ITEM", "item number is not valid", http.StatusBadRequest, err))
		return
	}
	resp := quotaResponse{ItemNumber: item, Unlimited: true}
	_ = e.Do(func(s *serialentry.Session) error {
		q := s.Quota()
		if !q.Loaded() {
			return nil
		}
		rq := q.RowQuotaForItemNumber(item)
		if rq.Unlimited() {
			return nil
		}
		count := 0
		for _, row := range s.Rows() {
			if row.Active() && row.QuotaItemNumber() == item {
				count += row.Quantity()
			}
		}
		resp = quotaResponse{
			ItemNumber: item,
			Ceiling:    rq.Ceiling,
			Issued:     rq.Issued,
			Remaining:  rq.RemainingQuotaForCount(count),
		}
		return nil
	})
	JSON(w, http.StatusOK, resp)
}
