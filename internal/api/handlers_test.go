package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/serial-entry/internal/api"
	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/quota"
	"github.com/noah-isme/serial-entry/internal/serialentry"
)

const (
	colItem = iota
	colQuantity
	colUnitPrice
	colDiscount
	colEndPrice
	colNetPrice
)

func definition() api.Definition {
	return api.Definition{
		ParentRecordID: "ORD1",
		Session: serialentry.Config{
			Columns: []serialentry.Column{
				{Index: colItem, Function: function.ItemNumber, Kind: serialentry.KindSource},
				{Index: colQuantity, Function: function.Quantity, Kind: serialentry.KindDestination, Field: "quantity", EmptyValue: "0"},
				{Index: colUnitPrice, Function: function.UnitPrice, Kind: serialentry.KindDestination, Field: "unit_price"},
				{Index: colDiscount, Function: function.Discount, Kind: serialentry.KindDestination, Field: "discount"},
				{Index: colEndPrice, Function: function.EndPrice, Kind: serialentry.KindDestination, Field: "end_price"},
				{Index: colNetPrice, Function: function.NetPrice, Kind: serialentry.KindDestination, Field: "net_price"},
			},
			Source: query.Request{Name: "Source", Fields: []string{"ItemNumber", "UnitPrice"}},
			Layout: changeset.Layout{InfoArea: "OrderItem", SourceInfoArea: "Article", ParentInfoArea: "Order"},
			Pricing: pricing.Config{
				Standard: pricing.SetConfig{Conditions: query.Request{Name: "Condition", Fields: []string{"ItemNumber", "Discount"}}},
			},
			Quota: quota.Config{
				Articles: query.Request{Name: "QuotaArticles", Fields: []string{"ItemNumber", "QuotaQuantity"}},
				Issued:   query.Request{Name: "QuotaIssued", Fields: []string{"ItemNumber", "QuotaIssued"}},
			},
		},
	}
}

func finder() *query.FakeFinder {
	return query.NewFakeFinder().
		SetRecords("Source",
			query.Record{Values: []string{"A1", "100"}, Root: "S1"},
			query.Record{Values: []string{"A2", "50"}, Root: "S2"},
		).
		SetRecords("Condition",
			query.Record{Values: []string{"A1", "0.05"}, Root: "C1"},
			query.Record{Values: []string{"A2", "0.10"}, Root: "C2"},
		).
		SetRecords("QuotaArticles", query.Record{Values: []string{"A1", "10"}, Root: "Q1"}).
		SetRecords("QuotaIssued", query.Record{Values: []string{"A1", "7"}, Root: "I1"})
}

type recorder struct {
	mu      sync.Mutex
	batches []changeset.Batch
	fail    error
}

func (p *recorder) Submit(_ context.Context, b changeset.Batch, done func(changeset.Result)) {
	p.mu.Lock()
	p.batches = append(p.batches, b)
	fail := p.fail
	p.mu.Unlock()
	done(changeset.Result{BatchID: b.ID, Err: fail})
}

func (p *recorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

type harness struct {
	srv       http.Handler
	sessions  *api.Registry
	persister *recorder
	finder    *query.FakeFinder
}

func newHarness(t *testing.T, opts serialentry.Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{persister: &recorder{}, finder: finder()}
	h.sessions = api.NewRegistry(&api.Factory{
		Finder:    h.finder,
		Persister: h.persister,
		Options:   opts,
		Logger:    zerolog.Nop(),
	}, time.Minute, zerolog.Nop())
	h.srv = api.NewRouter(api.RouterConfig{
		Sessions:    api.Handler{Sessions: h.sessions, BuildTimeout: time.Second, Logger: zerolog.Nop()},
		Logger:      zerolog.Nop(),
		BodyLimit:   1 << 16,
		Idempotency: api.Idempotency{R: client, Prefix: "test", TTL: time.Minute},
		EditRate:    api.EditRate{Limiter: api.Limiter{R: client, Prefix: "test"}, Window: time.Second, Max: 100, Logger: zerolog.Nop()},
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.srv.ServeHTTP(rr, req)
	return rr
}

type session struct {
	ID              string `json:"id"`
	Step            string `json:"step"`
	OverallDiscount bool   `json:"overall_discount"`
	Pending         int    `json:"pending"`
	Totals          struct {
		Gross string `json:"gross"`
		Net   string `json:"net"`
	} `json:"totals"`
	Rows []row `json:"rows"`
}

type row struct {
	Key                 string `json:"key"`
	DestinationRecordID string `json:"destination_record_id"`
	Changed             bool   `json:"changed"`
	Deleted             bool   `json:"deleted"`
	Error               string `json:"error"`
	Values              []any  `json:"values"`
}

type edited struct {
	Result   string `json:"result"`
	Row      row    `json:"row"`
	Affected []row  `json:"affected"`
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func (h *harness) open(t *testing.T) session {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/api/v1/sessions", definition())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[session](t, rr)
}

func rowPath(sessionID, key string) string {
	return "/api/v1/sessions/" + sessionID + "/rows/" + url.PathEscape(key)
}

func TestOpenBuildsSession(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	s := h.open(t)

	require.NotEmpty(t, s.ID)
	require.Equal(t, 1, h.sessions.Len())
	require.Len(t, s.Rows, 2)
	require.Equal(t, "S1#0", s.Rows[0].Key)
	require.Equal(t, "A1", s.Rows[0].Values[colItem])
	require.Equal(t, "0.0500", s.Rows[0].Values[colDiscount])
	require.False(t, s.Rows[0].Changed)
}

func TestOpenRejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t, serialentry.Options{})

	def := definition()
	def.ParentRecordID = ""
	rr := h.do(t, http.MethodPost, "/api/v1/sessions", def)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), "INVALID_DEFINITION")

	rr = h.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"parent_record_id": "ORD1", "bogus": true})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Zero(t, h.sessions.Len())
}

func TestOpenReportsBuildFailure(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	h.finder.Fail("Source", context.DeadlineExceeded)

	rr := h.do(t, http.MethodPost, "/api/v1/sessions", definition())
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Contains(t, rr.Body.String(), "BUILD_FAILED")
	require.Zero(t, h.sessions.Len())
}

func TestEditRecomputesRow(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	s := h.open(t)

	rr := h.do(t, http.MethodPatch, rowPath(s.ID, "S1#0"), map[string]any{"function": "Quantity", "value": 5})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[edited](t, rr)
	require.Equal(t, "add", out.Result)
	require.Equal(t, changeset.NewRecordID, out.Row.DestinationRecordID)
	require.Equal(t, "500.00", out.Row.Values[colEndPrice])
	require.Equal(t, "475.00", out.Row.Values[colNetPrice])

	rr = h.do(t, http.MethodPatch, rowPath(s.ID, "S1#0"), map[string]any{"column": colQuantity, "value": "5"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "invalid", decode[edited](t, rr).Result)

	rr = h.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[session](t, rr)
	require.Equal(t, "500.00", got.Totals.Gross)
	require.Equal(t, "475.00", got.Totals.Net)
}

func TestEditCorrectsQuota(t *testing.T) {
	h := newHarness(t, serialentry.Options{AutoCorrectQuota: true})
	s := h.open(t)

	rr := h.do(t, http.MethodPatch, rowPath(s.ID, "S1#0"), map[string]any{"column": colQuantity, "value": 5})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 3.0, decode[edited](t, rr).Row.Values[colQuantity])

	rr = h.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID+"/quota/A1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	q := decode[map[string]any](t, rr)
	require.Equal(t, 10.0, q["ceiling"])
	require.Equal(t, false, q["unlimited"])
	require.Nil(t, q["remaining"], "quota is used up")

	rr = h.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID+"/quota/A2", nil)
	require.Equal(t, true, decode[map[string]any](t, rr)["unlimited"])
}

func TestEditErrors(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	s := h.open(t)

	rr := h.do(t, http.MethodPatch, rowPath(s.ID, "S1#0"), map[string]any{"column": 42, "value": 1})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), "INVALID_COLUMN")

	rr = h.do(t, http.MethodPatch, rowPath(s.ID, "S1#0"), map[string]any{"value": 1})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), "INVALID_EDIT")

	rr = h.do(t, http.MethodPatch, rowPath(s.ID, "nope#0"), map[string]any{"column": colQuantity, "value": 1})
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/v1/sessions/unknown", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), "SESSION_NOT_FOUND")
}

func TestDuplicateRow(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	s := h.open(t)

	rr := h.do(t, http.MethodPost, rowPath(s.ID, "S1#0")+"/duplicate", nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "S1#1", decode[row](t, rr).Key)

	rr = h.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID, nil)
	got := decode[session](t, rr)
	require.Len(t, got.Rows, 3)
	require.Equal(t, []string{"S1#0", "S1#1", "S2#0"}, []string{got.Rows[0].Key, got.Rows[1].Key, got.Rows[2].Key})
}

func TestSaveConfirmsAsynchronously(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	s := h.open(t)

	rr := h.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/save", nil)
	require.Equal(t, http.StatusOK, rr.Code, "nothing changed yet")
	require.Zero(t, h.persister.count())

	h.do(t, http.MethodPatch, rowPath(s.ID, "S1#0"), map[string]any{"column": colQuantity, "value": 2})
	rr = h.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/save", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	require.NotEmpty(t, decode[map[string]any](t, rr)["batch_id"])
	require.Equal(t, 1, h.persister.count())

	require.Eventually(t, func() bool {
		got := decode[session](t, h.do(t, http.MethodGet, "/api/v1/sessions/"+s.ID, nil))
		r := got.Rows[0]
		return got.Pending == 0 && !r.Changed && r.DestinationRecordID != changeset.NewRecordID
	}, time.Second, 10*time.Millisecond)

	rr = h.do(t, http.MethodDelete, "/api/v1/sessions/"+s.ID, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Zero(t, h.sessions.Len())
}

func TestSaveFailureShowsOnRows(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	h.persister.fail = changeset.ErrStoreUnavailable
	s := h.open(t)

	h.do(t, http.MethodPatch, rowPath(s.ID, "S2#0"), map[string]any{"column": colQuantity, "value": 1})
	rr := h.do(t, http.MethodPost, "/api/v1/sessions/"+s.ID+"/save", map[string]any{"rows": []string{"S2#0"}})
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		got := decode[row](t, h.do(t, http.MethodGet, rowPath(s.ID, "S2#0"), nil))
		return got.Error != "" && got.Changed
	}, time.Second, 10*time.Millisecond)
}

func TestSaveIdempotencyKey(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	s := h.open(t)
	h.do(t, http.MethodPatch, rowPath(s.ID, "S1#0"), map[string]any{"column": colQuantity, "value": 2})

	path := "/api/v1/sessions/" + s.ID + "/save"
	rr := h.do(t, http.MethodPost, path, nil, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr = h.do(t, http.MethodPost, path, nil, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "IDEMPOTENT_REPLAY")
	require.Equal(t, 1, h.persister.count())
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t, serialentry.Options{})
	big := bytes.Repeat([]byte("x"), 1<<17)
	rr := h.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"parent_record_id": string(big)})
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}
