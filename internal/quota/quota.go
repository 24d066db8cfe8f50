// Package quota tracks cumulative issued quantities per item against configured
// ceilings.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/query"
)

// ErrNotConfigured is returned when the quota searches are missing. Callers
// treat it as "no quota" rather than a failure.
var ErrNotConfigured = errors.New("quota: not configured")

// DefaultLinkParam is the request parameter receiving the resolved link record.
const DefaultLinkParam = "LinkRecordID"

// Config names the quota searches.
type Config struct {
	// Link resolves the record quota rows hang off (optional).
	Link query.Request
	// Articles returns ItemNumber, QuotaQuantity and optionally QuotaPeriod.
	Articles query.Request
	// Issued returns ItemNumber and QuotaIssued tallies (optional).
	Issued    query.Request
	LinkParam string
}

// Position is the view of a row the quota handler needs.
type Position interface {
	QuotaItemNumber() string
	QuotaCount() int
	Active() bool
}

// Step is the load position of a Handler.
type Step int

const (
	StepLink Step = iota
	StepArticles
	StepIssued
	StepSeed
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepLink:
		return "link"
	case StepArticles:
		return "articles"
	case StepIssued:
		return "issued"
	case StepSeed:
		return "seed"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// NextStep advances s once it completed.
func NextStep(s Step) Step {
	if s >= StepDone {
		return StepDone
	}
	return s + 1
}

type article struct {
	ceiling     int
	periodYears int
}

// Handler loads and serves quota state for one session.
type Handler struct {
	cfg    Config
	finder query.Finder
	logger zerolog.Logger
	now    func() time.Time

	step     Step
	link     string
	articles map[string]article
	issued   map[string]int

	mu     sync.Mutex
	quotas map[string]*RowQuota
}

// Option customises a Handler.
type Option func(*Handler)

// WithClock overrides the clock used for period boundaries.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler validates cfg.
func NewHandler(cfg Config, finder query.Finder, logger zerolog.Logger, opts ...Option) (*Handler, error) {
	if cfg.Articles.Name == "" || finder == nil {
		return nil, ErrNotConfigured
	}
	fields := function.IndexOf(cfg.Articles.Fields)
	if !fields.Has(function.ItemNumber) || !fields.Has(function.QuotaQuantity) {
		return nil, fmt.Errorf("%w: article search lacks %s or %s", ErrNotConfigured, function.ItemNumber, function.QuotaQuantity)
	}
	if cfg.LinkParam == "" {
		cfg.LinkParam = DefaultLinkParam
	}
	h := &Handler{
		cfg:      cfg,
		finder:   finder,
		logger:   logger,
		now:      time.Now,
		articles: make(map[string]article),
		issued:   make(map[string]int),
		quotas:   make(map[string]*RowQuota),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Step returns the current load position.
func (h *Handler) Step() Step { return h.step }

// Loaded reports whether the handler completed every step.
func (h *Handler) Loaded() bool { return h != nil && h.step == StepDone }

// Load runs the remaining steps and seeds the initial counts from positions.
func (h *Handler) Load(ctx context.Context, positions []Position) error {
	for h.step != StepDone {
		if h.step == StepSeed {
			h.seed(positions)
		} else if err := h.loadStep(ctx); err != nil {
			return err
		}
		h.logger.Debug().Str("step", h.step.String()).Msg("quota step loaded")
		h.step = NextStep(h.step)
	}
	return nil
}

func (h *Handler) request(s Step) query.Request {
	var req query.Request
	switch s {
	case StepLink:
		return h.cfg.Link
	case StepArticles:
		req = h.cfg.Articles
	case StepIssued:
		req = h.cfg.Issued
	}
	if req.Name == "" || h.link == "" {
		return req
	}
	params := make(map[string]string, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params[h.cfg.LinkParam] = h.link
	req.Params = params
	return req
}

func (h *Handler) loadStep(ctx context.Context) error {
	req := h.request(h.step)
	if req.Name == "" {
		return nil
	}
	rows, err := h.finder.Find(ctx, req).Wait(ctx)
	if err != nil {
		if errors.Is(err, query.ErrCancelled) {
			return err
		}
		return fmt.Errorf("load quota %s: %w", h.step, err)
	}
	fields := function.IndexOf(req.Fields)
	cell := func(row query.Row, n function.Name) (string, int, bool) {
		pos, ok := fields.First(n)
		if !ok {
			return "", 0, false
		}
		v := row.Value(pos)
		return v.String(), v.Int(), !v.IsEmpty()
	}
	switch h.step {
	case StepLink:
		if len(rows) > 0 {
			h.link = rows[0].RootRecordID()
		}
	case StepArticles:
		for _, row := range rows {
			item, _, ok := cell(row, function.ItemNumber)
			if !ok {
				continue
			}
			_, ceiling, hasCeiling := cell(row, function.QuotaQuantity)
			if !hasCeiling {
				continue
			}
			_, years, _ := cell(row, function.QuotaPeriod)
			h.articles[item] = article{ceiling: ceiling, periodYears: years}
		}
	case StepIssued:
		for _, row := range rows {
			item, _, ok := cell(row, function.ItemNumber)
			if !ok {
				continue
			}
			_, issued, _ := cell(row, function.QuotaIssued)
			h.issued[item] += issued
		}
	}
	return nil
}

func (h *Handler) seed(positions []Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pos := range positions {
		if !pos.Active() {
			continue
		}
		item := pos.QuotaItemNumber()
		if item == "" {
			continue
		}
		q := h.rowQuotaLocked(item)
		q.InitialCount += pos.QuotaCount()
	}
}

// RowQuotaForItemNumber returns the memoized quota of item.
func (h *Handler) RowQuotaForItemNumber(item string) *RowQuota {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rowQuotaLocked(item)
}

func (h *Handler) rowQuotaLocked(item string) *RowQuota {
	if q, ok := h.quotas[item]; ok {
		return q
	}
	q := &RowQuota{ItemNumber: item, Issued: h.issued[item], handler: h}
	if a, ok := h.articles[item]; ok {
		q.Ceiling, q.HasCeiling, q.PeriodYears = a.ceiling, true, a.periodYears
	}
	h.quotas[item] = q
	return q
}

// QuotaStartDateForPeriod returns the start of the current quota period.
// Period rollover is not modelled; the handler's clock is returned.
func (h *Handler) QuotaStartDateForPeriod(int) time.Time { return h.now() }

// QuotaEndDateForPeriod returns the end of the current quota period.
// Period rollover is not modelled; the handler's clock is returned.
func (h *Handler) QuotaEndDateForPeriod(int) time.Time { return h.now() }

// RowQuota is the quota state of one item number.
type RowQuota struct {
	ItemNumber   string
	Ceiling      int
	HasCeiling   bool
	PeriodYears  int
	Issued       int
	InitialCount int
	handler      *Handler
}

// Unlimited reports whether no ceiling applies.
func (q *RowQuota) Unlimited() bool { return q == nil || !q.HasCeiling }

// RemainingQuotaForCount returns the ceiling minus the quantity issued outside
// this session minus count. Negative values are the over-quota deficit; an
// unlimited quota returns 0.
func (q *RowQuota) RemainingQuotaForCount(count int) int {
	if q.Unlimited() {
		return 0
	}
	return q.Ceiling - (q.Issued - q.InitialCount) - count
}

// PeriodStart returns the start of the quota period.
func (q *RowQuota) PeriodStart() time.Time {
	if q == nil || q.handler == nil {
		return time.Now()
	}
	return q.handler.QuotaStartDateForPeriod(q.PeriodYears)
}

// PeriodEnd returns the end of the quota period.
func (q *RowQuota) PeriodEnd() time.Time {
	if q == nil || q.handler == nil {
		return time.Now()
	}
	return q.handler.QuotaEndDateForPeriod(q.PeriodYears)
}

// AutoCorrect lowers an edited quantity by a negative remaining quota. It
// returns the corrected value and whether a correction happened.
func AutoCorrect(newValue, remaining int) (int, bool) {
	if remaining >= 0 || newValue <= 0 {
		return newValue, false
	}
	deficit := -remaining
	if deficit >= newValue {
		return 0, true
	}
	return newValue - deficit, true
}
