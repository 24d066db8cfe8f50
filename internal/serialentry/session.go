// Package serialentry holds the serial entry session: the grid of rows, the
// recomputation cascade that prices them and the persistence queue that turns
// their edits into change sets.
package serialentry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/changeset"
	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/obs"
	"github.com/noah-isme/serial-entry/internal/pricing"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/quota"
	"github.com/noah-isme/serial-entry/internal/value"
)

var (
	// ErrNotLoaded is returned for operations issued before Build completed.
	ErrNotLoaded = errors.New("serialentry: session not loaded")
	// ErrBuildFailed is returned by Build after an earlier build step failed.
	ErrBuildFailed = errors.New("serialentry: build failed")
	// ErrInvalidColumn is returned for column indexes outside the column set.
	ErrInvalidColumn = errors.New("serialentry: invalid column")
	// ErrUnknownRow is returned for rows that do not belong to the session.
	ErrUnknownRow = errors.New("serialentry: unknown row")
)

// Default link fields of destination and child searches.
const (
	DefaultSourceLinkField = "SourceRecordID"
	DefaultParentLinkField = "ParentRecordID"
)

// Config describes the searches and layout of a session.
type Config struct {
	Columns []Column
	// Source returns the source rows; fields are function names.
	Source query.Request
	// Destination returns stored destination records; fields are destination
	// field names plus SourceLinkField.
	Destination query.Request
	// Children returns stored child records per child relation; fields are
	// child field names plus ParentLinkField.
	Children []query.Request
	// Listing returns listing rows keyed by ItemNumber; fields are function names.
	Listing         query.Request
	SourceLinkField string
	ParentLinkField string
	// Layout carries info areas and template filters of the destination.
	Layout         changeset.Layout
	ParentRecordID string
	Pricing        pricing.Config
	Quota          quota.Config
}

func (c Config) pricingConfigured() bool {
	p := c.Pricing
	return p.Standard.Configured() || p.Company.Configured() || p.Action.Configured() || p.PriceList.Name != ""
}

// Deps are the collaborators of a session.
type Deps struct {
	Finder    query.Finder
	Converter pricing.Converter
	Persister changeset.Persister
	Logger    zerolog.Logger
	// Now drives quota periods and $curDay/$curTime rules.
	Now func() time.Time
}

// Session is one serial entry grid bound to a parent record.
type Session struct {
	cfg       Config
	opts      Options
	cols      *Columns
	finder    query.Finder
	persister changeset.Persister
	logger    zerolog.Logger

	pricing   *pricing.Pricing
	quota     *quota.Handler
	processor *changeset.Processor

	step    BuildStep
	overall OverallState
	rows    []*Row
	nextSeq map[string]int

	mu       sync.Mutex
	pending  map[string]*pendingBatch
	inFlight map[string]string
}

// New validates cfg and wires the pricing and quota layers. Quota is optional:
// a missing quota configuration disables it.
func New(cfg Config, opts Options, deps Deps) (*Session, error) {
	if deps.Finder == nil {
		return nil, errors.New("serialentry: finder required")
	}
	cols, err := NewColumns(cfg.Columns)
	if err != nil {
		return nil, err
	}
	if cfg.SourceLinkField == "" {
		cfg.SourceLinkField = DefaultSourceLinkField
	}
	if cfg.ParentLinkField == "" {
		cfg.ParentLinkField = DefaultParentLinkField
	}
	s := &Session{
		cfg:       cfg,
		opts:      opts,
		cols:      cols,
		finder:    deps.Finder,
		persister: deps.Persister,
		logger:    obs.Component(deps.Logger, "serialentry"),
		nextSeq:   make(map[string]int),
		pending:   make(map[string]*pendingBatch),
		inFlight:  make(map[string]string),
	}

	if cfg.pricingConfigured() {
		pc := cfg.Pricing
		if pc.TargetCurrency == "" {
			pc.TargetCurrency = opts.TargetCurrency
		}
		if pc.ItemNumberFunction == "" {
			pc.ItemNumberFunction = opts.PricingItemNumber
		}
		s.pricing, err = pricing.New(pc, deps.Finder, deps.Converter, obs.Component(deps.Logger, "pricing"))
		if err != nil {
			return nil, fmt.Errorf("serialentry: pricing: %w", err)
		}
	}

	var qopts []quota.Option
	if deps.Now != nil {
		qopts = append(qopts, quota.WithClock(deps.Now))
	}
	s.quota, err = quota.NewHandler(cfg.Quota, deps.Finder, obs.Component(deps.Logger, "quota"), qopts...)
	if err != nil {
		if !errors.Is(err, quota.ErrNotConfigured) {
			return nil, fmt.Errorf("serialentry: quota: %w", err)
		}
		if cfg.Quota.Articles.Name != "" {
			s.logger.Warn().Err(err).Msg("quota disabled")
		}
		s.quota = nil
	}

	layout := cfg.Layout
	layout.SyncAfterChildren = layout.SyncAfterChildren || opts.SyncAfterChildren
	layout.SaveUnchanged = layout.SaveUnchanged || opts.SaveUnchanged
	s.processor = changeset.NewProcessor(cols.Layout(layout), opts.Params, s.logger)
	if deps.Now != nil {
		s.processor.Now = deps.Now
	}
	return s, nil
}

// Columns returns the column set.
func (s *Session) Columns() *Columns { return s.cols }

// Step returns the build position.
func (s *Session) Step() BuildStep { return s.step }

// Loaded reports whether Build completed.
func (s *Session) Loaded() bool { return s.step == BuildDone }

// OverallDiscountActive reports whether the overall discount currently applies.
func (s *Session) OverallDiscountActive() bool { return s.overall == OverallActive }

// Totals sums gross, discount and net over the active rows.
func (s *Session) Totals() pricing.Summary {
	items := make([]pricing.Item, 0, len(s.rows))
	for _, r := range s.rows {
		if !r.Active() {
			continue
		}
		items = append(items, pricing.Item{
			Qty:       r.Quantity(),
			UnitPrice: r.float(function.UnitPrice),
			Discount:  r.float(function.Discount),
		})
	}
	return pricing.Compute(items)
}

// Pricing returns the pricing layer, nil when pricing is not configured.
func (s *Session) Pricing() *pricing.Pricing { return s.pricing }

// Quota returns the quota handler, nil when quota is not configured.
func (s *Session) Quota() *quota.Handler { return s.quota }

// Rows returns the rows in display order.
func (s *Session) Rows() []*Row {
	out := make([]*Row, len(s.rows))
	copy(out, s.rows)
	return out
}

// Row returns the row with key.
func (s *Session) Row(key string) (*Row, bool) {
	for _, r := range s.rows {
		if r.key == key {
			return r, true
		}
	}
	return nil, false
}

// Build runs the remaining build steps. A cancelled step leaves the session
// at that step so Build can be called again.
func (s *Session) Build(ctx context.Context) error {
	for s.step != BuildDone {
		if s.step == BuildFailed {
			return ErrBuildFailed
		}
		err := s.buildStep(ctx, s.step)
		ev := EventCompleted
		switch {
		case err == nil:
		case errors.Is(err, query.ErrCancelled), errors.Is(err, context.Canceled):
			ev = EventCancelled
		default:
			ev = EventFailed
		}
		if err == nil {
			s.logger.Debug().Str("step", s.step.String()).Msg("build step completed")
		}
		s.step = NextBuildStep(s.step, ev)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) buildStep(ctx context.Context, step BuildStep) error {
	switch step {
	case BuildPricing:
		if s.pricing == nil {
			return nil
		}
		return s.pricing.Load(ctx)
	case BuildDestination:
		if err := s.loadSource(ctx); err != nil {
			return err
		}
		return s.loadDestination(ctx)
	case BuildDestinationChildren:
		return s.loadChildren(ctx)
	case BuildListing:
		return s.loadListing(ctx)
	case BuildQuota:
		if s.quota == nil {
			return nil
		}
		positions := make([]quota.Position, 0, len(s.rows))
		for _, r := range s.rows {
			positions = append(positions, r)
		}
		return s.quota.Load(ctx, positions)
	case BuildRows:
		s.computeAll()
		return nil
	default:
		return nil
	}
}

func (s *Session) find(ctx context.Context, req query.Request) ([]query.Row, error) {
	rows, err := s.finder.Find(ctx, req).Wait(ctx)
	if err != nil {
		if errors.Is(err, query.ErrCancelled) {
			return nil, err
		}
		return nil, fmt.Errorf("serialentry: load %s: %w", req.Name, err)
	}
	return rows, nil
}

// fieldPositions maps request field names to their result column.
func fieldPositions(fields []string) map[string]int {
	out := make(map[string]int, len(fields))
	for i, f := range fields {
		if _, ok := out[f]; !ok {
			out[f] = i
		}
	}
	return out
}

func (s *Session) loadSource(ctx context.Context) error {
	req := s.cfg.Source
	if req.Name == "" {
		return nil
	}
	rows, err := s.find(ctx, req)
	if err != nil {
		return err
	}
	for _, qr := range rows {
		src := make(map[function.Name]string, len(req.Fields))
		for i, f := range req.Fields {
			src[function.Name(f)] = qr.RawValue(i)
		}
		r := s.appendRow(qr.RootRecordID(), src)
		for i := 0; i < s.cols.Len(); i++ {
			col := s.cols.At(i)
			if col.Kind == KindSource && col.Function != "" {
				r.values[i] = value.Text(src[col.Function])
			}
		}
	}
	return nil
}

func (s *Session) appendRow(sourceRecordID string, src map[function.Name]string) *Row {
	seq := s.nextSeq[sourceRecordID]
	s.nextSeq[sourceRecordID] = seq + 1
	r := newRow(s.cols, sourceRecordID, seq, src)
	s.rows = append(s.rows, r)
	return r
}

func (s *Session) loadDestination(ctx context.Context) error {
	req := s.cfg.Destination
	if req.Name == "" {
		return nil
	}
	rows, err := s.find(ctx, req)
	if err != nil {
		return err
	}
	pos := fieldPositions(req.Fields)
	link, hasLink := pos[s.cfg.SourceLinkField]
	claimed := make(map[*Row]bool)
	for _, qr := range rows {
		sourceID := ""
		if hasLink {
			sourceID = qr.RawValue(link)
		}
		r := s.unclaimedRow(sourceID, claimed)
		if r == nil {
			if base := s.firstRow(sourceID); base != nil {
				r = base.duplicate(s.nextSeq[sourceID])
				s.nextSeq[sourceID]++
				s.insertAfter(base, r)
			} else {
				r = s.appendRow(sourceID, nil)
			}
		}
		claimed[r] = true
		r.destRecordID = qr.RootRecordID()
		for i := 0; i < s.cols.Len(); i++ {
			col := s.cols.At(i)
			if col.Kind != KindDestination {
				continue
			}
			if p, ok := pos[col.Field]; ok {
				v := qr.Value(p)
				r.values[i], r.originals[i] = v, v
			}
		}
	}
	return nil
}

func (s *Session) unclaimedRow(sourceID string, claimed map[*Row]bool) *Row {
	for _, r := range s.rows {
		if r.sourceRecordID == sourceID && !claimed[r] && r.destRecordID == "" {
			return r
		}
	}
	return nil
}

func (s *Session) firstRow(sourceID string) *Row {
	for _, r := range s.rows {
		if r.sourceRecordID == sourceID {
			return r
		}
	}
	return nil
}

func (s *Session) insertAfter(base, r *Row) {
	for i, cur := range s.rows {
		if cur != base {
			continue
		}
		j := i + 1
		for j < len(s.rows) && s.rows[j].sourceRecordID == base.sourceRecordID {
			j++
		}
		s.rows = append(s.rows, nil)
		copy(s.rows[j+1:], s.rows[j:])
		s.rows[j] = r
		return
	}
	s.rows = append(s.rows, r)
}

func (s *Session) loadChildren(ctx context.Context) error {
	byDest := make(map[string]*Row, len(s.rows))
	for _, r := range s.rows {
		if changeset.Persisted(r.destRecordID) {
			byDest[r.destRecordID] = r
		}
	}
	for c, req := range s.cfg.Children {
		if req.Name == "" || c >= s.cols.Children() {
			continue
		}
		rows, err := s.find(ctx, req)
		if err != nil {
			return err
		}
		pos := fieldPositions(req.Fields)
		link, ok := pos[s.cfg.ParentLinkField]
		if !ok {
			return fmt.Errorf("serialentry: child search %s lacks %s", req.Name, s.cfg.ParentLinkField)
		}
		for _, qr := range rows {
			r, ok := byDest[qr.RawValue(link)]
			if !ok || r.childRecordIDs[c] != "" {
				continue
			}
			r.childRecordIDs[c] = qr.RootRecordID()
			for i := 0; i < s.cols.Len(); i++ {
				col := s.cols.At(i)
				if col.Kind != KindDestinationChild || col.ChildIndex != c {
					continue
				}
				if p, ok := pos[col.Field]; ok {
					v := qr.Value(p)
					r.values[i], r.originals[i] = v, v
				}
			}
		}
	}
	for _, r := range s.rows {
		for i := 0; i < s.cols.Len(); i++ {
			if col := s.cols.At(i); col.ChildSum {
				r.values[i] = s.childSum(r, col.Function)
				r.originals[i] = r.values[i]
			}
		}
	}
	return nil
}

func (s *Session) loadListing(ctx context.Context) error {
	req := s.cfg.Listing
	if req.Name == "" {
		return nil
	}
	rows, err := s.find(ctx, req)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.logger.Warn().Str("search", req.Name).Msg("listing returned no rows")
		return nil
	}
	fields := function.IndexOf(req.Fields)
	itemPos, ok := fields.First(function.ItemNumber)
	if !ok {
		return fmt.Errorf("serialentry: listing search %s lacks %s", req.Name, function.ItemNumber)
	}
	byItem := make(map[string]query.Row, len(rows))
	for _, qr := range rows {
		item := qr.RawValue(itemPos)
		if _, dup := byItem[item]; !dup {
			byItem[item] = qr
		}
	}
	for _, r := range s.rows {
		qr, ok := byItem[r.MatchValue(function.ItemNumber)]
		if !ok {
			continue
		}
		r.listingRecordID = qr.RootRecordID()
		listed := make(map[function.Name]string, len(req.Fields))
		for i, f := range req.Fields {
			listed[function.Name(f)] = qr.RawValue(i)
		}
		for name, v := range listed {
			if _, ok := r.source[name]; !ok {
				r.source[name] = v
			}
		}
		for i := 0; i < s.cols.Len(); i++ {
			col := s.cols.At(i)
			if col.Kind == KindListing && col.Function != "" {
				r.values[i] = value.Text(listed[col.Function])
			}
		}
	}
	return nil
}

// computeAll prices every active row once the session is loaded.
func (s *Session) computeAll() {
	qty, ok := s.cols.Index(function.Quantity)
	if !ok {
		return
	}
	var dependents []*Row
	for _, r := range s.rows {
		if !r.Active() {
			continue
		}
		dependents = append(dependents, s.computeRow(r, qty, false, true)...)
	}
	for _, r := range uniqueRows(dependents, nil) {
		s.computeRow(r, qty, false, true)
	}
}

// DuplicateRow adds a copy of r's source and listing values below r. The copy
// has no destination identity.
func (s *Session) DuplicateRow(r *Row) (*Row, error) {
	if !s.Loaded() {
		return nil, ErrNotLoaded
	}
	if _, ok := s.Row(r.key); !ok {
		return nil, ErrUnknownRow
	}
	d := r.duplicate(s.nextSeq[r.sourceRecordID])
	s.nextSeq[r.sourceRecordID]++
	s.insertAfter(r, d)
	if qty, ok := s.cols.Index(function.Quantity); ok {
		s.computeRow(d, qty, false, true)
	}
	return d, nil
}
