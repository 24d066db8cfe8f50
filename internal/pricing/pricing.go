// Package pricing resolves prices, discounts and free goods for serial entry
// rows from layered condition tables.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/query"
	"github.com/noah-isme/serial-entry/internal/value"
)

// Position is the view of a row the pricing layer needs.
type Position interface {
	// PositionKey uniquely identifies the row within the session.
	PositionKey() string
	// SourceRecordID is the record id of the row's source record.
	SourceRecordID() string
	// MatchValue returns the row's source value for a function name.
	MatchValue(name function.Name) string
	Quantity() int
	EndPrice() float64
	// Active reports whether the row currently participates in totals.
	Active() bool
}

// Config describes the searches and options of a pricing session.
type Config struct {
	Standard SetConfig
	Company  SetConfig
	Action   SetConfig
	// PriceList is the optional article price search.
	PriceList query.Request
	// KeyOrder is the function apply order used for condition matching.
	KeyOrder       []function.Name
	TargetCurrency string
	// ItemNumberFunction, when set, keys prices by that function's value so
	// rows sharing an item number share one snapshot.
	ItemNumberFunction function.Name
}

// Step is the load position of Pricing.
type Step int

const (
	StepStandard Step = iota
	StepAction
	StepCompany
	StepPriceList
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepStandard:
		return "standard"
	case StepAction:
		return "action"
	case StepCompany:
		return "company"
	case StepPriceList:
		return "price_list"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// NextStep advances s once its load completed.
func NextStep(s Step) Step {
	if s >= StepDone {
		return StepDone
	}
	return s + 1
}

// Pricing aggregates the condition sets and the article price list.
type Pricing struct {
	cfg      Config
	finder   query.Finder
	conv     Converter
	logger   zerolog.Logger
	keyOrder []function.Name

	step    Step
	sets    map[SetKind]*Set
	listing map[string]priceListEntry

	mu          sync.Mutex
	prices      map[string]*Price
	rowPricings map[string]*RowPricing
	bundles     map[string][]Position
}

// New validates cfg and builds an unloaded Pricing.
func New(cfg Config, finder query.Finder, conv Converter, logger zerolog.Logger) (*Pricing, error) {
	if finder == nil {
		return nil, errors.New("pricing: finder required")
	}
	if !cfg.Standard.Configured() && !cfg.Company.Configured() && !cfg.Action.Configured() && cfg.PriceList.Name == "" {
		return nil, fmt.Errorf("%w: no condition or price list search", ErrMissingField)
	}
	p := &Pricing{
		cfg:         cfg,
		finder:      finder,
		conv:        conv,
		logger:      logger,
		keyOrder:    cfg.KeyOrder,
		sets:        make(map[SetKind]*Set),
		prices:      make(map[string]*Price),
		rowPricings: make(map[string]*RowPricing),
		bundles:     make(map[string][]Position),
	}
	if len(p.keyOrder) == 0 {
		p.keyOrder = []function.Name{function.ItemNumber}
	}
	for kind, sc := range map[SetKind]SetConfig{SetStandard: cfg.Standard, SetCompany: cfg.Company, SetAction: cfg.Action} {
		if !sc.Configured() {
			continue
		}
		sc.Kind = kind
		set, err := NewSet(sc, finder, cfg.TargetCurrency, conv, logger)
		if err != nil {
			return nil, err
		}
		p.sets[kind] = set
	}
	return p, nil
}

// Step returns the current load position.
func (p *Pricing) Step() Step { return p.step }

// Loaded reports whether every set and the price list are loaded.
func (p *Pricing) Loaded() bool { return p.step == StepDone }

// Set returns the loaded set of kind, if configured.
func (p *Pricing) Set(kind SetKind) (*Set, bool) {
	s, ok := p.sets[kind]
	return s, ok
}

// Load drives the sets and the price list strictly one after the other.
func (p *Pricing) Load(ctx context.Context) error {
	for p.step != StepDone {
		if err := p.loadStep(ctx, p.step); err != nil {
			return err
		}
		p.logger.Debug().Str("step", p.step.String()).Msg("pricing step loaded")
		p.step = NextStep(p.step)
	}
	return nil
}

func (p *Pricing) loadStep(ctx context.Context, step Step) error {
	var kind SetKind
	switch step {
	case StepStandard:
		kind = SetStandard
	case StepAction:
		kind = SetAction
	case StepCompany:
		kind = SetCompany
	case StepPriceList:
		return p.loadPriceList(ctx)
	default:
		return nil
	}
	set, ok := p.sets[kind]
	if !ok {
		return nil
	}
	return set.Load(ctx)
}

func (p *Pricing) loadPriceList(ctx context.Context) error {
	req := p.cfg.PriceList
	if req.Name == "" {
		return nil
	}
	rows, err := p.finder.Find(ctx, req).Wait(ctx)
	if err != nil {
		if errors.Is(err, query.ErrCancelled) {
			return err
		}
		return fmt.Errorf("load price list: %w", err)
	}
	fields := function.IndexOf(req.Fields)
	if p.cfg.ItemNumberFunction != "" && !fields.Has(function.ItemNumber) {
		p.logger.Warn().
			Str("search", req.Name).
			Str("function", string(p.cfg.ItemNumberFunction)).
			Msg("pricing by item number configured but price query has no item number")
	}
	base := ""
	if p.conv != nil {
		base = p.conv.BaseCurrency()
	}
	p.listing = dedupePriceList(readPriceList(rows, fields), p.cfg.TargetCurrency, base)
	return nil
}

func (p *Pricing) priceKey(pos Position) (key, itemNumber string) {
	itemNumber = pos.MatchValue(function.ItemNumber)
	if p.cfg.ItemNumberFunction != "" {
		item := pos.MatchValue(p.cfg.ItemNumberFunction)
		return "item:" + item, item
	}
	return "row:" + pos.PositionKey(), itemNumber
}

// PriceForRow returns the session-scoped RowPricing of pos, creating the price
// snapshot on first access. It returns nil before loading completes.
func (p *Pricing) PriceForRow(pos Position) *RowPricing {
	if p == nil || pos == nil || !p.Loaded() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.rowPricings[pos.PositionKey()]; ok {
		return rp
	}
	key, item := p.priceKey(pos)
	price, ok := p.prices[key]
	if !ok {
		price = p.buildPrice(pos, key, item)
		p.prices[key] = price
	}
	rp := &RowPricing{pos: pos, price: price, pricing: p}
	p.rowPricings[pos.PositionKey()] = rp
	if id := rp.BundleIdentification(); id != "" {
		p.bundles[id] = append(p.bundles[id], pos)
	}
	return rp
}

func (p *Pricing) buildPrice(pos Position, key, item string) *Price {
	var price *Price
	if e, ok := p.listing[item]; ok && item != "" {
		price = e.snapshot(key, p.cfg.TargetCurrency, p.conv)
	} else {
		e := priceListEntry{
			itemNumber: item,
			unitPrice:  value.Text(pos.MatchValue(function.UnitPrice)),
			currency:   pos.MatchValue(function.Currency),
			priceList:  pos.MatchValue(function.PriceList),
		}
		price = e.snapshot(key, p.cfg.TargetCurrency, p.conv)
	}
	price.Conditions = p.ConditionsFor(pos)
	return price
}

// matchValues snapshots the row values for the key order.
func (p *Pricing) matchValues(pos Position) map[function.Name]string {
	values := make(map[function.Name]string, len(p.keyOrder))
	for _, k := range p.keyOrder {
		values[k] = pos.MatchValue(k)
	}
	for _, set := range p.sets {
		for _, k := range set.cfg.KeyOrder {
			if _, ok := values[k]; !ok {
				values[k] = pos.MatchValue(k)
			}
		}
	}
	return values
}

// ConditionsFor returns the applicable conditions of pos, action first, then
// company, then standard. Each set contributes its bundle rule if one
// matches, else its most specific plain condition.
func (p *Pricing) ConditionsFor(pos Position) []*Condition {
	values := p.matchValues(pos)
	rowID := pos.SourceRecordID()
	return p.ConditionsForDataKeyOrder(values, p.keyOrder, rowID)
}

// ConditionsForDataKeyOrder matches every set against values.
func (p *Pricing) ConditionsForDataKeyOrder(values map[function.Name]string, keyOrder []function.Name, rowRecordID string) []*Condition {
	var out []*Condition
	for _, kind := range []SetKind{SetAction, SetCompany, SetStandard} {
		set, ok := p.sets[kind]
		if !ok {
			continue
		}
		if c := set.BundleFor(values, keyOrder, rowRecordID); c != nil {
			out = append(out, c)
			continue
		}
		if c := set.ConditionFor(values, keyOrder, rowRecordID); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// positionsForBundle returns the active positions tagged with id.
func (p *Pricing) positionsForBundle(id string) []Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Position
	for _, pos := range p.bundles[id] {
		if pos.Active() {
			out = append(out, pos)
		}
	}
	return out
}

// Forget drops the cached pricing of a removed position.
func (p *Pricing) Forget(pos Position) {
	if p == nil || pos == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rp, ok := p.rowPricings[pos.PositionKey()]
	if !ok {
		return
	}
	delete(p.rowPricings, pos.PositionKey())
	if id := rp.BundleIdentification(); id != "" {
		members := p.bundles[id][:0]
		for _, m := range p.bundles[id] {
			if m.PositionKey() != pos.PositionKey() {
				members = append(members, m)
			}
		}
		p.bundles[id] = members
	}
}
