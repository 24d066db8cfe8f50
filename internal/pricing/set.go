package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/serial-entry/internal/function"
	"github.com/noah-isme/serial-entry/internal/query"
)

// SetKind identifies one of the three condition sources.
type SetKind int

const (
	SetStandard SetKind = iota
	SetCompany
	SetAction
)

func (k SetKind) String() string {
	switch k {
	case SetStandard:
		return "standard"
	case SetCompany:
		return "company"
	case SetAction:
		return "action"
	default:
		return "unknown"
	}
}

// SetConfig names the searches feeding a Set. Only Conditions is required.
type SetConfig struct {
	Kind         SetKind
	Conditions   query.Request
	Scales       query.Request
	Bundles      query.Request
	BundleScales query.Request
	// KeyOrder overrides the pricing-wide key order for this set.
	KeyOrder []function.Name
}

// Configured reports whether the set has a condition search.
func (c SetConfig) Configured() bool { return c.Conditions.Name != "" }

// SetStep is the load position of a Set.
type SetStep int

const (
	SetStepCondition SetStep = iota
	SetStepScale
	SetStepBundle
	SetStepBundleScale
	SetStepDone
)

func (s SetStep) String() string {
	switch s {
	case SetStepCondition:
		return "condition"
	case SetStepScale:
		return "scale"
	case SetStepBundle:
		return "bundle"
	case SetStepBundleScale:
		return "bundle_scale"
	case SetStepDone:
		return "done"
	default:
		return "unknown"
	}
}

// NextSetStep advances s once its query completed.
func NextSetStep(s SetStep) SetStep {
	if s >= SetStepDone {
		return SetStepDone
	}
	return s + 1
}

// Set is one independently loaded condition source.
type Set struct {
	cfg      SetConfig
	finder   query.Finder
	target   string
	conv     Converter
	logger   zerolog.Logger
	step     SetStep
	plain    []*Condition
	bundles  []*Condition
	byRecord map[string]*Condition
}

// NewSet validates cfg and returns an unloaded set.
func NewSet(cfg SetConfig, finder query.Finder, targetCurrency string, conv Converter, logger zerolog.Logger) (*Set, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("%w: %s condition search", ErrMissingField, cfg.Kind)
	}
	if len(cfg.Conditions.Fields) == 0 {
		return nil, fmt.Errorf("%w: %s condition fields", ErrMissingField, cfg.Kind)
	}
	if finder == nil {
		return nil, errors.New("pricing: finder required")
	}
	return &Set{
		cfg:      cfg,
		finder:   finder,
		target:   targetCurrency,
		conv:     conv,
		logger:   logger.With().Str("set", cfg.Kind.String()).Logger(),
		byRecord: make(map[string]*Condition),
	}, nil
}

// Kind returns the set's source kind.
func (s *Set) Kind() SetKind { return s.cfg.Kind }

// Step returns the current load position.
func (s *Set) Step() SetStep { return s.step }

// Loaded reports whether every step completed.
func (s *Set) Loaded() bool { return s.step == SetStepDone }

// Conditions returns the plain conditions in load order.
func (s *Set) Conditions() []*Condition { return s.plain }

// Bundles returns the bundle conditions in load order.
func (s *Set) Bundles() []*Condition { return s.bundles }

func (s *Set) request(step SetStep) query.Request {
	switch step {
	case SetStepCondition:
		return s.cfg.Conditions
	case SetStepScale:
		return s.cfg.Scales
	case SetStepBundle:
		return s.cfg.Bundles
	case SetStepBundleScale:
		return s.cfg.BundleScales
	default:
		return query.Request{}
	}
}

// Load runs the remaining steps one query at a time. A cancelled query leaves
// the step unchanged so Load can be resumed.
func (s *Set) Load(ctx context.Context) error {
	for s.step != SetStepDone {
		req := s.request(s.step)
		if req.Name == "" {
			s.step = NextSetStep(s.step)
			continue
		}
		rows, err := s.finder.Find(ctx, req).Wait(ctx)
		if err != nil {
			if errors.Is(err, query.ErrCancelled) {
				return err
			}
			return fmt.Errorf("load %s %s: %w", s.cfg.Kind, s.step, err)
		}
		s.apply(s.step, req, rows)
		s.logger.Debug().Str("step", s.step.String()).Int("rows", len(rows)).Msg("pricing set step loaded")
		s.step = NextSetStep(s.step)
	}
	return nil
}

func (s *Set) apply(step SetStep, req query.Request, rows []query.Row) {
	fields := function.IndexOf(req.Fields)
	switch step {
	case SetStepCondition, SetStepBundle:
		for _, row := range rows {
			c := &Condition{Base: NewBase(row, fields, s.target, s.conv), Set: s.cfg.Kind}
			c.RowRecordID = c.Data[function.RowRecordID]
			if step == SetStepBundle {
				c.BundleID = c.Data[function.BundleID]
				if c.BundleID == "" {
					c.BundleID = c.RecordID
				}
				s.bundles = append(s.bundles, c)
			} else {
				s.plain = append(s.plain, c)
			}
			if c.RecordID != "" {
				s.byRecord[c.RecordID] = c
			}
		}
	case SetStepScale, SetStepBundleScale:
		for _, row := range rows {
			sc := &Scale{Base: NewBase(row, fields, s.target, s.conv)}
			sc.ConditionID = sc.Data[function.ConditionID]
			if sc.ConditionID == "" {
				sc.ConditionID = row.RootRecordID()
			}
			owner, ok := s.byRecord[sc.ConditionID]
			if !ok {
				s.logger.Debug().Str("condition", sc.ConditionID).Msg("scale without condition skipped")
				continue
			}
			owner.addScale(sc)
		}
	}
}

func (s *Set) keyOrder(fallback []function.Name) []function.Name {
	if len(s.cfg.KeyOrder) > 0 {
		return s.cfg.KeyOrder
	}
	return fallback
}

// ConditionFor returns the most specific plain condition for values.
func (s *Set) ConditionFor(values map[function.Name]string, keyOrder []function.Name, rowRecordID string) *Condition {
	return bestMatch(s.plain, values, s.keyOrder(keyOrder), rowRecordID)
}

// BundleFor returns the most specific bundle condition for values.
func (s *Set) BundleFor(values map[function.Name]string, keyOrder []function.Name, rowRecordID string) *Condition {
	return bestMatch(s.bundles, values, s.keyOrder(keyOrder), rowRecordID)
}

// bestMatch keeps the condition with the smallest match index; on ties the
// first loaded condition wins.
func bestMatch(conds []*Condition, values map[function.Name]string, keyOrder []function.Name, rowRecordID string) *Condition {
	var best *Condition
	bestIdx := -1
	for _, c := range conds {
		var idx int
		if c.RowRecordID != "" {
			if c.RowRecordID != rowRecordID {
				continue
			}
			idx = 0
		} else {
			idx = c.MatchIndex(values, keyOrder, -1)
		}
		if idx < 0 {
			continue
		}
		if best == nil || idx < bestIdx {
			best, bestIdx = c, idx
		}
		if bestIdx == 0 {
			break
		}
	}
	return best
}
